// Package fallback journals awards that could not reach the ledger store so they can be replayed
// once the store is reachable again.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/Layr-Labs/xp-ledger/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/syndtr/goleveldb/leveldb"
	levelStorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	keyPrefix        = "pending/"
	deadLetterPrefix = "dead/"

	DefaultMaxReplayAttempts = 5
)

type EntryKind string

const (
	EntryKind_Swap  EntryKind = "swap"
	EntryKind_Award EntryKind = "award"
)

var ErrInvalidEntry = errors.New("invalid fallback entry")

// PendingEntry is a full copy of a request that could not be recorded.
type PendingEntry struct {
	Key              string          `json:"-"`
	Id               string          `json:"id"`
	Kind             EntryKind       `json:"kind"`
	WalletAddress    string          `json:"wallet_address"`
	TxHash           string          `json:"tx_hash,omitempty"`
	AmountUsd        decimal.Decimal `json:"amount_usd"`
	GameType         string          `json:"game_type,omitempty"`
	BaseXp           int64           `json:"base_xp,omitempty"`
	Source           storage.Source  `json:"source"`
	NftCountOverride *uint64         `json:"nft_count_override,omitempty"`
	AccumulatedAt    time.Time       `json:"accumulated_at"`
	Attempts         int             `json:"attempts,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
}

// ReplayFunc records an entry through the ledger. Returning storage.ErrDuplicate counts as success.
type ReplayFunc func(ctx context.Context, entry *PendingEntry) error

type ReconcileSummary struct {
	Replayed   int
	Duplicates int
	// Failed entries stay pending with their attempt count raised.
	Failed int
	// DeadLettered entries exhausted their attempts and were moved out of the pending set.
	DeadLettered int
	Remaining    int
}

type FallbackJournal struct {
	db          *leveldb.DB
	logger      *zap.Logger
	clock       func() time.Time
	maxAttempts int

	// reconcileLock keeps reconcile passes from replaying the same entry twice.
	reconcileLock sync.Mutex
}

// NewFallbackJournal opens the journal at path, or an in-memory journal when path is empty.
func NewFallbackJournal(path string, l *zap.Logger) (*FallbackJournal, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(levelStorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		l.Sugar().Errorw("Failed to open fallback journal", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("failed to open fallback journal: %w", err)
	}
	return &FallbackJournal{
		db:          db,
		logger:      l,
		clock:       time.Now,
		maxAttempts: DefaultMaxReplayAttempts,
	}, nil
}

func (fj *FallbackJournal) SetClock(clock func() time.Time) {
	fj.clock = clock
}

// SetMaxAttempts sets how many failed replays an entry gets before it is dead lettered.
func (fj *FallbackJournal) SetMaxAttempts(n int) {
	if n > 0 {
		fj.maxAttempts = n
	}
}

func walletPrefix(wallet string) string {
	return fmt.Sprintf("%s%s/", keyPrefix, utils.NormalizeAddress(wallet))
}

func (fj *FallbackJournal) Accumulate(entry *PendingEntry) (*PendingEntry, error) {
	if entry == nil || entry.WalletAddress == "" {
		return nil, ErrInvalidEntry
	}
	if entry.Kind != EntryKind_Swap && entry.Kind != EntryKind_Award {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, entry.Kind)
	}

	e := *entry
	e.WalletAddress = utils.NormalizeAddress(e.WalletAddress)
	e.Id = uuid.New().String()
	e.AccumulatedAt = fj.clock().UTC()
	e.Key = fmt.Sprintf("%s%020d/%s", walletPrefix(e.WalletAddress), e.AccumulatedAt.UnixNano(), e.Id)

	value, err := json.Marshal(&e)
	if err != nil {
		return nil, err
	}
	if err := fj.db.Put([]byte(e.Key), value, nil); err != nil {
		fj.logger.Sugar().Errorw("Failed to accumulate fallback entry",
			zap.String("wallet", e.WalletAddress),
			zap.Error(err),
		)
		return nil, err
	}
	fj.logger.Sugar().Infow("Accumulated award in fallback journal",
		zap.String("key", e.Key),
		zap.String("kind", string(e.Kind)),
		zap.String("txHash", e.TxHash),
	)
	return &e, nil
}

func (fj *FallbackJournal) list(prefix string) ([]*PendingEntry, error) {
	iter := fj.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	entries := make([]*PendingEntry, 0)
	for iter.Next() {
		entry := &PendingEntry{}
		if err := json.Unmarshal(iter.Value(), entry); err != nil {
			return nil, fmt.Errorf("failed to decode fallback entry %s: %w", string(iter.Key()), err)
		}
		entry.Key = string(iter.Key())
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// PendingForWallet returns the wallet's unreconciled entries, oldest first.
func (fj *FallbackJournal) PendingForWallet(wallet string) ([]*PendingEntry, error) {
	return fj.list(walletPrefix(wallet))
}

// ListPending returns every unreconciled entry in key order.
func (fj *FallbackJournal) ListPending() ([]*PendingEntry, error) {
	return fj.list(keyPrefix)
}

// ListDeadLettered returns the entries that exhausted their replay attempts.
func (fj *FallbackJournal) ListDeadLettered() ([]*PendingEntry, error) {
	return fj.list(deadLetterPrefix)
}

func (fj *FallbackJournal) count(prefix string) (int, error) {
	iter := fj.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	count := 0
	for iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (fj *FallbackJournal) Count() (int, error) {
	return fj.count(keyPrefix)
}

func (fj *FallbackJournal) DeadLetterCount() (int, error) {
	return fj.count(deadLetterPrefix)
}

func (fj *FallbackJournal) Remove(key string) error {
	return fj.db.Delete([]byte(key), nil)
}

func (fj *FallbackJournal) put(batch *leveldb.Batch, key string, entry *PendingEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	batch.Put([]byte(key), value)
	return nil
}

// recordFailure raises the entry's attempt count. Once it reaches maxAttempts the entry is moved
// under the dead letter prefix in the same write. It reports whether the entry was dead lettered.
func (fj *FallbackJournal) recordFailure(entry *PendingEntry, replayErr error) (bool, error) {
	entry.Attempts++
	entry.LastError = replayErr.Error()

	batch := new(leveldb.Batch)
	dead := entry.Attempts >= fj.maxAttempts
	if dead {
		batch.Delete([]byte(entry.Key))
		if err := fj.put(batch, deadLetterPrefix+strings.TrimPrefix(entry.Key, keyPrefix), entry); err != nil {
			return false, err
		}
	} else if err := fj.put(batch, entry.Key, entry); err != nil {
		return false, err
	}
	return dead, fj.db.Write(batch, nil)
}

// Reconcile replays pending entries in key order. Entries are removed once replayed or found to be
// duplicates. A failed entry keeps its place with its attempt count raised, and is dead lettered
// once it has failed maxAttempts times; the pass moves on to the next entry either way. An
// unavailable store stops the pass without counting an attempt.
func (fj *FallbackJournal) Reconcile(ctx context.Context, replay ReplayFunc, onEntry func(entry *PendingEntry)) (*ReconcileSummary, error) {
	fj.reconcileLock.Lock()
	defer fj.reconcileLock.Unlock()

	entries, err := fj.ListPending()
	if err != nil {
		return nil, err
	}
	summary := &ReconcileSummary{Remaining: len(entries)}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		err := replay(ctx, entry)
		switch {
		case err == nil:
			summary.Replayed++
		case errors.Is(err, storage.ErrDuplicate):
			summary.Duplicates++
		case errors.Is(err, storage.ErrStoreUnavailable):
			fj.logger.Sugar().Warnw("Store unavailable, stopping fallback reconciliation",
				zap.String("key", entry.Key),
				zap.Error(err),
			)
			return summary, fmt.Errorf("failed to replay %s: %w", entry.Key, err)
		default:
			dead, ferr := fj.recordFailure(entry, err)
			if ferr != nil {
				return summary, ferr
			}
			if dead {
				fj.logger.Sugar().Errorw("Dead lettered fallback entry",
					zap.String("key", entry.Key),
					zap.String("kind", string(entry.Kind)),
					zap.String("txHash", entry.TxHash),
					zap.Int("attempts", entry.Attempts),
					zap.Error(err),
				)
				summary.DeadLettered++
				summary.Remaining--
			} else {
				fj.logger.Sugar().Warnw("Failed to replay fallback entry",
					zap.String("key", entry.Key),
					zap.Int("attempts", entry.Attempts),
					zap.Error(err),
				)
				summary.Failed++
			}
			continue
		}
		if err := fj.Remove(entry.Key); err != nil {
			return summary, err
		}
		summary.Remaining--
		if onEntry != nil {
			onEntry(entry)
		}
	}

	if len(entries) > 0 {
		fj.logger.Sugar().Infow("Reconciled fallback journal",
			zap.Int("replayed", summary.Replayed),
			zap.Int("duplicates", summary.Duplicates),
			zap.Int("failed", summary.Failed),
			zap.Int("deadLettered", summary.DeadLettered),
		)
	}
	return summary, nil
}

func (fj *FallbackJournal) Close() error {
	return fj.db.Close()
}
