// Package memory is an in-process LedgerStore. A single mutex serializes every write, which
// gives the same atomicity and per-wallet ordering as the postgres store's transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MemoryLedgerStore struct {
	mu sync.Mutex

	ledgers    map[string]*storage.SwapVolumeLedger
	entries    map[string]*storage.SwapVolumeEntry
	players    map[string]*storage.PlayerAggregate
	awards     []*storage.AwardRecord
	awardIndex map[string]struct{}
	nextId     uint64

	level  storage.LevelFunc
	now    func() time.Time
	Logger *zap.Logger
}

func NewMemoryLedgerStore(level storage.LevelFunc, l *zap.Logger) *MemoryLedgerStore {
	return &MemoryLedgerStore{
		ledgers:    make(map[string]*storage.SwapVolumeLedger),
		entries:    make(map[string]*storage.SwapVolumeEntry),
		players:    make(map[string]*storage.PlayerAggregate),
		awards:     make([]*storage.AwardRecord, 0),
		awardIndex: make(map[string]struct{}),
		nextId:     1,
		level:      level,
		now:        time.Now,
		Logger:     l,
	}
}

func (s *MemoryLedgerStore) RecordAward(ctx context.Context, input *storage.AwardInput) (*storage.AwardOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.TxHash != nil {
		if _, exists := s.awardIndex[storage.AwardKey(*input.TxHash, input.GameType)]; exists {
			return &storage.AwardOutcome{
				Player:   copyPlayer(s.players[input.WalletAddress]),
				Credited: false,
			}, nil
		}
	}

	now := s.now().UTC()
	record := storage.NewAwardRecord(input, now)
	player := s.stagePlayer(input.WalletAddress, now)
	storage.ApplyAwards(player, []*storage.AwardRecord{record}, s.level, now)

	s.commitAwards([]*storage.AwardRecord{record})
	s.players[player.WalletAddress] = player

	return &storage.AwardOutcome{
		Record:   copyAward(record),
		Player:   copyPlayer(player),
		Credited: true,
	}, nil
}

func (s *MemoryLedgerStore) ApplySwapVolume(
	ctx context.Context,
	input *storage.SwapVolumeInput,
	plan storage.SwapAwardPlanner,
) (*storage.SwapVolumeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[input.TxHash]; exists {
		return nil, storage.ErrDuplicate
	}

	now := s.now().UTC()
	ledger := copyLedger(s.ledgers[input.WalletAddress])
	if ledger == nil {
		ledger = &storage.SwapVolumeLedger{
			WalletAddress:   input.WalletAddress,
			TotalVolumeUsd:  decimal.Zero,
			AwardedTierKeys: pq.StringArray{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	previousVolume := ledger.TotalVolumeUsd
	newVolume := previousVolume.Add(input.AmountUsd)

	awardPlan, err := plan(copyLedger(ledger), newVolume)
	if err != nil {
		return nil, err
	}

	// stage everything before touching shared state so a failure leaves the store unchanged
	records := make([]*storage.AwardRecord, 0, len(awardPlan.Awards))
	for _, a := range awardPlan.Awards {
		if a.TxHash != nil {
			if _, exists := s.awardIndex[storage.AwardKey(*a.TxHash, a.GameType)]; exists {
				continue
			}
		}
		records = append(records, storage.NewAwardRecord(a, now))
	}

	var player *storage.PlayerAggregate
	if len(records) > 0 {
		player = s.stagePlayer(input.WalletAddress, now)
		storage.ApplyAwards(player, records, s.level, now)
	} else {
		player = copyPlayer(s.players[input.WalletAddress])
	}

	ledger.TotalVolumeUsd = newVolume
	ledger.AwardedRecurringBlocks = awardPlan.AwardedRecurringBlocks
	for _, key := range awardPlan.NewTierKeys {
		if !ledger.HasTier(key) {
			ledger.AwardedTierKeys = append(ledger.AwardedTierKeys, key)
		}
	}
	ledger.UpdatedAt = now

	entry := &storage.SwapVolumeEntry{
		TxHash:        input.TxHash,
		WalletAddress: input.WalletAddress,
		AmountUsd:     input.AmountUsd,
		Source:        input.Source,
		CreatedAt:     now,
	}

	s.entries[entry.TxHash] = entry
	s.ledgers[ledger.WalletAddress] = ledger
	s.commitAwards(records)
	if len(records) > 0 {
		s.players[player.WalletAddress] = player
	}

	awards := make([]*storage.AwardRecord, 0, len(records))
	for _, r := range records {
		awards = append(awards, copyAward(r))
	}
	e := *entry
	return &storage.SwapVolumeOutcome{
		Entry:          &e,
		PreviousVolume: previousVolume,
		Ledger:         copyLedger(ledger),
		Awards:         awards,
		Player:         copyPlayer(player),
	}, nil
}

func (s *MemoryLedgerStore) GetPlayer(ctx context.Context, wallet string) (*storage.PlayerAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[wallet]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPlayer(p), nil
}

func (s *MemoryLedgerStore) GetSwapLedger(ctx context.Context, wallet string) (*storage.SwapVolumeLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[wallet]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyLedger(l), nil
}

// ListAwards returns the wallet's awards, newest first. A limit of 0 or less returns all of them.
func (s *MemoryLedgerStore) ListAwards(ctx context.Context, wallet string, limit int) ([]*storage.AwardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.AwardRecord, 0)
	for _, a := range s.awards {
		if a.WalletAddress == wallet {
			out = append(out, copyAward(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Id > out[j].Id
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryLedgerStore) Close() error {
	return nil
}

// stagePlayer returns a copy of the wallet's aggregate, or a fresh one. Callers store it back.
func (s *MemoryLedgerStore) stagePlayer(wallet string, now time.Time) *storage.PlayerAggregate {
	if p, ok := s.players[wallet]; ok {
		return copyPlayer(p)
	}
	return &storage.PlayerAggregate{
		WalletAddress: wallet,
		Level:         s.level(0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *MemoryLedgerStore) commitAwards(records []*storage.AwardRecord) {
	for _, r := range records {
		r.Id = s.nextId
		s.nextId++
		s.awards = append(s.awards, r)
		if r.TxHash != nil {
			s.awardIndex[storage.AwardKey(*r.TxHash, r.GameType)] = struct{}{}
		}
	}
}

func copyPlayer(p *storage.PlayerAggregate) *storage.PlayerAggregate {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyLedger(l *storage.SwapVolumeLedger) *storage.SwapVolumeLedger {
	if l == nil {
		return nil
	}
	c := *l
	c.AwardedTierKeys = append(pq.StringArray{}, l.AwardedTierKeys...)
	return &c
}

func copyAward(a *storage.AwardRecord) *storage.AwardRecord {
	c := *a
	if a.TxHash != nil {
		h := *a.TxHash
		c.TxHash = &h
	}
	return &c
}
