// Package storage defines the ledger's persisted entities and the store contract shared by the
// postgres and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicate means the idempotency key was already recorded; nothing was changed.
	ErrDuplicate = errors.New("duplicate")
	// ErrStoreUnavailable means the store could not be reached at all.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTransientStore means the operation lost a race (serialization failure, deadlock, lock
	// timeout) and may succeed if retried.
	ErrTransientStore = errors.New("transient store error")
	ErrNotFound       = errors.New("not found")
)

type Source string

const (
	Source_Web            Source = "web"
	Source_Farcaster      Source = "farcaster"
	Source_BaseApp        Source = "base_app"
	Source_EmbeddedClient Source = "embedded_client"
	Source_ChainVerified  Source = "chain_verified"
	Source_Internal       Source = "internal"
)

var sources = []Source{
	Source_Web,
	Source_Farcaster,
	Source_BaseApp,
	Source_EmbeddedClient,
	Source_ChainVerified,
	Source_Internal,
}

func ParseSource(s string) (Source, error) {
	for _, source := range sources {
		if string(source) == s {
			return source, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// SwapVolumeLedger tracks a wallet's cumulative swap volume and which volume rewards it has been paid.
type SwapVolumeLedger struct {
	WalletAddress          string          `gorm:"primaryKey" json:"walletAddress"`
	TotalVolumeUsd         decimal.Decimal `gorm:"type:numeric" json:"totalVolumeUsd"`
	AwardedRecurringBlocks int64           `json:"awardedRecurringBlocks"`
	AwardedTierKeys        pq.StringArray  `gorm:"type:text[]" json:"awardedTierKeys"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

func (SwapVolumeLedger) TableName() string {
	return "swap_volume_ledger"
}

func (l *SwapVolumeLedger) HasTier(key string) bool {
	for _, k := range l.AwardedTierKeys {
		if k == key {
			return true
		}
	}
	return false
}

// SwapVolumeEntry is the volume contribution of a single swap, keyed by its transaction hash.
type SwapVolumeEntry struct {
	TxHash        string          `gorm:"primaryKey" json:"txHash"`
	WalletAddress string          `json:"walletAddress"`
	AmountUsd     decimal.Decimal `gorm:"type:numeric" json:"amountUsd"`
	Source        Source          `json:"source"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (SwapVolumeEntry) TableName() string {
	return "swap_volume_entries"
}

// AwardRecord is an append-only row for every credited award.
type AwardRecord struct {
	Id            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash        *string   `json:"txHash"`
	WalletAddress string    `json:"walletAddress"`
	GameType      GameType  `gorm:"type:text" json:"gameType"`
	BaseXp        int64     `json:"baseXp"`
	Multiplier    int64     `json:"multiplier"`
	XpAmount      int64     `json:"xpAmount"`
	Source        Source    `json:"source"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (AwardRecord) TableName() string {
	return "award_records"
}

type PlayerAggregate struct {
	WalletAddress string    `gorm:"primaryKey" json:"walletAddress"`
	TotalXp       int64     `json:"totalXp"`
	Level         int       `json:"level"`
	TotalActions  int64     `json:"totalActions"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (PlayerAggregate) TableName() string {
	return "player_aggregates"
}

// LevelFunc derives a player's level from total XP.
type LevelFunc func(totalXp int64) int

type AwardInput struct {
	WalletAddress string
	// TxHash is nil for awards that are not tied to a transaction; those are never deduplicated.
	TxHash     *string
	GameType   GameType
	BaseXp     int64
	Multiplier int64
	XpAmount   int64
	Source     Source
}

type AwardOutcome struct {
	// Record is nil when the award was a duplicate.
	Record *AwardRecord
	// Player is nil only for a duplicate against a wallet with no aggregate.
	Player   *PlayerAggregate
	Credited bool
}

type SwapVolumeInput struct {
	WalletAddress string
	TxHash        string
	AmountUsd     decimal.Decimal
	Source        Source
}

// SwapAwardPlan is what a volume increase pays out, computed against the locked ledger row.
type SwapAwardPlan struct {
	Awards []*AwardInput
	// AwardedRecurringBlocks is the ledger's block count after this swap.
	AwardedRecurringBlocks int64
	// NewTierKeys are appended to the ledger's awarded tier set.
	NewTierKeys []string
}

// SwapAwardPlanner runs inside the store's transaction with the wallet's ledger row locked.
type SwapAwardPlanner func(ledger *SwapVolumeLedger, newVolume decimal.Decimal) (*SwapAwardPlan, error)

type SwapVolumeOutcome struct {
	Entry          *SwapVolumeEntry
	PreviousVolume decimal.Decimal
	Ledger         *SwapVolumeLedger
	Awards         []*AwardRecord
	Player         *PlayerAggregate
}

// LedgerStore owns every ledger entity. Implementations must make RecordAward and
// ApplySwapVolume atomic, and must serialize ApplySwapVolume per wallet.
type LedgerStore interface {
	// RecordAward appends an award and credits the player unless (TxHash, GameType) already exists,
	// in which case the outcome has Credited=false.
	RecordAward(ctx context.Context, input *AwardInput) (*AwardOutcome, error)

	// ApplySwapVolume records the swap entry, asks plan what the new volume unlocks, writes those
	// awards and updates the ledger row. A known TxHash returns ErrDuplicate.
	ApplySwapVolume(ctx context.Context, input *SwapVolumeInput, plan SwapAwardPlanner) (*SwapVolumeOutcome, error)

	GetPlayer(ctx context.Context, wallet string) (*PlayerAggregate, error)
	GetSwapLedger(ctx context.Context, wallet string) (*SwapVolumeLedger, error)
	ListAwards(ctx context.Context, wallet string, limit int) ([]*AwardRecord, error)

	Close() error
}

// NewAwardRecord builds the row for input.
func NewAwardRecord(input *AwardInput, createdAt time.Time) *AwardRecord {
	return &AwardRecord{
		TxHash:        input.TxHash,
		WalletAddress: input.WalletAddress,
		GameType:      input.GameType,
		BaseXp:        input.BaseXp,
		Multiplier:    input.Multiplier,
		XpAmount:      input.XpAmount,
		Source:        input.Source,
		CreatedAt:     createdAt,
	}
}

// ApplyAwards adds records to the aggregate and recomputes its level.
func ApplyAwards(player *PlayerAggregate, records []*AwardRecord, level LevelFunc, now time.Time) {
	for _, r := range records {
		player.TotalXp += r.XpAmount
		player.TotalActions++
	}
	player.Level = level(player.TotalXp)
	player.UpdatedAt = now
}

// AwardKey is the idempotency key of an award with a transaction hash.
func AwardKey(txHash string, gameType GameType) string {
	return txHash + "|" + gameType.String()
}
