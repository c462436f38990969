// Package holdings caches per wallet NFT holding counts used for the XP multiplier.
package holdings

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Layr-Labs/xp-ledger/pkg/utils"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 5 * time.Minute

// BalanceFetcher reads the number of NFTs owner holds in a single contract.
type BalanceFetcher interface {
	GetNftBalance(ctx context.Context, contractAddress string, owner string) (uint64, error)
}

// Snapshot is a cached holding count for one wallet.
type Snapshot struct {
	Wallet    string
	NftCount  uint64
	FetchedAt time.Time
	ExpiresAt time.Time
}

func (s *Snapshot) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type HoldingsServiceConfig struct {
	NftContracts []string
	CacheTTL     time.Duration
}

type HoldingsService struct {
	config  *HoldingsServiceConfig
	fetcher BalanceFetcher
	logger  *zap.Logger

	cache sync.Map
	now   func() time.Time
}

func NewHoldingsService(cfg *HoldingsServiceConfig, fetcher BalanceFetcher, l *zap.Logger) *HoldingsService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &HoldingsService{
		config:  cfg,
		fetcher: fetcher,
		logger:  l,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (hs *HoldingsService) SetClock(now func() time.Time) {
	hs.now = now
}

// GetNftCount returns the wallet's holding count across every configured contract, served from
// cache while fresh. When the chain read fails a stale cached value is returned if one exists.
func (hs *HoldingsService) GetNftCount(ctx context.Context, wallet string) (uint64, error) {
	wallet = utils.NormalizeAddress(wallet)
	if len(hs.config.NftContracts) == 0 {
		return 0, nil
	}

	now := hs.now()
	cached, hasCached := hs.get(wallet)
	if hasCached && !cached.IsExpired(now) {
		return cached.NftCount, nil
	}

	count, err := hs.fetch(ctx, wallet)
	if err != nil {
		if hasCached {
			hs.logger.Sugar().Warnw("Failed to refresh nft holdings, using stale value",
				zap.String("wallet", wallet),
				zap.Uint64("nftCount", cached.NftCount),
				zap.Error(err),
			)
			return cached.NftCount, nil
		}
		return 0, err
	}

	hs.cache.Store(wallet, &Snapshot{
		Wallet:    wallet,
		NftCount:  count,
		FetchedAt: now,
		ExpiresAt: now.Add(hs.config.CacheTTL),
	})
	return count, nil
}

func (hs *HoldingsService) fetch(ctx context.Context, wallet string) (uint64, error) {
	var total uint64
	for _, contract := range hs.config.NftContracts {
		balance, err := hs.fetcher.GetNftBalance(ctx, contract, wallet)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch nft balance for contract %s: %w", contract, err)
		}
		if balance > math.MaxUint64-total {
			total = math.MaxUint64
			continue
		}
		total += balance
	}
	return total, nil
}

func (hs *HoldingsService) get(wallet string) (*Snapshot, bool) {
	v, ok := hs.cache.Load(wallet)
	if !ok {
		return nil, false
	}
	return v.(*Snapshot), true
}

// GetSnapshot returns the cached snapshot without touching the chain.
func (hs *HoldingsService) GetSnapshot(wallet string) (*Snapshot, bool) {
	return hs.get(utils.NormalizeAddress(wallet))
}

// Invalidate drops the cached value for wallet.
func (hs *HoldingsService) Invalidate(wallet string) {
	hs.cache.Delete(utils.NormalizeAddress(wallet))
}
