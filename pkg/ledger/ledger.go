// Package ledger turns award and swap requests into idempotent ledger writes. It owns the
// multiplier lookup and the volume reward plan; the store owns atomicity.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Layr-Labs/xp-ledger/pkg/rewards"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/Layr-Labs/xp-ledger/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount = errors.New("invalid swap amount")
	ErrInvalidWallet = errors.New("invalid wallet address")
	ErrInvalidTxHash = errors.New("invalid transaction hash")
	ErrInvalidXp     = errors.New("xp must be greater than zero")
	ErrInvalidAward  = errors.New("invalid award")

	// ErrHoldingsUnavailable wraps a holdings lookup that failed with nothing cached.
	ErrHoldingsUnavailable = errors.New("nft holdings unavailable")
)

// HoldingsProvider supplies the NFT count used for the multiplier.
type HoldingsProvider interface {
	GetNftCount(ctx context.Context, wallet string) (uint64, error)
}

type AwardRequest struct {
	WalletAddress string
	// TxHash is optional. Awards without one are never deduplicated.
	TxHash   string
	GameType storage.GameType
	BaseXp   int64
	Source   storage.Source
	// NftCountOverride skips the holdings lookup when set.
	NftCountOverride *uint64
}

type AwardResult struct {
	NewTotalXp int64
	FinalXp    int64
	Multiplier int64
	Credited   bool
	Record     *storage.AwardRecord
}

type SwapRequest struct {
	WalletAddress    string
	TxHash           string
	AmountUsd        decimal.Decimal
	Source           storage.Source
	NftCountOverride *uint64
}

type SwapResult struct {
	XpFromPer100     int64
	XpFromMilestones int64
	NewTotalXp       int64
	Multiplier       int64
	RecurringBlocks  []int64
	Milestones       []string
	TotalVolumeUsd   decimal.Decimal
	Credited         bool
}

type LedgerService struct {
	store      storage.LedgerStore
	calculator *rewards.RewardsCalculator
	holdings   HoldingsProvider
	logger     *zap.Logger
}

func NewLedgerService(
	store storage.LedgerStore,
	calculator *rewards.RewardsCalculator,
	holdings HoldingsProvider,
	l *zap.Logger,
) *LedgerService {
	return &LedgerService{
		store:      store,
		calculator: calculator,
		holdings:   holdings,
		logger:     l,
	}
}

func (ls *LedgerService) Store() storage.LedgerStore {
	return ls.store
}

func (ls *LedgerService) nftCount(ctx context.Context, wallet string, override *uint64) (uint64, error) {
	if override != nil {
		return *override, nil
	}
	if ls.holdings == nil {
		return 0, nil
	}
	count, err := ls.holdings.GetNftCount(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHoldingsUnavailable, err)
	}
	return count, nil
}

// ValidateAward normalizes req in place and checks it.
func ValidateAward(req *AwardRequest) error {
	req.WalletAddress = utils.NormalizeAddress(req.WalletAddress)
	if !utils.IsValidAddress(req.WalletAddress) {
		return ErrInvalidWallet
	}
	if req.BaseXp <= 0 {
		return ErrInvalidXp
	}
	if req.GameType.IsZero() {
		return fmt.Errorf("%w: game type is required", ErrInvalidAward)
	}
	if req.TxHash != "" {
		req.TxHash = utils.NormalizeTransactionHash(req.TxHash)
		if !utils.IsHexIdentifier(req.TxHash) {
			return ErrInvalidTxHash
		}
	}
	return nil
}

// ValidateSwap normalizes req in place and checks it against the configured swap cap.
func (ls *LedgerService) ValidateSwap(req *SwapRequest) error {
	req.WalletAddress = utils.NormalizeAddress(req.WalletAddress)
	if !utils.IsValidAddress(req.WalletAddress) {
		return ErrInvalidWallet
	}
	if !req.AmountUsd.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if maxSwap := ls.calculator.MaxSwapUsd(); req.AmountUsd.GreaterThan(maxSwap) {
		return fmt.Errorf("%w: %s exceeds the %s limit", ErrInvalidAmount, req.AmountUsd.String(), maxSwap.String())
	}
	req.TxHash = utils.NormalizeTransactionHash(req.TxHash)
	if !utils.IsHexIdentifier(req.TxHash) {
		return ErrInvalidTxHash
	}
	return nil
}

// RecordAward credits a single award. A repeated (TxHash, GameType) returns the current total with
// Credited=false and no error.
func (ls *LedgerService) RecordAward(ctx context.Context, req *AwardRequest) (*AwardResult, error) {
	if err := ValidateAward(req); err != nil {
		return nil, err
	}
	nftCount, err := ls.nftCount(ctx, req.WalletAddress, req.NftCountOverride)
	if err != nil {
		return nil, err
	}
	finalXp, multiplier := ls.calculator.ApplyMultiplier(decimal.NewFromInt(req.BaseXp), nftCount)

	var txHash *string
	if req.TxHash != "" {
		h := req.TxHash
		txHash = &h
	}
	outcome, err := ls.store.RecordAward(ctx, &storage.AwardInput{
		WalletAddress: req.WalletAddress,
		TxHash:        txHash,
		GameType:      req.GameType,
		BaseXp:        req.BaseXp,
		Multiplier:    multiplier,
		XpAmount:      finalXp,
		Source:        req.Source,
	})
	if err != nil {
		return nil, err
	}

	result := &AwardResult{
		Multiplier: multiplier,
		Credited:   outcome.Credited,
		Record:     outcome.Record,
	}
	if outcome.Player != nil {
		result.NewTotalXp = outcome.Player.TotalXp
	}
	if outcome.Credited {
		result.FinalXp = finalXp
	} else {
		ls.logger.Sugar().Infow("Award already recorded",
			zap.String("wallet", req.WalletAddress),
			zap.String("txHash", req.TxHash),
			zap.String("gameType", req.GameType.String()),
		)
	}
	return result, nil
}

// RecordSwapVolume adds the swap to the wallet's volume and credits every recurring block and
// milestone it completes. A known TxHash returns storage.ErrDuplicate and changes nothing.
func (ls *LedgerService) RecordSwapVolume(ctx context.Context, req *SwapRequest) (*SwapResult, error) {
	if err := ls.ValidateSwap(req); err != nil {
		return nil, err
	}
	nftCount, err := ls.nftCount(ctx, req.WalletAddress, req.NftCountOverride)
	if err != nil {
		return nil, err
	}
	multiplier := ls.calculator.Multiplier(nftCount)

	outcome, err := ls.store.ApplySwapVolume(ctx, &storage.SwapVolumeInput{
		WalletAddress: req.WalletAddress,
		TxHash:        req.TxHash,
		AmountUsd:     req.AmountUsd,
		Source:        req.Source,
	}, ls.swapPlanner(req, nftCount))
	if err != nil {
		return nil, err
	}

	result := &SwapResult{
		Multiplier:      multiplier,
		RecurringBlocks: []int64{},
		Milestones:      []string{},
		TotalVolumeUsd:  outcome.Ledger.TotalVolumeUsd,
		Credited:        true,
	}
	for _, a := range outcome.Awards {
		switch a.GameType.Kind() {
		case storage.GameTypeKind_RecurringBlock:
			result.XpFromPer100 += a.XpAmount
			if block, err := strconv.ParseInt(a.GameType.Label(), 10, 64); err == nil {
				result.RecurringBlocks = append(result.RecurringBlocks, block)
			}
		case storage.GameTypeKind_MilestoneTier:
			result.XpFromMilestones += a.XpAmount
			result.Milestones = append(result.Milestones, a.GameType.Label())
		}
	}
	if outcome.Player != nil {
		result.NewTotalXp = outcome.Player.TotalXp
	}

	ls.logger.Sugar().Infow("Recorded swap volume",
		zap.String("wallet", req.WalletAddress),
		zap.String("txHash", req.TxHash),
		zap.String("amountUsd", req.AmountUsd.String()),
		zap.String("totalVolumeUsd", outcome.Ledger.TotalVolumeUsd.String()),
		zap.Int64("xpFromPer100", result.XpFromPer100),
		zap.Int64("xpFromMilestones", result.XpFromMilestones),
	)
	return result, nil
}

// swapPlanner builds the awards for a volume increase against the locked ledger row. Blocks and
// tiers already in the ledger's awarded set are skipped.
func (ls *LedgerService) swapPlanner(req *SwapRequest, nftCount uint64) storage.SwapAwardPlanner {
	return func(ledger *storage.SwapVolumeLedger, newVolume decimal.Decimal) (*storage.SwapAwardPlan, error) {
		crossings, err := ls.calculator.CrossedThresholds(ledger.TotalVolumeUsd, newVolume)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		}
		newBlocks, err := ls.calculator.BlocksForVolume(newVolume)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		}

		plan := &storage.SwapAwardPlan{
			Awards:                 make([]*storage.AwardInput, 0),
			AwardedRecurringBlocks: max(ledger.AwardedRecurringBlocks, newBlocks),
			NewTierKeys:            make([]string, 0),
		}
		txHash := req.TxHash

		for _, b := range crossings.RecurringBlocks {
			if b <= ledger.AwardedRecurringBlocks {
				continue
			}
			gt, err := storage.NewRecurringBlockGameType(b)
			if err != nil {
				return nil, err
			}
			plan.Awards = append(plan.Awards, ls.volumeAward(req, &txHash, gt, ls.calculator.RecurringUnitXp(), nftCount))
		}
		for _, m := range crossings.Milestones {
			if ledger.HasTier(m.Key) {
				continue
			}
			gt, err := storage.NewMilestoneTierGameType(m.Key)
			if err != nil {
				return nil, err
			}
			plan.Awards = append(plan.Awards, ls.volumeAward(req, &txHash, gt, m.Xp, nftCount))
			plan.NewTierKeys = append(plan.NewTierKeys, m.Key)
		}
		return plan, nil
	}
}

func (ls *LedgerService) volumeAward(
	req *SwapRequest,
	txHash *string,
	gt storage.GameType,
	baseXp int64,
	nftCount uint64,
) *storage.AwardInput {
	finalXp, multiplier := ls.calculator.ApplyMultiplier(decimal.NewFromInt(baseXp), nftCount)
	return &storage.AwardInput{
		WalletAddress: req.WalletAddress,
		TxHash:        txHash,
		GameType:      gt,
		BaseXp:        baseXp,
		Multiplier:    multiplier,
		XpAmount:      finalXp,
		Source:        req.Source,
	}
}

// GetPlayer returns the aggregate and swap ledger for a wallet. Either may be nil.
func (ls *LedgerService) GetPlayer(ctx context.Context, wallet string) (*storage.PlayerAggregate, *storage.SwapVolumeLedger, error) {
	wallet = utils.NormalizeAddress(wallet)
	if !utils.IsValidAddress(wallet) {
		return nil, nil, ErrInvalidWallet
	}
	player, err := ls.store.GetPlayer(ctx, wallet)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	ledger, err := ls.store.GetSwapLedger(ctx, wallet)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	return player, ledger, nil
}

func (ls *LedgerService) ListAwards(ctx context.Context, wallet string, limit int) ([]*storage.AwardRecord, error) {
	wallet = utils.NormalizeAddress(wallet)
	if !utils.IsValidAddress(wallet) {
		return nil, ErrInvalidWallet
	}
	return ls.store.ListAwards(ctx, wallet, limit)
}
