package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/Layr-Labs/xp-ledger/pkg/rewards"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/Layr-Labs/xp-ledger/pkg/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type staticHoldings struct {
	count uint64
	err   error
}

func (s *staticHoldings) GetNftCount(ctx context.Context, wallet string) (uint64, error) {
	return s.count, s.err
}

func setup(t *testing.T, holdings HoldingsProvider) *LedgerService {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)
	calculator, err := rewards.NewRewardsCalculator(rewards.DefaultRewardsCalculatorConfig(), l)
	require.Nil(t, err)
	store := memory.NewMemoryLedgerStore(rewards.LevelForXp, l)
	return NewLedgerService(store, calculator, holdings, l)
}

func swap(amount int64, txHash string) *SwapRequest {
	return &SwapRequest{
		WalletAddress: wallet,
		TxHash:        txHash,
		AmountUsd:     decimal.NewFromInt(amount),
		Source:        storage.Source_Web,
	}
}

func Test_RecordSwapVolume(t *testing.T) {
	ctx := context.Background()

	t.Run("Swap scenarios", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})

		t.Run("A: first swap completes one block", func(t *testing.T) {
			res, err := ls.RecordSwapVolume(ctx, swap(150, "0x1"))
			require.Nil(t, err)
			assert.Equal(t, int64(5_000), res.XpFromPer100)
			assert.Equal(t, int64(0), res.XpFromMilestones)
			assert.Equal(t, []int64{1}, res.RecurringBlocks)
			assert.True(t, res.TotalVolumeUsd.Equal(decimal.NewFromInt(150)))
			assert.Equal(t, int64(5_000), res.NewTotalXp)
			assert.Equal(t, int64(1), res.Multiplier)
		})
		t.Run("B: second swap completes nine blocks and the first milestone", func(t *testing.T) {
			res, err := ls.RecordSwapVolume(ctx, swap(900, "0x2"))
			require.Nil(t, err)
			assert.Equal(t, int64(45_000), res.XpFromPer100)
			assert.Equal(t, int64(50_000), res.XpFromMilestones)
			assert.Equal(t, []string{"1k"}, res.Milestones)
			assert.Len(t, res.RecurringBlocks, 9)
			assert.True(t, res.TotalVolumeUsd.Equal(decimal.NewFromInt(1050)))
			assert.Equal(t, int64(100_000), res.NewTotalXp)

			ledger, err := ls.Store().GetSwapLedger(ctx, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
			require.Nil(t, err)
			assert.Equal(t, int64(10), ledger.AwardedRecurringBlocks)
			assert.Equal(t, []string{"1k"}, []string(ledger.AwardedTierKeys))
		})
		t.Run("C: replaying a hash with another amount is a duplicate", func(t *testing.T) {
			_, err := ls.RecordSwapVolume(ctx, swap(10_000, "0x1"))
			assert.True(t, errors.Is(err, storage.ErrDuplicate))

			player, ledger, err := ls.GetPlayer(ctx, wallet)
			require.Nil(t, err)
			assert.Equal(t, int64(100_000), player.TotalXp)
			assert.True(t, ledger.TotalVolumeUsd.Equal(decimal.NewFromInt(1050)))
		})
		t.Run("Hashes are compared case-insensitively", func(t *testing.T) {
			_, err := ls.RecordSwapVolume(ctx, swap(10, "0xABC"))
			require.Nil(t, err)
			_, err = ls.RecordSwapVolume(ctx, swap(10, "0xabc"))
			assert.True(t, errors.Is(err, storage.ErrDuplicate))
		})
		t.Run("Leading zeros do not make a new hash", func(t *testing.T) {
			full := "0x0a8df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944"
			_, err := ls.RecordSwapVolume(ctx, swap(10, full))
			require.Nil(t, err)
			_, err = ls.RecordSwapVolume(ctx, swap(10, "0xa8df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944"))
			assert.True(t, errors.Is(err, storage.ErrDuplicate))

			_, err = ls.RecordSwapVolume(ctx, swap(10, "0x00000f"))
			require.Nil(t, err)
			_, err = ls.RecordSwapVolume(ctx, swap(10, "0xf"))
			assert.True(t, errors.Is(err, storage.ErrDuplicate))
		})
	})
	t.Run("Holder multiplier applies to every volume award", func(t *testing.T) {
		ls := setup(t, &staticHoldings{count: 25})
		res, err := ls.RecordSwapVolume(ctx, swap(1000, "0x1"))
		require.Nil(t, err)
		assert.Equal(t, int64(11), res.Multiplier)
		assert.Equal(t, int64(10*5_000*11), res.XpFromPer100)
		assert.Equal(t, int64(50_000*11), res.XpFromMilestones)
	})
	t.Run("Recurring XP is the same however volume is split", func(t *testing.T) {
		batched := setup(t, &staticHoldings{count: 1})
		split := setup(t, &staticHoldings{count: 1})

		res, err := batched.RecordSwapVolume(ctx, swap(730, "0xa"))
		require.Nil(t, err)

		var total int64
		for i, amount := range []int64{99, 1, 250, 380} {
			r, err := split.RecordSwapVolume(ctx, swap(amount, []string{"0x1", "0x2", "0x3", "0x4"}[i]))
			require.Nil(t, err)
			total += r.XpFromPer100
		}
		assert.Equal(t, res.XpFromPer100, total)
		assert.Equal(t, int64(7*5_000*2), total)
	})
	t.Run("Override skips the holdings lookup", func(t *testing.T) {
		ls := setup(t, &staticHoldings{err: errors.New("rpc down")})
		override := uint64(0)
		req := swap(100, "0x1")
		req.NftCountOverride = &override
		res, err := ls.RecordSwapVolume(ctx, req)
		require.Nil(t, err)
		assert.Equal(t, int64(5_000), res.XpFromPer100)
	})
	t.Run("A failed holdings lookup is fatal", func(t *testing.T) {
		ls := setup(t, &staticHoldings{err: errors.New("rpc down")})
		_, err := ls.RecordSwapVolume(ctx, swap(100, "0x1"))
		assert.True(t, errors.Is(err, ErrHoldingsUnavailable))
	})
	t.Run("Rejects invalid input", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})

		_, err := ls.RecordSwapVolume(ctx, swap(0, "0x1"))
		assert.ErrorIs(t, err, ErrInvalidAmount)

		req := swap(10, "0x1")
		req.WalletAddress = "not-a-wallet"
		_, err = ls.RecordSwapVolume(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidWallet)

		_, err = ls.RecordSwapVolume(ctx, swap(10, ""))
		assert.ErrorIs(t, err, ErrInvalidTxHash)
	})
}

func Test_SwapAmountBounds(t *testing.T) {
	ctx := context.Background()

	t.Run("A swap at the cap is credited", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})
		res, err := ls.RecordSwapVolume(ctx, swap(100_000, "0x1"))
		require.Nil(t, err)
		assert.Len(t, res.RecurringBlocks, 1_000)
		assert.Equal(t, int64(1_000*5_000), res.XpFromPer100)
		assert.Equal(t, []string{"1k", "10k", "100k"}, res.Milestones)
	})
	t.Run("Swaps above the cap are rejected without touching the ledger", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})
		for _, amount := range []string{"100000.01", "200000000", "1e21"} {
			req := swap(0, "0x2")
			req.AmountUsd = decimal.RequireFromString(amount)
			_, err := ls.RecordSwapVolume(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidAmount, amount)
		}
		player, ledger, err := ls.GetPlayer(ctx, wallet)
		require.Nil(t, err)
		assert.Nil(t, player)
		assert.Nil(t, ledger)

		_, err = ls.RecordSwapVolume(ctx, swap(150, "0x2"))
		assert.Nil(t, err)
	})
	t.Run("Volume whose block count overflows is rejected", func(t *testing.T) {
		l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		require.Nil(t, err)
		cfg := rewards.DefaultRewardsCalculatorConfig()
		cfg.MaxSwapUsd = decimal.RequireFromString("1e30")
		calculator, err := rewards.NewRewardsCalculator(cfg, l)
		require.Nil(t, err)
		ls := NewLedgerService(memory.NewMemoryLedgerStore(rewards.LevelForXp, l), calculator, &staticHoldings{}, l)

		req := swap(0, "0x3")
		req.AmountUsd = decimal.RequireFromString("1e21")
		_, err = ls.RecordSwapVolume(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.ErrorIs(t, err, rewards.ErrVolumeOutOfRange)

		_, ledger, err := ls.GetPlayer(ctx, wallet)
		require.Nil(t, err)
		assert.Nil(t, ledger)
	})
}

func Test_RecordAward(t *testing.T) {
	ctx := context.Background()
	gt, err := storage.NewGameplayActionGameType("coin_flip")
	require.Nil(t, err)

	t.Run("Credits once per hash and game type", func(t *testing.T) {
		ls := setup(t, &staticHoldings{count: 1})

		req := &AwardRequest{WalletAddress: wallet, TxHash: "0xfeed", GameType: gt, BaseXp: 100, Source: storage.Source_BaseApp}
		res, err := ls.RecordAward(ctx, req)
		require.Nil(t, err)
		assert.True(t, res.Credited)
		assert.Equal(t, int64(200), res.FinalXp)
		assert.Equal(t, int64(2), res.Multiplier)
		assert.Equal(t, int64(200), res.NewTotalXp)

		again := &AwardRequest{WalletAddress: wallet, TxHash: "0xfeed", GameType: gt, BaseXp: 100, Source: storage.Source_BaseApp}
		res, err = ls.RecordAward(ctx, again)
		require.Nil(t, err)
		assert.False(t, res.Credited)
		assert.Equal(t, int64(0), res.FinalXp)
		assert.Equal(t, int64(200), res.NewTotalXp)
	})
	t.Run("Another game type on the same hash is a separate award", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})
		other, _ := storage.NewGenericGameType("bonus")

		_, err := ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, TxHash: "0xfeed", GameType: gt, BaseXp: 10, Source: storage.Source_Web})
		require.Nil(t, err)
		res, err := ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, TxHash: "0xfeed", GameType: other, BaseXp: 10, Source: storage.Source_Web})
		require.Nil(t, err)
		assert.True(t, res.Credited)
		assert.Equal(t, int64(20), res.NewTotalXp)
	})
	t.Run("Rejects invalid awards", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})

		_, err := ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, GameType: gt, BaseXp: 0})
		assert.ErrorIs(t, err, ErrInvalidXp)

		_, err = ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, BaseXp: 10})
		assert.ErrorIs(t, err, ErrInvalidAward)

		_, err = ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, GameType: gt, BaseXp: 10, TxHash: "feed"})
		assert.ErrorIs(t, err, ErrInvalidTxHash)
	})
	t.Run("Zero padded hashes are the same award", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})

		res, err := ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, TxHash: "0xfeed", GameType: gt, BaseXp: 10, Source: storage.Source_Web})
		require.Nil(t, err)
		assert.True(t, res.Credited)
		for _, alias := range []string{"0x0feed", "0x00FEED", "0x000000000000000000000000000000000000000000000000000000000000feed"} {
			res, err = ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, TxHash: alias, GameType: gt, BaseXp: 10, Source: storage.Source_Web})
			require.Nil(t, err)
			assert.False(t, res.Credited, alias)
			assert.Equal(t, int64(10), res.NewTotalXp, alias)
		}
	})
	t.Run("Lists awards for a wallet", func(t *testing.T) {
		ls := setup(t, &staticHoldings{})
		_, err := ls.RecordAward(ctx, &AwardRequest{WalletAddress: wallet, GameType: gt, BaseXp: 10, Source: storage.Source_Web})
		require.Nil(t, err)

		awards, err := ls.ListAwards(ctx, wallet, 10)
		require.Nil(t, err)
		assert.Len(t, awards, 1)

		_, err = ls.ListAwards(ctx, "0x123", 10)
		assert.ErrorIs(t, err, ErrInvalidWallet)
	})
}
