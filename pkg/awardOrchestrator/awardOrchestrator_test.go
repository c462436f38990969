package awardOrchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/clients/ethereum"
	"github.com/Layr-Labs/xp-ledger/pkg/eventBus"
	"github.com/Layr-Labs/xp-ledger/pkg/eventBus/eventBusTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/fallback"
	"github.com/Layr-Labs/xp-ledger/pkg/ledger"
	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/Layr-Labs/xp-ledger/pkg/receiptVerifier"
	"github.com/Layr-Labs/xp-ledger/pkg/rewards"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/Layr-Labs/xp-ledger/pkg/storage/memory"
	"github.com/Layr-Labs/xp-ledger/pkg/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wallet      = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	otherWallet = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

// chainFetcher serves mined receipts by hash; anything else is never mined.
type chainFetcher struct {
	mu       sync.Mutex
	receipts map[string]*ethereum.EthereumTransactionReceipt
}

func (c *chainFetcher) mine(txHash string, from string, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[utils.NormalizeTransactionHash(txHash)] = &ethereum.EthereumTransactionReceipt{
		TransactionHash: common.HexToHash(txHash),
		From:            common.HexToAddress(from),
		Status:          hexutil.Uint64(status),
	}
}

func (c *chainFetcher) GetTransactionReceipt(ctx context.Context, txHash string) (*ethereum.EthereumTransactionReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[txHash], nil
}

// flakyStore fails the next write calls with the queued errors.
type flakyStore struct {
	storage.LedgerStore
	mu       sync.Mutex
	failures []error
	writes   int
}

func (f *flakyStore) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *flakyStore) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *flakyStore) RecordAward(ctx context.Context, input *storage.AwardInput) (*storage.AwardOutcome, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.LedgerStore.RecordAward(ctx, input)
}

func (f *flakyStore) ApplySwapVolume(ctx context.Context, input *storage.SwapVolumeInput, plan storage.SwapAwardPlanner) (*storage.SwapVolumeOutcome, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.LedgerStore.ApplySwapVolume(ctx, input, plan)
}

type staticHoldings struct {
	count uint64
}

func (s *staticHoldings) GetNftCount(ctx context.Context, wallet string) (uint64, error) {
	return s.count, nil
}

type harness struct {
	orchestrator *AwardOrchestrator
	chain        *chainFetcher
	store        *flakyStore
	journal      *fallback.FallbackJournal
	events       *eventBusTypes.Consumer
}

func setup(t *testing.T, testnet bool, nftCount uint64) *harness {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, nil)
	require.Nil(t, err)

	calculator, err := rewards.NewRewardsCalculator(rewards.DefaultRewardsCalculatorConfig(), l)
	require.Nil(t, err)
	store := &flakyStore{LedgerStore: memory.NewMemoryLedgerStore(rewards.LevelForXp, l)}
	ls := ledger.NewLedgerService(store, calculator, &staticHoldings{count: nftCount}, l)

	chain := &chainFetcher{receipts: make(map[string]*ethereum.EthereumTransactionReceipt)}
	verifier := receiptVerifier.NewReceiptVerifier(&receiptVerifier.ReceiptVerifierConfig{
		MaxAttempts:  3,
		PollInterval: time.Millisecond,
		PollBudget:   time.Second,
	}, map[config.Chain]receiptVerifier.ReceiptFetcher{config.Chain_Base: chain}, sink, l)

	journal, err := fallback.NewFallbackJournal("", l)
	require.Nil(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	bus := eventBus.NewEventBus(sink, l)
	events := bus.SubscribeNew(context.Background(), "test", 32)

	ao := NewAwardOrchestrator(&AwardOrchestratorConfig{
		Chain:   config.Chain_Base,
		Testnet: testnet,
		StoreRetry: utils.RetryPolicy{
			Attempts: 3,
			Delay:    time.Millisecond,
		},
	}, ls, verifier, journal, bus, sink, l)

	return &harness{
		orchestrator: ao,
		chain:        chain,
		store:        store,
		journal:      journal,
		events:       events,
	}
}

func swapRequest(amount int64, txHash string) *SwapAwardRequest {
	return &SwapAwardRequest{
		WalletAddress: wallet,
		TxHash:        txHash,
		AmountUsd:     decimal.NewFromInt(amount),
		Source:        storage.Source_Web,
	}
}

func Test_AwardSwap(t *testing.T) {
	ctx := context.Background()

	t.Run("Scenarios", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0x1", wallet, 1)
		h.chain.mine("0x2", wallet, 1)

		t.Run("A: first swap credits one block", func(t *testing.T) {
			res, err := h.orchestrator.AwardSwap(ctx, swapRequest(150, "0x1"))
			require.Nil(t, err)
			assert.True(t, res.Credited)
			assert.Equal(t, int64(5_000), res.XpFromPer100)
			assert.Equal(t, int64(0), res.XpFromMilestones)
			assert.Equal(t, int64(5_000), res.NewTotalXp)
			assert.Equal(t, []State{
				State_Received, State_Verifying, State_Verified, State_Calculating, State_Recording, State_Completed,
			}, res.Trace.States())

			event := <-h.events.Channel
			data := event.Data.(*eventBusTypes.AwardCompletedData)
			assert.Equal(t, int64(5_000), data.FinalXp)
			assert.Equal(t, res.RequestId, data.RequestId)
		})
		t.Run("B: crossing $1,000 adds the milestone", func(t *testing.T) {
			res, err := h.orchestrator.AwardSwap(ctx, swapRequest(900, "0x2"))
			require.Nil(t, err)
			assert.Equal(t, int64(45_000), res.XpFromPer100)
			assert.Equal(t, int64(50_000), res.XpFromMilestones)
			assert.Equal(t, []string{"1k"}, res.Milestones)
			assert.True(t, res.TotalVolumeUsd.Equal(decimal.NewFromInt(1050)))
		})
		t.Run("C: replaying a hash is a duplicate and changes nothing", func(t *testing.T) {
			res, err := h.orchestrator.AwardSwap(ctx, swapRequest(10_000, "0x1"))
			require.Nil(t, err)
			assert.True(t, res.Duplicate)
			assert.False(t, res.Credited)
			assert.Equal(t, int64(100_000), res.NewTotalXp)

			_, ledgerRow, err := h.orchestrator.Ledger().GetPlayer(ctx, wallet)
			require.Nil(t, err)
			assert.True(t, ledgerRow.TotalVolumeUsd.Equal(decimal.NewFromInt(1050)))
		})
		t.Run("D: a hash that is never mined is rejected", func(t *testing.T) {
			writes := h.store.writes
			_, err := h.orchestrator.AwardSwap(ctx, swapRequest(500, "0xdead"))

			var verr *ChainVerificationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, receiptVerifier.Status_NotFound, verr.Status)
			assert.Equal(t, receiptVerifier.Reason_NotFound, verr.Reason)
			assert.ErrorIs(t, err, ErrChainVerificationFailed)
			assert.Equal(t, writes, h.store.writes)

			awards, err := h.orchestrator.Ledger().ListAwards(ctx, wallet, 100)
			require.Nil(t, err)
			for _, a := range awards {
				assert.NotEqual(t, utils.NormalizeTransactionHash("0xdead"), *a.TxHash)
			}
		})
	})
	t.Run("Sender mismatch never credits", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0xabc", otherWallet, 1)

		_, err := h.orchestrator.AwardSwap(ctx, swapRequest(500, "0xabc"))
		var verr *ChainVerificationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, receiptVerifier.Reason_SenderMismatch, verr.Reason)
		assert.Equal(t, 0, h.store.writes)
	})
	t.Run("Reverted swaps are rejected", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0xabc", wallet, 0)

		_, err := h.orchestrator.AwardSwap(ctx, swapRequest(500, "0xabc"))
		assert.ErrorIs(t, err, ErrChainVerificationFailed)
	})
	t.Run("Invalid input is rejected before verification", func(t *testing.T) {
		h := setup(t, false, 0)

		_, err := h.orchestrator.AwardSwap(ctx, swapRequest(0, "0x1"))
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

		req := swapRequest(10, "0x1")
		req.Network = "devnet"
		_, err = h.orchestrator.AwardSwap(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
	t.Run("Testnet requests never grant XP", func(t *testing.T) {
		h := setup(t, false, 0)
		req := swapRequest(150, "0x1")
		req.Network = Network_Testnet

		res, err := h.orchestrator.AwardSwap(ctx, req)
		require.Nil(t, err)
		assert.False(t, res.Credited)
		assert.Equal(t, int64(0), res.XpFromPer100)
		assert.Equal(t, []State{State_Received, State_Completed}, res.Trace.States())
		assert.Equal(t, 0, h.store.writes)
	})
	t.Run("A testnet chain never grants XP", func(t *testing.T) {
		h := setup(t, true, 0)
		res, err := h.orchestrator.AwardSwap(ctx, swapRequest(150, "0x1"))
		require.Nil(t, err)
		assert.False(t, res.Credited)
		assert.Equal(t, 0, h.store.writes)
	})
	t.Run("Transient store errors are retried", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0x1", wallet, 1)
		h.store.fail(storage.ErrTransientStore, storage.ErrTransientStore)

		res, err := h.orchestrator.AwardSwap(ctx, swapRequest(150, "0x1"))
		require.Nil(t, err)
		assert.True(t, res.Credited)
		assert.False(t, res.Degraded)
		assert.Equal(t, 3, h.store.writes)
	})
	t.Run("An unavailable store degrades to the journal and reconciles later", func(t *testing.T) {
		h := setup(t, false, 1)
		h.chain.mine("0x1", wallet, 1)
		h.store.fail(storage.ErrStoreUnavailable)

		res, err := h.orchestrator.AwardSwap(ctx, swapRequest(150, "0x1"))
		require.Nil(t, err)
		assert.True(t, res.Degraded)
		assert.False(t, res.Credited)

		pending, err := h.orchestrator.PendingCount()
		require.Nil(t, err)
		assert.Equal(t, 1, pending)

		summary, err := h.orchestrator.Reconcile(ctx, nil)
		require.Nil(t, err)
		assert.Equal(t, 1, summary.Replayed)

		player, _, err := h.orchestrator.Ledger().GetPlayer(ctx, wallet)
		require.Nil(t, err)
		assert.Equal(t, int64(10_000), player.TotalXp)

		summary, err = h.orchestrator.Reconcile(ctx, nil)
		require.Nil(t, err)
		assert.Equal(t, &fallback.ReconcileSummary{}, summary)
	})
	t.Run("Exhausted transient retries fall back", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0x1", wallet, 1)
		h.store.fail(storage.ErrTransientStore, storage.ErrTransientStore, storage.ErrTransientStore)

		res, err := h.orchestrator.AwardSwap(ctx, swapRequest(150, "0x1"))
		require.Nil(t, err)
		assert.True(t, res.Degraded)
	})
	t.Run("A deadline hit while retrying the store falls back", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0x1", wallet, 1)
		h.orchestrator.config.StoreRetry = utils.RetryPolicy{Attempts: 5, Delay: time.Second}
		h.store.fail(storage.ErrTransientStore)

		deadlineCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		res, err := h.orchestrator.AwardSwap(deadlineCtx, swapRequest(150, "0x1"))
		require.Nil(t, err)
		assert.True(t, res.Degraded)
		assert.False(t, res.Credited)
		assert.Equal(t, State_Completed, res.Trace.Current())

		pending, err := h.orchestrator.PendingCount()
		require.Nil(t, err)
		assert.Equal(t, 1, pending)

		summary, err := h.orchestrator.Reconcile(ctx, nil)
		require.Nil(t, err)
		assert.Equal(t, 1, summary.Replayed)
	})
	t.Run("Swaps above the cap are invalid input", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0x1", wallet, 1)

		_, err := h.orchestrator.AwardSwap(ctx, swapRequest(200_000_000, "0x1"))
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		assert.Equal(t, 0, h.store.writes)
	})
}

// minedReceipts answers eth_getTransactionReceipt the way a node does: with a receipt for the mined
// hashes and null for anything else.
func minedReceipts(from string, mined ...string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		var r struct {
			Id     json.RawMessage `json:"id"`
			Params []string        `json:"params"`
		}
		if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
			return nil, err
		}
		result := "null"
		for _, h := range mined {
			if len(r.Params) > 0 && strings.EqualFold(r.Params[0], h) {
				result = fmt.Sprintf(`{"transactionHash":"%s","blockNumber":"0x10","from":"%s","to":null,"status":"0x1"}`, h, strings.ToLower(from))
			}
		}
		return httpmock.NewStringResponse(200, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, r.Id, result)), nil
	}
}

func Test_AwardSwapHashForms(t *testing.T) {
	ctx := context.Background()
	h := setup(t, false, 0)

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, nil)
	require.Nil(t, err)

	nodeUrl := "http://node.rpc"
	minedHash := "0x0a8df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944"

	client := ethereum.NewClient(&ethereum.EthereumClientConfig{
		BaseUrls:       []string{nodeUrl},
		RequestTimeout: time.Second,
	}, l)
	t.Cleanup(client.Close)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("POST", nodeUrl, minedReceipts(wallet, minedHash))
	client.SetHttpClient(&http.Client{Transport: transport})

	h.orchestrator.verifier = receiptVerifier.NewReceiptVerifier(&receiptVerifier.ReceiptVerifierConfig{
		MaxAttempts:  2,
		PollInterval: time.Millisecond,
		PollBudget:   time.Second,
	}, map[config.Chain]receiptVerifier.ReceiptFetcher{config.Chain_Base: client}, sink, l)

	res, err := h.orchestrator.AwardSwap(ctx, swapRequest(150, minedHash))
	require.Nil(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, int64(5_000), res.NewTotalXp)

	aliases := []string{
		"0xa8df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944",
		"0x0A8DF016429689C079F3B2F6AD39FA052532C56795B733DA78A91EBE6A713944",
	}
	for _, alias := range aliases {
		res, err := h.orchestrator.AwardSwap(ctx, swapRequest(150, alias))
		require.Nil(t, err)
		assert.True(t, res.Duplicate, alias)
		assert.False(t, res.Credited, alias)
		assert.Equal(t, int64(5_000), res.NewTotalXp, alias)
	}

	awards, err := h.orchestrator.Ledger().ListAwards(ctx, wallet, 100)
	require.Nil(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, minedHash, *awards[0].TxHash)
}

func Test_Award(t *testing.T) {
	ctx := context.Background()
	gt, err := storage.NewGameplayActionGameType("coin_flip")
	require.Nil(t, err)

	t.Run("Internal awards skip verification", func(t *testing.T) {
		h := setup(t, false, 2)
		res, err := h.orchestrator.Award(ctx, &AwardRequest{
			WalletAddress: wallet,
			GameType:      gt,
			BaseXp:        100,
			Source:        storage.Source_Internal,
		})
		require.Nil(t, err)
		assert.True(t, res.Credited)
		assert.Equal(t, int64(300), res.FinalXp)
		assert.Equal(t, int64(3), res.Multiplier)
		assert.Nil(t, res.Verification)
		assert.NotContains(t, res.Trace.States(), State_Verifying)
	})
	t.Run("Verified awards are idempotent per hash and game type", func(t *testing.T) {
		h := setup(t, false, 0)
		h.chain.mine("0xfeed", wallet, 1)
		req := func() *AwardRequest {
			return &AwardRequest{
				WalletAddress:       wallet,
				TxHash:              "0xfeed",
				GameType:            gt,
				BaseXp:              100,
				Source:              storage.Source_BaseApp,
				RequireVerification: true,
			}
		}

		res, err := h.orchestrator.Award(ctx, req())
		require.Nil(t, err)
		assert.True(t, res.Credited)
		assert.True(t, res.Verification.IsConfirmed())

		res, err = h.orchestrator.Award(ctx, req())
		require.Nil(t, err)
		assert.False(t, res.Credited)
		assert.Equal(t, int64(0), res.FinalXp)
		assert.Equal(t, int64(100), res.NewTotalXp)
	})
	t.Run("Chain verified awards require a mined receipt", func(t *testing.T) {
		h := setup(t, false, 0)
		_, err := h.orchestrator.Award(ctx, &AwardRequest{
			WalletAddress: wallet,
			TxHash:        "0xdead",
			GameType:      gt,
			BaseXp:        100,
			Source:        storage.Source_ChainVerified,
		})
		assert.ErrorIs(t, err, ErrChainVerificationFailed)
	})
	t.Run("Unavailable store journals the award and replays it once", func(t *testing.T) {
		h := setup(t, false, 0)
		h.store.fail(storage.ErrStoreUnavailable)
		req := &AwardRequest{WalletAddress: wallet, TxHash: "0xbeef", GameType: gt, BaseXp: 50, Source: storage.Source_Web}

		res, err := h.orchestrator.Award(ctx, req)
		require.Nil(t, err)
		assert.True(t, res.Degraded)

		// the same award arrives again once the store is back
		res, err = h.orchestrator.Award(ctx, &AwardRequest{WalletAddress: wallet, TxHash: "0xbeef", GameType: gt, BaseXp: 50, Source: storage.Source_Web})
		require.Nil(t, err)
		assert.True(t, res.Credited)

		summary, err := h.orchestrator.Reconcile(ctx, nil)
		require.Nil(t, err)
		assert.Equal(t, 1, summary.Duplicates)

		player, _, err := h.orchestrator.Ledger().GetPlayer(ctx, wallet)
		require.Nil(t, err)
		assert.Equal(t, int64(50), player.TotalXp)
	})
	t.Run("Rejects invalid awards", func(t *testing.T) {
		h := setup(t, false, 0)
		_, err := h.orchestrator.Award(ctx, &AwardRequest{WalletAddress: wallet, GameType: gt, BaseXp: -5})
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.ErrorIs(t, err, ledger.ErrInvalidXp)
	})
}

func Test_StartReconciler(t *testing.T) {
	h := setup(t, false, 0)
	h.orchestrator.config.ReconcileInterval = 5 * time.Millisecond
	gt, _ := storage.NewGenericGameType("bonus")
	_, err := h.journal.Accumulate(&fallback.PendingEntry{
		Kind:          fallback.EntryKind_Award,
		WalletAddress: wallet,
		GameType:      gt.String(),
		BaseXp:        10,
		Source:        storage.Source_Internal,
	})
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := h.orchestrator.StartReconciler(ctx)

	assert.Eventually(t, func() bool {
		count, err := h.journal.Count()
		return err == nil && count == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	player, _, err := h.orchestrator.Ledger().GetPlayer(context.Background(), wallet)
	require.Nil(t, err)
	assert.Equal(t, int64(10), player.TotalXp)
}

func Test_Trace(t *testing.T) {
	trace := newTrace("req", time.Now())
	assert.Equal(t, State_Received, trace.Current())
	trace.to(State_Rejected, time.Now(), "timeout")
	assert.True(t, trace.Current().IsTerminal())
	assert.False(t, State_Verifying.IsTerminal())
	assert.Equal(t, "timeout", trace.Transitions[1].Reason)
}

func Test_ReconcileDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := setup(t, false, 0)
	h.journal.SetMaxAttempts(2)

	_, err := h.journal.Accumulate(&fallback.PendingEntry{
		Kind:          fallback.EntryKind_Swap,
		WalletAddress: wallet,
		TxHash:        utils.NormalizeTransactionHash("0x1"),
		AmountUsd:     decimal.NewFromInt(500_000_000),
		Source:        storage.Source_Web,
	})
	require.Nil(t, err)
	_, err = h.journal.Accumulate(&fallback.PendingEntry{
		Kind:          fallback.EntryKind_Swap,
		WalletAddress: wallet,
		TxHash:        utils.NormalizeTransactionHash("0x2"),
		AmountUsd:     decimal.NewFromInt(150),
		Source:        storage.Source_Web,
	})
	require.Nil(t, err)

	summary, err := h.orchestrator.Reconcile(ctx, nil)
	require.Nil(t, err)
	assert.Equal(t, 1, summary.Replayed)
	assert.Equal(t, 1, summary.Failed)

	player, _, err := h.orchestrator.Ledger().GetPlayer(ctx, wallet)
	require.Nil(t, err)
	assert.Equal(t, int64(5_000), player.TotalXp)

	summary, err = h.orchestrator.Reconcile(ctx, nil)
	require.Nil(t, err)
	assert.Equal(t, 1, summary.DeadLettered)

	pending, err := h.orchestrator.PendingCount()
	require.Nil(t, err)
	assert.Equal(t, 0, pending)

	dead, err := h.journal.ListDeadLettered()
	require.Nil(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, ledger.ErrInvalidAmount.Error())
}
