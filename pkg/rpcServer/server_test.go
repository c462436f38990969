package rpcServer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/awardOrchestrator"
	"github.com/Layr-Labs/xp-ledger/pkg/clients/ethereum"
	"github.com/Layr-Labs/xp-ledger/pkg/fallback"
	"github.com/Layr-Labs/xp-ledger/pkg/ledger"
	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/Layr-Labs/xp-ledger/pkg/receiptVerifier"
	"github.com/Layr-Labs/xp-ledger/pkg/rewards"
	"github.com/Layr-Labs/xp-ledger/pkg/storage/memory"
	"github.com/Layr-Labs/xp-ledger/pkg/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wallet      = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	otherWallet = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type receiptFetcher struct {
	mu       sync.Mutex
	receipts map[string]*ethereum.EthereumTransactionReceipt
}

func (f *receiptFetcher) mine(txHash string, from string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[utils.NormalizeTransactionHash(txHash)] = &ethereum.EthereumTransactionReceipt{
		TransactionHash: common.HexToHash(txHash),
		From:            common.HexToAddress(from),
		Status:          hexutil.Uint64(1),
	}
}

func (f *receiptFetcher) GetTransactionReceipt(ctx context.Context, txHash string) (*ethereum.EthereumTransactionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

type noHoldings struct{}

func (noHoldings) GetNftCount(ctx context.Context, wallet string) (uint64, error) {
	return 0, nil
}

func setup(t *testing.T) (*RpcServer, *receiptFetcher) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, nil)
	require.Nil(t, err)

	calculator, err := rewards.NewRewardsCalculator(rewards.DefaultRewardsCalculatorConfig(), l)
	require.Nil(t, err)
	ls := ledger.NewLedgerService(memory.NewMemoryLedgerStore(rewards.LevelForXp, l), calculator, noHoldings{}, l)

	fetcher := &receiptFetcher{receipts: make(map[string]*ethereum.EthereumTransactionReceipt)}
	verifier := receiptVerifier.NewReceiptVerifier(&receiptVerifier.ReceiptVerifierConfig{
		MaxAttempts:  2,
		PollInterval: time.Millisecond,
		PollBudget:   time.Second,
	}, map[config.Chain]receiptVerifier.ReceiptFetcher{config.Chain_Base: fetcher}, sink, l)

	journal, err := fallback.NewFallbackJournal("", l)
	require.Nil(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	ao := awardOrchestrator.NewAwardOrchestrator(&awardOrchestrator.AwardOrchestratorConfig{
		Chain:      config.Chain_Base,
		StoreRetry: utils.RetryPolicy{Attempts: 2, Delay: time.Millisecond},
	}, ls, verifier, journal, nil, sink, l)

	return NewRpcServer(&RpcServerConfig{Port: 0}, ao, sink, l), fetcher
}

func doRequest(t *testing.T, rpc *RpcServer, method string, path string, body string) (int, map[string]any) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	rpc.Handler().ServeHTTP(rec, req)

	out := make(map[string]any)
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func swapBody(amount string, txHash string) string {
	return `{"wallet_address":"` + wallet + `","swap_amount_usd":"` + amount + `","tx_hash":"` + txHash + `","source":"web"}`
}

func Test_AwardSwapHandler(t *testing.T) {
	rpc, fetcher := setup(t)
	fetcher.mine("0x1", wallet)
	fetcher.mine("0x2", wallet)
	fetcher.mine("0x3", otherWallet)

	t.Run("credits a verified swap", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodPost, "/award-swap", swapBody("150", "0x1"))
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, res["success"])
		assert.Equal(t, float64(5_000), res["xpFromPer100"])
		assert.Equal(t, float64(0), res["xpFromMilestones"])
		assert.Equal(t, float64(5_000), res["totalXp"])
		assert.Equal(t, float64(1), res["multiplier"])
		assert.NotContains(t, res, "degraded")
	})
	t.Run("crossing a milestone reports it", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodPost, "/award-swap", swapBody("900", "0x2"))
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(45_000), res["xpFromPer100"])
		assert.Equal(t, float64(50_000), res["xpFromMilestones"])
		assert.Equal(t, float64(100_000), res["totalXp"])
	})
	t.Run("a replayed hash is reported as already recorded", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodPost, "/award-swap", swapBody("150", "0x1"))
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "Swap already recorded", res["error"])
		assert.NotContains(t, res, "success")
	})
	t.Run("a swap sent by another wallet is rejected", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodPost, "/award-swap", swapBody("150", "0x3"))
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, receiptVerifier.Reason_SenderMismatch, res["error"])
	})
	t.Run("a non-positive amount is rejected", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodPost, "/award-swap", swapBody("0", "0x4"))
		assert.Equal(t, http.StatusBadRequest, code)
		assert.NotEmpty(t, res["error"])
	})
	t.Run("an unsupported source is rejected", func(t *testing.T) {
		body := `{"wallet_address":"` + wallet + `","swap_amount_usd":"150","tx_hash":"0x5","source":"internal"}`
		code, _ := doRequest(t, rpc, http.MethodPost, "/award-swap", body)
		assert.Equal(t, http.StatusBadRequest, code)
	})
	t.Run("malformed json is rejected", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodPost, "/award-swap", `{"wallet_address":`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, res["error"], "invalid request body")
	})
	t.Run("testnet swaps skip crediting", func(t *testing.T) {
		body := `{"wallet_address":"` + otherWallet + `","swap_amount_usd":"150","tx_hash":"0x6","source":"farcaster","network":"testnet"}`
		code, res := doRequest(t, rpc, http.MethodPost, "/award-swap", body)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, res["success"])
		assert.Equal(t, false, res["credited"])
		assert.Equal(t, float64(0), res["totalXp"])
	})
}

func Test_AwardHandler(t *testing.T) {
	rpc, _ := setup(t)

	body := `{"wallet_address":"` + wallet + `","xp":100,"game_type":"gameplay_action:spin","source":"embedded_client"}`
	code, res := doRequest(t, rpc, http.MethodPost, "/award", body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, true, res["credited"])
	assert.Equal(t, float64(100), res["finalXp"])

	t.Run("unknown game types are rejected", func(t *testing.T) {
		body := `{"wallet_address":"` + wallet + `","xp":100,"game_type":"","source":"web"}`
		code, _ := doRequest(t, rpc, http.MethodPost, "/award", body)
		assert.Equal(t, http.StatusBadRequest, code)
	})
	t.Run("zero xp is rejected", func(t *testing.T) {
		body := `{"wallet_address":"` + wallet + `","xp":0,"game_type":"gameplay_action:spin","source":"web"}`
		code, _ := doRequest(t, rpc, http.MethodPost, "/award", body)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func Test_PlayerHandlers(t *testing.T) {
	rpc, fetcher := setup(t)
	fetcher.mine("0x1", wallet)

	code, _ := doRequest(t, rpc, http.MethodGet, "/players/"+wallet, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doRequest(t, rpc, http.MethodPost, "/award-swap", swapBody("1200", "0x1"))
	require.Equal(t, http.StatusOK, code)

	t.Run("player aggregate", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodGet, "/players/"+wallet, "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(110_000), res["totalXp"])
		assert.Equal(t, float64(12), res["awardedRecurringBlocks"])
		assert.Equal(t, []any{"1k"}, res["awardedTierKeys"])
	})
	t.Run("award history", func(t *testing.T) {
		code, res := doRequest(t, rpc, http.MethodGet, "/players/"+wallet+"/awards?limit=1", "")
		assert.Equal(t, http.StatusOK, code)
		assert.Len(t, res["awards"], 1)
	})
	t.Run("invalid limit", func(t *testing.T) {
		code, _ := doRequest(t, rpc, http.MethodGet, "/players/"+wallet+"/awards?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, code)
	})
	t.Run("invalid wallet", func(t *testing.T) {
		code, _ := doRequest(t, rpc, http.MethodGet, "/players/not-a-wallet", "")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func Test_HealthAndVersion(t *testing.T) {
	rpc, _ := setup(t)

	code, res := doRequest(t, rpc, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", res["status"])
	assert.Equal(t, float64(0), res["pendingFallback"])

	code, res = doRequest(t, rpc, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, res["version"])
}

func Test_ParseLimit(t *testing.T) {
	limit, err := parseLimit("")
	require.Nil(t, err)
	assert.Equal(t, defaultAwardsLimit, limit)

	limit, err = parseLimit("10000")
	require.Nil(t, err)
	assert.Equal(t, maxAwardsLimit, limit)

	_, err = parseLimit("abc")
	assert.NotNil(t, err)
}
