// Package receiptVerifier confirms that a transaction hash was mined, succeeded, and was sent by the
// wallet claiming it, polling an unreliable RPC with a bounded retry budget.
package receiptVerifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/clients/ethereum"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/utils"
	"go.uber.org/zap"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

type Status string

const (
	Status_Confirmed Status = "confirmed"
	Status_Failed    Status = "failed"
	Status_Pending   Status = "pending"
	Status_NotFound  Status = "not_found"
)

const (
	Reason_SenderMismatch = "sender mismatch"
	Reason_Reverted       = "transaction reverted"
	Reason_NotFound       = "transaction not found"
	Reason_Timeout        = "timeout"
	Reason_RpcUnavailable = "rpc unavailable"
)

var (
	ErrUnknownChain  = errors.New("unknown chain")
	ErrInvalidTxHash = errors.New("invalid transaction hash")
	ErrInvalidWallet = errors.New("invalid wallet address")

	errNotMined = errors.New("transaction not mined")
)

// ReceiptFetcher is satisfied by *ethereum.Client.
type ReceiptFetcher interface {
	GetTransactionReceipt(ctx context.Context, txHash string) (*ethereum.EthereumTransactionReceipt, error)
}

type VerificationResult struct {
	TxHash      string       `json:"txHash"`
	Chain       config.Chain `json:"chain"`
	Status      Status       `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	From        string       `json:"from,omitempty"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	Attempts    uint         `json:"attempts"`
}

func (r *VerificationResult) IsConfirmed() bool {
	return r.Status == Status_Confirmed
}

type ReceiptVerifierConfig struct {
	InitialDelay       time.Duration
	MaxAttempts        uint
	PollInterval       time.Duration
	PollBudget         time.Duration
	ExponentialBackoff bool
}

func DefaultReceiptVerifierConfig() *ReceiptVerifierConfig {
	return &ReceiptVerifierConfig{
		InitialDelay: 2 * time.Second,
		MaxAttempts:  8,
		PollInterval: 2500 * time.Millisecond,
		PollBudget:   25 * time.Second,
	}
}

func ConvertGlobalConfigToVerifierConfig(cfg *config.VerifierConfig) *ReceiptVerifierConfig {
	return &ReceiptVerifierConfig{
		InitialDelay:       cfg.InitialDelay,
		MaxAttempts:        cfg.MaxAttempts,
		PollInterval:       cfg.PollInterval,
		PollBudget:         cfg.PollBudget,
		ExponentialBackoff: cfg.ExponentialBackoff,
	}
}

type ReceiptVerifier struct {
	config   *ReceiptVerifierConfig
	fetchers map[config.Chain]ReceiptFetcher
	sink     *metrics.MetricsSink
	logger   *zap.Logger
}

func NewReceiptVerifier(
	cfg *ReceiptVerifierConfig,
	fetchers map[config.Chain]ReceiptFetcher,
	sink *metrics.MetricsSink,
	l *zap.Logger,
) *ReceiptVerifier {
	return &ReceiptVerifier{
		config:   cfg,
		fetchers: fetchers,
		sink:     sink,
		logger:   l,
	}
}

func (rv *ReceiptVerifier) prepare(chain config.Chain, txHash string, claimedWallet string) (ReceiptFetcher, string, error) {
	fetcher, ok := rv.fetchers[chain]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	if !utils.IsHexIdentifier(txHash) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidTxHash, txHash)
	}
	if !utils.IsValidAddress(claimedWallet) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidWallet, claimedWallet)
	}
	return fetcher, utils.NormalizeTransactionHash(txHash), nil
}

// classify turns a mined receipt into a terminal result.
func classify(result *VerificationResult, receipt *ethereum.EthereumTransactionReceipt, claimedWallet string) {
	result.From = strings.ToLower(receipt.From.Hex())
	result.BlockNumber = receipt.GetBlockNumber()

	if !receipt.IsSuccess() {
		result.Status = Status_Failed
		result.Reason = Reason_Reverted
		return
	}
	if !utils.AreAddressesEqual(result.From, claimedWallet) {
		result.Status = Status_Failed
		result.Reason = Reason_SenderMismatch
		return
	}
	result.Status = Status_Confirmed
}

// Verify waits InitialDelay and then polls for the receipt until it is found, attempts run out,
// or PollBudget elapses. Not found and transient RPC failures are retried; a mined receipt is
// classified immediately and never retried.
func (rv *ReceiptVerifier) Verify(ctx context.Context, chain config.Chain, txHash string, claimedWallet string) (*VerificationResult, error) {
	fetcher, hash, err := rv.prepare(chain, txHash, claimedWallet)
	if err != nil {
		return nil, err
	}

	span, ctx := ddTracer.StartSpanFromContext(ctx, "receiptVerifier.Verify")
	span.SetTag("chain", chain.String())
	span.SetTag("txHash", hash)
	defer span.Finish()

	start := time.Now()
	result := &VerificationResult{TxHash: hash, Chain: chain}

	if rv.config.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				result.Status = Status_NotFound
				result.Reason = Reason_Timeout
				rv.recordOutcome(result, start)
				return result, nil
			}
			return nil, ctx.Err()
		case <-time.After(rv.config.InitialDelay):
		}
	}

	pollCtx := ctx
	if rv.config.PollBudget > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, rv.config.PollBudget)
		defer cancel()
	}

	policy := utils.RetryPolicy{
		Attempts:    rv.config.MaxAttempts,
		Delay:       rv.config.PollInterval,
		Exponential: rv.config.ExponentialBackoff,
	}
	receipt, err := utils.RetryWithPolicy(pollCtx, policy,
		func(ctx context.Context) (*ethereum.EthereumTransactionReceipt, error) {
			result.Attempts++
			r, err := fetcher.GetTransactionReceipt(ctx, hash)
			if err != nil {
				return nil, err
			}
			if r == nil {
				return nil, errNotMined
			}
			return r, nil
		},
		func(err error) bool {
			return errors.Is(err, errNotMined) || ethereum.IsTransientError(err)
		},
		func(attempt uint, err error) {
			rv.logger.Sugar().Debugw("Receipt not available yet",
				zap.String("txHash", hash),
				zap.Uint("attempt", attempt+1),
				zap.Error(err),
			)
		},
	)

	switch {
	case err == nil:
		classify(result, receipt, claimedWallet)
	case errors.Is(err, errNotMined):
		result.Status = Status_NotFound
		result.Reason = Reason_NotFound
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = Status_NotFound
		result.Reason = Reason_Timeout
	case ethereum.IsTransientError(err):
		result.Status = Status_NotFound
		result.Reason = Reason_RpcUnavailable
	default:
		rv.logger.Sugar().Errorw("Receipt lookup rejected by node",
			zap.String("txHash", hash),
			zap.Error(err),
		)
		return nil, err
	}

	rv.logger.Sugar().Infow("Verified transaction receipt",
		zap.String("txHash", hash),
		zap.String("chain", chain.String()),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
		zap.Uint("attempts", result.Attempts),
	)
	rv.recordOutcome(result, start)
	return result, nil
}

// Check looks the receipt up once, reporting Pending when it has not been mined yet.
func (rv *ReceiptVerifier) Check(ctx context.Context, chain config.Chain, txHash string, claimedWallet string) (*VerificationResult, error) {
	fetcher, hash, err := rv.prepare(chain, txHash, claimedWallet)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result := &VerificationResult{TxHash: hash, Chain: chain, Attempts: 1}

	receipt, err := fetcher.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		result.Status = Status_Pending
	} else {
		classify(result, receipt, claimedWallet)
	}
	rv.recordOutcome(result, start)
	return result, nil
}

func (rv *ReceiptVerifier) recordOutcome(result *VerificationResult, start time.Time) {
	labels := []metricsTypes.MetricsLabel{
		{Name: "chain", Value: result.Chain.String()},
		{Name: "status", Value: string(result.Status)},
	}
	rv.sink.Incr(metricsTypes.Metric_Incr_VerificationOutcome, labels, 1)
	rv.sink.Timing(metricsTypes.Metric_Timing_VerificationDuration, time.Since(start), labels)
}
