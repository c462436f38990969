// Package awardOrchestrator runs each award request through validation, on-chain verification,
// ledger recording with transient retries, and the fallback journal when the store is down.
package awardOrchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/eventBus/eventBusTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/fallback"
	"github.com/Layr-Labs/xp-ledger/pkg/ledger"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/receiptVerifier"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/Layr-Labs/xp-ledger/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const (
	kindSwap  = "swap"
	kindAward = "award"
)

type Verifier interface {
	Verify(ctx context.Context, chain config.Chain, txHash string, claimedWallet string) (*receiptVerifier.VerificationResult, error)
}

type Journal interface {
	Accumulate(entry *fallback.PendingEntry) (*fallback.PendingEntry, error)
	Reconcile(ctx context.Context, replay fallback.ReplayFunc, onEntry func(entry *fallback.PendingEntry)) (*fallback.ReconcileSummary, error)
	Count() (int, error)
}

type Publisher interface {
	PublishAwardCompleted(data *eventBusTypes.AwardCompletedData)
}

type AwardOrchestratorConfig struct {
	Chain config.Chain
	// Testnet withholds XP for every request regardless of the network the caller names.
	Testnet           bool
	StoreRetry        utils.RetryPolicy
	ReconcileInterval time.Duration
}

func ConvertGlobalConfigToOrchestratorConfig(cfg *config.Config) (*AwardOrchestratorConfig, error) {
	chainConfig, err := cfg.GetChainConfig()
	if err != nil {
		return nil, err
	}
	return &AwardOrchestratorConfig{
		Chain:   chainConfig.Chain,
		Testnet: chainConfig.IsTestnet(),
		StoreRetry: utils.RetryPolicy{
			Attempts:    cfg.StoreConfig.RetryAttempts,
			Delay:       cfg.StoreConfig.RetryDelay,
			Exponential: true,
		},
		ReconcileInterval: cfg.FallbackConfig.ReconcileInterval,
	}, nil
}

type AwardOrchestrator struct {
	config    *AwardOrchestratorConfig
	ledger    *ledger.LedgerService
	verifier  Verifier
	journal   Journal
	publisher Publisher
	sink      *metrics.MetricsSink
	logger    *zap.Logger
	clock     func() time.Time
}

// NewAwardOrchestrator wires the pipeline. journal and publisher may be nil, which disables the
// fallback path and event publishing respectively.
func NewAwardOrchestrator(
	cfg *AwardOrchestratorConfig,
	ls *ledger.LedgerService,
	verifier Verifier,
	journal Journal,
	publisher Publisher,
	sink *metrics.MetricsSink,
	l *zap.Logger,
) *AwardOrchestrator {
	return &AwardOrchestrator{
		config:    cfg,
		ledger:    ls,
		verifier:  verifier,
		journal:   journal,
		publisher: publisher,
		sink:      sink,
		logger:    l,
		clock:     time.Now,
	}
}

func (ao *AwardOrchestrator) Ledger() *ledger.LedgerService {
	return ao.ledger
}

func (ao *AwardOrchestrator) isTestnet(n Network) bool {
	return n == Network_Testnet || ao.config.Testnet
}

// verify moves the trace through Verifying into Verified or Rejected.
func (ao *AwardOrchestrator) verify(ctx context.Context, trace *Trace, kind string, txHash string, wallet string) (*receiptVerifier.VerificationResult, error) {
	trace.to(State_Verifying, ao.clock(), "")

	res, err := ao.verifier.Verify(ctx, ao.config.Chain, txHash, wallet)
	if err != nil {
		if ctx.Err() != nil {
			trace.to(State_Failed, ao.clock(), err.Error())
			return nil, err
		}
		trace.to(State_Rejected, ao.clock(), err.Error())
		ao.recordRejection(kind, err.Error())
		return nil, &ChainVerificationError{TxHash: txHash, Reason: err.Error()}
	}
	if !res.IsConfirmed() {
		trace.to(State_Rejected, ao.clock(), res.Reason)
		ao.recordRejection(kind, res.Reason)
		return res, &ChainVerificationError{TxHash: res.TxHash, Status: res.Status, Reason: res.Reason}
	}
	trace.to(State_Verified, ao.clock(), "")
	return res, nil
}

// withStoreRetry retries call while the store reports transient failures.
func withStoreRetry[T any](ctx context.Context, ao *AwardOrchestrator, kind string, call func(ctx context.Context) (T, error)) (T, error) {
	return utils.RetryWithPolicy(ctx, ao.config.StoreRetry, call,
		func(err error) bool {
			return errors.Is(err, storage.ErrTransientStore)
		},
		func(attempt uint, err error) {
			ao.logger.Sugar().Warnw("Transient store error, retrying",
				zap.String("kind", kind),
				zap.Uint("attempt", attempt+1),
				zap.Error(err),
			)
			ao.sink.Incr(metricsTypes.Metric_Incr_StoreRetry, []metricsTypes.MetricsLabel{
				{Name: "kind", Value: kind},
			}, 1)
		},
	)
}

// shouldFallback reports whether a store failure should be journaled. A deadline that expires while
// the store is being retried counts as the store being unavailable.
func shouldFallback(err error) bool {
	return errors.Is(err, storage.ErrStoreUnavailable) ||
		errors.Is(err, storage.ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (ao *AwardOrchestrator) accumulate(entry *fallback.PendingEntry) error {
	if ao.journal == nil {
		return ErrFallbackUnavailable
	}
	if _, err := ao.journal.Accumulate(entry); err != nil {
		return err
	}
	ao.sink.Incr(metricsTypes.Metric_Incr_FallbackAccumulated, []metricsTypes.MetricsLabel{
		{Name: "kind", Value: string(entry.Kind)},
	}, 1)
	ao.reportPending()
	return nil
}

// AwardSwap verifies a swap on chain and credits its volume rewards.
func (ao *AwardOrchestrator) AwardSwap(ctx context.Context, req *SwapAwardRequest) (result *SwapAwardResult, err error) {
	start := ao.clock()
	requestId := uuid.New().String()
	trace := newTrace(requestId, start)

	span, ctx := ddTracer.StartSpanFromContext(ctx, "awardOrchestrator.AwardSwap")
	span.SetTag("requestId", requestId)
	defer func() {
		span.Finish(ddTracer.WithError(err))
		ao.finish(kindSwap, trace, start, err)
	}()

	swapReq := &ledger.SwapRequest{
		WalletAddress:    req.WalletAddress,
		TxHash:           req.TxHash,
		AmountUsd:        req.AmountUsd,
		Source:           req.Source,
		NftCountOverride: req.NftCountOverride,
	}
	if err := ao.ledger.ValidateSwap(swapReq); err != nil {
		trace.to(State_Failed, ao.clock(), err.Error())
		return nil, &InvalidInputError{Err: err}
	}
	if _, err := ParseNetwork(string(req.Network)); err != nil {
		trace.to(State_Failed, ao.clock(), err.Error())
		return nil, &InvalidInputError{Err: err}
	}

	result = &SwapAwardResult{
		RequestId:       requestId,
		RecurringBlocks: []int64{},
		Milestones:      []string{},
		Trace:           trace,
	}

	if ao.isTestnet(req.Network) {
		trace.to(State_Completed, ao.clock(), "testnet")
		return result, nil
	}

	result.Verification, err = ao.verify(ctx, trace, kindSwap, swapReq.TxHash, swapReq.WalletAddress)
	if err != nil {
		return nil, err
	}

	trace.to(State_Calculating, ao.clock(), "")
	trace.to(State_Recording, ao.clock(), "")
	res, err := withStoreRetry(ctx, ao, kindSwap, func(ctx context.Context) (*ledger.SwapResult, error) {
		r := *swapReq
		return ao.ledger.RecordSwapVolume(ctx, &r)
	})

	switch {
	case err == nil:
		result.XpFromPer100 = res.XpFromPer100
		result.XpFromMilestones = res.XpFromMilestones
		result.NewTotalXp = res.NewTotalXp
		result.Multiplier = res.Multiplier
		result.RecurringBlocks = res.RecurringBlocks
		result.Milestones = res.Milestones
		result.TotalVolumeUsd = res.TotalVolumeUsd
		result.Credited = res.Credited
		trace.to(State_Completed, ao.clock(), "")
	case errors.Is(err, storage.ErrDuplicate):
		result.Duplicate = true
		if player, _, perr := ao.ledger.GetPlayer(ctx, swapReq.WalletAddress); perr == nil && player != nil {
			result.NewTotalXp = player.TotalXp
		}
		ao.recordDuplicate(kindSwap)
		trace.to(State_Completed, ao.clock(), "duplicate")
	case errors.Is(err, ledger.ErrInvalidAmount):
		trace.to(State_Failed, ao.clock(), err.Error())
		return nil, &InvalidInputError{Err: err}
	case shouldFallback(err):
		if ferr := ao.accumulate(&fallback.PendingEntry{
			Kind:             fallback.EntryKind_Swap,
			WalletAddress:    swapReq.WalletAddress,
			TxHash:           swapReq.TxHash,
			AmountUsd:        swapReq.AmountUsd,
			Source:           swapReq.Source,
			NftCountOverride: swapReq.NftCountOverride,
		}); ferr != nil {
			trace.to(State_Failed, ao.clock(), ferr.Error())
			return nil, errors.Join(err, ferr)
		}
		result.Degraded = true
		trace.to(State_Completed, ao.clock(), "degraded")
	default:
		trace.to(State_Failed, ao.clock(), err.Error())
		return nil, err
	}

	ao.publish(&eventBusTypes.AwardCompletedData{
		RequestId:        requestId,
		Kind:             kindSwap,
		WalletAddress:    swapReq.WalletAddress,
		TxHash:           swapReq.TxHash,
		Source:           string(swapReq.Source),
		FinalXp:          result.XpFromPer100 + result.XpFromMilestones,
		XpFromPer100:     result.XpFromPer100,
		XpFromMilestones: result.XpFromMilestones,
		Milestones:       result.Milestones,
		NewTotalXp:       result.NewTotalXp,
		Multiplier:       result.Multiplier,
		Credited:         result.Credited,
		Degraded:         result.Degraded,
	}, swapReq.Source)
	return result, nil
}

// requiresVerification reports whether an award must be confirmed on chain before it is credited.
func requiresVerification(req *AwardRequest) bool {
	if req.TxHash == "" {
		return false
	}
	return req.RequireVerification || req.Source == storage.Source_ChainVerified
}

// Award credits a single award. A repeated (TxHash, GameType) completes with Credited=false.
func (ao *AwardOrchestrator) Award(ctx context.Context, req *AwardRequest) (result *AwardResult, err error) {
	start := ao.clock()
	requestId := uuid.New().String()
	trace := newTrace(requestId, start)

	span, ctx := ddTracer.StartSpanFromContext(ctx, "awardOrchestrator.Award")
	span.SetTag("requestId", requestId)
	defer func() {
		span.Finish(ddTracer.WithError(err))
		ao.finish(kindAward, trace, start, err)
	}()

	awardReq := &ledger.AwardRequest{
		WalletAddress:    req.WalletAddress,
		TxHash:           req.TxHash,
		GameType:         req.GameType,
		BaseXp:           req.BaseXp,
		Source:           req.Source,
		NftCountOverride: req.NftCountOverride,
	}
	if err := ledger.ValidateAward(awardReq); err != nil {
		trace.to(State_Failed, ao.clock(), err.Error())
		return nil, &InvalidInputError{Err: err}
	}
	if _, err := ParseNetwork(string(req.Network)); err != nil {
		trace.to(State_Failed, ao.clock(), err.Error())
		return nil, &InvalidInputError{Err: err}
	}

	result = &AwardResult{RequestId: requestId, Trace: trace}

	if ao.isTestnet(req.Network) {
		trace.to(State_Completed, ao.clock(), "testnet")
		return result, nil
	}

	if requiresVerification(req) {
		result.Verification, err = ao.verify(ctx, trace, kindAward, awardReq.TxHash, awardReq.WalletAddress)
		if err != nil {
			return nil, err
		}
	}

	trace.to(State_Calculating, ao.clock(), "")
	trace.to(State_Recording, ao.clock(), "")
	res, err := withStoreRetry(ctx, ao, kindAward, func(ctx context.Context) (*ledger.AwardResult, error) {
		r := *awardReq
		return ao.ledger.RecordAward(ctx, &r)
	})

	switch {
	case err == nil:
		result.NewTotalXp = res.NewTotalXp
		result.FinalXp = res.FinalXp
		result.Multiplier = res.Multiplier
		result.Credited = res.Credited
		if !res.Credited {
			ao.recordDuplicate(kindAward)
			trace.to(State_Completed, ao.clock(), "duplicate")
		} else {
			trace.to(State_Completed, ao.clock(), "")
		}
	case shouldFallback(err):
		if ferr := ao.accumulate(&fallback.PendingEntry{
			Kind:             fallback.EntryKind_Award,
			WalletAddress:    awardReq.WalletAddress,
			TxHash:           awardReq.TxHash,
			GameType:         awardReq.GameType.String(),
			BaseXp:           awardReq.BaseXp,
			Source:           awardReq.Source,
			NftCountOverride: awardReq.NftCountOverride,
		}); ferr != nil {
			trace.to(State_Failed, ao.clock(), ferr.Error())
			return nil, errors.Join(err, ferr)
		}
		result.Degraded = true
		trace.to(State_Completed, ao.clock(), "degraded")
	default:
		trace.to(State_Failed, ao.clock(), err.Error())
		return nil, err
	}

	ao.publish(&eventBusTypes.AwardCompletedData{
		RequestId:     requestId,
		Kind:          kindAward,
		WalletAddress: awardReq.WalletAddress,
		TxHash:        awardReq.TxHash,
		GameType:      awardReq.GameType.String(),
		Source:        string(awardReq.Source),
		FinalXp:       result.FinalXp,
		NewTotalXp:    result.NewTotalXp,
		Multiplier:    result.Multiplier,
		Credited:      result.Credited,
		Degraded:      result.Degraded,
	}, awardReq.Source)
	return result, nil
}

func (ao *AwardOrchestrator) publish(data *eventBusTypes.AwardCompletedData, source storage.Source) {
	data.CompletedAt = ao.clock().UTC()
	if data.Credited {
		ao.sink.Incr(metricsTypes.Metric_Incr_AwardCredited, []metricsTypes.MetricsLabel{
			{Name: "kind", Value: data.Kind},
			{Name: "source", Value: string(source)},
		}, 1)
	}
	if ao.publisher == nil {
		return
	}
	ao.publisher.PublishAwardCompleted(data)
}

func (ao *AwardOrchestrator) recordRejection(kind string, reason string) {
	ao.sink.Incr(metricsTypes.Metric_Incr_AwardRejected, []metricsTypes.MetricsLabel{
		{Name: "kind", Value: kind},
		{Name: "reason", Value: reason},
	}, 1)
}

func (ao *AwardOrchestrator) recordDuplicate(kind string) {
	ao.sink.Incr(metricsTypes.Metric_Incr_AwardDuplicate, []metricsTypes.MetricsLabel{
		{Name: "kind", Value: kind},
	}, 1)
}

// finish logs the request's trace and records how long it took to reach its terminal state.
func (ao *AwardOrchestrator) finish(kind string, trace *Trace, start time.Time, err error) {
	state := trace.Current()
	ao.sink.Timing(metricsTypes.Metric_Timing_AwardDuration, ao.clock().Sub(start), []metricsTypes.MetricsLabel{
		{Name: "kind", Value: kind},
		{Name: "state", Value: string(state)},
	})

	states := utils.Map(trace.States(), func(s State, i uint64) string {
		return string(s)
	})
	fields := []interface{}{
		zap.String("requestId", trace.RequestId),
		zap.String("kind", kind),
		zap.Strings("states", states),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if state == State_Completed {
		ao.logger.Sugar().Infow("Award request completed", fields...)
	} else {
		ao.logger.Sugar().Warnw("Award request did not complete", fields...)
	}
}
