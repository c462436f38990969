package awardOrchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Layr-Labs/xp-ledger/pkg/fallback"
	"github.com/Layr-Labs/xp-ledger/pkg/ledger"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"go.uber.org/zap"
)

// replay records a journaled entry through the ledger's idempotent paths. Entries were verified
// before they were journaled, so they are not verified again.
func (ao *AwardOrchestrator) replay(ctx context.Context, entry *fallback.PendingEntry) error {
	var err error
	switch entry.Kind {
	case fallback.EntryKind_Swap:
		_, err = ao.ledger.RecordSwapVolume(ctx, &ledger.SwapRequest{
			WalletAddress:    entry.WalletAddress,
			TxHash:           entry.TxHash,
			AmountUsd:        entry.AmountUsd,
			Source:           entry.Source,
			NftCountOverride: entry.NftCountOverride,
		})
	case fallback.EntryKind_Award:
		gt, perr := storage.ParseGameType(entry.GameType)
		if perr != nil {
			return fmt.Errorf("fallback entry %s has a bad game type: %w", entry.Key, perr)
		}
		var res *ledger.AwardResult
		res, err = ao.ledger.RecordAward(ctx, &ledger.AwardRequest{
			WalletAddress:    entry.WalletAddress,
			TxHash:           entry.TxHash,
			GameType:         gt,
			BaseXp:           entry.BaseXp,
			Source:           entry.Source,
			NftCountOverride: entry.NftCountOverride,
		})
		if err == nil && !res.Credited {
			err = errAlreadyCredited
		}
	default:
		return fmt.Errorf("fallback entry %s has unknown kind %q", entry.Key, entry.Kind)
	}

	outcome := "replayed"
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicate):
		outcome = "duplicate"
	default:
		outcome = "failed"
	}
	ao.sink.Incr(metricsTypes.Metric_Incr_FallbackReconciled, []metricsTypes.MetricsLabel{
		{Name: "outcome", Value: outcome},
	}, 1)
	return err
}

// Reconcile replays the fallback journal into the ledger store. onEntry, if set, is called for
// every entry removed from the journal.
func (ao *AwardOrchestrator) Reconcile(ctx context.Context, onEntry func(entry *fallback.PendingEntry)) (*fallback.ReconcileSummary, error) {
	if ao.journal == nil {
		return &fallback.ReconcileSummary{}, nil
	}
	summary, err := ao.journal.Reconcile(ctx, ao.replay, onEntry)
	if summary != nil && summary.DeadLettered > 0 {
		ao.sink.Incr(metricsTypes.Metric_Incr_FallbackDeadLetter, nil, float64(summary.DeadLettered))
	}
	ao.reportPending()
	return summary, err
}

func (ao *AwardOrchestrator) PendingCount() (int, error) {
	if ao.journal == nil {
		return 0, nil
	}
	return ao.journal.Count()
}

func (ao *AwardOrchestrator) reportPending() {
	count, err := ao.PendingCount()
	if err != nil {
		ao.logger.Sugar().Warnw("Failed to count fallback entries", zap.Error(err))
		return
	}
	ao.sink.Gauge(metricsTypes.Metric_Gauge_FallbackPending, float64(count), nil)
}

// StartReconciler replays the fallback journal every ReconcileInterval until ctx is done. The
// returned channel is closed once the loop has exited.
func (ao *AwardOrchestrator) StartReconciler(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if ao.journal == nil || ao.config.ReconcileInterval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(ao.config.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				summary, err := ao.Reconcile(ctx, nil)
				if err != nil {
					ao.logger.Sugar().Warnw("Fallback reconciliation stopped early", zap.Error(err))
					continue
				}
				if summary.Replayed+summary.Duplicates+summary.Failed+summary.DeadLettered > 0 {
					ao.logger.Sugar().Infow("Fallback reconciliation pass finished",
						zap.Int("replayed", summary.Replayed),
						zap.Int("duplicates", summary.Duplicates),
						zap.Int("failed", summary.Failed),
						zap.Int("deadLettered", summary.DeadLettered),
					)
				}
			}
		}
	}()
	return done
}
