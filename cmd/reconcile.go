package cmd

import (
	"context"
	"errors"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/fallback"
	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay the fallback journal into the ledger store once and exit",
	Long: `Replay every entry of the leveldb fallback journal at --fallback.path into the ledger store.

Entries already recorded in the store are dropped as duplicates. An entry the store rejects stays in
the journal with its attempt count raised and is moved to the dead letter set once it has failed
--fallback.max-replay-attempts times. The pass stops early only when the store is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bindCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		if !cfg.FallbackConfig.Enabled || cfg.FallbackConfig.Path == "" {
			return errors.New("reconcile requires --fallback.enabled and a --fallback.path")
		}

		svc, err := buildServices(cfg, l)
		if err != nil {
			return err
		}
		defer svc.Close()

		pending, err := svc.orchestrator.PendingCount()
		if err != nil {
			return err
		}
		if pending == 0 {
			l.Sugar().Infow("Fallback journal is empty")
			return nil
		}

		bar := progressbar.Default(int64(pending), "reconciling")
		summary, err := svc.orchestrator.Reconcile(context.Background(), func(entry *fallback.PendingEntry) {
			_ = bar.Add(1)
		})
		_ = bar.Finish()

		if summary != nil {
			l.Sugar().Infow("Reconciliation finished",
				zap.Int("replayed", summary.Replayed),
				zap.Int("duplicates", summary.Duplicates),
				zap.Int("failed", summary.Failed),
				zap.Int("deadLettered", summary.DeadLettered),
				zap.Int("remaining", summary.Remaining),
			)
		}
		return err
	},
}
