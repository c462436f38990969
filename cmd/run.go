package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/internal/tracer"
	"github.com/Layr-Labs/xp-ledger/internal/version"
	"github.com/Layr-Labs/xp-ledger/pkg/eventBus/amqpForwarder"
	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/Layr-Labs/xp-ledger/pkg/postgres/migrations"
	"github.com/Layr-Labs/xp-ledger/pkg/rpcServer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the award API and reconcile the fallback journal",
	Run: func(cmd *cobra.Command, args []string) {
		bindCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		l.Sugar().Infow("xp-ledger",
			zap.String("version", version.GetVersion()),
			zap.String("commit", version.GetCommit()),
			zap.String("chain", cfg.Chain.String()),
		)

		if err := cfg.Validate(); err != nil {
			l.Sugar().Fatalw("Invalid configuration", zap.Error(err))
		}

		tracer.StartTracer(cfg.DataDogConfig.TracerConfig.Enabled, cfg.Chain)
		defer tracer.StopTracer()

		svc, err := buildServices(cfg, l)
		if err != nil {
			l.Sugar().Fatalw("Failed to build services", zap.Error(err))
		}
		defer svc.Close()

		chainConfig, _ := cfg.GetChainConfig()
		chainId, err := svc.client.ChainId(context.Background())
		if err != nil {
			l.Sugar().Warnw("Failed to read chain id from rpc", zap.Error(err))
		} else if chainId != chainConfig.ChainId {
			l.Sugar().Fatalw("RPC endpoint serves a different chain",
				zap.String("chain", chainConfig.Chain.String()),
				zap.Uint64("expectedChainId", chainConfig.ChainId),
				zap.Uint64("rpcChainId", chainId),
			)
		}

		if svc.grm != nil {
			sqlDb, err := svc.grm.DB()
			if err != nil {
				l.Sugar().Fatalw("Failed to get database handle", zap.Error(err))
			}
			if err := migrations.NewMigrator(sqlDb, svc.grm, l, cfg).MigrateAll(); err != nil {
				l.Sugar().Fatalw("Failed to migrate", zap.Error(err))
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.AmqpConfig.Url != "" {
			fwd, err := amqpForwarder.NewAmqpForwarder(&amqpForwarder.AmqpForwarderConfig{
				Url:      cfg.AmqpConfig.Url,
				Exchange: cfg.AmqpConfig.Exchange,
			}, svc.bus, svc.sink, l)
			if err != nil {
				l.Sugar().Fatalw("Failed to connect amqp forwarder", zap.Error(err))
			}
			fwd.Start(ctx)
			defer fwd.Close()
		}

		reconcilerDone := svc.orchestrator.StartReconciler(ctx)

		server := rpcServer.NewRpcServer(rpcServer.ConvertGlobalConfigToRpcServerConfig(cfg), svc.orchestrator, svc.sink, l)
		if err := server.ListenAndServe(ctx); err != nil {
			l.Sugar().Errorw("Http server stopped", zap.Error(err))
		}

		stop()
		<-reconcilerDone
		l.Sugar().Info("Shut down xp-ledger")
	},
}
