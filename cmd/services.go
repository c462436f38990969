package cmd

import (
	"fmt"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/awardOrchestrator"
	"github.com/Layr-Labs/xp-ledger/pkg/clients/ethereum"
	"github.com/Layr-Labs/xp-ledger/pkg/eventBus"
	"github.com/Layr-Labs/xp-ledger/pkg/fallback"
	"github.com/Layr-Labs/xp-ledger/pkg/holdings"
	"github.com/Layr-Labs/xp-ledger/pkg/ledger"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/Layr-Labs/xp-ledger/pkg/postgres"
	"github.com/Layr-Labs/xp-ledger/pkg/receiptVerifier"
	"github.com/Layr-Labs/xp-ledger/pkg/rewards"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/Layr-Labs/xp-ledger/pkg/storage/memory"
	pgStorage "github.com/Layr-Labs/xp-ledger/pkg/storage/postgres"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// services is everything a long running command needs, built from the global config.
type services struct {
	sink         *metrics.MetricsSink
	client       *ethereum.Client
	store        storage.LedgerStore
	grm          *gorm.DB
	ledger       *ledger.LedgerService
	verifier     *receiptVerifier.ReceiptVerifier
	journal      *fallback.FallbackJournal
	bus          *eventBus.EventBus
	orchestrator *awardOrchestrator.AwardOrchestrator
}

func (s *services) Close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.sink.Flush()
}

func buildMetricsSink(cfg *config.Config, l *zap.Logger) (*metrics.MetricsSink, error) {
	metricsClients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
	if err != nil {
		return nil, fmt.Errorf("failed to setup metrics clients: %w", err)
	}
	return metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
}

// openGorm connects to the configured database.
func openGorm(cfg *config.Config) (*gorm.DB, error) {
	pg, err := postgres.NewPostgres(postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to setup postgres connection: %w", err)
	}
	grm, err := postgres.NewGormFromPostgresConnection(pg.Db)
	if err != nil {
		return nil, fmt.Errorf("failed to create gorm instance: %w", err)
	}
	return grm, nil
}

func buildStore(cfg *config.Config, l *zap.Logger) (storage.LedgerStore, *gorm.DB, error) {
	if cfg.StoreConfig.InMemory {
		l.Sugar().Warnw("Using the in-memory ledger store; nothing will survive a restart")
		return memory.NewMemoryLedgerStore(rewards.LevelForXp, l), nil, nil
	}
	grm, err := openGorm(cfg)
	if err != nil {
		return nil, nil, err
	}
	return pgStorage.NewPostgresLedgerStore(grm, rewards.LevelForXp, l, cfg), grm, nil
}

func buildServices(cfg *config.Config, l *zap.Logger) (*services, error) {
	chainConfig, err := cfg.GetChainConfig()
	if err != nil {
		return nil, err
	}

	s := &services{}
	if s.sink, err = buildMetricsSink(cfg, l); err != nil {
		return nil, err
	}

	s.client = ethereum.NewClient(ethereum.ConvertGlobalConfigToEthereumConfig(&cfg.EthereumRpcConfig), l)

	if s.store, s.grm, err = buildStore(cfg, l); err != nil {
		return nil, err
	}

	rewardsConfig, err := rewards.ConvertGlobalConfigToRewardsCalculatorConfig(&cfg.RewardsConfig)
	if err != nil {
		return nil, err
	}
	calculator, err := rewards.NewRewardsCalculator(rewardsConfig, l)
	if err != nil {
		return nil, err
	}

	hs := holdings.NewHoldingsService(&holdings.HoldingsServiceConfig{
		NftContracts: cfg.HoldingsConfig.NftContracts,
		CacheTTL:     cfg.HoldingsConfig.CacheTTL,
	}, s.client, l)

	s.ledger = ledger.NewLedgerService(s.store, calculator, hs, l)

	s.verifier = receiptVerifier.NewReceiptVerifier(
		receiptVerifier.ConvertGlobalConfigToVerifierConfig(&cfg.VerifierConfig),
		map[config.Chain]receiptVerifier.ReceiptFetcher{chainConfig.Chain: s.client},
		s.sink,
		l,
	)

	// a nil *FallbackJournal must not reach the orchestrator as a non-nil interface
	var journal awardOrchestrator.Journal
	if cfg.FallbackConfig.Enabled {
		if s.journal, err = fallback.NewFallbackJournal(cfg.FallbackConfig.Path, l); err != nil {
			return nil, fmt.Errorf("failed to open fallback journal: %w", err)
		}
		s.journal.SetMaxAttempts(cfg.FallbackConfig.MaxReplayAttempts)
		journal = s.journal
	}

	s.bus = eventBus.NewEventBus(s.sink, l)

	orchestratorConfig, err := awardOrchestrator.ConvertGlobalConfigToOrchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}
	s.orchestrator = awardOrchestrator.NewAwardOrchestrator(orchestratorConfig, s.ledger, s.verifier, journal, s.bus, s.sink, l)
	return s, nil
}
