package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/ledger"
	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/Layr-Labs/xp-ledger/pkg/rewards"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var exportAwardsCmd = &cobra.Command{
	Use:   "export-awards",
	Short: "Export a wallet's award history as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		wallet := viper.GetString(config.KebabToSnakeCase(config.ExportWallet))
		if wallet == "" {
			return fmt.Errorf("%s is required", config.ExportWallet)
		}
		output := viper.GetString(config.KebabToSnakeCase(config.ExportOutput))
		limit := viper.GetInt(config.KebabToSnakeCase(config.ExportLimit))

		store, _, err := buildStore(cfg, l)
		if err != nil {
			return err
		}
		defer store.Close()

		rewardsConfig, err := rewards.ConvertGlobalConfigToRewardsCalculatorConfig(&cfg.RewardsConfig)
		if err != nil {
			return err
		}
		calculator, err := rewards.NewRewardsCalculator(rewardsConfig, l)
		if err != nil {
			return err
		}
		// reads never consult holdings
		ls := ledger.NewLedgerService(store, calculator, nil, l)

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		n, err := ls.ExportAwardsCsv(context.Background(), wallet, limit, w)
		if err != nil {
			return err
		}
		l.Sugar().Infow("Exported awards", zap.String("wallet", wallet), zap.Int("rows", n))
		return nil
	},
}
