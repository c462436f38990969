package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/pkg/clients/ethereum"
	"github.com/Layr-Labs/xp-ledger/pkg/logger"
	"github.com/Layr-Labs/xp-ledger/pkg/receiptVerifier"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verifyTxCmd = &cobra.Command{
	Use:   "verify-tx <tx-hash> <wallet>",
	Short: "Check that a transaction was mined, succeeded and was sent by wallet",
	Long:  "Looks the receipt up once. With --verify-tx.wait it polls until the receipt appears or the verifier gives up.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bindCommandFlags(cmd)
		cfg := config.NewConfig()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		chainConfig, err := cfg.GetChainConfig()
		if err != nil {
			return err
		}
		if len(cfg.EthereumRpcConfig.Urls) == 0 {
			return fmt.Errorf("%s is required", config.EthereumRpcUrls)
		}

		sink, err := buildMetricsSink(cfg, l)
		if err != nil {
			return err
		}
		defer sink.Flush()

		client := ethereum.NewClient(ethereum.ConvertGlobalConfigToEthereumConfig(&cfg.EthereumRpcConfig), l)
		defer client.Close()

		verifier := receiptVerifier.NewReceiptVerifier(
			receiptVerifier.ConvertGlobalConfigToVerifierConfig(&cfg.VerifierConfig),
			map[config.Chain]receiptVerifier.ReceiptFetcher{chainConfig.Chain: client},
			sink,
			l,
		)

		check := verifier.Check
		if viper.GetBool(config.KebabToSnakeCase(config.VerifyTxWait)) {
			check = verifier.Verify
		}
		res, err := check(context.Background(), chainConfig.Chain, args[0], args[1])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
