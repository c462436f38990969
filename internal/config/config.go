package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type EnvScope string

type Chain string

func (c Chain) String() string {
	return string(c)
}

type Environment int

const (
	Chain_Base        Chain = "base"
	Chain_BaseSepolia Chain = "base-sepolia"
	Chain_Local       Chain = "local"

	Environment_Mainnet Environment = 1
	Environment_Testnet Environment = 2
	Environment_Local   Environment = 3
)

const ENV_PREFIX = "XP_LEDGER"

type ChainConfig struct {
	Chain       Chain
	ChainId     uint64
	Environment Environment
}

var chainConfigs = []ChainConfig{
	{Chain_Base, 8453, Environment_Mainnet},
	{Chain_BaseSepolia, 84532, Environment_Testnet},
	{Chain_Local, 31337, Environment_Local},
}

func ParseChainConfig(name string) (ChainConfig, error) {
	if name == "" {
		return ChainConfig{}, fmt.Errorf("chain not found")
	}
	for _, c := range chainConfigs {
		if string(c.Chain) == name {
			return c, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("unsupported chain %s", name)
}

func GetEnvironmentAsString(e Environment) (string, error) {
	switch e {
	case Environment_Mainnet:
		return "mainnet", nil
	case Environment_Testnet:
		return "testnet", nil
	case Environment_Local:
		return "local", nil
	default:
		return "", fmt.Errorf("unsupported environment %d", e)
	}
}

// IsTestnet reports whether XP must be withheld for the chain. Local chains count as test networks.
func (c ChainConfig) IsTestnet() bool {
	return c.Environment != Environment_Mainnet
}

// flag and env keys
const (
	Debug     = "debug"
	ChainName = "chain"

	EthereumRpcUrls           = "ethereum.rpc-urls"
	EthereumRpcRequestTimeout = "ethereum.request-timeout"

	DatabaseHost               = "database.host"
	DatabasePort               = "database.port"
	DatabaseUser               = "database.user"
	DatabasePassword           = "database.password"
	DatabaseDbName             = "database.db_name"
	DatabaseSchemaName         = "database.schema_name"
	DatabaseSSLMode            = "database.ssl_mode"
	DatabaseStatementTimeout   = "database.statement-timeout"
	DatabaseCreateDbIfNotExist = "database.create-db-if-not-exists"

	RewardsRecurringUnitUsd = "rewards.recurring-unit-usd"
	RewardsRecurringUnitXp  = "rewards.recurring-unit-xp"
	RewardsMilestonesFile   = "rewards.milestones-file"
	RewardsMultiplierCap    = "rewards.multiplier-cap"
	RewardsMaxSwapUsd       = "rewards.max-swap-usd"

	HoldingsNftContracts = "holdings.nft-contracts"
	HoldingsCacheTTL     = "holdings.cache-ttl"

	VerifierInitialDelay       = "verifier.initial-delay"
	VerifierMaxAttempts        = "verifier.max-attempts"
	VerifierPollInterval       = "verifier.poll-interval"
	VerifierPollBudget         = "verifier.poll-budget"
	VerifierExponentialBackoff = "verifier.exponential-backoff"

	StoreInMemory      = "store.in-memory"
	StoreRetryAttempts = "store.retry-attempts"
	StoreRetryDelay    = "store.retry-delay"

	FallbackEnabled           = "fallback.enabled"
	FallbackPath              = "fallback.path"
	FallbackReconcileInterval = "fallback.reconcile-interval"
	FallbackMaxReplayAttempts = "fallback.max-replay-attempts"

	HttpPort           = "http.port"
	HttpAllowedOrigins = "http.allowed-origins"

	PrometheusEnabled = "prometheus.enabled"

	DataDogStatsdEnabled = "datadog.statsd.enabled"
	DataDogStatsdUrl     = "datadog.statsd.url"
	DataDogTracerEnabled = "datadog.tracer.enabled"

	AmqpUrl      = "amqp.url"
	AmqpExchange = "amqp.exchange"

	ExportWallet = "export.wallet"
	ExportOutput = "export.output"
	ExportLimit  = "export.limit"

	VerifyTxWait = "verify-tx.wait"
)

type Config struct {
	Debug             bool
	Chain             Chain
	EthereumRpcConfig EthereumRpcConfig
	DatabaseConfig    DatabaseConfig
	RewardsConfig     RewardsConfig
	HoldingsConfig    HoldingsConfig
	VerifierConfig    VerifierConfig
	StoreConfig       StoreConfig
	FallbackConfig    FallbackConfig
	HttpConfig        HttpConfig
	PrometheusConfig  PrometheusConfig
	DataDogConfig     DataDogConfig
	AmqpConfig        AmqpConfig
}

type EthereumRpcConfig struct {
	// Urls are tried in order; later entries are only used when earlier ones fail at the transport level.
	Urls           []string
	RequestTimeout time.Duration
}

type DatabaseConfig struct {
	Host                string
	Port                int
	User                string
	Password            string
	DbName              string
	SchemaName          string
	SSLMode             string
	SSLCert             string
	SSLKey              string
	SSLRootCert         string
	StatementTimeout    time.Duration
	CreateDbIfNotExists bool
}

type RewardsConfig struct {
	RecurringUnitUsd string
	RecurringUnitXp  int64
	MilestonesFile   string
	MultiplierCap    uint64
	// MaxSwapUsd caps a single swap's amount; larger swaps are rejected.
	MaxSwapUsd string
}

type HoldingsConfig struct {
	NftContracts []string
	CacheTTL     time.Duration
}

type VerifierConfig struct {
	InitialDelay       time.Duration
	MaxAttempts        uint
	PollInterval       time.Duration
	PollBudget         time.Duration
	ExponentialBackoff bool
}

type StoreConfig struct {
	InMemory      bool
	RetryAttempts uint
	RetryDelay    time.Duration
}

type FallbackConfig struct {
	Enabled bool
	// Path of the leveldb journal; empty keeps the journal in memory.
	Path              string
	ReconcileInterval time.Duration
	// MaxReplayAttempts moves an entry to the dead letter set after that many failed replays.
	MaxReplayAttempts int
}

type HttpConfig struct {
	Port           int
	AllowedOrigins []string
}

type PrometheusConfig struct {
	Enabled bool
}

type StatsdConfig struct {
	Enabled bool
	Url     string
}

type TracerConfig struct {
	Enabled bool
}

type DataDogConfig struct {
	StatsdConfig StatsdConfig
	TracerConfig TracerConfig
}

type AmqpConfig struct {
	Url      string
	Exchange string
}

func normalizeFlagName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// KebabToSnakeCase converts a flag name to the key viper binds it under.
func KebabToSnakeCase(str string) string {
	return normalizeFlagName(str)
}

func parseListEnvVar(envVar string) []string {
	if envVar == "" {
		return []string{}
	}
	// split on commas
	stringList := strings.Split(envVar, ",")

	l := make([]string, 0)
	for _, s := range stringList {
		s = strings.TrimSpace(s)
		if s != "" {
			l = append(l, s)
		}
	}
	return l
}

func NewConfig() *Config {
	return &Config{
		Debug: viper.GetBool(normalizeFlagName(Debug)),
		Chain: Chain(viper.GetString(normalizeFlagName(ChainName))),

		EthereumRpcConfig: EthereumRpcConfig{
			Urls:           parseListEnvVar(viper.GetString(normalizeFlagName(EthereumRpcUrls))),
			RequestTimeout: viper.GetDuration(normalizeFlagName(EthereumRpcRequestTimeout)),
		},

		DatabaseConfig: DatabaseConfig{
			Host:                viper.GetString(normalizeFlagName(DatabaseHost)),
			Port:                viper.GetInt(normalizeFlagName(DatabasePort)),
			User:                viper.GetString(normalizeFlagName(DatabaseUser)),
			Password:            viper.GetString(normalizeFlagName(DatabasePassword)),
			DbName:              viper.GetString(normalizeFlagName(DatabaseDbName)),
			SchemaName:          viper.GetString(normalizeFlagName(DatabaseSchemaName)),
			SSLMode:             viper.GetString(normalizeFlagName(DatabaseSSLMode)),
			StatementTimeout:    viper.GetDuration(normalizeFlagName(DatabaseStatementTimeout)),
			CreateDbIfNotExists: viper.GetBool(normalizeFlagName(DatabaseCreateDbIfNotExist)),
		},

		RewardsConfig: RewardsConfig{
			RecurringUnitUsd: viper.GetString(normalizeFlagName(RewardsRecurringUnitUsd)),
			RecurringUnitXp:  viper.GetInt64(normalizeFlagName(RewardsRecurringUnitXp)),
			MilestonesFile:   viper.GetString(normalizeFlagName(RewardsMilestonesFile)),
			MultiplierCap:    viper.GetUint64(normalizeFlagName(RewardsMultiplierCap)),
			MaxSwapUsd:       viper.GetString(normalizeFlagName(RewardsMaxSwapUsd)),
		},

		HoldingsConfig: HoldingsConfig{
			NftContracts: parseListEnvVar(viper.GetString(normalizeFlagName(HoldingsNftContracts))),
			CacheTTL:     viper.GetDuration(normalizeFlagName(HoldingsCacheTTL)),
		},

		VerifierConfig: VerifierConfig{
			InitialDelay:       viper.GetDuration(normalizeFlagName(VerifierInitialDelay)),
			MaxAttempts:        viper.GetUint(normalizeFlagName(VerifierMaxAttempts)),
			PollInterval:       viper.GetDuration(normalizeFlagName(VerifierPollInterval)),
			PollBudget:         viper.GetDuration(normalizeFlagName(VerifierPollBudget)),
			ExponentialBackoff: viper.GetBool(normalizeFlagName(VerifierExponentialBackoff)),
		},

		StoreConfig: StoreConfig{
			InMemory:      viper.GetBool(normalizeFlagName(StoreInMemory)),
			RetryAttempts: viper.GetUint(normalizeFlagName(StoreRetryAttempts)),
			RetryDelay:    viper.GetDuration(normalizeFlagName(StoreRetryDelay)),
		},

		FallbackConfig: FallbackConfig{
			Enabled:           viper.GetBool(normalizeFlagName(FallbackEnabled)),
			Path:              viper.GetString(normalizeFlagName(FallbackPath)),
			ReconcileInterval: viper.GetDuration(normalizeFlagName(FallbackReconcileInterval)),
			MaxReplayAttempts: viper.GetInt(normalizeFlagName(FallbackMaxReplayAttempts)),
		},

		HttpConfig: HttpConfig{
			Port:           viper.GetInt(normalizeFlagName(HttpPort)),
			AllowedOrigins: parseListEnvVar(viper.GetString(normalizeFlagName(HttpAllowedOrigins))),
		},

		PrometheusConfig: PrometheusConfig{
			Enabled: viper.GetBool(normalizeFlagName(PrometheusEnabled)),
		},

		DataDogConfig: DataDogConfig{
			StatsdConfig: StatsdConfig{
				Enabled: viper.GetBool(normalizeFlagName(DataDogStatsdEnabled)),
				Url:     viper.GetString(normalizeFlagName(DataDogStatsdUrl)),
			},
			TracerConfig: TracerConfig{
				Enabled: viper.GetBool(normalizeFlagName(DataDogTracerEnabled)),
			},
		},

		AmqpConfig: AmqpConfig{
			Url:      viper.GetString(normalizeFlagName(AmqpUrl)),
			Exchange: viper.GetString(normalizeFlagName(AmqpExchange)),
		},
	}
}

// GetChainConfig resolves the configured chain name against the supported chain table.
func (c *Config) GetChainConfig() (ChainConfig, error) {
	return ParseChainConfig(c.Chain.String())
}

// Validate checks the settings every long running command depends on.
func (c *Config) Validate() error {
	if _, err := c.GetChainConfig(); err != nil {
		return err
	}
	if len(c.EthereumRpcConfig.Urls) == 0 {
		return fmt.Errorf("%s is required", EthereumRpcUrls)
	}
	if c.VerifierConfig.MaxAttempts == 0 {
		return errors.New("verifier.max-attempts must be greater than 0")
	}
	if !c.StoreConfig.InMemory && c.DatabaseConfig.Host == "" {
		return fmt.Errorf("%s is required unless %s is set", DatabaseHost, StoreInMemory)
	}
	return nil
}
