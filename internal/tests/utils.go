package tests

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/google/uuid"
)

const dbHostEnvVar = "XP_LEDGER_DATABASE_HOST"

func getEnvWithDefault(key string, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// HasTestDatabase reports whether a postgres instance was provided for integration tests.
func HasTestDatabase() bool {
	return os.Getenv(dbHostEnvVar) != ""
}

func GetDbConfigFromEnv() *config.DatabaseConfig {
	port, err := strconv.Atoi(getEnvWithDefault("XP_LEDGER_DATABASE_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return &config.DatabaseConfig{
		Host:       getEnvWithDefault(dbHostEnvVar, "localhost"),
		Port:       port,
		User:       getEnvWithDefault("XP_LEDGER_DATABASE_USER", "xp_ledger"),
		Password:   os.Getenv("XP_LEDGER_DATABASE_PASSWORD"),
		DbName:     getEnvWithDefault("XP_LEDGER_DATABASE_DB_NAME", "xp_ledger"),
		SchemaName: os.Getenv("XP_LEDGER_DATABASE_SCHEMA_NAME"),
	}
}

// GenerateTestDbName returns a unique, postgres safe database name.
func GenerateTestDbName() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("test_%s", strings.ReplaceAll(id.String(), "-", "")), nil
}

func ReplaceEnv(newValues map[string]string, previousValues *map[string]string) {
	for k, v := range newValues {
		(*previousValues)[k] = os.Getenv(k)
		os.Setenv(k, v)
	}
}

func RestoreEnv(previousValues map[string]string) {
	for k, v := range previousValues {
		os.Setenv(k, v)
	}
}
