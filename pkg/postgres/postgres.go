// Package postgres opens connections to the ledger database and provisions throwaway databases
// for integration tests.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/internal/tests"
	"github.com/Layr-Labs/xp-ledger/pkg/postgres/migrations"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultSSLMode = "disable"

var validSSLModes = []string{
	"disable",
	"require",
	"verify-ca",
	"verify-full",
}

// PostgresConfig holds connection parameters for a single database.
type PostgresConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DbName   string
	// CreateDbIfNotExists creates DbName through the server's "postgres" database before connecting
	CreateDbIfNotExists bool
	// SchemaName is set as the connection's search_path
	SchemaName  string
	SSLMode     string
	SSLCert     string
	SSLKey      string
	SSLRootCert string
	// StatementTimeout is enforced server side for every statement on the connection
	StatementTimeout time.Duration
}

type Postgres struct {
	Db *sql.DB
}

func PostgresConfigFromDbConfig(dbCfg *config.DatabaseConfig) *PostgresConfig {
	return &PostgresConfig{
		Host:                dbCfg.Host,
		Port:                dbCfg.Port,
		Username:            dbCfg.User,
		Password:            dbCfg.Password,
		DbName:              dbCfg.DbName,
		CreateDbIfNotExists: dbCfg.CreateDbIfNotExists,
		SchemaName:          dbCfg.SchemaName,
		SSLMode:             dbCfg.SSLMode,
		SSLCert:             dbCfg.SSLCert,
		SSLKey:              dbCfg.SSLKey,
		SSLRootCert:         dbCfg.SSLRootCert,
		StatementTimeout:    dbCfg.StatementTimeout,
	}
}

// GetTestPostgresDatabase creates a uniquely named database, migrates it and returns its name
// along with both connection handles.
func GetTestPostgresDatabase(cfg config.DatabaseConfig, gCfg *config.Config, l *zap.Logger) (
	string,
	*sql.DB,
	*gorm.DB,
	error,
) {
	testDbName, err := tests.GenerateTestDbName()
	if err != nil {
		return testDbName, nil, nil, err
	}
	cfg.DbName = testDbName

	pgConfig := PostgresConfigFromDbConfig(&cfg)
	pgConfig.CreateDbIfNotExists = true

	pg, err := NewPostgres(pgConfig)
	if err != nil {
		return testDbName, nil, nil, err
	}

	grm, err := NewGormFromPostgresConnection(pg.Db)
	if err != nil {
		return testDbName, nil, nil, err
	}

	migrator := migrations.NewMigrator(pg.Db, grm, l, gCfg)
	if err = migrator.MigrateAll(); err != nil {
		return testDbName, nil, nil, err
	}
	return testDbName, pg.Db, grm, nil
}

// TeardownTestDatabase closes db and drops the database named dbname.
func TeardownTestDatabase(dbname string, cfg *config.Config, db *gorm.DB, l *zap.Logger) {
	rawDb, _ := db.DB()
	_ = rawDb.Close()

	pgConfig := PostgresConfigFromDbConfig(&cfg.DatabaseConfig)
	if err := DeleteTestDatabase(pgConfig, dbname); err != nil {
		l.Sugar().Errorw("Failed to delete test database", "error", err)
	}
}

func getPostgresRootConnection(cfg *PostgresConfig) (*sql.DB, error) {
	root := *cfg
	root.DbName = "postgres"
	root.SchemaName = ""
	root.StatementTimeout = 0

	connStr, err := getPostgresConnectionString(&root)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection string: %w", err)
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres database: %w", err)
	}
	return db, nil
}

func getPostgresConnectionString(cfg *PostgresConfig) (string, error) {
	parts := []string{
		fmt.Sprintf("host=%s", cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("dbname=%s", cfg.DbName),
	}
	if cfg.Username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", cfg.Username))
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}

	sslMode := defaultSSLMode
	if cfg.SSLMode != "" {
		if !slices.Contains(validSSLModes, cfg.SSLMode) {
			return "", fmt.Errorf("invalid ssl mode: %s. Must be one of: %s", cfg.SSLMode, strings.Join(validSSLModes, ", "))
		}
		sslMode = cfg.SSLMode
	}
	parts = append(parts, fmt.Sprintf("sslmode=%s", sslMode), "TimeZone=UTC")

	if cfg.SchemaName != "" {
		parts = append(parts, fmt.Sprintf("search_path=%s", cfg.SchemaName))
	}
	if cfg.StatementTimeout > 0 {
		parts = append(parts, fmt.Sprintf("statement_timeout=%d", cfg.StatementTimeout.Milliseconds()))
	}
	if sslMode != defaultSSLMode {
		if cfg.SSLCert != "" {
			parts = append(parts, fmt.Sprintf("sslcert=%s", cfg.SSLCert))
		}
		if cfg.SSLKey != "" {
			parts = append(parts, fmt.Sprintf("sslkey=%s", cfg.SSLKey))
		}
		if cfg.SSLRootCert != "" {
			parts = append(parts, fmt.Sprintf("sslrootcert=%s", cfg.SSLRootCert))
		}
	}
	return strings.Join(parts, " "), nil
}

func DeleteTestDatabase(cfg *PostgresConfig, dbName string) error {
	db, err := getPostgresRootConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err = db.Exec(fmt.Sprintf("DROP DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
		return fmt.Errorf("error dropping database: %w", err)
	}
	return nil
}

func CreateDatabaseIfNotExists(cfg *PostgresConfig) error {
	db, err := getPostgresRootConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var exists bool
	err = db.QueryRow(`SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)`, cfg.DbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("error checking if database exists: %w", err)
	}
	if exists {
		return nil
	}
	if _, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(cfg.DbName))); err != nil {
		return fmt.Errorf("error creating database: %w", err)
	}
	return nil
}

func NewPostgres(cfg *PostgresConfig) (*Postgres, error) {
	if cfg.CreateDbIfNotExists {
		if err := CreateDatabaseIfNotExists(cfg); err != nil {
			return nil, fmt.Errorf("failed to create database if not exists: %w", err)
		}
	}
	connectString, err := getPostgresConnectionString(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection string: %w", err)
	}

	db, err := sql.Open("postgres", connectString)
	if err != nil {
		return nil, fmt.Errorf("failed to setup database: %w", err)
	}
	return &Postgres{Db: db}, nil
}

func NewGormFromPostgresConnection(pgDb *sql.DB) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: pgDb,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup gorm: %w", err)
	}
	return db, nil
}

// IsDuplicateKeyError reports whether err is a unique constraint violation.
func IsDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
