package migrations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	_202610190900_ledgerTables "github.com/Layr-Labs/xp-ledger/pkg/postgres/migrations/202610190900_ledgerTables"
	_202610190905_awardIndexes "github.com/Layr-Labs/xp-ledger/pkg/postgres/migrations/202610190905_awardIndexes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Migration interface {
	Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error
	GetName() string
}

// Migrations is the ledger's schema history. Append only.
func Migrations() []Migration {
	return []Migration{
		&_202610190900_ledgerTables.Migration{},
		&_202610190905_awardIndexes.Migration{},
	}
}

type Migrator struct {
	Db           *sql.DB
	GDb          *gorm.DB
	Logger       *zap.Logger
	globalConfig *config.Config
}

type MigrationRecord struct {
	Name      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (MigrationRecord) TableName() string {
	return "migrations"
}

func NewMigrator(db *sql.DB, gDb *gorm.DB, l *zap.Logger, cfg *config.Config) *Migrator {
	return &Migrator{
		Db:           db,
		GDb:          gDb,
		Logger:       l,
		globalConfig: cfg,
	}
}

func (m *Migrator) MigrateAll() error {
	res := m.GDb.Exec(`create table if not exists migrations (
		name text primary key,
		created_at timestamp with time zone default current_timestamp
	)`)
	if res.Error != nil {
		return fmt.Errorf("failed to create migrations table: %w", res.Error)
	}

	for _, migration := range Migrations() {
		if err := m.Migrate(migration); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) Migrate(migration Migration) error {
	name := migration.GetName()

	var existing MigrationRecord
	res := m.GDb.Where("name = ?", name).Limit(1).Find(&existing)
	if res.Error != nil {
		return fmt.Errorf("failed to look up migration %s: %w", name, res.Error)
	}
	if res.RowsAffected > 0 {
		m.Logger.Sugar().Debugw("Migration already run", zap.String("migration", name))
		return nil
	}

	m.Logger.Sugar().Infow("Running migration", zap.String("migration", name))
	if err := migration.Up(m.Db, m.GDb, m.globalConfig); err != nil {
		m.Logger.Sugar().Errorw("Failed to run migration",
			zap.String("migration", name),
			zap.Error(err),
		)
		return fmt.Errorf("failed to run migration %s: %w", name, err)
	}

	res = m.GDb.Clauses(clause.OnConflict{DoNothing: true}).Create(&MigrationRecord{
		Name:      name,
		CreatedAt: time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, res.Error)
	}
	return nil
}
