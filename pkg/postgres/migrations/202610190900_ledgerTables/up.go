package _202610190900_ledgerTables

import (
	"database/sql"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error {
	queries := []string{
		`create table if not exists swap_volume_ledger (
			wallet_address varchar primary key,
			total_volume_usd numeric not null default 0 check (total_volume_usd >= 0),
			awarded_recurring_blocks bigint not null default 0,
			awarded_tier_keys text[] not null default '{}',
			created_at timestamp with time zone not null default current_timestamp,
			updated_at timestamp with time zone not null default current_timestamp
		)`,
		`create table if not exists swap_volume_entries (
			tx_hash varchar primary key,
			wallet_address varchar not null,
			amount_usd numeric not null check (amount_usd > 0),
			source varchar not null,
			created_at timestamp with time zone not null default current_timestamp
		)`,
		`create table if not exists award_records (
			id serial primary key,
			tx_hash varchar,
			wallet_address varchar not null,
			game_type varchar not null,
			base_xp bigint not null,
			multiplier bigint not null default 1,
			xp_amount bigint not null,
			source varchar not null,
			created_at timestamp with time zone not null default current_timestamp
		)`,
		`create table if not exists player_aggregates (
			wallet_address varchar primary key,
			total_xp bigint not null default 0,
			level integer not null default 1,
			total_actions bigint not null default 0,
			created_at timestamp with time zone not null default current_timestamp,
			updated_at timestamp with time zone not null default current_timestamp
		)`,
	}
	for _, query := range queries {
		if res := grm.Exec(query); res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202610190900_ledgerTables"
}
