package _202610190905_awardIndexes

import (
	"database/sql"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error {
	queries := []string{
		// null tx hashes are distinct, so awards without a transaction are never deduplicated
		`create unique index if not exists uniq_award_records_tx_hash_game_type on award_records (tx_hash, game_type)`,
		`create index if not exists idx_award_records_wallet_address on award_records (wallet_address, id desc)`,
		`create index if not exists idx_swap_volume_entries_wallet_address on swap_volume_entries (wallet_address)`,
	}
	for _, query := range queries {
		if res := grm.Exec(query); res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202610190905_awardIndexes"
}
