package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	pgUtils "github.com/Layr-Labs/xp-ledger/pkg/postgres"
	"github.com/Layr-Labs/xp-ledger/pkg/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
	pgConnectionExceptions = "08"
)

type PostgresLedgerStore struct {
	Db           *gorm.DB
	Logger       *zap.Logger
	GlobalConfig *config.Config
	level        storage.LevelFunc
	now          func() time.Time
}

func NewPostgresLedgerStore(db *gorm.DB, level storage.LevelFunc, l *zap.Logger, cfg *config.Config) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		Db:           db,
		Logger:       l,
		GlobalConfig: cfg,
		level:        level,
		now:          time.Now,
	}
}

func (s *PostgresLedgerStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.GlobalConfig.DatabaseConfig.StatementTimeout
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *PostgresLedgerStore) RecordAward(ctx context.Context, input *storage.AwardInput) (*storage.AwardOutcome, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var outcome *storage.AwardOutcome
	err := s.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		record := storage.NewAwardRecord(input, now)

		inserted, err := insertAward(tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			player, err := findPlayer(tx, input.WalletAddress)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			outcome = &storage.AwardOutcome{Player: player, Credited: false}
			return nil
		}

		player, err := s.creditPlayer(tx, input.WalletAddress, []*storage.AwardRecord{record}, now)
		if err != nil {
			return err
		}
		outcome = &storage.AwardOutcome{Record: record, Player: player, Credited: true}
		return nil
	})
	if err != nil {
		return nil, ClassifyError(err)
	}
	return outcome, nil
}

func (s *PostgresLedgerStore) ApplySwapVolume(
	ctx context.Context,
	input *storage.SwapVolumeInput,
	plan storage.SwapAwardPlanner,
) (*storage.SwapVolumeOutcome, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var outcome *storage.SwapVolumeOutcome
	err := s.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		entry := &storage.SwapVolumeEntry{
			TxHash:        input.TxHash,
			WalletAddress: input.WalletAddress,
			AmountUsd:     input.AmountUsd,
			Source:        input.Source,
			CreatedAt:     now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}},
			DoNothing: true,
		}).Create(entry)
		if res.Error != nil {
			return fmt.Errorf("failed to insert swap volume entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrDuplicate
		}

		ledger, err := lockLedger(tx, input.WalletAddress, now)
		if err != nil {
			return err
		}
		previousVolume := ledger.TotalVolumeUsd
		newVolume := previousVolume.Add(input.AmountUsd)

		awardPlan, err := plan(ledger, newVolume)
		if err != nil {
			return err
		}

		records := make([]*storage.AwardRecord, 0, len(awardPlan.Awards))
		for _, a := range awardPlan.Awards {
			record := storage.NewAwardRecord(a, now)
			inserted, err := insertAward(tx, record)
			if err != nil {
				return err
			}
			if inserted {
				records = append(records, record)
			}
		}

		var player *storage.PlayerAggregate
		if len(records) > 0 {
			player, err = s.creditPlayer(tx, input.WalletAddress, records, now)
		} else {
			player, err = findPlayer(tx, input.WalletAddress)
			if errors.Is(err, storage.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			return err
		}

		ledger.TotalVolumeUsd = newVolume
		ledger.AwardedRecurringBlocks = awardPlan.AwardedRecurringBlocks
		for _, key := range awardPlan.NewTierKeys {
			if !ledger.HasTier(key) {
				ledger.AwardedTierKeys = append(ledger.AwardedTierKeys, key)
			}
		}
		ledger.UpdatedAt = now
		if res := tx.Save(ledger); res.Error != nil {
			return fmt.Errorf("failed to update swap volume ledger: %w", res.Error)
		}

		outcome = &storage.SwapVolumeOutcome{
			Entry:          entry,
			PreviousVolume: previousVolume,
			Ledger:         ledger,
			Awards:         records,
			Player:         player,
		}
		return nil
	})
	if err != nil {
		return nil, ClassifyError(err)
	}
	return outcome, nil
}

func (s *PostgresLedgerStore) GetPlayer(ctx context.Context, wallet string) (*storage.PlayerAggregate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	player, err := findPlayer(s.Db.WithContext(ctx), wallet)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return player, nil
}

func (s *PostgresLedgerStore) GetSwapLedger(ctx context.Context, wallet string) (*storage.SwapVolumeLedger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ledger storage.SwapVolumeLedger
	res := s.Db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&ledger)
	if res.Error != nil {
		return nil, ClassifyError(res.Error)
	}
	return &ledger, nil
}

func (s *PostgresLedgerStore) ListAwards(ctx context.Context, wallet string, limit int) ([]*storage.AwardRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	awards := make([]*storage.AwardRecord, 0)
	query := s.Db.WithContext(ctx).Where("wallet_address = ?", wallet).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if res := query.Find(&awards); res.Error != nil {
		return nil, ClassifyError(res.Error)
	}
	return awards, nil
}

func (s *PostgresLedgerStore) Close() error {
	db, err := s.Db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// insertAward reports false when (tx_hash, game_type) already exists.
func insertAward(tx *gorm.DB, record *storage.AwardRecord) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "game_type"}},
		DoNothing: true,
	}).Create(record)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert award record: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// lockLedger creates the wallet's ledger row if needed and locks it for the rest of the transaction.
func lockLedger(tx *gorm.DB, wallet string, now time.Time) (*storage.SwapVolumeLedger, error) {
	fresh := &storage.SwapVolumeLedger{
		WalletAddress:   wallet,
		TotalVolumeUsd:  decimal.Zero,
		AwardedTierKeys: pq.StringArray{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh); res.Error != nil {
		return nil, fmt.Errorf("failed to create swap volume ledger: %w", res.Error)
	}

	var ledger storage.SwapVolumeLedger
	res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_address = ?", wallet).
		First(&ledger)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to lock swap volume ledger: %w", res.Error)
	}
	if ledger.AwardedTierKeys == nil {
		ledger.AwardedTierKeys = pq.StringArray{}
	}
	return &ledger, nil
}

func (s *PostgresLedgerStore) creditPlayer(
	tx *gorm.DB,
	wallet string,
	records []*storage.AwardRecord,
	now time.Time,
) (*storage.PlayerAggregate, error) {
	fresh := &storage.PlayerAggregate{
		WalletAddress: wallet,
		Level:         s.level(0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh); res.Error != nil {
		return nil, fmt.Errorf("failed to create player aggregate: %w", res.Error)
	}

	var player storage.PlayerAggregate
	res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_address = ?", wallet).
		First(&player)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to lock player aggregate: %w", res.Error)
	}

	storage.ApplyAwards(&player, records, s.level, now)
	if res := tx.Save(&player); res.Error != nil {
		return nil, fmt.Errorf("failed to update player aggregate: %w", res.Error)
	}
	return &player, nil
}

func findPlayer(db *gorm.DB, wallet string) (*storage.PlayerAggregate, error) {
	var player storage.PlayerAggregate
	res := db.Where("wallet_address = ?", wallet).First(&player)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, res.Error
	}
	return &player, nil
}

func classifyCode(code string, err error) error {
	switch code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
		return fmt.Errorf("%w: %v", storage.ErrTransientStore, err)
	case pgAdminShutdown, pgCannotConnectNow:
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	if len(code) >= 2 && code[:2] == pgConnectionExceptions {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// ClassifyError maps driver errors onto the storage sentinel errors. Errors that match none of
// them are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrDuplicate) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrTransientStore) ||
		errors.Is(err, storage.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	if pgUtils.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if classified := classifyCode(string(pqErr.Code), err); classified != nil {
			return classified
		}
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if classified := classifyCode(pgErr.Code, err); classified != nil {
			return classified
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", storage.ErrTransientStore, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	return err
}
