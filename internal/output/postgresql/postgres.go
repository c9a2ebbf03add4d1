// Package postgresql stores confirmed events, rankings and reward
// distributions in PostgreSQL.
package postgresql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/output"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertEvent = `INSERT INTO events (tx_hash, log_index, block_height, confirmed_at, kind, payload)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (tx_hash, log_index) DO NOTHING`
	upsertScore = `INSERT INTO scores (step, item_id, score, window_values)
VALUES ($1, $2, $3, $4) ON CONFLICT (step, item_id) DO UPDATE SET score = EXCLUDED.score, window_values = EXCLUDED.window_values`
	insertReward = `INSERT INTO rewards (tx_hash, item_id, step, recipient, amount)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT (tx_hash, item_id) DO NOTHING`
	selectCheckpoint = `SELECT MAX(block_height) FROM events`
)

type PostgresOutputHandler struct {
	db *sql.DB
}

var _ output.OutputHandler = (*PostgresOutputHandler)(nil)

// New wraps an open database whose schema is already migrated.
func New(db *sql.DB) *PostgresOutputHandler {
	return &PostgresOutputHandler{db: db}
}

// Open migrates the schema and connects to the database at dsn.
func Open(ctx context.Context, dsn string) (*PostgresOutputHandler, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// Migrate applies the embedded migrations. It uses its own connection since
// closing the migrator closes the database handle it was given.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, _, _ := m.Version()
	slog.Info("Database schema up to date", "version", version)
	return nil
}

func (h *PostgresOutputHandler) WriteEvent(ctx context.Context, ev models.ConfirmedEvent, kind string) error {
	_, err := h.db.ExecContext(ctx, insertEvent,
		ev.TxHash.Hex(), ev.LogIndex, ev.BlockHeight, ev.ConfirmedAt, kind, string(ev.Payload))
	if err != nil {
		return fmt.Errorf("failed to write event %s: %w", ev.Key(), err)
	}
	return nil
}

func (h *PostgresOutputHandler) WriteScores(ctx context.Context, step uint64, records []models.ScoreRecord) error {
	if len(records) == 0 {
		return nil
	}
	return h.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			window, err := json.Marshal(r.Window)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertScore, step, r.ItemID, r.Score, string(window)); err != nil {
				return fmt.Errorf("failed to write score of %s: %w", r.ItemID, err)
			}
		}
		return nil
	})
}

func (h *PostgresOutputHandler) WriteRewards(ctx context.Context, step uint64, txID models.TxID, rewards []models.Reward) error {
	if len(rewards) == 0 {
		return nil
	}
	return h.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rewards {
			if _, err := tx.ExecContext(ctx, insertReward, txID.Hex(), r.ItemID, step, r.Recipient.Hex(), r.Amount); err != nil {
				return fmt.Errorf("failed to write reward of %s: %w", r.ItemID, err)
			}
		}
		return nil
	})
}

func (h *PostgresOutputHandler) GetCheckpoint(ctx context.Context) (uint64, bool, error) {
	var height sql.NullInt64
	if err := h.db.QueryRowContext(ctx, selectCheckpoint).Scan(&height); err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !height.Valid {
		return 0, false, nil
	}
	return uint64(height.Int64), true, nil
}

func (h *PostgresOutputHandler) Close() error {
	return h.db.Close()
}

func (h *PostgresOutputHandler) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
