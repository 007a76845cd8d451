package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

// SQLiteStore is the persistent ExecutionStore, backed by SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates the
// schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id              TEXT PRIMARY KEY,
			strategy_id     TEXT NOT NULL DEFAULT '',
			mode            TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			side            TEXT NOT NULL,
			quantity        TEXT NOT NULL,
			price           TEXT NOT NULL,
			status          TEXT NOT NULL,
			venue_order_id  INTEGER NOT NULL DEFAULT 0,
			client_order_id TEXT NOT NULL DEFAULT '',
			started_at      INTEGER NOT NULL,
			ended_at        INTEGER,
			last_state      TEXT NOT NULL DEFAULT '',
			error_message   TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return nil, fmt.Errorf("failed to create executions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_client_order_id
			ON executions(client_order_id);
	`); err != nil {
		return nil, fmt.Errorf("failed to create execution index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id             TEXT PRIMARY KEY,
			execution_id   TEXT NOT NULL REFERENCES executions(id),
			venue_trade_id INTEGER NOT NULL DEFAULT 0,
			symbol         TEXT NOT NULL,
			side           TEXT NOT NULL,
			quantity       TEXT NOT NULL,
			price          TEXT NOT NULL,
			fee            TEXT NOT NULL,
			fee_asset      TEXT NOT NULL DEFAULT '',
			maker          INTEGER,
			ts             INTEGER NOT NULL
		);
	`); err != nil {
		return nil, fmt.Errorf("failed to create trades table: %w", err)
	}

	// Streams replay execution reports after reconnects; the unique index
	// makes recording a fill idempotent per venue trade id.
	if _, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_venue_trade_id
			ON trades(execution_id, venue_trade_id) WHERE venue_trade_id != 0;
	`); err != nil {
		return nil, fmt.Errorf("failed to create trade index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, ex *domain.Execution) error {
	var endedAt sql.NullInt64
	if ex.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: ex.EndedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, strategy_id, mode, symbol, side, quantity, price, status,
			 venue_order_id, client_order_id, started_at, ended_at, last_state, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.StrategyID, ex.Mode, ex.Symbol, ex.Side,
		ex.Quantity.String(), ex.Price.String(), ex.Status,
		ex.VenueOrderID, ex.ClientOrderID, ex.StartedAt.UnixMilli(), endedAt,
		ex.LastState, ex.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus performs the conditional transition in a single
// UPDATE so the check and the advance are atomic even across processes.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, upd StatusUpdate) error {
	var endedAt sql.NullInt64
	if upd.To.IsTerminal() {
		endedAt = sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = ?,
			last_state = CASE WHEN ? != '' THEN ? ELSE last_state END,
			error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
			ended_at = COALESCE(ended_at, ?)
		WHERE id = ? AND status = ?`,
		upd.To,
		upd.LastState, upd.LastState,
		upd.Message, upd.Message,
		endedAt,
		id, upd.From,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) UpdateExecutionOrder(ctx context.Context, id string, venueOrderID int64, lastState string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			venue_order_id = ?,
			last_state = CASE WHEN ? != '' THEN ? ELSE last_state END
		WHERE id = ?`,
		venueOrderID, lastState, lastState, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *SQLiteStore) GetExecutionByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE client_order_id = ?`, clientOrderID)
	return scanExecution(row)
}

func (s *SQLiteStore) GetExecutions(ctx context.Context, statuses ...domain.Status) ([]*domain.Execution, error) {
	query := executionSelect
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	var maker sql.NullBool
	if trade.Maker != nil {
		maker = sql.NullBool{Bool: *trade.Maker, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, execution_id, venue_trade_id, symbol, side, quantity, price, fee, fee_asset, maker, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, venue_trade_id) WHERE venue_trade_id != 0 DO NOTHING`,
		trade.ID, trade.ExecutionID, trade.VenueTradeID, trade.Symbol, trade.Side,
		trade.Quantity.String(), trade.Price.String(), trade.Fee.String(),
		trade.FeeAsset, maker, trade.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateTrade
	}
	return nil
}

func (s *SQLiteStore) GetExecutionTrades(ctx context.Context, executionID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, venue_trade_id, symbol, side, quantity, price, fee, fee_asset, maker, ts
		FROM trades WHERE execution_id = ? ORDER BY ts ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t        domain.Trade
			qty, prc string
			fee      string
			maker    sql.NullBool
			ts       int64
		)
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.VenueTradeID, &t.Symbol, &t.Side,
			&qty, &prc, &fee, &t.FeeAsset, &maker, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("bad trade quantity %q: %w", qty, err)
		}
		if t.Price, err = decimal.NewFromString(prc); err != nil {
			return nil, fmt.Errorf("bad trade price %q: %w", prc, err)
		}
		if t.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("bad trade fee %q: %w", fee, err)
		}
		if maker.Valid {
			m := maker.Bool
			t.Maker = &m
		}
		t.Timestamp = time.UnixMilli(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const executionSelect = `
	SELECT id, strategy_id, mode, symbol, side, quantity, price, status,
	       venue_order_id, client_order_id, started_at, ended_at, last_state, error_message
	FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var (
		ex        domain.Execution
		qty, prc  string
		startedAt int64
		endedAt   sql.NullInt64
	)
	err := row.Scan(&ex.ID, &ex.StrategyID, &ex.Mode, &ex.Symbol, &ex.Side,
		&qty, &prc, &ex.Status, &ex.VenueOrderID, &ex.ClientOrderID,
		&startedAt, &endedAt, &ex.LastState, &ex.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if ex.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("bad execution quantity %q: %w", qty, err)
	}
	if ex.Price, err = decimal.NewFromString(prc); err != nil {
		return nil, fmt.Errorf("bad execution price %q: %w", prc, err)
	}
	ex.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		ex.EndedAt = &t
	}
	return &ex, nil
}
