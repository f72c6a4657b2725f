package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/futures_level_bot/internal/domain"
)

// SQLiteStore journals trades and stop-loss moves.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			action TEXT NOT NULL,
			size REAL NOT NULL,
			contract_amount REAL NOT NULL,
			price REAL NOT NULL,
			pnl REAL NOT NULL DEFAULT 0,
			reason TEXT,
			order_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,
		`CREATE TABLE IF NOT EXISTS stop_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			old_value REAL NOT NULL,
			new_value REAL NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	query := `INSERT INTO trades (symbol, side, action, size, contract_amount, price, pnl, reason, order_id, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.Symbol, rec.Side, rec.Action, rec.Size, rec.ContractAmount,
		rec.Price, rec.PnL, rec.Reason, rec.OrderID, rec.CreatedAt)
	return err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	query := `SELECT id, symbol, side, action, size, contract_amount, price, pnl, reason, order_id, created_at
			  FROM trades ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side, &r.Action, &r.Size, &r.ContractAmount,
			&r.Price, &r.PnL, &r.Reason, &r.OrderID, &r.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, &r)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) SaveStopUpdate(ctx context.Context, audit *domain.StopAudit) error {
	query := `INSERT INTO stop_updates (symbol, old_value, new_value, created_at)
			  VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		audit.Symbol, audit.OldValue, audit.NewValue, audit.CreatedAt)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
