// Package oco maintains synthetic one-cancels-other pairs: a take-profit and
// a stop order tracked together so that when one fills, the sibling is
// canceled exactly once. Pairs are persisted in sqlite so a restart cannot
// leave an orphaned sibling working on the exchange.
package oco

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Pair ties a position's two protective orders together.
type Pair struct {
	Symbol             string
	Side               string // position side the pair protects
	TakeProfitOrderID  string
	StopOrderID        string
	TotalQuantity      float64
	FilledQuantity     float64
	BracketInitialized bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PairStore wraps a sqlite database for OCO pairs.
type PairStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenPairStore opens or creates the sqlite database at path.
func OpenPairStore(path string) (*PairStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("oco store path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PairStore{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS oco_pairs (
		symbol TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		tp_order_id TEXT NOT NULL,
		sl_order_id TEXT NOT NULL,
		total_qty REAL NOT NULL,
		filled_qty REAL NOT NULL DEFAULT 0,
		bracket_initialized INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(stmt)
	return err
}

// Close closes the underlying db.
func (s *PairStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PairStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("oco store not initialised")
	}
	return db, nil
}

// Put inserts or replaces the pair for its symbol. One pair per symbol,
// mirroring the one-position-per-symbol rule.
func (s *PairStore) Put(ctx context.Context, p Pair) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if p.Symbol == "" || p.TakeProfitOrderID == "" || p.StopOrderID == "" {
		return fmt.Errorf("oco pair needs symbol and both order ids")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO oco_pairs(symbol, side, tp_order_id, sl_order_id, total_qty, filled_qty, bracket_initialized, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			side=excluded.side,
			tp_order_id=excluded.tp_order_id,
			sl_order_id=excluded.sl_order_id,
			total_qty=excluded.total_qty,
			filled_qty=excluded.filled_qty,
			bracket_initialized=excluded.bracket_initialized,
			updated_at=excluded.updated_at;
	`, p.Symbol, p.Side, p.TakeProfitOrderID, p.StopOrderID, p.TotalQuantity, p.FilledQuantity,
		boolToInt(p.BracketInitialized), p.CreatedAt.UnixMilli(), now.UnixMilli())
	return err
}

// Get returns the pair for a symbol if present.
func (s *PairStore) Get(ctx context.Context, symbol string) (Pair, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Pair{}, false, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT symbol, side, tp_order_id, sl_order_id, total_qty, filled_qty, bracket_initialized, created_at, updated_at
		FROM oco_pairs WHERE symbol = ?`, symbol)
	var p Pair
	var init int
	var created, updated int64
	err = row.Scan(&p.Symbol, &p.Side, &p.TakeProfitOrderID, &p.StopOrderID,
		&p.TotalQuantity, &p.FilledQuantity, &init, &created, &updated)
	if err == sql.ErrNoRows {
		return Pair{}, false, nil
	}
	if err != nil {
		return Pair{}, false, err
	}
	p.BracketInitialized = init != 0
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	return p, true, nil
}

// List returns every tracked pair, for startup reconciliation.
func (s *PairStore) List(ctx context.Context) ([]Pair, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT symbol, side, tp_order_id, sl_order_id, total_qty, filled_qty, bracket_initialized, created_at, updated_at
		FROM oco_pairs ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Pair
	for rows.Next() {
		var p Pair
		var init int
		var created, updated int64
		if err := rows.Scan(&p.Symbol, &p.Side, &p.TakeProfitOrderID, &p.StopOrderID,
			&p.TotalQuantity, &p.FilledQuantity, &init, &created, &updated); err != nil {
			return nil, err
		}
		p.BracketInitialized = init != 0
		p.CreatedAt = time.UnixMilli(created)
		p.UpdatedAt = time.UnixMilli(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateFilled records cumulative entry fill progress for the pair.
func (s *PairStore) UpdateFilled(ctx context.Context, symbol string, filled float64, bracketInitialized bool) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE oco_pairs SET filled_qty = ?, bracket_initialized = ?, updated_at = ?
		WHERE symbol = ?`, filled, boolToInt(bracketInitialized), time.Now().UnixMilli(), symbol)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no oco pair for %s", symbol)
	}
	return nil
}

// Delete removes the pair. The first caller to delete wins: a return of
// false means someone else already resolved this pair.
func (s *PairStore) Delete(ctx context.Context, symbol string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM oco_pairs WHERE symbol = ?`, symbol)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
