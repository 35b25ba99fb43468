// Package telemetry persists the transition event stream and closed-trade
// records in SQLite, for the operator API and post-hoc analysis. The engine
// only depends on it through the events.Sink interface.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"krakenbotzyn/internal/events"
	"krakenbotzyn/internal/logger"
)

type eventModel struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   string `gorm:"uniqueIndex;size:64"`
	Timestamp time.Time
	Symbol    string `gorm:"index;size:32"`
	Kind      string `gorm:"index;size:32"`
	Before    string `gorm:"size:32"`
	After     string `gorm:"size:32"`
	Reason    string
}

func (eventModel) TableName() string { return "transition_events" }

type closedTradeModel struct {
	ID         uint   `gorm:"primaryKey"`
	Symbol     string `gorm:"index;size:32"`
	Side       string `gorm:"size:8"`
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	Fees       float64
	PnL        float64
	ExitReason string `gorm:"size:64"`
	OpenedAt   time.Time
	ClosedAt   time.Time
}

func (closedTradeModel) TableName() string { return "closed_trades" }

// Store implements events.Sink backed by Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("telemetry store: path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// Bind the gorm dialector to the pure-Go modernc driver; the DSN's
	// _pragma options are modernc syntax and the build runs with cgo off.
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&eventModel{}, &closedTradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep write contention low, allow HTTP reads in parallel.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record implements events.Sink. Telemetry failures are logged, never
// propagated: losing an audit row must not fail a trade.
func (s *Store) Record(evt events.Event) {
	if s == nil || s.db == nil {
		return
	}
	row := eventModel{
		EventID:   evt.ID,
		Timestamp: evt.Timestamp,
		Symbol:    evt.Symbol,
		Kind:      string(evt.Kind),
		Before:    evt.Before,
		After:     evt.After,
		Reason:    evt.Reason,
	}
	if err := s.db.Create(&row).Error; err != nil {
		logger.Warnf("telemetry: event write failed: %v", err)
	}
}

// ClosedTrade is the durable record of one completed round trip.
type ClosedTrade struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	Fees       float64   `json:"fees"`
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

func (s *Store) SaveClosedTrade(t ClosedTrade) {
	if s == nil || s.db == nil {
		return
	}
	row := closedTradeModel{
		Symbol:     t.Symbol,
		Side:       t.Side,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		Quantity:   t.Quantity,
		Fees:       t.Fees,
		PnL:        t.PnL,
		ExitReason: t.ExitReason,
		OpenedAt:   t.OpenedAt,
		ClosedAt:   t.ClosedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		logger.Warnf("telemetry: closed trade write failed: %v", err)
	}
}

// RecentEvents returns the newest events, newest first.
func (s *Store) RecentEvents(limit int) ([]events.Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("telemetry store not initialised")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []eventModel
	if err := s.db.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, events.Event{
			ID:        r.EventID,
			Timestamp: r.Timestamp,
			Symbol:    r.Symbol,
			Kind:      events.Kind(r.Kind),
			Before:    r.Before,
			After:     r.After,
			Reason:    r.Reason,
		})
	}
	return out, nil
}
