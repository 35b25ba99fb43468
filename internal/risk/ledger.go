package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"krakenbotzyn/internal/logger"
)

// ledgerState is the on-disk shape of the daily trade ledger. It is plain
// JSON so an operator can read it directly.
type ledgerState struct {
	Date       string         `json:"date"` // UTC, YYYY-MM-DD
	Total      int            `json:"total_trades"`
	BySymbol   map[string]int `json:"trades_by_symbol"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ResetCount int            `json:"reset_count"`
}

// DailyLedger is the durable per-day trade counter. One counter is shared
// across paper and live execution: switching modes never frees up slots.
// All access runs under a single mutex covering the whole read-modify-write.
type DailyLedger struct {
	mu    sync.Mutex
	path  string
	state ledgerState
	ioErr error // last persist failure; sticky until a write succeeds
	now   func() time.Time
}

// OpenLedger loads (or initialises) the ledger at path. A missing or corrupt
// file starts a fresh day rather than failing startup; a directory that
// cannot be created is a hard error because nothing could ever persist.
func OpenLedger(path string) (*DailyLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger dir: %w", err)
		}
	}
	l := &DailyLedger{path: path, now: time.Now}
	l.state = ledgerState{Date: l.today(), BySymbol: map[string]int{}}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// first run
	case err != nil:
		logger.Warnf("ledger: unreadable (%v), starting fresh for %s", err, l.state.Date)
	default:
		var loaded ledgerState
		if jsonErr := json.Unmarshal(raw, &loaded); jsonErr != nil {
			logger.Warnf("ledger: corrupt state (%v), starting fresh for %s", jsonErr, l.state.Date)
		} else {
			if loaded.BySymbol == nil {
				loaded.BySymbol = map[string]int{}
			}
			l.state = loaded
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if err := l.persist(); err != nil {
		return nil, err
	}
	logger.Infof("ledger: %d trade(s) recorded for %s", l.state.Total, l.state.Date)
	return l, nil
}

func (l *DailyLedger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

// rollover resets counters when the UTC day has changed, reporting whether
// it did. Caller holds l.mu.
func (l *DailyLedger) rollover() bool {
	today := l.today()
	if l.state.Date == today {
		return false
	}
	logger.Infof("ledger: new trading day %s (was %s)", today, l.state.Date)
	l.state = ledgerState{
		Date:       today,
		BySymbol:   map[string]int{},
		ResetCount: l.state.ResetCount + 1,
	}
	return true
}

// Counts returns today's per-symbol and total counters. A ledger whose last
// write failed reports an error instead: the in-memory counters may be ahead
// of disk, and admitting trades against unverifiable counts is not safe.
func (l *DailyLedger) Counts(symbol string) (symbolCount, total int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rollover() {
		if err := l.persist(); err != nil {
			return 0, 0, fmt.Errorf("persisting day rollover: %w", err)
		}
	}
	if l.ioErr != nil {
		return 0, 0, fmt.Errorf("ledger not durable: %w", l.ioErr)
	}
	return l.state.BySymbol[symbol], l.state.Total, nil
}

// RecordOpened consumes one daily slot for symbol. Callers must only invoke
// this after a confirmed fill; recording before the fill would burn a slot
// for a trade that may never exist.
func (l *DailyLedger) RecordOpened(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.state.Total++
	l.state.BySymbol[symbol]++
	if err := l.persist(); err != nil {
		return fmt.Errorf("recording trade for %s: %w", symbol, err)
	}
	logger.Infof("ledger: trade recorded %s (symbol %d, total %d)",
		symbol, l.state.BySymbol[symbol], l.state.Total)
	return nil
}

// Status reports today's state for the risk summary endpoint.
func (l *DailyLedger) Status() (date string, bySymbol map[string]int, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	out := make(map[string]int, len(l.state.BySymbol))
	for k, v := range l.state.BySymbol {
		out[k] = v
	}
	return l.state.Date, out, l.state.Total
}

// persist writes the state atomically (temp file + rename) so an unclean
// exit can never leave a half-written ledger. The outcome is remembered in
// ioErr so read paths can refuse to serve stale counts. Caller holds l.mu.
func (l *DailyLedger) persist() error {
	l.ioErr = l.persistLocked()
	return l.ioErr
}

func (l *DailyLedger) persistLocked() error {
	l.state.UpdatedAt = l.now().UTC()
	raw, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
