package apihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbotzyn/internal/engine"
	"krakenbotzyn/internal/events"
	"krakenbotzyn/internal/executor"
	"krakenbotzyn/internal/fees"
	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/limiter"
	"krakenbotzyn/internal/oco"
	"krakenbotzyn/internal/risk"
	"krakenbotzyn/internal/settle"
	"krakenbotzyn/internal/store/telemetry"
	"krakenbotzyn/internal/tracker"
	"krakenbotzyn/internal/types"
)

type stubExchange struct {
	seq int
}

func (s *stubExchange) Name() string { return "stub" }

func (s *stubExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	s.seq++
	return &exchange.Order{
		ID: fmt.Sprintf("o-%d", s.seq), Symbol: req.Symbol, Side: req.Side, Type: req.Type,
		Quantity: req.Quantity, ExecutedQty: req.Quantity, AvgFillPrice: 100,
		Status: exchange.StatusFilled, UpdatedAt: time.Now(),
	}, nil
}

func (s *stubExchange) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	return &exchange.Order{ID: orderID, Symbol: symbol, Quantity: 1, ExecutedQty: 1,
		AvgFillPrice: 100, Status: exchange.StatusFilled, UpdatedAt: time.Now()}, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (s *stubExchange) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}

func (s *stubExchange) GetBalance(ctx context.Context) (exchange.Balance, error) {
	return exchange.Balance{QuoteCurrency: "USDT", Total: 1000, Available: 1000}, nil
}

func (s *stubExchange) GetPrice(ctx context.Context, symbol string) (exchange.PriceQuote, error) {
	return exchange.PriceQuote{Symbol: symbol, Last: 100, Bid: 100, Ask: 100}, nil
}

func (s *stubExchange) TradeFees(ctx context.Context) (exchange.FeeSchedule, error) {
	return exchange.FeeSchedule{MakerPct: 0.0016, TakerPct: 0.0026}, nil
}

func (s *stubExchange) MarketLimits(ctx context.Context, symbol string) (exchange.MarketLimits, error) {
	return exchange.MarketLimits{MinQuantity: 0.001, MinNotional: 1, StepSize: 0.001, TickSize: 0.01}, nil
}

func newTestServer(t *testing.T) (*Server, *tracker.Tracker) {
	t.Helper()
	dir := t.TempDir()
	ex := &stubExchange{}

	book, err := tracker.Open(filepath.Join(dir, "positions.json"))
	require.NoError(t, err)
	ledger, err := risk.OpenLedger(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	gate := risk.NewGatekeeper(ledger, risk.Limits{MaxTradesPerSymbol: 10, MaxTradesTotal: 30, MaxActiveRiskPct: 0.02})
	pairs, err := oco.OpenPairStore(filepath.Join(dir, "oco.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pairs.Close() })
	store, err := telemetry.Open(filepath.Join(dir, "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	feeModel := fees.NewModel(nil, fees.Options{})
	poller := settle.NewPoller(ex, settle.Exponential{Base: time.Millisecond, Cap: 2 * time.Millisecond})
	emitter := events.NewEmitter(store)
	mgr := executor.NewManager(ex, limiter.New(1000, time.Minute, 0), feeModel, gate, book, pairs, poller, emitter,
		executor.Options{Mode: types.ModeMarketOnly, RiskBudgetPct: 0.01, SettleDeadline: 100 * time.Millisecond})
	reconciler := oco.NewReconciler(ex, pairs, emitter)
	eng := engine.New(ex, mgr, book, gate, feeModel, reconciler, nil, emitter, store,
		engine.Options{Symbols: []string{"BTCUSDT"}, Mode: types.ModeMarketOnly})

	srv, err := NewServer(":0", eng)
	require.NoError(t, err)
	return srv, book
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func openTestPosition(t *testing.T, book *tracker.Tracker) {
	t.Helper()
	require.NoError(t, book.OpenPosition(types.Position{
		Symbol: "BTCUSDT", Side: types.SideLong,
		EntryPrice: 100, Quantity: 2,
		StopLoss: 95, TakeProfit: 107.5,
		Protection: types.ProtectionMental, Status: types.StatusOpen,
	}))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListAndGetPositions(t *testing.T) {
	srv, book := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Positions []types.Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Positions)

	openTestPosition(t, book)

	w = doRequest(srv, http.MethodGet, "/api/positions/btcusdt", "")
	require.Equal(t, http.StatusOK, w.Code, "symbol lookup is case-insensitive")
	var pos types.Position
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
	assert.Equal(t, "BTCUSDT", pos.Symbol)

	w = doRequest(srv, http.MethodGet, "/api/positions/ETHUSDT", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRiskSummaryEndpoint(t *testing.T) {
	srv, book := newTestServer(t)
	openTestPosition(t, book)

	w := doRequest(srv, http.MethodGet, "/api/risk/summary", "")
	require.Equal(t, http.StatusOK, w.Code)

	var summary engine.RiskSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.OpenPositions)
	assert.True(t, summary.OpenRiskKnown)
	assert.InDelta(t, 10.0, summary.OpenRisk, 1e-9)
	assert.Greater(t, summary.RequiredEdgePct, 0.0)
}

func TestCloseCommand(t *testing.T) {
	srv, book := newTestServer(t)
	openTestPosition(t, book)

	w := doRequest(srv, http.MethodPost, "/api/commands/close", `{"symbol":"BTCUSDT","reason":"test"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, ok := book.Get("BTCUSDT")
	assert.False(t, ok)

	w = doRequest(srv, http.MethodPost, "/api/commands/close", `{"symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/commands/close", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPauseResumeCommands(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/commands/pause", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/risk/summary", "")
	var summary engine.RiskSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.True(t, summary.Paused)

	w = doRequest(srv, http.MethodPost, "/api/commands/resume", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/risk/summary", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.False(t, summary.Paused)
}

func TestEventsEndpoint(t *testing.T) {
	srv, book := newTestServer(t)
	openTestPosition(t, book)

	// Generate at least one event through the close path.
	w := doRequest(srv, http.MethodPost, "/api/commands/close", `{"symbol":"BTCUSDT"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/api/events?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Events)
}
