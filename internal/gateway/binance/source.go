// Package binance implements the exchange gateway on top of the go-binance
// spot SDK. All order-mutating traffic from the engine lands here.
package binance

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/pkg/circuit"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

// Gateway adapts the go-binance spot client to the exchange.Exchange
// interface. It is stateless per call; a single instance is shared by every
// component that talks to the exchange.
type Gateway struct {
	client  *binance.Client
	breaker *circuit.Breaker
}

type Config struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	HTTPTimeout time.Duration
	Breaker     *circuit.Breaker
}

func New(cfg Config) *Gateway {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if url := strings.TrimSpace(cfg.BaseURL); url != "" {
		client.BaseURL = url
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &Gateway{client: client, breaker: cfg.Breaker}
}

func (g *Gateway) Name() string { return "binance" }

func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	svc := g.client.NewCreateOrderService().
		Symbol(cleanSymbol(req.Symbol)).
		Side(sideOf(req.Side)).
		Quantity(formatFloat(req.Quantity))
	switch req.Type {
	case exchange.Limit:
		tif := binance.TimeInForceTypeGTC
		if req.TimeInForce != "" {
			tif = binance.TimeInForceType(req.TimeInForce)
		}
		typ := binance.OrderTypeLimit
		if req.StopPrice > 0 {
			typ = binance.OrderTypeStopLossLimit
			svc = svc.StopPrice(formatFloat(req.StopPrice))
		}
		svc = svc.Type(typ).
			Price(formatFloat(req.Price)).
			TimeInForce(tif)
	default:
		svc = svc.Type(binance.OrderTypeMarket)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, g.classify(err)
	}
	g.breakerOK()
	order := orderFromCreate(req, res)
	logger.Debugf("binance: placed %s %s %s qty=%s status=%s id=%s",
		req.Type, req.Side, req.Symbol, formatFloat(req.Quantity), order.Status, order.ID)
	return order, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.allow(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.Definitive("invalid order id %q", orderID)
	}
	_, err = g.client.NewCancelOrderService().
		Symbol(cleanSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return g.classify(err)
	}
	g.breakerOK()
	return nil
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, exchange.Definitive("invalid order id %q", orderID)
	}
	res, err := g.client.NewGetOrderService().
		Symbol(cleanSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, g.classify(err)
	}
	g.breakerOK()
	return orderFromAPI(res), nil
}

func (g *Gateway) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	res, err := g.client.NewListOpenOrdersService().
		Symbol(cleanSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, g.classify(err)
	}
	g.breakerOK()
	out := make([]exchange.Order, 0, len(res))
	for _, o := range res {
		out = append(out, *orderFromAPI(o))
	}
	return out, nil
}

func (g *Gateway) GetBalance(ctx context.Context) (exchange.Balance, error) {
	if err := g.allow(); err != nil {
		return exchange.Balance{}, err
	}
	acct, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, g.classify(err)
	}
	g.breakerOK()
	bal := exchange.Balance{
		QuoteCurrency: "USDT",
		Assets:        make(map[string]float64, len(acct.Balances)),
		UpdatedAt:     time.Now().UTC(),
	}
	for _, b := range acct.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		bal.Assets[b.Asset] = free
		if b.Asset == bal.QuoteCurrency {
			bal.Available = free
			bal.Used = locked
			bal.Total = free + locked
		}
	}
	return bal, nil
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (exchange.PriceQuote, error) {
	if err := g.allow(); err != nil {
		return exchange.PriceQuote{}, err
	}
	clean := cleanSymbol(symbol)
	books, err := g.client.NewListBookTickersService().Symbol(clean).Do(ctx)
	if err != nil {
		return exchange.PriceQuote{}, g.classify(err)
	}
	g.breakerOK()
	if len(books) == 0 {
		return exchange.PriceQuote{}, exchange.Definitive("no book ticker for %s", symbol)
	}
	bid := parseFloat(books[0].BidPrice)
	ask := parseFloat(books[0].AskPrice)
	return exchange.PriceQuote{
		Symbol:    symbol,
		Last:      (bid + ask) / 2,
		Bid:       bid,
		Ask:       ask,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (g *Gateway) TradeFees(ctx context.Context) (exchange.FeeSchedule, error) {
	if err := g.allow(); err != nil {
		return exchange.FeeSchedule{}, err
	}
	fees, err := g.client.NewTradeFeeService().Do(ctx)
	if err != nil {
		return exchange.FeeSchedule{}, g.classify(err)
	}
	g.breakerOK()
	if len(fees) == 0 {
		return exchange.FeeSchedule{}, exchange.Ambiguous(errors.New("empty trade fee response"))
	}
	// Per-symbol fees are uniform on one account tier; the first entry is
	// representative.
	return exchange.FeeSchedule{
		MakerPct:  parseFloat(fees[0].MakerCommission),
		TakerPct:  parseFloat(fees[0].TakerCommission),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (g *Gateway) MarketLimits(ctx context.Context, symbol string) (exchange.MarketLimits, error) {
	if err := g.allow(); err != nil {
		return exchange.MarketLimits{}, err
	}
	clean := cleanSymbol(symbol)
	info, err := g.client.NewExchangeInfoService().Symbols(clean).Do(ctx)
	if err != nil {
		return exchange.MarketLimits{}, g.classify(err)
	}
	g.breakerOK()
	for _, s := range info.Symbols {
		if s.Symbol != clean {
			continue
		}
		var limits exchange.MarketLimits
		if f := s.LotSizeFilter(); f != nil {
			limits.MinQuantity = parseFloat(f.MinQuantity)
			limits.StepSize = parseFloat(f.StepSize)
		}
		if f := s.NotionalFilter(); f != nil {
			limits.MinNotional = parseFloat(f.MinNotional)
		}
		if f := s.PriceFilter(); f != nil {
			limits.TickSize = parseFloat(f.TickSize)
		}
		return limits, nil
	}
	return exchange.MarketLimits{}, exchange.Definitive("unknown symbol %s", symbol)
}

// Candles returns the most recent closed bars for the symbol. The last,
// still-forming kline is dropped.
func (g *Gateway) Candles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	res, err := g.client.NewKlinesService().
		Symbol(cleanSymbol(symbol)).
		Interval(interval).
		Limit(limit + 1).
		Do(ctx)
	if err != nil {
		return nil, g.classify(err)
	}
	g.breakerOK()
	if len(res) > 0 {
		res = res[:len(res)-1]
	}
	out := make([]exchange.Candle, 0, len(res))
	for _, k := range res {
		out = append(out, exchange.Candle{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return out, nil
}

// allow consults the circuit breaker before any call leaves the process.
func (g *Gateway) allow() error {
	if g.breaker != nil && !g.breaker.Allow() {
		return exchange.Ambiguous(errors.New("exchange circuit open"))
	}
	return nil
}

func (g *Gateway) breakerOK() {
	if g.breaker != nil {
		g.breaker.RecordSuccess()
	}
}

// classify maps SDK errors onto the engine's taxonomy. An APIError means the
// exchange saw and rejected the request: definitive, and not a breaker trip.
// Anything else (timeouts, resets) may have reached the books: ambiguous.
func (g *Gateway) classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return exchange.Definitive("binance %d: %s", apiErr.Code, apiErr.Message)
	}
	if g.breaker != nil {
		g.breaker.RecordFailure()
	}
	return exchange.Ambiguous(err)
}

func sideOf(s exchange.OrderSide) binance.SideType {
	if s == exchange.Sell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func orderFromCreate(req exchange.OrderRequest, res *binance.CreateOrderResponse) *exchange.Order {
	executed := parseFloat(res.ExecutedQuantity)
	avg := 0.0
	fee := 0.0
	feeCur := ""
	if executed > 0 {
		quote := parseFloat(res.CummulativeQuoteQuantity)
		avg = quote / executed
	}
	for _, f := range res.Fills {
		fee += parseFloat(f.Commission)
		feeCur = f.CommissionAsset
	}
	now := time.Now().UTC()
	return &exchange.Order{
		ID:           strconv.FormatInt(res.OrderID, 10),
		ClientID:     res.ClientOrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		Quantity:     parseFloat(res.OrigQuantity),
		ExecutedQty:  executed,
		AvgFillPrice: avg,
		Fee:          fee,
		FeeCurrency:  feeCur,
		Status:       statusOf(res.Status),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func orderFromAPI(o *binance.Order) *exchange.Order {
	executed := parseFloat(o.ExecutedQuantity)
	avg := 0.0
	if executed > 0 {
		avg = parseFloat(o.CummulativeQuoteQuantity) / executed
	}
	side := exchange.Buy
	if o.Side == binance.SideTypeSell {
		side = exchange.Sell
	}
	typ := exchange.Market
	if o.Type == binance.OrderTypeLimit {
		typ = exchange.Limit
	}
	return &exchange.Order{
		ID:           strconv.FormatInt(o.OrderID, 10),
		ClientID:     o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         side,
		Type:         typ,
		Price:        parseFloat(o.Price),
		StopPrice:    parseFloat(o.StopPrice),
		Quantity:     parseFloat(o.OrigQuantity),
		ExecutedQty:  executed,
		AvgFillPrice: avg,
		Status:       statusOf(o.Status),
		CreatedAt:    time.UnixMilli(o.Time).UTC(),
		UpdatedAt:    time.UnixMilli(o.UpdateTime).UTC(),
	}
}

func statusOf(s binance.OrderStatusType) exchange.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return exchange.StatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return exchange.StatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return exchange.StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return exchange.StatusCanceled
	case binance.OrderStatusTypeRejected:
		return exchange.StatusRejected
	case binance.OrderStatusTypeExpired:
		return exchange.StatusExpired
	default:
		return exchange.StatusNew
	}
}

// cleanSymbol converts "BTC/USDT" to the slash-free form binance expects.
func cleanSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
