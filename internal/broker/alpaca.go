package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"ibkrmcp/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// clientOrderPrefix tags orders placed by this gateway so their numeric id
// can be recovered from the broker's client order id.
const clientOrderPrefix = "ibkrmcp-"

// AlpacaConfig holds credentials and endpoints for the Alpaca API.
type AlpacaConfig struct {
	APIKey          string
	APISecret       string
	BaseURL         string
	DataURL         string
	RateLimitPerMin int
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage
// API. SDK calls do not take a context, so each call runs on its own
// goroutine and is abandoned when ctx ends.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	account string
	ids     map[int64]string // gateway order id -> Alpaca order id
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(cfg AlpacaConfig, log *slog.Logger) *AlpacaBroker {
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.DataURL,
		}),
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 5),
		log:     log.With("component", "alpaca"),
		ids:     make(map[int64]string),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Connect verifies credentials by fetching the account.
func (b *AlpacaBroker) Connect(ctx context.Context) error {
	acct, err := call(ctx, b.limiter, b.trading.GetAccount)
	if err != nil {
		return fmt.Errorf("fetching alpaca account: %w", err)
	}
	b.mu.Lock()
	b.account = acct.AccountNumber
	b.mu.Unlock()
	b.log.Info("alpaca account ready", "account", acct.AccountNumber, "status", acct.Status)
	return nil
}

// Disconnect forgets the account. The REST client holds no connection.
func (b *AlpacaBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	b.account = ""
	b.mu.Unlock()
	return nil
}

// AccountSummary maps the Alpaca account onto IB-style summary tags.
func (b *AlpacaBroker) AccountSummary(ctx context.Context) ([]domain.AccountValue, error) {
	acct, err := call(ctx, b.limiter, b.trading.GetAccount)
	if err != nil {
		return nil, fmt.Errorf("fetching alpaca account: %w", err)
	}
	currency := string(acct.Currency)
	if currency == "" {
		currency = "USD"
	}
	row := func(tag string, v decimal.Decimal) domain.AccountValue {
		return domain.AccountValue{Account: acct.AccountNumber, Tag: tag, Value: v.StringFixed(2), Currency: currency}
	}
	return []domain.AccountValue{
		row("NetLiquidation", acct.Equity),
		row("TotalCashValue", acct.Cash),
		row("GrossPositionValue", acct.LongMarketValue.Add(acct.ShortMarketValue.Abs())),
		row("BuyingPower", acct.BuyingPower),
	}, nil
}

// Positions returns all open Alpaca positions.
func (b *AlpacaBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	positions, err := call(ctx, b.limiter, b.trading.GetPositions)
	if err != nil {
		return nil, fmt.Errorf("fetching alpaca positions: %w", err)
	}
	b.mu.Lock()
	account := b.account
	b.mu.Unlock()

	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		secType := domain.SecTypeStock
		if strings.Contains(string(p.AssetClass), "option") {
			secType = domain.SecTypeOption
		}
		out = append(out, domain.Position{
			Account:       account,
			Contract:      domain.NewContract(p.Symbol, secType),
			Position:      p.Qty.InexactFloat64(),
			AvgCost:       p.AvgEntryPrice.InexactFloat64(),
			MarketPrice:   floatPtr(p.CurrentPrice),
			MarketValue:   floatPtr(p.MarketValue),
			UnrealizedPnL: floatPtr(p.UnrealizedPL),
		})
	}
	return out, nil
}

// PlaceOrder submits the order with a client order id derived from the
// gateway id, so the gateway id stays authoritative.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, contract domain.Contract, order domain.Order) (int64, error) {
	req, err := placeOrderRequest(contract, order)
	if err != nil {
		return 0, err
	}
	placed, err := call(ctx, b.limiter, func() (*alpaca.Order, error) {
		return b.trading.PlaceOrder(req)
	})
	if err != nil {
		return 0, domain.WrapError(domain.KindOrder, err, "placing %s %s", order.Action, contract.Symbol)
	}
	b.mu.Lock()
	b.ids[order.OrderID] = placed.ID
	b.mu.Unlock()
	b.log.Info("order placed", "order_id", order.OrderID, "alpaca_id", placed.ID, "status", placed.Status)
	return order.OrderID, nil
}

// CancelOrder cancels a working order by gateway id.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	b.mu.Lock()
	alpacaID, ok := b.ids[orderID]
	b.mu.Unlock()

	if !ok {
		o, err := call(ctx, b.limiter, func() (*alpaca.Order, error) {
			return b.trading.GetOrderByClientOrderID(clientOrderID(orderID))
		})
		if err != nil {
			return false, domain.WrapError(domain.KindOrder, err, "looking up order %d", orderID)
		}
		alpacaID = o.ID
	}

	_, err := call(ctx, b.limiter, func() (struct{}, error) {
		return struct{}{}, b.trading.CancelOrder(alpacaID)
	})
	if err != nil {
		return false, domain.WrapError(domain.KindOrder, err, "cancelling order %d", orderID)
	}
	b.mu.Lock()
	delete(b.ids, orderID)
	b.mu.Unlock()
	return true, nil
}

// OpenOrders lists working Alpaca orders.
func (b *AlpacaBroker) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	orders, err := call(ctx, b.limiter, func() ([]alpaca.Order, error) {
		return b.trading.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindOrder, err, "listing open orders")
	}

	out := make([]domain.OpenOrder, 0, len(orders))
	for _, o := range orders {
		qty := 0.0
		if o.Qty != nil {
			qty = o.Qty.InexactFloat64()
		}
		filled := o.FilledQty.InexactFloat64()
		out = append(out, domain.OpenOrder{
			OrderID:    parseClientOrderID(o.ClientOrderID),
			Symbol:     o.Symbol,
			Action:     domain.OrderAction(strings.ToUpper(string(o.Side))),
			Quantity:   qty,
			OrderType:  fromAlpacaType(string(o.Type)),
			LimitPrice: floatPtr(o.LimitPrice),
			Status:     fromAlpacaStatus(string(o.Status)),
			Filled:     filled,
			Remaining:  qty - filled,
		})
	}
	return out, nil
}

// Quote combines the latest trade and quote for a stock symbol.
func (b *AlpacaBroker) Quote(ctx context.Context, contract domain.Contract) (domain.Quote, error) {
	trade, err := call(ctx, b.limiter, func() (*marketdata.Trade, error) {
		return b.data.GetLatestTrade(contract.Symbol, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return domain.Quote{}, domain.WrapError(domain.KindMarketData, err, "latest trade for %s", contract.Symbol)
	}
	quote, err := call(ctx, b.limiter, func() (*marketdata.Quote, error) {
		return b.data.GetLatestQuote(contract.Symbol, marketdata.GetLatestQuoteRequest{})
	})
	if err != nil {
		return domain.Quote{}, domain.WrapError(domain.KindMarketData, err, "latest quote for %s", contract.Symbol)
	}
	return domain.Quote{
		Symbol:    contract.Symbol,
		Last:      trade.Price,
		Bid:       quote.BidPrice,
		Ask:       quote.AskPrice,
		Volume:    int64(trade.Size),
		Timestamp: trade.Timestamp.UTC(),
	}, nil
}

// HistoricalBars fetches bars for the request window.
func (b *AlpacaBroker) HistoricalBars(ctx context.Context, req domain.MarketDataRequest) ([]domain.Bar, error) {
	step, err := domain.ParseBarSize(req.BarSize)
	if err != nil {
		return nil, domain.WrapError(domain.KindMarketData, err, "invalid bar size")
	}
	span, err := domain.ParseDuration(req.Duration)
	if err != nil {
		return nil, domain.WrapError(domain.KindMarketData, err, "invalid duration")
	}

	end := time.Now().UTC()
	bars, err := call(ctx, b.limiter, func() ([]marketdata.Bar, error) {
		return b.data.GetBars(req.Contract.Symbol, marketdata.GetBarsRequest{
			TimeFrame: timeFrame(step),
			Start:     end.Add(-span),
			End:       end,
		})
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindMarketData, err, "bars for %s", req.Contract.Symbol)
	}

	out := make([]domain.Bar, 0, len(bars))
	for _, bar := range bars {
		wap := bar.VWAP
		count := int64(bar.TradeCount)
		out = append(out, domain.Bar{
			Date:   bar.Timestamp.UTC(),
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: int64(bar.Volume),
			WAP:    &wap,
			Count:  &count,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// call waits for a rate limiter slot and runs fn, returning early when ctx
// ends first.
func call[T any](ctx context.Context, limiter *rate.Limiter, fn func() (T, error)) (T, error) {
	var zero T
	if err := limiter.Wait(ctx); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func placeOrderRequest(contract domain.Contract, order domain.Order) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromFloat(order.TotalQuantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        contract.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(strings.ToLower(string(order.Action))),
		ExtendedHours: order.OutsideRTH,
		ClientOrderID: clientOrderID(order.OrderID),
	}

	switch order.TimeInForce {
	case domain.TIFDay, "":
		req.TimeInForce = alpaca.TimeInForce("day")
	case domain.TIFGTC:
		req.TimeInForce = alpaca.TimeInForce("gtc")
	case domain.TIFIOC:
		req.TimeInForce = alpaca.TimeInForce("ioc")
	default:
		return req, domain.NewError(domain.KindOrder, "time in force %s not supported by alpaca", order.TimeInForce)
	}

	switch order.OrderType {
	case domain.OrderTypeMarket:
		req.Type = alpaca.OrderType("market")
	case domain.OrderTypeLimit:
		req.Type = alpaca.OrderType("limit")
		req.LimitPrice = decimalPtr(order.LmtPrice)
	case domain.OrderTypeStop:
		req.Type = alpaca.OrderType("stop")
		req.StopPrice = decimalPtr(order.AuxPrice)
	case domain.OrderTypeStopLimit:
		req.Type = alpaca.OrderType("stop_limit")
		req.LimitPrice = decimalPtr(order.LmtPrice)
		req.StopPrice = decimalPtr(order.AuxPrice)
	case domain.OrderTypeTrail:
		req.Type = alpaca.OrderType("trailing_stop")
		req.TrailPrice = decimalPtr(order.AuxPrice)
	default:
		return req, domain.NewError(domain.KindOrder, "order type %s not supported by alpaca", order.OrderType)
	}
	return req, nil
}

func timeFrame(step time.Duration) marketdata.TimeFrame {
	switch {
	case step >= 24*time.Hour:
		return marketdata.NewTimeFrame(int(step/(24*time.Hour)), marketdata.Day)
	case step >= time.Hour:
		return marketdata.NewTimeFrame(int(step/time.Hour), marketdata.Hour)
	case step >= time.Minute:
		return marketdata.NewTimeFrame(int(step/time.Minute), marketdata.Min)
	}
	return marketdata.NewTimeFrame(1, marketdata.Min)
}

func fromAlpacaType(t string) domain.OrderType {
	switch t {
	case "limit":
		return domain.OrderTypeLimit
	case "stop":
		return domain.OrderTypeStop
	case "stop_limit":
		return domain.OrderTypeStopLimit
	case "trailing_stop":
		return domain.OrderTypeTrail
	}
	return domain.OrderTypeMarket
}

func fromAlpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "pending_new", "accepted_for_bidding":
		return domain.OrderStatusPendingSubmit
	case "new", "accepted", "partially_filled", "replaced", "calculated":
		return domain.OrderStatusSubmitted
	case "held", "pending_replace":
		return domain.OrderStatusPreSubmitted
	case "pending_cancel":
		return domain.OrderStatusPendingCancel
	case "canceled", "expired", "done_for_day":
		return domain.OrderStatusCancelled
	case "filled":
		return domain.OrderStatusFilled
	case "rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusInactive
}

func clientOrderID(id int64) string {
	return clientOrderPrefix + strconv.FormatInt(id, 10)
}

// parseClientOrderID recovers the gateway id, or 0 for orders placed
// outside the gateway.
func parseClientOrderID(s string) int64 {
	if !strings.HasPrefix(s, clientOrderPrefix) {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(s, clientOrderPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func decimalPtr(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}
