package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"ibkrmcp/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*MockBroker)(nil)

const (
	// MockAccount is the paper account id reported by MockBroker.
	MockAccount = "DU123456"
	// SeededOrderID is the working TSLA order present at startup. It sits
	// below the session's first assigned id.
	SeededOrderID int64 = 101
)

var basePrices = map[string]float64{
	"AAPL":  175.0,
	"MSFT":  375.0,
	"TSLA":  180.0,
	"GOOGL": 140.0,
}

// MockOptions tunes MockBroker behaviour.
type MockOptions struct {
	// ConnectLatency delays Connect to mimic a gateway handshake.
	ConnectLatency time.Duration
	// Bars, when set, is consulted before synthesising historical bars.
	Bars BarSource
	// Seed makes generated prices reproducible. Zero picks a random seed.
	Seed uint64
}

// MockBroker implements Broker in memory with a fixed paper account. Orders
// placed through it rest as Submitted until cancelled.
type MockBroker struct {
	opts MockOptions

	mu        sync.Mutex
	rng       *rand.Rand
	connected bool
	positions []domain.Position
	orders    map[int64]*domain.OpenOrder
}

// NewMockBroker creates a MockBroker seeded with two stock positions and one
// working TSLA limit order.
func NewMockBroker(opts MockOptions) *MockBroker {
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	b := &MockBroker{
		opts:   opts,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		orders: make(map[int64]*domain.OpenOrder),
	}
	b.positions = []domain.Position{
		mockPosition("AAPL", 100, 150.25, 175.50),
		mockPosition("MSFT", 50, 350.00, 375.00),
	}
	lmt := 180.0
	b.orders[SeededOrderID] = &domain.OpenOrder{
		OrderID:    SeededOrderID,
		Symbol:     "TSLA",
		Action:     domain.ActionBuy,
		Quantity:   10,
		OrderType:  domain.OrderTypeLimit,
		LimitPrice: &lmt,
		Status:     domain.OrderStatusSubmitted,
		Filled:     0,
		Remaining:  10,
	}
	return b
}

func mockPosition(symbol string, qty, avgCost, marketPrice float64) domain.Position {
	value := qty * marketPrice
	upnl := value - qty*avgCost
	rpnl := 0.0
	return domain.Position{
		Account:       MockAccount,
		Contract:      domain.NewContract(symbol, domain.SecTypeStock),
		Position:      qty,
		AvgCost:       avgCost,
		MarketPrice:   &marketPrice,
		MarketValue:   &value,
		UnrealizedPnL: &upnl,
		RealizedPnL:   &rpnl,
	}
}

// Name returns "mock".
func (b *MockBroker) Name() string {
	return "mock"
}

// Connect marks the broker connected after the configured latency.
func (b *MockBroker) Connect(ctx context.Context) error {
	if b.opts.ConnectLatency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.opts.ConnectLatency):
		}
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// Disconnect marks the broker disconnected.
func (b *MockBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// AccountSummary returns the fixed paper account rows.
func (b *MockBroker) AccountSummary(_ context.Context) ([]domain.AccountValue, error) {
	return []domain.AccountValue{
		{Account: MockAccount, Tag: "NetLiquidation", Value: "150000.00", Currency: "USD"},
		{Account: MockAccount, Tag: "TotalCashValue", Value: "50000.00", Currency: "USD"},
		{Account: MockAccount, Tag: "GrossPositionValue", Value: "100000.00", Currency: "USD"},
	}, nil
}

// Positions returns copies of the simulated holdings.
func (b *MockBroker) Positions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, len(b.positions))
	copy(out, b.positions)
	return out, nil
}

// PlaceOrder records the order as a working order under its gateway id.
func (b *MockBroker) PlaceOrder(_ context.Context, contract domain.Contract, order domain.Order) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.orders[order.OrderID]; exists {
		return 0, domain.NewError(domain.KindOrder, "duplicate order id %d", order.OrderID)
	}
	b.orders[order.OrderID] = &domain.OpenOrder{
		OrderID:    order.OrderID,
		Symbol:     contract.Symbol,
		Action:     order.Action,
		Quantity:   order.TotalQuantity,
		OrderType:  order.OrderType,
		LimitPrice: order.LmtPrice,
		Status:     domain.OrderStatusSubmitted,
		Remaining:  order.TotalQuantity,
	}
	return order.OrderID, nil
}

// CancelOrder removes a working order.
func (b *MockBroker) CancelOrder(_ context.Context, orderID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return false, domain.NewError(domain.KindOrder, "order %d not found", orderID)
	}
	if !o.Status.Active() {
		return false, domain.NewError(domain.KindOrder, "order %d is %s", orderID, o.Status)
	}
	delete(b.orders, orderID)
	return true, nil
}

// OpenOrders returns working orders sorted by id.
func (b *MockBroker) OpenOrders(_ context.Context) ([]domain.OpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OpenOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// Quote returns a jittered price around the symbol's base price.
func (b *MockBroker) Quote(_ context.Context, contract domain.Contract) (domain.Quote, error) {
	base, ok := basePrices[contract.Symbol]
	if !ok {
		base = 100.0
	}
	b.mu.Lock()
	last := base + b.rng.Float64()*4 - 2
	volume := 1_000_000 + b.rng.Int64N(4_000_000)
	b.mu.Unlock()

	return domain.Quote{
		Symbol:    contract.Symbol,
		Last:      round2(last),
		Bid:       round2(last - 0.05),
		Ask:       round2(last + 0.05),
		Volume:    volume,
		Timestamp: time.Now().UTC(),
	}, nil
}

// HistoricalBars replays archived bars when a BarSource holds data for the
// window, and otherwise synthesises ten bars of the requested size.
func (b *MockBroker) HistoricalBars(ctx context.Context, req domain.MarketDataRequest) ([]domain.Bar, error) {
	step, err := domain.ParseBarSize(req.BarSize)
	if err != nil {
		return nil, domain.WrapError(domain.KindMarketData, err, "invalid bar size")
	}
	span, err := domain.ParseDuration(req.Duration)
	if err != nil {
		return nil, domain.WrapError(domain.KindMarketData, err, "invalid duration")
	}

	end := time.Now().UTC().Truncate(step)
	if b.opts.Bars != nil {
		bars, err := b.opts.Bars.ReadBars(ctx, req.Contract.Symbol, end.Add(-span), end)
		if err != nil {
			return nil, domain.WrapError(domain.KindMarketData, err, "reading archived bars for %s", req.Contract.Symbol)
		}
		if len(bars) > 0 {
			return bars, nil
		}
	}

	base, ok := basePrices[req.Contract.Symbol]
	if !ok {
		base = 100.0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	const n = 10
	bars := make([]domain.Bar, 0, n)
	price := base
	for i := n - 1; i >= 0; i-- {
		open := price
		closePx := open + b.rng.Float64()*2 - 1
		high := max(open, closePx) + b.rng.Float64()*0.5
		low := min(open, closePx) - b.rng.Float64()*0.5
		wap := round2((open + high + low + closePx) / 4)
		count := 100 + b.rng.Int64N(900)
		bars = append(bars, domain.Bar{
			Date:   end.Add(-time.Duration(i) * step),
			Open:   round2(open),
			High:   round2(high),
			Low:    round2(low),
			Close:  round2(closePx),
			Volume: 10_000 + b.rng.Int64N(90_000),
			WAP:    &wap,
			Count:  &count,
		})
		price = closePx
	}
	return bars, nil
}

// String implements fmt.Stringer for log output.
func (b *MockBroker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("mock(connected=%t, orders=%d)", b.connected, len(b.orders))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
