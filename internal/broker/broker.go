// Package broker defines the Broker capability interface and provides the
// mock and Alpaca-backed integrations used by the broker session.
package broker

import (
	"context"
	"time"

	"ibkrmcp/internal/domain"
)

// Broker abstracts a trading venue connection. Implementations are called
// only while the owning session is connected; they need not re-check
// connectivity themselves.
type Broker interface {
	// Name returns the broker identifier (e.g. "mock", "alpaca").
	Name() string

	// Connect establishes the underlying connection or handshake.
	Connect(ctx context.Context) error

	// Disconnect releases the underlying connection. It must be safe to call
	// when not connected.
	Disconnect(ctx context.Context) error

	// AccountSummary returns tagged account rows such as NetLiquidation.
	AccountSummary(ctx context.Context) ([]domain.AccountValue, error)

	// Positions returns current holdings.
	Positions(ctx context.Context) ([]domain.Position, error)

	// PlaceOrder submits an order. The order carries the gateway-assigned id;
	// a broker that allocates its own id returns it, otherwise it returns
	// order.OrderID.
	PlaceOrder(ctx context.Context, contract domain.Contract, order domain.Order) (int64, error)

	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, orderID int64) (bool, error)

	// OpenOrders returns orders that are still working.
	OpenOrders(ctx context.Context) ([]domain.OpenOrder, error)

	// Quote returns a market snapshot for the contract.
	Quote(ctx context.Context, contract domain.Contract) (domain.Quote, error)

	// HistoricalBars returns bars for the request window, oldest first.
	HistoricalBars(ctx context.Context, req domain.MarketDataRequest) ([]domain.Bar, error)
}

// BarSource supplies archived bars for historical replay.
type BarSource interface {
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}
