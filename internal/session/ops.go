package session

import (
	"context"
	"errors"

	"ibkrmcp/internal/domain"
)

// Trading operations. Each one checks connectivity first and makes no broker
// call when the session is not Connected. The check is not atomic with a
// concurrent Disconnect.

// AccountSummary returns the account summary rows.
func (s *Session) AccountSummary(ctx context.Context) ([]domain.AccountValue, error) {
	if err := s.require(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rows, err := s.broker.AccountSummary(ctx)
	if err != nil {
		return nil, classify(err, domain.KindConnection, "fetching account summary")
	}
	return rows, nil
}

// Positions returns holdings with a non-zero quantity.
func (s *Session) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := s.require(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return nil, classify(err, domain.KindConnection, "fetching positions")
	}
	return domain.NonZero(positions), nil
}

// PlaceOrder validates and submits an order. The gateway id is drawn from
// the session counter before the broker is called, so concurrent callers
// never share an id. A broker-supplied id takes precedence.
func (s *Session) PlaceOrder(ctx context.Context, contract domain.Contract, order domain.Order) (int64, error) {
	if err := s.require(); err != nil {
		return 0, err
	}
	if s.cfg.Readonly {
		return 0, domain.NewError(domain.KindOrder, "read-only mode: order placement is disabled")
	}
	if err := contract.Validate(); err != nil {
		return 0, err
	}
	if err := order.Validate(); err != nil {
		return 0, err
	}

	order.OrderID = s.nextID.Add(1) - 1
	order.ClientID = s.cfg.ClientID

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	id, err := s.broker.PlaceOrder(ctx, contract, order)
	if err != nil {
		return 0, classify(err, domain.KindOrder, "placing order")
	}
	if id == 0 {
		id = order.OrderID
	}
	s.log.Info("order placed",
		"order_id", id,
		"symbol", contract.Symbol,
		"action", order.Action,
		"quantity", order.TotalQuantity,
		"order_type", order.OrderType,
	)
	return id, nil
}

// CancelOrder requests cancellation of a working order.
func (s *Session) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	if err := s.require(); err != nil {
		return false, err
	}
	if s.cfg.Readonly {
		return false, domain.NewError(domain.KindOrder, "read-only mode: order cancellation is disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ok, err := s.broker.CancelOrder(ctx, orderID)
	if err != nil {
		return false, classify(err, domain.KindOrder, "cancelling order")
	}
	s.log.Info("order cancelled", "order_id", orderID, "cancelled", ok)
	return ok, nil
}

// OpenOrders returns working orders.
func (s *Session) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	if err := s.require(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	orders, err := s.broker.OpenOrders(ctx)
	if err != nil {
		return nil, classify(err, domain.KindOrder, "fetching open orders")
	}
	return orders, nil
}

// MarketData returns a quote snapshot for the contract.
func (s *Session) MarketData(ctx context.Context, contract domain.Contract) (domain.Quote, error) {
	if err := s.require(); err != nil {
		return domain.Quote{}, err
	}
	if err := contract.Validate(); err != nil {
		return domain.Quote{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	q, err := s.broker.Quote(ctx, contract)
	if err != nil {
		return domain.Quote{}, classify(err, domain.KindMarketData, "fetching quote")
	}
	return q, nil
}

// HistoricalData returns bars for the request.
func (s *Session) HistoricalData(ctx context.Context, req domain.MarketDataRequest) ([]domain.Bar, error) {
	if err := s.require(); err != nil {
		return nil, err
	}
	if err := req.Contract.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	bars, err := s.broker.HistoricalBars(ctx, req)
	if err != nil {
		return nil, classify(err, domain.KindMarketData, "fetching historical data")
	}
	return bars, nil
}

func (s *Session) require() error {
	if !s.IsConnected() {
		return &domain.Error{Kind: domain.KindNotConnected}
	}
	return nil
}

// classify keeps typed errors from the broker and wraps anything else as
// kind, or as a timeout when the call ran out of time.
func classify(err error, kind domain.ErrorKind, doing string) error {
	if domain.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindTimeout, err, "%s", doing)
	}
	return domain.WrapError(kind, err, "%s", doing)
}
