package tools

import (
	"context"

	"ibkrmcp/internal/domain"
	"ibkrmcp/internal/session"
)

var (
	secTypeEnum    = []string{"STK", "OPT", "FUT", "CASH", "IND", "CFD", "BOND", "WAR", "CMDTY"}
	whatToShowEnum = []string{"TRADES", "MIDPOINT", "BID", "ASK", "BID_ASK", "ADJUSTED_LAST", "HISTORICAL_VOLATILITY", "OPTION_IMPLIED_VOLATILITY"}
)

func builtins() []Tool {
	return []Tool{
		{
			Name:        "get_account_summary",
			Description: "Get account summary information including net liquidation, cash and position value",
			InputSchema: object(nil, nil),
			bind: func(ctx context.Context, s *session.Session, _ Args) (any, error) {
				return s.AccountSummary(ctx)
			},
		},
		{
			Name:        "get_positions",
			Description: "Get current portfolio positions",
			InputSchema: object(nil, nil),
			bind: func(ctx context.Context, s *session.Session, _ Args) (any, error) {
				return s.Positions(ctx)
			},
		},
		{
			Name:        "place_order",
			Description: "Place a trading order",
			InputSchema: object([]string{"symbol", "action", "quantity", "order_type"}, map[string]Property{
				"symbol":      {Type: "string", Description: "Stock symbol (e.g., AAPL)"},
				"action":      {Type: "string", Description: "Order action", Enum: []string{"BUY", "SELL"}},
				"quantity":    {Type: "number", Description: "Number of shares", ExclusiveMinimum: positive()},
				"order_type":  {Type: "string", Description: "Order type", Enum: []string{"MKT", "LMT", "STP"}},
				"sec_type":    {Type: "string", Description: "Security type", Enum: secTypeEnum, Default: "STK"},
				"limit_price": {Type: "number", Description: "Limit price (required for LMT orders)", ExclusiveMinimum: positive()},
				"aux_price":   {Type: "number", Description: "Stop price (required for STP orders)", ExclusiveMinimum: positive()},
			}),
			check: checkOrderPrices,
			bind:  placeOrder,
		},
		{
			Name:        "cancel_order",
			Description: "Cancel an existing order",
			InputSchema: object([]string{"order_id"}, map[string]Property{
				"order_id": {Type: "integer", Description: "Order ID to cancel", ExclusiveMinimum: positive()},
			}),
			bind: func(ctx context.Context, s *session.Session, args Args) (any, error) {
				id := args.Int("order_id")
				ok, err := s.CancelOrder(ctx, id)
				if err != nil {
					return nil, err
				}
				return map[string]any{"order_id": id, "cancelled": ok}, nil
			},
		},
		{
			Name:        "get_open_orders",
			Description: "Get all open orders",
			InputSchema: object(nil, nil),
			bind: func(ctx context.Context, s *session.Session, _ Args) (any, error) {
				return s.OpenOrders(ctx)
			},
		},
		{
			Name:        "get_market_data",
			Description: "Get real-time market data for a symbol",
			InputSchema: object([]string{"symbol"}, map[string]Property{
				"symbol":   {Type: "string", Description: "Stock symbol (e.g., AAPL)"},
				"sec_type": {Type: "string", Description: "Security type", Enum: secTypeEnum, Default: "STK"},
			}),
			bind: func(ctx context.Context, s *session.Session, args Args) (any, error) {
				return s.MarketData(ctx, contractFrom(args))
			},
		},
		{
			Name:        "get_historical_data",
			Description: "Get historical bar data for a symbol",
			InputSchema: object([]string{"symbol"}, map[string]Property{
				"symbol":       {Type: "string", Description: "Stock symbol (e.g., AAPL)"},
				"duration":     {Type: "string", Description: "Duration (e.g., '1 D', '1 W', '1 M')", Default: "1 D"},
				"bar_size":     {Type: "string", Description: "Bar size (e.g., '1 min', '5 mins', '1 hour')", Default: "1 min"},
				"what_to_show": {Type: "string", Description: "Data type", Enum: whatToShowEnum, Default: "TRADES"},
			}),
			check: checkHistorical,
			bind: func(ctx context.Context, s *session.Session, args Args) (any, error) {
				req := domain.NewMarketDataRequest(domain.NewContract(args.String("symbol"), domain.SecTypeStock))
				req.Duration = args.String("duration")
				req.BarSize = args.String("bar_size")
				req.WhatToShow = args.String("what_to_show")
				return s.HistoricalData(ctx, req)
			},
		},
		{
			Name:        "connection_status",
			Description: "Check IBKR connection status",
			InputSchema: object(nil, nil),
			bind: func(_ context.Context, s *session.Session, _ Args) (any, error) {
				st := s.Status()
				return map[string]any{
					"connected": st.Connected,
					"state":     st.State,
					"host":      st.Host,
					"port":      st.Port,
					"client_id": st.ClientID,
				}, nil
			},
		},
		{
			Name:        "reconnect",
			Description: "Reconnect to IBKR",
			InputSchema: object(nil, nil),
			bind: func(ctx context.Context, s *session.Session, _ Args) (any, error) {
				if err := s.Reconnect(ctx); err != nil {
					return nil, err
				}
				return map[string]any{"reconnected": true}, nil
			},
		},
	}
}

func contractFrom(args Args) domain.Contract {
	return domain.NewContract(args.String("symbol"), domain.SecType(args.String("sec_type")))
}

func checkOrderPrices(args Args) error {
	orderType := domain.OrderType(args.String("order_type"))
	if _, ok := args.Float("limit_price"); orderType.NeedsLimitPrice() && !ok {
		return domain.NewInvalidParameter("limit_price", "limit_price is required for LMT orders")
	}
	if _, ok := args.Float("aux_price"); orderType.NeedsAuxPrice() && !ok {
		return domain.NewInvalidParameter("aux_price", "aux_price is required for STP orders")
	}
	return nil
}

func checkHistorical(args Args) error {
	if _, err := domain.ParseDuration(args.String("duration")); err != nil {
		return domain.NewInvalidParameter("duration", err.Error())
	}
	if _, err := domain.ParseBarSize(args.String("bar_size")); err != nil {
		return domain.NewInvalidParameter("bar_size", err.Error())
	}
	return nil
}

func placeOrder(ctx context.Context, s *session.Session, args Args) (any, error) {
	contract := contractFrom(args)
	qty, _ := args.Float("quantity")
	order := domain.NewOrder(
		domain.OrderAction(args.String("action")),
		qty,
		domain.OrderType(args.String("order_type")),
	)
	if px, ok := args.Float("limit_price"); ok {
		order = order.WithLimitPrice(px)
	}
	if px, ok := args.Float("aux_price"); ok {
		order = order.WithAuxPrice(px)
	}

	id, err := s.PlaceOrder(ctx, contract, order)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"order_id":   id,
		"symbol":     contract.Symbol,
		"action":     order.Action,
		"quantity":   order.TotalQuantity,
		"order_type": order.OrderType,
	}, nil
}
