// Package domain defines the core value types shared across the gateway:
// contracts, orders, positions, account rows, quotes and bars.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// SecType identifies the instrument class of a Contract.
type SecType string

const (
	SecTypeStock     SecType = "STK"
	SecTypeOption    SecType = "OPT"
	SecTypeFuture    SecType = "FUT"
	SecTypeForex     SecType = "CASH"
	SecTypeIndex     SecType = "IND"
	SecTypeCFD       SecType = "CFD"
	SecTypeBond      SecType = "BOND"
	SecTypeWarrant   SecType = "WAR"
	SecTypeCommodity SecType = "CMDTY"
)

var secTypes = []SecType{
	SecTypeStock, SecTypeOption, SecTypeFuture, SecTypeForex, SecTypeIndex,
	SecTypeCFD, SecTypeBond, SecTypeWarrant, SecTypeCommodity,
}

// ParseSecType converts a wire value such as "STK" into a SecType.
func ParseSecType(s string) (SecType, error) {
	for _, st := range secTypes {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown security type %q", s)
}

// OrderAction is the side of an order.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// ParseOrderAction converts "BUY" or "SELL" into an OrderAction.
func ParseOrderAction(s string) (OrderAction, error) {
	switch OrderAction(strings.ToUpper(s)) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	}
	return "", fmt.Errorf("unknown order action %q", s)
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MKT"
	OrderTypeLimit      OrderType = "LMT"
	OrderTypeStop       OrderType = "STP"
	OrderTypeStopLimit  OrderType = "STP LMT"
	OrderTypeTrail      OrderType = "TRAIL"
	OrderTypeTrailLimit OrderType = "TRAIL LIMIT"
)

var orderTypes = []OrderType{
	OrderTypeMarket, OrderTypeLimit, OrderTypeStop,
	OrderTypeStopLimit, OrderTypeTrail, OrderTypeTrailLimit,
}

// ParseOrderType converts a wire value such as "LMT" into an OrderType.
func ParseOrderType(s string) (OrderType, error) {
	for _, ot := range orderTypes {
		if strings.EqualFold(s, string(ot)) {
			return ot, nil
		}
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// NeedsLimitPrice reports whether orders of this type must carry a limit price.
func (t OrderType) NeedsLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit || t == OrderTypeTrailLimit
}

// NeedsAuxPrice reports whether orders of this type must carry an aux price
// (stop price or trailing amount).
func (t OrderType) NeedsAuxPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit ||
		t == OrderTypeTrail || t == OrderTypeTrailLimit
}

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFGTD TimeInForce = "GTD"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusPendingCancel OrderStatus = "PendingCancel"
	OrderStatusPreSubmitted  OrderStatus = "PreSubmitted"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusInactive      OrderStatus = "Inactive"
	OrderStatusPendingReject OrderStatus = "PendingReject"
	OrderStatusRejected      OrderStatus = "Rejected"
)

// Active reports whether an order in this status can still be cancelled.
func (s OrderStatus) Active() bool {
	switch s {
	case OrderStatusPendingSubmit, OrderStatusPreSubmitted, OrderStatusSubmitted:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Contract
// ---------------------------------------------------------------------------

// Contract describes a tradable instrument.
type Contract struct {
	Symbol        string   `json:"symbol"`
	SecType       SecType  `json:"sec_type"`
	Exchange      string   `json:"exchange"`
	Currency      string   `json:"currency"`
	LocalSymbol   string   `json:"local_symbol,omitempty"`
	ConID         *int64   `json:"con_id,omitempty"`
	Strike        *float64 `json:"strike,omitempty"`
	Right         string   `json:"right,omitempty"`
	Expiry        string   `json:"expiry,omitempty"`
	LastTradeDate string   `json:"last_trade_date,omitempty"`
	Multiplier    string   `json:"multiplier,omitempty"`
}

// NewContract returns a contract routed through SMART in USD.
func NewContract(symbol string, secType SecType) Contract {
	return Contract{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		SecType:  secType,
		Exchange: "SMART",
		Currency: "USD",
	}
}

// WithExchange returns a copy of c with the exchange replaced.
func (c Contract) WithExchange(exchange string) Contract {
	c.Exchange = exchange
	return c
}

// WithCurrency returns a copy of c with the currency replaced.
func (c Contract) WithCurrency(currency string) Contract {
	c.Currency = currency
	return c
}

// WithOption returns a copy of c carrying option strike, right and expiry.
func (c Contract) WithOption(strike float64, right, expiry string) Contract {
	c.Strike = &strike
	c.Right = right
	c.Expiry = expiry
	return c
}

// WithMultiplier returns a copy of c with the contract multiplier set.
func (c Contract) WithMultiplier(multiplier string) Contract {
	c.Multiplier = multiplier
	return c
}

// WithConID returns a copy of c with the broker contract id set.
func (c Contract) WithConID(id int64) Contract {
	c.ConID = &id
	return c
}

// Validate checks the fields every contract needs.
func (c Contract) Validate() error {
	if c.Symbol == "" {
		return NewInvalidParameter("symbol", "symbol must not be empty")
	}
	if _, err := ParseSecType(string(c.SecType)); err != nil {
		return NewInvalidParameter("sec_type", err.Error())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Order
// ---------------------------------------------------------------------------

// Order is an instruction to buy or sell a contract.
type Order struct {
	OrderID       int64       `json:"order_id,omitempty"`
	ClientID      int         `json:"client_id,omitempty"`
	Action        OrderAction `json:"action"`
	TotalQuantity float64     `json:"total_quantity"`
	OrderType     OrderType   `json:"order_type"`
	LmtPrice      *float64    `json:"lmt_price,omitempty"`
	AuxPrice      *float64    `json:"aux_price,omitempty"`
	TimeInForce   TimeInForce `json:"tif"`
	OutsideRTH    bool        `json:"outside_rth"`
	Hidden        bool        `json:"hidden"`
	GoodAfterTime *time.Time  `json:"good_after_time,omitempty"`
	GoodTillDate  *time.Time  `json:"good_till_date,omitempty"`
}

// NewOrder returns a DAY order with the given action, quantity and type.
func NewOrder(action OrderAction, quantity float64, orderType OrderType) Order {
	return Order{
		Action:        action,
		TotalQuantity: quantity,
		OrderType:     orderType,
		TimeInForce:   TIFDay,
	}
}

// WithLimitPrice returns a copy of o with the limit price set.
func (o Order) WithLimitPrice(price float64) Order {
	o.LmtPrice = &price
	return o
}

// WithAuxPrice returns a copy of o with the aux (stop) price set.
func (o Order) WithAuxPrice(price float64) Order {
	o.AuxPrice = &price
	return o
}

// WithTimeInForce returns a copy of o with the time in force replaced.
func (o Order) WithTimeInForce(tif TimeInForce) Order {
	o.TimeInForce = tif
	return o
}

// WithGoodTillDate returns a GTD copy of o expiring at t.
func (o Order) WithGoodTillDate(t time.Time) Order {
	o.TimeInForce = TIFGTD
	o.GoodTillDate = &t
	return o
}

// Validate checks the order before it is submitted to a broker.
func (o Order) Validate() error {
	if _, err := ParseOrderAction(string(o.Action)); err != nil {
		return NewInvalidParameter("action", err.Error())
	}
	if !positive(o.TotalQuantity) {
		return NewInvalidParameter("quantity", "quantity must be greater than 0")
	}
	if _, err := ParseOrderType(string(o.OrderType)); err != nil {
		return NewInvalidParameter("order_type", err.Error())
	}
	if o.OrderType.NeedsLimitPrice() && o.LmtPrice == nil {
		return NewInvalidParameter("limit_price", fmt.Sprintf("limit_price is required for %s orders", o.OrderType))
	}
	if o.LmtPrice != nil && !positive(*o.LmtPrice) {
		return NewInvalidParameter("limit_price", "limit_price must be greater than 0")
	}
	if o.OrderType.NeedsAuxPrice() && o.AuxPrice == nil {
		return NewInvalidParameter("aux_price", fmt.Sprintf("aux_price is required for %s orders", o.OrderType))
	}
	if o.AuxPrice != nil && !positive(*o.AuxPrice) {
		return NewInvalidParameter("aux_price", "aux_price must be greater than 0")
	}
	if o.TimeInForce == TIFGTD && o.GoodTillDate == nil {
		return NewInvalidParameter("good_till_date", "good_till_date is required for GTD orders")
	}
	return nil
}

// positive reports whether v is a finite number above zero. NaN fails.
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// OpenOrder is a working order as reported by the broker.
type OpenOrder struct {
	OrderID    int64       `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Action     OrderAction `json:"action"`
	Quantity   float64     `json:"quantity"`
	OrderType  OrderType   `json:"order_type"`
	LimitPrice *float64    `json:"limit_price,omitempty"`
	Status     OrderStatus `json:"status"`
	Filled     float64     `json:"filled"`
	Remaining  float64     `json:"remaining"`
}

// ---------------------------------------------------------------------------
// Account and positions
// ---------------------------------------------------------------------------

// AccountValue is one tagged row of an account summary.
type AccountValue struct {
	Account  string `json:"account"`
	Tag      string `json:"tag"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Position is a holding in one contract. Valuation fields are nil when no
// live quote is available.
type Position struct {
	Account       string   `json:"account"`
	Contract      Contract `json:"contract"`
	Position      float64  `json:"position"`
	AvgCost       float64  `json:"avg_cost"`
	MarketPrice   *float64 `json:"market_price,omitempty"`
	MarketValue   *float64 `json:"market_value,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
	RealizedPnL   *float64 `json:"realized_pnl,omitempty"`
}

// NonZero returns positions with a non-zero quantity, preserving order.
func NonZero(positions []Position) []Position {
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		if p.Position != 0 {
			out = append(out, p)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Quote is a point-in-time snapshot of a contract's market.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketDataRequest selects historical bars for a contract.
type MarketDataRequest struct {
	Contract   Contract `json:"contract"`
	WhatToShow string   `json:"what_to_show"`
	BarSize    string   `json:"bar_size"`
	Duration   string   `json:"duration"`
	UseRTH     bool     `json:"use_rth"`
}

// NewMarketDataRequest returns a request for one day of one-minute trade bars.
func NewMarketDataRequest(c Contract) MarketDataRequest {
	return MarketDataRequest{
		Contract:   c,
		WhatToShow: "TRADES",
		BarSize:    "1 min",
		Duration:   "1 D",
		UseRTH:     true,
	}
}

// Bar is one OHLCV aggregation interval.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
	WAP    *float64  `json:"wap,omitempty"`
	Count  *int64    `json:"count,omitempty"`
}

// ---------------------------------------------------------------------------
// Tool calls
// ---------------------------------------------------------------------------

// ToolCall records one tool invocation for metrics and auditing.
type ToolCall struct {
	Tool      string
	Arguments []byte
	Success   bool
	Error     string
	Kind      ErrorKind
	Started   time.Time
	Duration  time.Duration
}
