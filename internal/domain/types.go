// Package domain defines the core value types shared by every layer of the
// execution core: market events, decisions, orders, fills and positions.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV bar as stored on disk.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// MarketEvent is one observation of a symbol's market. Events are immutable
// once emitted. Seq is strictly increasing per symbol.
type MarketEvent struct {
	Symbol    string
	Timestamp time.Time
	Seq       uint64
	Price     decimal.Decimal // last trade or bar close
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Volume    decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
}

// EventFromBar converts a stored bar into a MarketEvent. The caller assigns Seq.
func EventFromBar(b Bar) MarketEvent {
	return MarketEvent{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		Price:     decimal.NewFromFloat(b.Close),
		Open:      decimal.NewFromFloat(b.Open),
		High:      decimal.NewFromFloat(b.High),
		Low:       decimal.NewFromFloat(b.Low),
		Volume:    decimal.NewFromInt(b.Volume),
	}
}

// ---------------------------------------------------------------------------
// Decisions
// ---------------------------------------------------------------------------

// ActionKind is the tagged variant of a decision.
type ActionKind string

const (
	ActionBuy  ActionKind = "BUY"
	ActionSell ActionKind = "SELL"
	ActionHold ActionKind = "HOLD"
)

// Action is the output of the decision port for one symbol at one point in
// time. TargetSize is the number of shares to trade.
type Action struct {
	Symbol       string
	Kind         ActionKind
	TargetSize   decimal.Decimal
	Confidence   float64
	DecisionTime time.Time
	Degraded     bool
	Reason       string
}

// Hold returns a HOLD action for symbol at ts.
func Hold(symbol string, ts time.Time) Action {
	return Action{Symbol: symbol, Kind: ActionHold, DecisionTime: ts}
}

// IsHold reports whether the action produces no order.
func (a Action) IsHold() bool { return a.Kind == ActionHold || a.Kind == "" }

// Side maps a BUY or SELL action to an order side.
func (a Action) Side() (Side, bool) {
	switch a.Kind {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Validate checks that a trading action is well formed.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionHold, "":
		return nil
	case ActionBuy, ActionSell:
		if !a.TargetSize.IsPositive() {
			return fmt.Errorf("%s action for %s has non-positive size %s", a.Kind, a.Symbol, a.TargetSize)
		}
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType is the execution style requested from the venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState is a node of the order lifecycle.
type OrderState string

const (
	OrderStatePendingRiskCheck OrderState = "PENDING_RISK_CHECK"
	OrderStatePendingSubmit    OrderState = "PENDING_SUBMIT"
	OrderStateSubmitted        OrderState = "SUBMITTED"
	OrderStatePartiallyFilled  OrderState = "PARTIALLY_FILLED"
	OrderStateFilled           OrderState = "FILLED"
	OrderStateRejected         OrderState = "REJECTED"
	OrderStateCancelled        OrderState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible from s.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateRejected, OrderStateCancelled:
		return true
	}
	return false
}

// Order is a request to trade a quantity of a symbol. Orders are created and
// owned by the lifecycle state machine; brokers only report on them.
type Order struct {
	ID              string
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Type            OrderType
	LimitPrice      decimal.Decimal
	State           OrderState
	BrokerOrderID   string
	IdempotencyKey  string
	DecisionTime    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Reason          string
	CancelRequested bool
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fill is a confirmed execution against an order. Fills are immutable.
type Fill struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      Side
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Notional returns qty * price.
func (f Fill) Notional() decimal.Decimal {
	return f.Qty.Mul(f.Price)
}

// Validate checks that f can be booked: positive quantity, non-negative
// price and fee, and a known side.
func (f Fill) Validate() error {
	if !f.Qty.IsPositive() {
		return fmt.Errorf("fill %s: quantity must be positive, got %s", f.ID, f.Qty)
	}
	if f.Price.IsNegative() || f.Fee.IsNegative() {
		return fmt.Errorf("fill %s: negative price or fee", f.ID)
	}
	if f.Side != SideBuy && f.Side != SideSell {
		return fmt.Errorf("fill %s: unknown side %q", f.ID, f.Side)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// Position is the signed holding of one symbol. Negative quantities are short.
type Position struct {
	Symbol  string
	Qty     decimal.Decimal
	AvgCost decimal.Decimal
}

// MarketValue returns qty * price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(price)
}

// Balance is the cash view an adapter reports for the account.
type Balance struct {
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
}

// RiskLimits bound what the core may submit. A zero value disables the limit.
type RiskLimits struct {
	MaxPositionPerSymbol decimal.Decimal // shares, absolute
	MaxOrderNotional     decimal.Decimal
	MaxDailyLoss         decimal.Decimal
}

// Capabilities describes what a brokerage adapter supports.
type Capabilities struct {
	OrderTypes    []OrderType
	ClientOrderID bool    // venue deduplicates on a client supplied id
	AllowShort    bool
	RateLimit     float64 // orders per second, 0 for unlimited
	Burst         int
}

// Supports reports whether t is an accepted order type.
func (c Capabilities) Supports(t OrderType) bool {
	for _, ot := range c.OrderTypes {
		if ot == t {
			return true
		}
	}
	return false
}
