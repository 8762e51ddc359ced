package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/ledger"
)

// Compile-time interface checks.
var (
	_ Broker         = (*SimulatorBroker)(nil)
	_ KeyLookup      = (*SimulatorBroker)(nil)
	_ MarketObserver = (*SimulatorBroker)(nil)
)

// SimulatorConfig tunes the simulated venue.
type SimulatorConfig struct {
	InitialCash decimal.Decimal
	FillModel   FillModel
	// Participation caps each fill at this fraction of the event's volume,
	// producing partial fills across events. Zero disables the cap.
	Participation decimal.Decimal
	AllowShort    bool
	// EnforceBuyingPower rejects buys whose estimated cost exceeds free cash.
	EnforceBuyingPower bool
}

type simOrder struct {
	brokerID string
	order    domain.Order
	state    domain.OrderState
	filled   decimal.Decimal
	pending  []domain.Fill
	reason   string

	lastSeq uint64
	seenAny bool
}

// SimulatorBroker is a deterministic in-memory venue. It prices fills only
// from events passed to Observe, i.e. events the orchestrator has already
// processed, so a replay can never fill against future prices. Orders for a
// symbol that has not been observed yet rest until its first event.
type SimulatorBroker struct {
	mu  sync.Mutex
	cfg SimulatorConfig

	venue  *ledger.Ledger
	orders map[string]*simOrder
	byKey  map[string]string
	open   []*simOrder // resting orders in submission order
	last   map[string]domain.MarketEvent

	nextOrder int
	nextFill  int
}

// NewSimulatorBroker creates a simulator with the given configuration.
func NewSimulatorBroker(cfg SimulatorConfig) *SimulatorBroker {
	if cfg.FillModel == nil {
		cfg.FillModel = CostModel{}
	}
	return &SimulatorBroker{
		cfg:    cfg,
		venue:  ledger.New(cfg.InitialCash),
		orders: make(map[string]*simOrder),
		byKey:  make(map[string]string),
		last:   make(map[string]domain.MarketEvent),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Capabilities reports market and limit orders with native key deduplication.
func (b *SimulatorBroker) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		OrderTypes:    []domain.OrderType{domain.OrderTypeMarket, domain.OrderTypeLimit},
		ClientOrderID: true,
		AllowShort:    b.cfg.AllowShort,
	}
}

// Observe records ev as the latest known market state for its symbol and
// works resting orders against it.
func (b *SimulatorBroker) Observe(ev domain.MarketEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last[ev.Symbol] = ev
	still := b.open[:0]
	for _, so := range b.open {
		if so.order.Symbol == ev.Symbol {
			b.work(so, ev)
		}
		if !so.state.Terminal() {
			still = append(still, so)
		}
	}
	b.open = still
}

// Submit accepts an order, filling it immediately when the symbol's latest
// observed event allows.
func (b *SimulatorBroker) Submit(_ context.Context, o domain.Order) (SubmitAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.byKey[o.IdempotencyKey]; ok && o.IdempotencyKey != "" {
		return SubmitAck{BrokerOrderID: id, Duplicate: true}, nil
	}
	if !b.Capabilities().Supports(o.Type) {
		return SubmitAck{}, domain.Reject("order type %s not supported", o.Type)
	}
	if !o.Qty.IsPositive() {
		return SubmitAck{}, domain.Reject("quantity must be positive")
	}
	if o.Type == domain.OrderTypeLimit && !o.LimitPrice.IsPositive() {
		return SubmitAck{}, domain.Reject("limit order without limit price")
	}
	if err := b.checkShort(o); err != nil {
		return SubmitAck{}, err
	}
	if err := b.checkBuyingPower(o); err != nil {
		return SubmitAck{}, err
	}

	b.nextOrder++
	so := &simOrder{
		brokerID: fmt.Sprintf("sim-%06d", b.nextOrder),
		order:    o,
		state:    domain.OrderStateSubmitted,
	}
	b.orders[so.brokerID] = so
	if o.IdempotencyKey != "" {
		b.byKey[o.IdempotencyKey] = so.brokerID
	}

	if ev, seen := b.last[o.Symbol]; seen {
		b.work(so, ev)
	}
	if !so.state.Terminal() {
		b.open = append(b.open, so)
	}
	return SubmitAck{BrokerOrderID: so.brokerID}, nil
}

func (b *SimulatorBroker) checkShort(o domain.Order) error {
	if b.cfg.AllowShort || o.Side != domain.SideSell {
		return nil
	}
	available := b.venue.Position(o.Symbol).Qty
	for _, so := range b.open {
		if so.order.Symbol == o.Symbol && so.order.Side == domain.SideSell {
			available = available.Sub(so.order.Qty.Sub(so.filled))
		}
	}
	if o.Qty.GreaterThan(available) {
		return domain.Reject("short selling not allowed: sell %s %s with %s available", o.Qty, o.Symbol, available)
	}
	return nil
}

func (b *SimulatorBroker) checkBuyingPower(o domain.Order) error {
	if !b.cfg.EnforceBuyingPower || o.Side != domain.SideBuy {
		return nil
	}
	free := b.venue.Cash()
	for _, so := range b.open {
		if so.order.Side == domain.SideBuy {
			free = free.Sub(so.order.Qty.Sub(so.filled).Mul(b.refPrice(so.order)))
		}
	}
	px := b.refPrice(o)
	if px.IsZero() {
		return nil
	}
	cost := o.Qty.Mul(px)
	cost = cost.Add(b.cfg.FillModel.Fee(o.Qty, px))
	if cost.GreaterThan(free) {
		return domain.Reject("insufficient buying power: need %s, have %s", cost.StringFixed(2), free.StringFixed(2))
	}
	return nil
}

func (b *SimulatorBroker) refPrice(o domain.Order) decimal.Decimal {
	if o.Type == domain.OrderTypeLimit {
		return o.LimitPrice
	}
	if ev, ok := b.last[o.Symbol]; ok {
		return b.cfg.FillModel.FillPrice(o.Side, ev)
	}
	return decimal.Zero
}

// work fills as much of so as ev allows. Each order fills at most once per
// event.
func (b *SimulatorBroker) work(so *simOrder, ev domain.MarketEvent) {
	if so.state.Terminal() {
		return
	}
	if so.seenAny && so.lastSeq == ev.Seq {
		return
	}
	so.seenAny, so.lastSeq = true, ev.Seq

	price := b.cfg.FillModel.FillPrice(so.order.Side, ev)
	if so.order.Type == domain.OrderTypeLimit {
		limit := so.order.LimitPrice
		switch so.order.Side {
		case domain.SideBuy:
			if price.GreaterThan(limit) {
				return
			}
		case domain.SideSell:
			if price.LessThan(limit) {
				return
			}
		}
	}

	qty := so.order.Qty.Sub(so.filled)
	if b.cfg.Participation.IsPositive() && ev.Volume.IsPositive() {
		liquidity := ev.Volume.Mul(b.cfg.Participation).Floor()
		qty = decimal.Min(qty, liquidity)
	}
	if !qty.IsPositive() {
		return
	}

	b.nextFill++
	f := domain.Fill{
		ID:        fmt.Sprintf("sim-fill-%06d", b.nextFill),
		OrderID:   so.order.ID,
		Symbol:    so.order.Symbol,
		Side:      so.order.Side,
		Qty:       qty,
		Price:     price,
		Fee:       b.cfg.FillModel.Fee(qty, price),
		Timestamp: ev.Timestamp,
	}
	// The venue book mirrors the fill; it cannot fail for a well formed fill.
	_, _ = b.venue.Apply(f)

	so.filled = so.filled.Add(qty)
	so.pending = append(so.pending, f)
	if so.filled.Equal(so.order.Qty) {
		so.state = domain.OrderStateFilled
	} else {
		so.state = domain.OrderStatePartiallyFilled
	}
}

// Cancel cancels the unfilled remainder of a resting order.
func (b *SimulatorBroker) Cancel(_ context.Context, brokerOrderID string) (CancelResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	so, ok := b.orders[brokerOrderID]
	if !ok {
		return "", fmt.Errorf("simulator order %s: %w", brokerOrderID, domain.ErrOrderNotFound)
	}
	if so.state.Terminal() {
		return CancelAlreadyTerminal, nil
	}
	so.state = domain.OrderStateCancelled
	so.reason = "cancelled by request"
	for i, o := range b.open {
		if o == so {
			b.open = append(b.open[:i], b.open[i+1:]...)
			break
		}
	}
	return CancelAcked, nil
}

// QueryStatus reports the order's state and drains its fills.
func (b *SimulatorBroker) QueryStatus(_ context.Context, brokerOrderID string) (StatusReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	so, ok := b.orders[brokerOrderID]
	if !ok {
		return StatusReport{}, fmt.Errorf("simulator order %s: %w", brokerOrderID, domain.ErrOrderNotFound)
	}
	rep := StatusReport{
		BrokerOrderID: brokerOrderID,
		State:         so.state,
		Fills:         so.pending,
		Reason:        so.reason,
	}
	so.pending = nil
	return rep, nil
}

// LookupByKey finds the simulator order submitted with key.
func (b *SimulatorBroker) LookupByKey(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byKey[key]
	return id, ok, nil
}

// QueryPositions returns the venue-side positions.
func (b *SimulatorBroker) QueryPositions(_ context.Context) ([]domain.Position, error) {
	return b.venue.Positions(), nil
}

// QueryBalance returns venue cash and equity marked at the last observed
// prices.
func (b *SimulatorBroker) QueryBalance(_ context.Context) (domain.Balance, error) {
	b.mu.Lock()
	prices := make(map[string]decimal.Decimal, len(b.last))
	for sym, ev := range b.last {
		prices[sym] = ev.Price
	}
	b.mu.Unlock()

	cash := b.venue.Cash()
	return domain.Balance{
		Cash:        cash,
		Equity:      b.venue.Equity(prices),
		BuyingPower: cash,
	}, nil
}
