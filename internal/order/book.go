package order

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
)

// ErrDuplicateKey is returned by Create when an order with the same
// idempotency key already exists.
var ErrDuplicateKey = errors.New("order with idempotency key already exists")

type entry struct {
	flow sync.Mutex // held by whoever is driving the order (submit, sync, cancel)
	mu   sync.Mutex // guards o and fillIDs
	o    domain.Order

	fillIDs map[string]struct{}
}

// Book owns every Order created by the core. The book lock only guards the
// indexes; each order carries its own locks so transitions for one order are
// serialized without blocking others.
type Book struct {
	mu       sync.RWMutex
	newID    IDGenerator
	byID     map[string]*entry
	byKey    map[string]*entry
	byBroker map[string]*entry
	seq      []*entry
}

// NewBook creates an empty book. A nil generator yields random UUIDs.
func NewBook(gen IDGenerator) *Book {
	if gen == nil {
		gen = uuid.NewString
	}
	return &Book{
		newID:    gen,
		byID:     make(map[string]*entry),
		byKey:    make(map[string]*entry),
		byBroker: make(map[string]*entry),
	}
}

// Create turns a BUY or SELL action into an order in PENDING_RISK_CHECK.
// HOLD actions never produce an order.
func (b *Book) Create(a domain.Action, typ domain.OrderType, limit decimal.Decimal, now time.Time) (domain.Order, error) {
	side, ok := a.Side()
	if !ok {
		return domain.Order{}, fmt.Errorf("action %s for %s does not produce an order", a.Kind, a.Symbol)
	}
	if err := a.Validate(); err != nil {
		return domain.Order{}, err
	}
	if typ == "" {
		typ = domain.OrderTypeMarket
	}

	key := IdempotencyKey(a.Symbol, a.DecisionTime, side, a.TargetSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, dup := b.byKey[key]; dup {
		return existing.snapshot(), ErrDuplicateKey
	}

	o := domain.Order{
		ID:             b.newID(),
		Symbol:         a.Symbol,
		Side:           side,
		Qty:            a.TargetSize,
		Type:           typ,
		LimitPrice:     limit,
		State:          domain.OrderStatePendingRiskCheck,
		IdempotencyKey: key,
		DecisionTime:   a.DecisionTime,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.insertLocked(o)
	return o, nil
}

// Restore loads a previously persisted order, keeping its state. It is used
// to reconcile orders that survived a restart.
func (b *Book) Restore(o domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[o.ID]; ok {
		return fmt.Errorf("order %s already in book", o.ID)
	}
	if _, ok := b.byKey[o.IdempotencyKey]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrDuplicateKey)
	}
	b.insertLocked(o)
	return nil
}

func (b *Book) insertLocked(o domain.Order) {
	e := &entry{o: o, fillIDs: make(map[string]struct{})}
	b.byID[o.ID] = e
	b.byKey[o.IdempotencyKey] = e
	if o.BrokerOrderID != "" {
		b.byBroker[o.BrokerOrderID] = e
	}
	b.seq = append(b.seq, e)
}

func (b *Book) lookup(id string) (*entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	return e, nil
}

func (e *entry) snapshot() domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.o
}

// Acquire takes the per-order flow lock. Callers hold it across the venue
// calls that drive one order so that submission retries, status polling and
// cancellation for that order never interleave.
func (b *Book) Acquire(id string) (release func(), err error) {
	e, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	e.flow.Lock()
	return e.flow.Unlock, nil
}

// TryAcquire takes the flow lock only when it is free. ok is false while
// another caller is driving the order.
func (b *Book) TryAcquire(id string) (release func(), ok bool, err error) {
	e, err := b.lookup(id)
	if err != nil {
		return nil, false, err
	}
	if !e.flow.TryLock() {
		return nil, false, nil
	}
	return e.flow.Unlock, true, nil
}

// Get returns a copy of the order.
func (b *Book) Get(id string) (domain.Order, error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.Order{}, err
	}
	return e.snapshot(), nil
}

// GetByKey finds an order by idempotency key.
func (b *Book) GetByKey(key string) (domain.Order, bool) {
	b.mu.RLock()
	e, ok := b.byKey[key]
	b.mu.RUnlock()
	if !ok {
		return domain.Order{}, false
	}
	return e.snapshot(), true
}

// GetByBrokerID finds an order by the venue's id.
func (b *Book) GetByBrokerID(brokerOrderID string) (domain.Order, bool) {
	b.mu.RLock()
	e, ok := b.byBroker[brokerOrderID]
	b.mu.RUnlock()
	if !ok {
		return domain.Order{}, false
	}
	return e.snapshot(), true
}

// Transition moves the order to state to. Moving to the current state is a
// no-op; any other move must be an edge of the lifecycle.
func (b *Book) Transition(id string, to domain.OrderState, reason string, at time.Time) (domain.Order, error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.o.State
	if from == to {
		return e.o, nil
	}
	if !CanTransition(from, to) {
		return e.o, fmt.Errorf("order %s %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	if to == domain.OrderStateFilled && !e.o.FilledQty.Equal(e.o.Qty) {
		return e.o, fmt.Errorf("order %s filled %s of %s: %w", id, e.o.FilledQty, e.o.Qty, domain.ErrInvalidTransition)
	}
	e.o.State = to
	e.o.UpdatedAt = at
	if reason != "" {
		e.o.Reason = reason
	}
	return e.o, nil
}

// MarkSubmitted records the venue acknowledgement and moves the order to
// SUBMITTED.
func (b *Book) MarkSubmitted(id, brokerOrderID string, at time.Time) (domain.Order, error) {
	if brokerOrderID == "" {
		return domain.Order{}, fmt.Errorf("order %s: empty broker order id", id)
	}
	o, err := b.Transition(id, domain.OrderStateSubmitted, "", at)
	if err != nil {
		return o, err
	}

	b.mu.Lock()
	e := b.byID[id]
	b.byBroker[brokerOrderID] = e
	b.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.o.BrokerOrderID = brokerOrderID
	return e.o, nil
}

// ApplyFill adds a fill to its order. Duplicate fill ids return
// (false, order, nil). A fill failing domain.Fill.Validate is refused, so
// the book never holds a fill the ledger would reject. A fill larger than
// the remaining quantity is refused with domain.ErrOverfill. Cumulative quantity equal to the requested
// quantity moves the order to FILLED, anything less to PARTIALLY_FILLED.
// Fills racing a cancellation are booked against a CANCELLED order without
// changing its state.
func (b *Book) ApplyFill(f domain.Fill) (bool, domain.Order, error) {
	e, err := b.lookup(f.OrderID)
	if err != nil {
		return false, domain.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.fillIDs[f.ID]; dup {
		return false, e.o, nil
	}
	switch e.o.State {
	case domain.OrderStateSubmitted, domain.OrderStatePartiallyFilled, domain.OrderStateCancelled:
	default:
		return false, e.o, fmt.Errorf("fill %s for order %s in state %s: %w", f.ID, e.o.ID, e.o.State, domain.ErrInvalidTransition)
	}
	if err := f.Validate(); err != nil {
		return false, e.o, err
	}
	if f.Qty.GreaterThan(e.o.Remaining()) {
		return false, e.o, fmt.Errorf("fill %s qty %s, remaining %s: %w", f.ID, f.Qty, e.o.Remaining(), domain.ErrOverfill)
	}

	filled := e.o.FilledQty.Add(f.Qty)
	e.o.AvgFillPrice = e.o.AvgFillPrice.Mul(e.o.FilledQty).Add(f.Price.Mul(f.Qty)).Div(filled)
	e.o.FilledQty = filled
	e.o.UpdatedAt = f.Timestamp
	e.fillIDs[f.ID] = struct{}{}

	if e.o.State != domain.OrderStateCancelled {
		if filled.Equal(e.o.Qty) {
			e.o.State = domain.OrderStateFilled
		} else {
			e.o.State = domain.OrderStatePartiallyFilled
		}
	}
	return true, e.o, nil
}

// RequestCancel flags the order for cancellation. Against a terminal order it
// is a no-op. The flag takes effect at the next safe transition: before
// submission the driver cancels locally, after submission it asks the venue.
// venue reports whether a venue cancel should be sent now.
func (b *Book) RequestCancel(id string) (o domain.Order, venue bool, err error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.Order{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.o.State.Terminal() {
		return e.o, false, nil
	}
	e.o.CancelRequested = true
	venue = e.o.BrokerOrderID != "" && Cancellable(e.o.State)
	return e.o, venue, nil
}

// List returns every order in creation order.
func (b *Book) List() []domain.Order {
	return b.filter(func(domain.Order) bool { return true })
}

// NonTerminal returns orders that can still change, in creation order.
func (b *Book) NonTerminal() []domain.Order {
	return b.filter(func(o domain.Order) bool { return !o.State.Terminal() })
}

// Active returns the non-terminal orders for symbol.
func (b *Book) Active(symbol string) []domain.Order {
	return b.filter(func(o domain.Order) bool { return o.Symbol == symbol && !o.State.Terminal() })
}

// PendingExposure returns the signed unfilled quantity of non-terminal orders
// for symbol, excluding the order with id exclude.
func (b *Book) PendingExposure(symbol, exclude string) decimal.Decimal {
	total := decimal.Zero
	for _, o := range b.Active(symbol) {
		if o.ID == exclude {
			continue
		}
		total = total.Add(o.Side.Sign().Mul(o.Remaining()))
	}
	return total
}

func (b *Book) filter(keep func(domain.Order) bool) []domain.Order {
	b.mu.RLock()
	entries := make([]*entry, len(b.seq))
	copy(entries, b.seq)
	b.mu.RUnlock()

	var out []domain.Order
	for _, e := range entries {
		o := e.snapshot()
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}
