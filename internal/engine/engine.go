// Package engine is the execution orchestrator. It drives every market event
// through the decision port, the order lifecycle, the pre-trade risk check,
// the brokerage adapter and the portfolio ledger. The same code runs
// backtests and live trading; only the event source and the adapter differ.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gotothemoon/internal/broker"
	"gotothemoon/internal/decision"
	"gotothemoon/internal/domain"
	"gotothemoon/internal/ledger"
	"gotothemoon/internal/metrics"
	"gotothemoon/internal/order"
	"gotothemoon/internal/util"
)

// EventSource yields market events in order and io.EOF once exhausted.
type EventSource interface {
	Next(ctx context.Context) (domain.MarketEvent, error)
}

// Journal persists what the engine does. Implementations must be safe for
// concurrent use.
type Journal interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	AppendFill(ctx context.Context, f domain.Fill) error
	RecordAction(ctx context.Context, a domain.Action) error
}

// Journals fans every call out to each journal in order. All journals are
// called even when one fails; the errors are joined.
func Journals(js ...Journal) Journal {
	return multiJournal(js)
}

type multiJournal []Journal

func (m multiJournal) SaveOrder(ctx context.Context, o domain.Order) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.SaveOrder(ctx, o))
	}
	return errors.Join(errs...)
}

func (m multiJournal) AppendFill(ctx context.Context, f domain.Fill) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.AppendFill(ctx, f))
	}
	return errors.Join(errs...)
}

func (m multiJournal) RecordAction(ctx context.Context, a domain.Action) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordAction(ctx, a))
	}
	return errors.Join(errs...)
}

// Orphan resolutions.
const (
	OrphanAdopted   = "adopted"   // found at the venue after a restart, venue state taken over
	OrphanCancelled = "cancelled" // never reached the venue, closed locally
	OrphanLeftOpen  = "left_open" // still non-terminal at shutdown
)

// Orphan is one entry of the orphan report.
type Orphan struct {
	OrderID       string            `json:"order_id"`
	Symbol        string            `json:"symbol"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	State         domain.OrderState `json:"state"`
	Resolution    string            `json:"resolution"`
	Reason        string            `json:"reason"`
	At            time.Time         `json:"at"`
}

// Options tune the orchestrator.
type Options struct {
	// Window is the number of recent events per symbol passed to the model.
	// A decision.Windowed model that needs more raises it.
	Window int
	// AllowOverlap lets a new action for a symbol create an order while an
	// earlier one is still open. Off by default: new actions are skipped.
	AllowOverlap bool
	// OrderType of generated orders. Limit orders are priced at the last
	// observed price.
	OrderType domain.OrderType
	// Retry bounds adapter retries on transient errors.
	Retry util.RetryPolicy
	// DecisionTimeout bounds each model call. Zero calls the model inline.
	DecisionTimeout time.Duration
	// SyncInterval is how often live workers poll open orders.
	SyncInterval time.Duration
	// QueueSize is the per-symbol event backlog of live workers.
	QueueSize int
	// Clock stamps order transitions. Nil uses the latest event time, which
	// keeps replays independent of the wall clock.
	Clock func() time.Time
}

func (o *Options) withDefaults() {
	if o.Window <= 0 {
		o.Window = 64
	}
	if o.OrderType == "" {
		o.OrderType = domain.OrderTypeMarket
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = util.DefaultRetryPolicy
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// Deps are the collaborators of an Engine. Broker and Model are required.
type Deps struct {
	Broker  broker.Broker
	Model   decision.Port
	Book    *order.Book
	Ledger  *ledger.Ledger
	Limits  domain.RiskLimits
	Journal Journal
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Stats counts what the engine has done.
type Stats struct {
	Events       int `json:"events"`
	Decisions    int `json:"decisions"`
	Degraded     int `json:"degraded"`
	Orders       int `json:"orders"`
	Rejected     int `json:"rejected"`
	RiskRejected int `json:"risk_rejected"`
	Skipped      int `json:"skipped"`
}

// Engine orchestrates the trading lifecycle.
type Engine struct {
	broker  broker.Broker
	model   *decision.Guard
	book    *order.Book
	ledger  *ledger.Ledger
	risk    *RiskManager
	journal Journal
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options

	mu       sync.Mutex
	windows  map[string][]domain.MarketEvent
	prices   map[string]decimal.Decimal
	lastTime time.Time
	orphans  []Orphan
	stats    Stats
}

// NewEngine creates an Engine wired with the given dependencies.
func NewEngine(d Deps, opts Options) (*Engine, error) {
	if d.Broker == nil {
		return nil, errors.New("engine: broker is required")
	}
	if d.Model == nil {
		return nil, errors.New("engine: decision model is required")
	}
	if d.Book == nil {
		d.Book = order.NewBook(nil)
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New(decimal.Zero)
	}
	opts.withDefaults()
	log := util.OrNop(d.Logger).With(zap.String("component", "engine"), zap.String("broker", d.Broker.Name()))
	if w, ok := d.Model.(decision.Windowed); ok && w.Window() > opts.Window {
		log.Info("widening context window for model", zap.Int("from", opts.Window), zap.Int("to", w.Window()))
		opts.Window = w.Window()
	}

	return &Engine{
		broker:  d.Broker,
		model:   decision.NewGuard(d.Model, opts.DecisionTimeout, log),
		book:    d.Book,
		ledger:  d.Ledger,
		risk:    NewRiskManager(d.Limits, d.Broker.Capabilities()),
		journal: d.Journal,
		metrics: d.Metrics,
		log:     log,
		opts:    opts,
		windows: make(map[string][]domain.MarketEvent),
		prices:  make(map[string]decimal.Decimal),
	}, nil
}

// -----------------------------------------------------------------------
// Event processing
// -----------------------------------------------------------------------

// ProcessEvent handles one market event: it updates the symbol's context,
// lets the adapter see the event, syncs the symbol's open orders, asks the
// model and executes a BUY or SELL. Order-level failures (risk breaches,
// venue rejections, exhausted retries) are recorded on the order and do not
// fail the call.
func (e *Engine) ProcessEvent(ctx context.Context, ev domain.MarketEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	window := e.observe(ev)
	if mo, ok := e.broker.(broker.MarketObserver); ok {
		mo.Observe(ev)
	}
	if err := e.syncSymbol(ctx, ev.Symbol); err != nil {
		return err
	}

	a, _ := e.model.Decide(ctx, decision.Context{
		Symbol:       ev.Symbol,
		RecentEvents: window,
		Position:     e.ledger.Position(ev.Symbol),
		Cash:         e.ledger.Cash(),
		Now:          ev.Timestamp,
	})
	e.recordDecision(ctx, a)

	if !a.IsHold() {
		if err := e.execute(ctx, a); err != nil {
			return err
		}
	}
	e.metrics.Equity(e.equity())
	return nil
}

func (e *Engine) observe(ev domain.MarketEvent) []domain.MarketEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Events++
	w := append(e.windows[ev.Symbol], ev)
	if len(w) > e.opts.Window {
		w = w[len(w)-e.opts.Window:]
	}
	e.windows[ev.Symbol] = w
	e.prices[ev.Symbol] = ev.Price
	if ev.Timestamp.After(e.lastTime) {
		e.lastTime = ev.Timestamp
	}

	out := make([]domain.MarketEvent, len(w))
	copy(out, w)
	return out
}

func (e *Engine) recordDecision(ctx context.Context, a domain.Action) {
	e.mu.Lock()
	e.stats.Decisions++
	if a.Degraded {
		e.stats.Degraded++
	}
	e.mu.Unlock()

	e.metrics.Decision(a)
	if e.journal != nil && (!a.IsHold() || a.Degraded) {
		if err := e.journal.RecordAction(ctx, a); err != nil {
			e.log.Error("journal action", zap.String("symbol", a.Symbol), zap.Error(err))
		}
	}
}

// execute turns a trading action into an order and drives it as far as the
// venue allows right now.
func (e *Engine) execute(ctx context.Context, a domain.Action) error {
	if !e.opts.AllowOverlap && len(e.book.Active(a.Symbol)) > 0 {
		e.mu.Lock()
		e.stats.Skipped++
		e.mu.Unlock()
		e.log.Debug("symbol has an open order, skipping action",
			zap.String("symbol", a.Symbol), zap.String("kind", string(a.Kind)))
		return nil
	}

	at := e.now()
	limit := decimal.Zero
	if e.opts.OrderType == domain.OrderTypeLimit {
		limit = e.lastPrice(a.Symbol)
	}
	o, err := e.book.Create(a, e.opts.OrderType, limit, at)
	if errors.Is(err, order.ErrDuplicateKey) {
		e.log.Debug("decision already executed", zap.String("order", o.ID))
		return nil
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.stats.Orders++
	e.mu.Unlock()
	e.metrics.OrderState(o.State)
	e.persist(ctx, o)

	release, err := e.book.Acquire(o.ID)
	if err != nil {
		return err
	}
	defer release()

	if err := e.risk.CheckOrder(o, e.riskState(o)); err != nil {
		var re *domain.RiskError
		if errors.As(err, &re) {
			e.metrics.RiskRejection(re.Limit)
		}
		e.mu.Lock()
		e.stats.RiskRejected++
		e.stats.Rejected++
		e.mu.Unlock()
		e.log.Warn("order failed risk check",
			zap.String("order", o.ID), zap.String("symbol", o.Symbol), zap.Error(err))
		_, terr := e.transition(ctx, o.ID, domain.OrderStateRejected, err.Error(), at)
		return terr
	}
	if _, err := e.transition(ctx, o.ID, domain.OrderStatePendingSubmit, "", at); err != nil {
		return err
	}
	return e.submitLocked(ctx, o.ID)
}

func (e *Engine) riskState(o domain.Order) RiskState {
	e.mu.Lock()
	prices := make(map[string]decimal.Decimal, len(e.prices))
	for k, v := range e.prices {
		prices[k] = v
	}
	at := e.lastTime
	e.mu.Unlock()

	ref := prices[o.Symbol]
	if o.Type == domain.OrderTypeLimit && o.LimitPrice.IsPositive() {
		ref = o.LimitPrice
	}
	return RiskState{
		Position:        e.ledger.Position(o.Symbol).Qty,
		PendingExposure: e.book.PendingExposure(o.Symbol, o.ID),
		RefPrice:        ref,
		DailyPnL:        e.ledger.RealizedOn(util.TradingDay(at)).Add(e.ledger.UnrealizedPnL(prices)),
	}
}

// submitLocked sends a PENDING_SUBMIT order to the venue. The caller holds
// the order's flow lock. Before each retry the venue is asked whether an
// earlier attempt already landed, so a lost acknowledgement never produces a
// second order.
func (e *Engine) submitLocked(ctx context.Context, id string) error {
	o, err := e.book.Get(id)
	if err != nil {
		return err
	}
	if o.CancelRequested {
		_, err := e.transition(ctx, id, domain.OrderStateCancelled, "cancelled before submission", e.now())
		return err
	}

	log := e.log.With(zap.String("order", o.ID), zap.String("symbol", o.Symbol))
	ack, err := util.Retry(ctx, e.opts.Retry, domain.IsTransient, func(attempt int) (broker.SubmitAck, error) {
		if attempt > 1 {
			e.metrics.Retry("submit")
			if brokerID, found, lerr := broker.LookupByKey(ctx, e.broker, o.IdempotencyKey); lerr == nil && found {
				log.Info("earlier submission found at venue", zap.String("broker_order", brokerID))
				return broker.SubmitAck{BrokerOrderID: brokerID, Duplicate: true}, nil
			}
		}
		return e.broker.Submit(ctx, o)
	})
	if err != nil && ctx.Err() != nil {
		// Outcome unknown; the order stays PENDING_SUBMIT for reconciliation.
		return ctx.Err()
	}
	if errors.Is(err, domain.ErrRetriesExhausted) {
		if brokerID, found, lerr := broker.LookupByKey(ctx, e.broker, o.IdempotencyKey); lerr == nil && found {
			ack, err = broker.SubmitAck{BrokerOrderID: brokerID, Duplicate: true}, nil
		}
	}
	if err != nil {
		e.mu.Lock()
		e.stats.Rejected++
		e.mu.Unlock()
		log.Warn("order rejected", zap.Error(err))
		_, terr := e.transition(ctx, id, domain.OrderStateRejected, err.Error(), e.now())
		return terr
	}

	o, err = e.book.MarkSubmitted(id, ack.BrokerOrderID, e.now())
	if err != nil {
		return err
	}
	e.metrics.OrderState(o.State)
	e.persist(ctx, o)
	log.Debug("order submitted", zap.String("broker_order", ack.BrokerOrderID), zap.Bool("duplicate", ack.Duplicate))
	return e.syncLocked(ctx, id)
}

// -----------------------------------------------------------------------
// Status sync
// -----------------------------------------------------------------------

// syncSymbol polls every open order of symbol that reached the venue.
func (e *Engine) syncSymbol(ctx context.Context, symbol string) error {
	for _, o := range e.book.Active(symbol) {
		if o.BrokerOrderID == "" {
			continue
		}
		if err := e.syncOrder(ctx, o.ID); err != nil {
			return err
		}
	}
	return nil
}

// SyncAll polls every open order.
func (e *Engine) SyncAll(ctx context.Context) error {
	for _, o := range e.book.NonTerminal() {
		if o.BrokerOrderID == "" {
			continue
		}
		if err := e.syncOrder(ctx, o.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncOrder(ctx context.Context, id string) error {
	release, err := e.book.Acquire(id)
	if err != nil {
		return err
	}
	defer release()
	return e.syncLocked(ctx, id)
}

// syncLocked queries the venue for one order and applies what it reports.
// A pending cancel request is sent first. The caller holds the flow lock.
func (e *Engine) syncLocked(ctx context.Context, id string) error {
	o, err := e.book.Get(id)
	if err != nil {
		return err
	}
	if o.BrokerOrderID == "" || o.State.Terminal() {
		return nil
	}
	if o.CancelRequested {
		e.cancelAtVenue(ctx, o)
	}

	rep, err := util.Retry(ctx, e.opts.Retry, domain.IsTransient, func(attempt int) (broker.StatusReport, error) {
		if attempt > 1 {
			e.metrics.Retry("status")
		}
		return e.broker.QueryStatus(ctx, o.BrokerOrderID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("status query failed", zap.String("order", o.ID), zap.Error(err))
		return nil
	}
	e.applyReport(ctx, o, rep)
	return nil
}

func (e *Engine) cancelAtVenue(ctx context.Context, o domain.Order) {
	res, err := util.Retry(ctx, e.opts.Retry, domain.IsTransient, func(attempt int) (broker.CancelResult, error) {
		if attempt > 1 {
			e.metrics.Retry("cancel")
		}
		return e.broker.Cancel(ctx, o.BrokerOrderID)
	})
	if err != nil {
		e.log.Warn("venue cancel failed", zap.String("order", o.ID), zap.Error(err))
		return
	}
	e.log.Info("venue cancel", zap.String("order", o.ID), zap.String("result", string(res)))
}

// applyReport books new fills and moves the order to the venue's terminal
// state. Fills are attributed to the queried order whatever the adapter put
// in them.
func (e *Engine) applyReport(ctx context.Context, o domain.Order, rep broker.StatusReport) {
	at := e.now()
	state := o.State
	for _, f := range rep.Fills {
		f.OrderID, f.Symbol, f.Side = o.ID, o.Symbol, o.Side
		if f.Timestamp.IsZero() {
			f.Timestamp = at
		}
		applied, updated, err := e.book.ApplyFill(f)
		if err != nil {
			e.log.Error("fill refused", zap.String("order", o.ID), zap.String("fill", f.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		if _, err := e.ledger.Apply(f); err != nil {
			e.log.Error("ledger refused fill", zap.String("fill", f.ID), zap.Error(err))
			continue
		}
		e.metrics.Fill(f)
		if e.journal != nil {
			if err := e.journal.AppendFill(ctx, f); err != nil {
				e.log.Error("journal fill", zap.String("fill", f.ID), zap.Error(err))
			}
		}
		if updated.State != state {
			state = updated.State
			e.metrics.OrderState(state)
		}
		e.persist(ctx, updated)
	}

	if !rep.State.Terminal() {
		return
	}
	if _, err := e.transition(ctx, o.ID, rep.State, rep.Reason, at); err != nil {
		e.log.Warn("venue state not applied",
			zap.String("order", o.ID), zap.String("venue_state", string(rep.State)), zap.Error(err))
	}
}

// transition moves an order and records the change.
func (e *Engine) transition(ctx context.Context, id string, to domain.OrderState, reason string, at time.Time) (domain.Order, error) {
	before, err := e.book.Get(id)
	if err != nil {
		return before, err
	}
	o, err := e.book.Transition(id, to, reason, at)
	if err != nil {
		return o, err
	}
	if o.State != before.State {
		e.metrics.OrderState(o.State)
		e.persist(ctx, o)
	}
	return o, nil
}

func (e *Engine) persist(ctx context.Context, o domain.Order) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveOrder(ctx, o); err != nil {
		e.log.Error("journal order", zap.String("order", o.ID), zap.Error(err))
	}
}

// -----------------------------------------------------------------------
// Cancellation, shutdown and reconciliation
// -----------------------------------------------------------------------

// CancelOrder requests cancellation of an order. Cancelling a terminal order
// is a no-op. When another goroutine is driving the order the request is
// honoured at its next safe transition.
func (e *Engine) CancelOrder(ctx context.Context, id string) error {
	o, _, err := e.book.RequestCancel(id)
	if err != nil {
		return err
	}
	if o.State.Terminal() {
		return nil
	}
	e.persist(ctx, o)

	release, ok, err := e.book.TryAcquire(id)
	if err != nil || !ok {
		return err
	}
	defer release()

	o, err = e.book.Get(id)
	if err != nil || o.State.Terminal() {
		return err
	}
	if o.BrokerOrderID == "" {
		_, err := e.transition(ctx, id, domain.OrderStateCancelled, "cancelled before submission", e.now())
		return err
	}
	return e.syncLocked(ctx, id)
}

// CancelAll requests cancellation of every open order.
func (e *Engine) CancelAll(ctx context.Context) error {
	var errs []error
	for _, o := range e.book.NonTerminal() {
		if err := e.CancelOrder(ctx, o.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown cancels every open order, syncs a final time and returns the
// orphan report. Orders still open afterwards get a left_open entry.
func (e *Engine) Shutdown(ctx context.Context) []Orphan {
	if err := e.CancelAll(ctx); err != nil {
		e.log.Warn("cancel on shutdown", zap.Error(err))
	}
	if err := e.SyncAll(ctx); err != nil {
		e.log.Warn("final sync", zap.Error(err))
	}
	for _, o := range e.book.NonTerminal() {
		e.addOrphan(o, OrphanLeftOpen, "non-terminal at shutdown")
	}
	return e.Orphans()
}

// Reconcile restores orders that were non-terminal when the process last
// stopped. Each is looked up at the venue by its idempotency key: orders the
// venue knows adopt the venue's state and fills, the rest are cancelled
// locally. Every restored order gets an orphan entry. Call it before
// processing any event.
func (e *Engine) Reconcile(ctx context.Context, orders []domain.Order) error {
	for _, o := range orders {
		if o.State.Terminal() {
			continue
		}
		if err := e.book.Restore(o); err != nil {
			return err
		}
		if err := e.reconcileOne(ctx, o); err != nil {
			return fmt.Errorf("reconcile %s: %w", o.ID, err)
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, o domain.Order) error {
	release, err := e.book.Acquire(o.ID)
	if err != nil {
		return err
	}
	defer release()

	brokerID := o.BrokerOrderID
	if brokerID == "" {
		res, err := util.Retry(ctx, e.opts.Retry, domain.IsTransient, func(int) (keyLookup, error) {
			id, found, err := broker.LookupByKey(ctx, e.broker, o.IdempotencyKey)
			return keyLookup{brokerID: id, found: found}, err
		})
		if err != nil {
			return err
		}
		if res.found {
			brokerID = res.brokerID
		}
	}

	at := e.now()
	if brokerID == "" {
		// An order still awaiting its risk check can only be rejected.
		to := domain.OrderStateCancelled
		if o.State == domain.OrderStatePendingRiskCheck {
			to = domain.OrderStateRejected
		}
		closed, err := e.transition(ctx, o.ID, to, "not found at venue after restart", at)
		if err != nil {
			return err
		}
		e.addOrphan(closed, OrphanCancelled, "not found at venue after restart")
		return nil
	}

	if o.BrokerOrderID == "" {
		if o.State == domain.OrderStatePendingRiskCheck {
			if _, err := e.transition(ctx, o.ID, domain.OrderStatePendingSubmit, "", at); err != nil {
				return err
			}
		}
		if o, err = e.book.MarkSubmitted(o.ID, brokerID, at); err != nil {
			return err
		}
		e.persist(ctx, o)
	}
	broker.Resume(e.broker, o)
	if err := e.syncLocked(ctx, o.ID); err != nil {
		return err
	}
	final, err := e.book.Get(o.ID)
	if err != nil {
		return err
	}
	e.addOrphan(final, OrphanAdopted, "found at venue after restart")
	return nil
}

type keyLookup struct {
	brokerID string
	found    bool
}

func (e *Engine) addOrphan(o domain.Order, resolution, reason string) {
	entry := Orphan{
		OrderID:       o.ID,
		Symbol:        o.Symbol,
		BrokerOrderID: o.BrokerOrderID,
		State:         o.State,
		Resolution:    resolution,
		Reason:        reason,
		At:            e.now(),
	}
	e.mu.Lock()
	e.orphans = append(e.orphans, entry)
	e.mu.Unlock()
	e.metrics.Orphan()

	fields := []zap.Field{
		zap.String("order", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("state", string(o.State)),
		zap.String("resolution", resolution),
	}
	if resolution == OrphanLeftOpen {
		e.log.Error("orphaned order", append(fields, zap.Error(domain.ErrOrphanedOrder))...)
		return
	}
	e.log.Warn("reconciled order", fields...)
}

// -----------------------------------------------------------------------
// Replay and live loops
// -----------------------------------------------------------------------

// Run replays src single-threaded until it is exhausted.
func (e *Engine) Run(ctx context.Context, src EventSource) error {
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.ProcessEvent(ctx, ev); err != nil {
			return err
		}
	}
}

// -----------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------

// PortfolioView is a point-in-time view of the ledger marked to market.
type PortfolioView struct {
	Ledger     ledger.Snapshot            `json:"ledger"`
	Prices     map[string]decimal.Decimal `json:"prices"`
	Unrealized decimal.Decimal            `json:"unrealized_pnl"`
	Equity     decimal.Decimal            `json:"equity"`
	At         time.Time                  `json:"at"`
}

// Portfolio returns the current portfolio view.
func (e *Engine) Portfolio() PortfolioView {
	prices := e.LastPrices()
	return PortfolioView{
		Ledger:     e.ledger.Snapshot(),
		Prices:     prices,
		Unrealized: e.ledger.UnrealizedPnL(prices),
		Equity:     e.ledger.Equity(prices),
		At:         e.now(),
	}
}

// Orders returns every order in creation order.
func (e *Engine) Orders() []domain.Order {
	return e.book.List()
}

// Order returns one order.
func (e *Engine) Order(id string) (domain.Order, error) {
	return e.book.Get(id)
}

// Orphans returns the orphan report so far.
func (e *Engine) Orphans() []Orphan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Orphan, len(e.orphans))
	copy(out, e.orphans)
	return out
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// LastPrices returns the last observed price per symbol.
func (e *Engine) LastPrices() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.prices))
	for k, v := range e.prices {
		out[k] = v
	}
	return out
}

// Ledger returns the portfolio ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

func (e *Engine) equity() float64 {
	v, _ := e.ledger.Equity(e.LastPrices()).Float64()
	return v
}

func (e *Engine) lastPrice(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prices[symbol]
}

func (e *Engine) now() time.Time {
	if e.opts.Clock != nil {
		return e.opts.Clock()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTime
}

// DivergenceAlert returns a broker.Shadow alert callback that logs each
// divergence at error level and counts it.
func DivergenceAlert(log *zap.Logger, m *metrics.Metrics) func(broker.Divergence) {
	log = util.OrNop(log).With(zap.String("component", "shadow"))
	return func(d broker.Divergence) {
		m.Divergence()
		log.Error("backtest/live divergence",
			zap.String("order", d.OrderID),
			zap.String("symbol", d.Symbol),
			zap.String("stage", d.Stage),
			zap.String("live", d.Live),
			zap.String("simulated", d.Simulated),
			zap.Error(d))
	}
}
