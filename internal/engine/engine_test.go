package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotothemoon/internal/broker"
	"gotothemoon/internal/broker/brokertest"
	"gotothemoon/internal/decision"
	"gotothemoon/internal/domain"
	"gotothemoon/internal/ledger"
	"gotothemoon/internal/order"
	"gotothemoon/internal/util"
)

var t0 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func ev(sym string, seq uint64, price, volume int64) domain.MarketEvent {
	return domain.MarketEvent{
		Symbol: sym, Seq: seq, Timestamp: t0.Add(time.Duration(seq) * time.Minute),
		Price: dec(price), Volume: dec(volume),
	}
}

type sliceSource struct {
	events []domain.MarketEvent
	i      int
}

func (s *sliceSource) Next(ctx context.Context) (domain.MarketEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketEvent{}, err
	}
	if s.i >= len(s.events) {
		return domain.MarketEvent{}, io.EOF
	}
	s.i++
	return s.events[s.i-1], nil
}

// memJournal records everything the engine persists.
type memJournal struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	fills   []domain.Fill
	actions []domain.Action
}

func newMemJournal() *memJournal { return &memJournal{orders: make(map[string]domain.Order)} }

func (j *memJournal) SaveOrder(_ context.Context, o domain.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders[o.ID] = o
	return nil
}

func (j *memJournal) AppendFill(_ context.Context, f domain.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, f)
	return nil
}

func (j *memJournal) RecordAction(_ context.Context, a domain.Action) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.actions = append(j.actions, a)
	return nil
}

var fastRetry = util.RetryPolicy{MaxAttempts: 3}

type fixture struct {
	engine  *Engine
	sim     *broker.SimulatorBroker
	flaky   *brokertest.Flaky
	ledger  *ledger.Ledger
	journal *memJournal
}

func newFixture(t *testing.T, model decision.Port, limits domain.RiskLimits, simCfg broker.SimulatorConfig, opts Options) *fixture {
	t.Helper()
	if simCfg.InitialCash.IsZero() {
		simCfg.InitialCash = dec(10000)
	}
	sim := broker.NewSimulatorBroker(simCfg)
	flaky := brokertest.New(sim)
	l := ledger.New(simCfg.InitialCash)
	j := newMemJournal()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry
	}
	e, err := NewEngine(Deps{
		Broker:  flaky,
		Model:   model,
		Book:    order.NewBook(order.SequentialIDs("ord")),
		Ledger:  l,
		Limits:  limits,
		Journal: j,
	}, opts)
	require.NoError(t, err)
	return &fixture{engine: e, sim: sim, flaky: flaky, ledger: l, journal: j}
}

func script(steps ...decision.Step) decision.Port {
	return decision.NewScripted(map[string][]decision.Step{"AAPL": steps})
}

func buyStep(n int64) decision.Step  { return decision.Step{Kind: domain.ActionBuy, Size: n} }
func sellStep(n int64) decision.Step { return decision.Step{Kind: domain.ActionSell, Size: n} }

var holdStep = decision.Step{Kind: domain.ActionHold}

func run(t *testing.T, e *Engine, events ...domain.MarketEvent) {
	t.Helper()
	require.NoError(t, e.Run(context.Background(), &sliceSource{events: events}))
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	_, err := NewEngine(Deps{}, Options{})
	assert.Error(t, err)
	_, err = NewEngine(Deps{Broker: broker.NewSimulatorBroker(broker.SimulatorConfig{})}, Options{})
	assert.Error(t, err)
}

func TestBuyHoldSellRoundTrip(t *testing.T) {
	f := newFixture(t, script(buyStep(10), holdStep, sellStep(10)), domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})

	run(t, f.engine, ev("AAPL", 1, 100, 1000), ev("AAPL", 2, 102, 1000), ev("AAPL", 3, 99, 1000))

	fills := f.ledger.Fills()
	require.Len(t, fills, 2)
	assert.True(t, fills[0].Price.Equal(dec(100)))
	assert.True(t, fills[1].Price.Equal(dec(99)))
	assert.True(t, f.ledger.Position("AAPL").Qty.IsZero())
	assert.True(t, f.ledger.RealizedPnL().Equal(dec(-10)), f.ledger.RealizedPnL().String())
	assert.True(t, f.ledger.Cash().Equal(dec(9990)))

	orders := f.engine.Orders()
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, domain.OrderStateFilled, o.State)
		assert.NotEmpty(t, o.BrokerOrderID)
	}
	assert.Equal(t, "ord-000001", orders[0].ID)

	st := f.engine.Stats()
	assert.Equal(t, 3, st.Events)
	assert.Equal(t, 3, st.Decisions)
	assert.Equal(t, 2, st.Orders)

	assert.Len(t, f.journal.fills, 2)
	assert.Len(t, f.journal.actions, 2, "holds are not journaled")
	assert.Equal(t, domain.OrderStateFilled, f.journal.orders["ord-000002"].State)
}

func TestRiskRejectsBeforeAnyAdapterCall(t *testing.T) {
	limits := domain.RiskLimits{MaxOrderNotional: dec(500)}
	f := newFixture(t, script(buyStep(10)), limits, broker.SimulatorConfig{}, Options{})

	run(t, f.engine, ev("AAPL", 1, 100, 1000))

	orders := f.engine.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStateRejected, orders[0].State)
	assert.Contains(t, orders[0].Reason, LimitMaxOrderNotional)
	assert.Empty(t, orders[0].BrokerOrderID)

	submits, _, _ := f.flaky.Calls()
	assert.Zero(t, submits)
	assert.True(t, f.ledger.Cash().Equal(dec(10000)))
	assert.Empty(t, f.ledger.Positions())
	assert.Equal(t, 1, f.engine.Stats().RiskRejected)
}

func TestLostAckResubmitsOnce(t *testing.T) {
	f := newFixture(t, script(buyStep(10)), domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})
	f.flaky.LostAcks = 1

	run(t, f.engine, ev("AAPL", 1, 100, 1000))

	submits, _, lookups := f.flaky.Calls()
	assert.Equal(t, 1, submits, "the retry found the first submission by key")
	assert.GreaterOrEqual(t, lookups, 1)

	positions, err := f.sim.QueryPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Qty.Equal(dec(10)), "one live effect")

	o := f.engine.Orders()[0]
	assert.Equal(t, domain.OrderStateFilled, o.State)
	assert.True(t, f.ledger.Position("AAPL").Qty.Equal(dec(10)))
}

func TestDroppedSubmitIsRetried(t *testing.T) {
	f := newFixture(t, script(buyStep(10)), domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})
	f.flaky.DroppedSubmits = 1

	run(t, f.engine, ev("AAPL", 1, 100, 1000))

	submits, _, _ := f.flaky.Calls()
	assert.Equal(t, 2, submits)
	assert.Equal(t, domain.OrderStateFilled, f.engine.Orders()[0].State)
}

func TestRetriesExhaustedRejects(t *testing.T) {
	f := newFixture(t, script(buyStep(10)), domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})
	f.flaky.DroppedSubmits = 100

	run(t, f.engine, ev("AAPL", 1, 100, 1000))

	o := f.engine.Orders()[0]
	assert.Equal(t, domain.OrderStateRejected, o.State)
	assert.Contains(t, o.Reason, domain.ErrRetriesExhausted.Error())
	submits, _, _ := f.flaky.Calls()
	assert.Equal(t, fastRetry.MaxAttempts, submits)
	assert.Equal(t, 1, f.engine.Stats().Rejected)
	assert.True(t, f.ledger.Cash().Equal(dec(10000)))
}

func TestVenueRejectionIsNotRetried(t *testing.T) {
	// Shorting is refused by the simulator.
	f := newFixture(t, script(sellStep(5)), domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})
	f.engine.risk = NewRiskManager(domain.RiskLimits{}, domain.Capabilities{
		OrderTypes: []domain.OrderType{domain.OrderTypeMarket}, AllowShort: true,
	})

	run(t, f.engine, ev("AAPL", 1, 100, 1000))

	o := f.engine.Orders()[0]
	assert.Equal(t, domain.OrderStateRejected, o.State)
	assert.Contains(t, o.Reason, "short")
	submits, _, _ := f.flaky.Calls()
	assert.Equal(t, 1, submits)
}

func TestCancelTerminalOrderIsNoop(t *testing.T) {
	limits := domain.RiskLimits{MaxOrderNotional: dec(500)}
	f := newFixture(t, script(buyStep(1), holdStep, buyStep(10)), limits, broker.SimulatorConfig{}, Options{})
	ctx := context.Background()

	run(t, f.engine, ev("AAPL", 1, 100, 1000), ev("AAPL", 2, 100, 1000), ev("AAPL", 3, 100, 1000))
	orders := f.engine.Orders()
	require.Len(t, orders, 2)
	require.Equal(t, domain.OrderStateFilled, orders[0].State)
	require.Equal(t, domain.OrderStateRejected, orders[1].State)

	for _, o := range orders {
		require.NoError(t, f.engine.CancelOrder(ctx, o.ID))
		got, err := f.engine.Order(o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.State, got.State)
		assert.False(t, got.CancelRequested)
	}

	assert.ErrorIs(t, f.engine.CancelOrder(ctx, "missing"), domain.ErrOrderNotFound)
}

func TestPartialFillThenCancel(t *testing.T) {
	cfg := broker.SimulatorConfig{Participation: decimal.RequireFromString("0.5")}
	f := newFixture(t, script(buyStep(10)), domain.RiskLimits{}, cfg, Options{})

	run(t, f.engine, ev("AAPL", 1, 100, 10))
	o := f.engine.Orders()[0]
	require.Equal(t, domain.OrderStatePartiallyFilled, o.State)
	require.True(t, o.FilledQty.Equal(dec(5)))

	require.NoError(t, f.engine.CancelOrder(context.Background(), o.ID))
	o, err := f.engine.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCancelled, o.State)
	assert.True(t, o.FilledQty.Equal(dec(5)))
	assert.True(t, f.ledger.Position("AAPL").Qty.Equal(dec(5)))
}

func TestOpenOrderSerializesSymbol(t *testing.T) {
	cfg := broker.SimulatorConfig{Participation: decimal.RequireFromString("0.1")}
	f := newFixture(t, script(buyStep(10), buyStep(10)), domain.RiskLimits{}, cfg, Options{})

	run(t, f.engine, ev("AAPL", 1, 100, 10), ev("AAPL", 2, 100, 10))

	orders := f.engine.Orders()
	require.Len(t, orders, 1, "second BUY skipped while the first is open")
	assert.True(t, orders[0].FilledQty.Equal(dec(2)))
	assert.Equal(t, 1, f.engine.Stats().Skipped)
}

func TestAllowOverlap(t *testing.T) {
	cfg := broker.SimulatorConfig{Participation: decimal.RequireFromString("0.1")}
	f := newFixture(t, script(buyStep(10), buyStep(10)), domain.RiskLimits{}, cfg, Options{AllowOverlap: true})

	run(t, f.engine, ev("AAPL", 1, 100, 10), ev("AAPL", 2, 100, 10))
	assert.Len(t, f.engine.Orders(), 2)
}

func TestDegradedDecisionHolds(t *testing.T) {
	model := decision.Func(func(context.Context, decision.Context) (domain.Action, error) {
		return domain.Action{}, errors.New("model offline")
	})
	f := newFixture(t, model, domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})

	run(t, f.engine, ev("AAPL", 1, 100, 10), ev("AAPL", 2, 101, 10))

	assert.Empty(t, f.engine.Orders())
	assert.Equal(t, 2, f.engine.Stats().Degraded)
	require.Len(t, f.journal.actions, 2, "degraded holds are journaled")
	assert.True(t, f.journal.actions[0].Degraded)
}

func TestModelSeesWindowAndPosition(t *testing.T) {
	var seen []decision.Context
	model := decision.Func(func(_ context.Context, dc decision.Context) (domain.Action, error) {
		seen = append(seen, dc)
		if len(seen) == 1 {
			return domain.Action{Kind: domain.ActionBuy, TargetSize: dec(3)}, nil
		}
		return domain.Action{Kind: domain.ActionHold}, nil
	})
	f := newFixture(t, model, domain.RiskLimits{}, broker.SimulatorConfig{}, Options{Window: 2})

	run(t, f.engine, ev("AAPL", 1, 100, 10), ev("AAPL", 2, 101, 10), ev("AAPL", 3, 102, 10))

	require.Len(t, seen, 3)
	assert.Len(t, seen[2].RecentEvents, 2)
	assert.Equal(t, uint64(3), seen[2].RecentEvents[1].Seq)
	assert.True(t, seen[2].Position.Qty.Equal(dec(3)))
	assert.Equal(t, t0.Add(3*time.Minute), seen[2].Now)
}

type windowedModel struct {
	decision.Func
	window int
}

func (m windowedModel) Window() int { return m.window }

func TestWindowedModelWidensContext(t *testing.T) {
	var got int
	model := windowedModel{
		Func: func(_ context.Context, dc decision.Context) (domain.Action, error) {
			got = len(dc.RecentEvents)
			return domain.Action{Kind: domain.ActionHold}, nil
		},
		window: 100,
	}
	f := newFixture(t, model, domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})
	assert.Equal(t, 100, f.engine.opts.Window)

	events := make([]domain.MarketEvent, 120)
	for i := range events {
		events[i] = ev("AAPL", uint64(i+1), 100, 10)
	}
	run(t, f.engine, events...)
	assert.Equal(t, 100, got)
}

// negativeFeeBroker reports every fill with a negative fee.
type negativeFeeBroker struct {
	*broker.SimulatorBroker
}

func (n negativeFeeBroker) QueryStatus(ctx context.Context, id string) (broker.StatusReport, error) {
	rep, err := n.SimulatorBroker.QueryStatus(ctx, id)
	for i := range rep.Fills {
		rep.Fills[i].Fee = dec(-1)
	}
	return rep, err
}

func TestUnbookableFillLeavesOrderAndLedgerAgreeing(t *testing.T) {
	l := ledger.New(dec(10000))
	e, err := NewEngine(Deps{
		Broker: negativeFeeBroker{broker.NewSimulatorBroker(broker.SimulatorConfig{InitialCash: dec(10000)})},
		Model:  script(buyStep(5)),
		Ledger: l,
	}, Options{Retry: fastRetry})
	require.NoError(t, err)

	run(t, e, ev("AAPL", 1, 100, 10))

	require.Len(t, e.Orders(), 1)
	assert.True(t, e.Orders()[0].FilledQty.IsZero())
	assert.True(t, l.Cash().Equal(dec(10000)))
	assert.Empty(t, l.Positions())
}

// stuckBroker refuses every cancel.
type stuckBroker struct {
	*broker.SimulatorBroker
}

func (s stuckBroker) Cancel(context.Context, string) (broker.CancelResult, error) {
	return "", domain.Reject("cancel window closed")
}

func TestShutdownReportsOrphans(t *testing.T) {
	sim := broker.NewSimulatorBroker(broker.SimulatorConfig{
		InitialCash:   dec(10000),
		Participation: decimal.RequireFromString("0.1"),
	})
	e, err := NewEngine(Deps{
		Broker: stuckBroker{sim},
		Model:  script(buyStep(10)),
		Ledger: ledger.New(dec(10000)),
	}, Options{Retry: fastRetry})
	require.NoError(t, err)

	run(t, e, ev("AAPL", 1, 100, 10))
	require.Equal(t, domain.OrderStatePartiallyFilled, e.Orders()[0].State)

	orphans := e.Shutdown(context.Background())
	require.Len(t, orphans, 1)
	assert.Equal(t, OrphanLeftOpen, orphans[0].Resolution)
	assert.Equal(t, domain.OrderStatePartiallyFilled, orphans[0].State)
	assert.True(t, e.Orders()[0].CancelRequested)
}

func TestShutdownCancelsOpenOrders(t *testing.T) {
	cfg := broker.SimulatorConfig{Participation: decimal.RequireFromString("0.1")}
	f := newFixture(t, script(buyStep(10)), domain.RiskLimits{}, cfg, Options{})

	run(t, f.engine, ev("AAPL", 1, 100, 10))

	orphans := f.engine.Shutdown(context.Background())
	assert.Empty(t, orphans)
	assert.Equal(t, domain.OrderStateCancelled, f.engine.Orders()[0].State)
	assert.Empty(t, f.engine.book.NonTerminal())
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimulatorBroker(broker.SimulatorConfig{InitialCash: dec(10000)})
	sim.Observe(ev("AAPL", 1, 100, 1000))

	decided := t0.Add(time.Minute)
	landed := domain.Order{
		ID: "ord-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: dec(4), Type: domain.OrderTypeMarket,
		State:          domain.OrderStatePendingSubmit,
		IdempotencyKey: order.IdempotencyKey("AAPL", decided, domain.SideBuy, dec(4)),
		DecisionTime:   decided,
	}
	_, err := sim.Submit(ctx, landed)
	require.NoError(t, err)

	lost := domain.Order{
		ID: "ord-2", Symbol: "AAPL", Side: domain.SideBuy, Qty: dec(2), Type: domain.OrderTypeMarket,
		State:          domain.OrderStatePendingSubmit,
		IdempotencyKey: order.IdempotencyKey("AAPL", decided.Add(time.Minute), domain.SideBuy, dec(2)),
	}
	unchecked := domain.Order{
		ID: "ord-3", Symbol: "AAPL", Side: domain.SideBuy, Qty: dec(1), Type: domain.OrderTypeMarket,
		State:          domain.OrderStatePendingRiskCheck,
		IdempotencyKey: "gtm-unchecked",
	}
	done := domain.Order{ID: "ord-0", Symbol: "AAPL", State: domain.OrderStateFilled, IdempotencyKey: "gtm-done"}

	l := ledger.New(dec(10000))
	e, err := NewEngine(Deps{Broker: sim, Model: script(), Ledger: l}, Options{Retry: fastRetry})
	require.NoError(t, err)

	require.NoError(t, e.Reconcile(ctx, []domain.Order{done, landed, lost, unchecked}))

	got, err := e.Order("ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateFilled, got.State)
	assert.True(t, l.Position("AAPL").Qty.Equal(dec(4)))

	got, _ = e.Order("ord-2")
	assert.Equal(t, domain.OrderStateCancelled, got.State)
	got, _ = e.Order("ord-3")
	assert.Equal(t, domain.OrderStateRejected, got.State)
	_, err = e.Order("ord-0")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound, "terminal orders are not restored")

	orphans := e.Orphans()
	require.Len(t, orphans, 3)
	assert.Equal(t, OrphanAdopted, orphans[0].Resolution)
	assert.Equal(t, OrphanCancelled, orphans[1].Resolution)
	assert.Equal(t, OrphanCancelled, orphans[2].Resolution)
}

func TestRunLiveProcessesSymbolsConcurrently(t *testing.T) {
	model := decision.Func(func(_ context.Context, dc decision.Context) (domain.Action, error) {
		if dc.Position.Qty.IsZero() {
			return domain.Action{Kind: domain.ActionBuy, TargetSize: dec(1)}, nil
		}
		return domain.Action{Kind: domain.ActionHold}, nil
	})
	sim := broker.NewSimulatorBroker(broker.SimulatorConfig{InitialCash: dec(100000)})
	l := ledger.New(dec(100000))
	e, err := NewEngine(Deps{Broker: sim, Model: model, Ledger: l}, Options{
		Retry:        fastRetry,
		SyncInterval: 5 * time.Millisecond,
		QueueSize:    100,
	})
	require.NoError(t, err)

	var events []domain.MarketEvent
	symbols := []string{"AAPL", "MSFT", "NVDA"}
	for seq := uint64(1); seq <= 5; seq++ {
		for _, sym := range symbols {
			events = append(events, ev(sym, seq, 100, 1000))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.RunLive(ctx, &sliceSource{events: events}))

	for _, sym := range symbols {
		assert.True(t, l.Position(sym).Qty.Equal(dec(1)), sym)
	}
	assert.Len(t, e.Orders(), 3)
	assert.Equal(t, 15, e.Stats().Events)
	assert.Empty(t, e.Shutdown(context.Background()))
}

func TestRunLiveStopsOnCancel(t *testing.T) {
	e, err := NewEngine(Deps{
		Broker: broker.NewSimulatorBroker(broker.SimulatorConfig{}),
		Model:  script(),
	}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	blocking := blockingSource{}
	done := make(chan error, 1)
	go func() { done <- e.RunLive(ctx, blocking) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunLive did not return after cancel")
	}
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (domain.MarketEvent, error) {
	<-ctx.Done()
	return domain.MarketEvent{}, ctx.Err()
}

func TestPortfolioView(t *testing.T) {
	f := newFixture(t, script(buyStep(10)), domain.RiskLimits{}, broker.SimulatorConfig{}, Options{})
	run(t, f.engine, ev("AAPL", 1, 100, 1000))
	require.NoError(t, f.engine.ProcessEvent(context.Background(), ev("AAPL", 2, 110, 1000)))

	p := f.engine.Portfolio()
	assert.True(t, p.Unrealized.Equal(dec(100)))
	assert.True(t, p.Equity.Equal(dec(10100)))
	assert.True(t, p.Prices["AAPL"].Equal(dec(110)))
	assert.Equal(t, t0.Add(2*time.Minute), p.At)
}

type failingJournal struct{ *memJournal }

func (j *failingJournal) SaveOrder(ctx context.Context, o domain.Order) error {
	_ = j.memJournal.SaveOrder(ctx, o)
	return errors.New("disk full")
}

func TestJournalsFanOut(t *testing.T) {
	a := &failingJournal{memJournal: newMemJournal()}
	b := newMemJournal()
	j := Journals(a, b)
	ctx := context.Background()

	err := j.SaveOrder(ctx, domain.Order{ID: "ord-1"})
	assert.EqualError(t, err, "disk full")
	require.NoError(t, j.AppendFill(ctx, domain.Fill{ID: "f-1"}))
	require.NoError(t, j.RecordAction(ctx, domain.Action{Symbol: "AAPL"}))

	assert.Contains(t, a.orders, "ord-1")
	assert.Contains(t, b.orders, "ord-1")
	assert.Len(t, b.fills, 1)
	assert.Len(t, a.actions, 1)
}
