package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
)

var (
	_ Broker         = (*Shadow)(nil)
	_ MarketObserver = (*Shadow)(nil)
)

// Divergence describes a live and a simulated adapter disagreeing about the
// same order.
type Divergence struct {
	OrderID   string
	Symbol    string
	Stage     string // "submit" or "final"
	Live      string
	Simulated string
}

func (d Divergence) Error() string {
	return fmt.Sprintf("%s: order %s (%s) at %s: live=%s simulated=%s",
		domain.ErrDivergence, d.OrderID, d.Symbol, d.Stage, d.Live, d.Simulated)
}

func (d Divergence) Unwrap() error { return domain.ErrDivergence }

type shadowPair struct {
	order      domain.Order
	simID      string
	liveFilled decimal.Decimal
	simFilled  decimal.Decimal
	simState   domain.OrderState
	done       bool
}

// Shadow runs a simulator alongside a live adapter. Every order and market
// event goes to both; the live result is returned and any disagreement is
// reported to the alert callback. Divergence is never corrected silently.
type Shadow struct {
	Broker
	sim   *SimulatorBroker
	alert func(Divergence)

	mu    sync.Mutex
	pairs map[string]*shadowPair // live broker order id -> pair
}

// NewShadow wraps live with a shadow simulator. alert must be safe for
// concurrent use.
func NewShadow(live Broker, sim *SimulatorBroker, alert func(Divergence)) *Shadow {
	if alert == nil {
		alert = func(Divergence) {}
	}
	return &Shadow{Broker: live, sim: sim, alert: alert, pairs: make(map[string]*shadowPair)}
}

// Observe feeds both adapters.
func (s *Shadow) Observe(ev domain.MarketEvent) {
	s.sim.Observe(ev)
	if mo, ok := s.Broker.(MarketObserver); ok {
		mo.Observe(ev)
	}
}

// Submit submits to the live adapter and mirrors definitive outcomes into the
// simulator.
func (s *Shadow) Submit(ctx context.Context, o domain.Order) (SubmitAck, error) {
	ack, err := s.Broker.Submit(ctx, o)
	if domain.IsTransient(err) {
		return ack, err
	}

	simAck, simErr := s.sim.Submit(ctx, o)
	if (err == nil) != (simErr == nil) {
		s.alert(Divergence{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Stage:     "submit",
			Live:      outcome(err),
			Simulated: outcome(simErr),
		})
	}
	if err == nil && simErr == nil {
		s.mu.Lock()
		if _, ok := s.pairs[ack.BrokerOrderID]; !ok {
			s.pairs[ack.BrokerOrderID] = &shadowPair{order: o, simID: simAck.BrokerOrderID}
		}
		s.mu.Unlock()
	}
	return ack, err
}

// Cancel cancels on both adapters.
func (s *Shadow) Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error) {
	res, err := s.Broker.Cancel(ctx, brokerOrderID)
	if err == nil {
		s.mu.Lock()
		p, ok := s.pairs[brokerOrderID]
		s.mu.Unlock()
		if ok {
			_, _ = s.sim.Cancel(ctx, p.simID)
		}
	}
	return res, err
}

// QueryStatus returns the live status. Once the live order is terminal its
// final state and filled quantity are compared with the simulator's.
func (s *Shadow) QueryStatus(ctx context.Context, brokerOrderID string) (StatusReport, error) {
	rep, err := s.Broker.QueryStatus(ctx, brokerOrderID)
	if err != nil {
		return rep, err
	}

	s.mu.Lock()
	p, ok := s.pairs[brokerOrderID]
	s.mu.Unlock()
	if !ok {
		return rep, nil
	}

	simRep, simErr := s.sim.QueryStatus(ctx, p.simID)

	s.mu.Lock()
	for _, f := range rep.Fills {
		p.liveFilled = p.liveFilled.Add(f.Qty)
	}
	if simErr == nil {
		for _, f := range simRep.Fills {
			p.simFilled = p.simFilled.Add(f.Qty)
		}
		p.simState = simRep.State
	}
	var div *Divergence
	if rep.State.Terminal() && !p.done {
		p.done = true
		if p.simState != rep.State || !p.simFilled.Equal(p.liveFilled) {
			div = &Divergence{
				OrderID:   p.order.ID,
				Symbol:    p.order.Symbol,
				Stage:     "final",
				Live:      fmt.Sprintf("%s filled=%s", rep.State, p.liveFilled),
				Simulated: fmt.Sprintf("%s filled=%s", p.simState, p.simFilled),
			}
		}
	}
	s.mu.Unlock()

	if div != nil {
		s.alert(*div)
	}
	return rep, nil
}

// LookupByKey forwards to the live adapter.
func (s *Shadow) LookupByKey(ctx context.Context, key string) (string, bool, error) {
	return LookupByKey(ctx, s.Broker, key)
}

// Resume forwards to the live adapter. The simulator never saw the order, so
// it is not paired.
func (s *Shadow) Resume(o domain.Order) {
	Resume(s.Broker, o)
}

func outcome(err error) string {
	if err == nil {
		return "accepted"
	}
	return "rejected: " + err.Error()
}
