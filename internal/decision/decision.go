// Package decision defines the Decision Port: the single synchronous contract
// through which the execution core consumes an external predictive model,
// plus the fail-safe guard that turns model failures into HOLD.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

// Context is everything a model may see when deciding for one symbol.
type Context struct {
	Symbol       string
	RecentEvents []domain.MarketEvent // oldest first, latest last
	Position     domain.Position
	Cash         decimal.Decimal
	Now          time.Time // timestamp of the triggering event
}

// Latest returns the triggering event.
func (c Context) Latest() (domain.MarketEvent, bool) {
	if len(c.RecentEvents) == 0 {
		return domain.MarketEvent{}, false
	}
	return c.RecentEvents[len(c.RecentEvents)-1], true
}

// Port is implemented by every model adapter. In backtests the same Context
// must always yield the same Action.
type Port interface {
	Decide(ctx context.Context, dc Context) (domain.Action, error)
}

// Windowed is implemented by models that need a minimum number of recent
// events per decision. The orchestrator widens its context window to fit.
type Windowed interface {
	Window() int
}

// Func adapts a plain function to Port.
type Func func(ctx context.Context, dc Context) (domain.Action, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, dc Context) (domain.Action, error) {
	return f(ctx, dc)
}

// Guard makes any Port fail safe: errors, panics, malformed actions and
// timeouts all become a degraded HOLD. A zero Timeout calls the model inline,
// which keeps replays free of wall-clock effects.
type Guard struct {
	model   Port
	timeout time.Duration
	log     *zap.Logger
}

// NewGuard wraps model.
func NewGuard(model Port, timeout time.Duration, log *zap.Logger) *Guard {
	return &Guard{model: model, timeout: timeout, log: util.OrNop(log).With(zap.String("component", "decision"))}
}

// Decide never returns an error.
func (g *Guard) Decide(ctx context.Context, dc Context) (domain.Action, error) {
	a, err := g.call(ctx, dc)
	if err == nil {
		err = validate(a, dc)
	}
	if err != nil {
		g.log.Warn("decision unavailable, holding",
			zap.String("symbol", dc.Symbol),
			zap.Time("at", dc.Now),
			zap.Error(err))
		return domain.Action{
			Symbol:       dc.Symbol,
			Kind:         domain.ActionHold,
			DecisionTime: dc.Now,
			Degraded:     true,
			Reason:       err.Error(),
		}, nil
	}
	a.Symbol = dc.Symbol
	a.DecisionTime = dc.Now
	if a.Kind == "" {
		a.Kind = domain.ActionHold
	}
	return a, nil
}

func (g *Guard) call(ctx context.Context, dc Context) (domain.Action, error) {
	if g.timeout <= 0 {
		return g.safeDecide(ctx, dc)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		a   domain.Action
		err error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := g.safeDecide(ctx, dc)
		ch <- result{a, err}
	}()
	select {
	case r := <-ch:
		return r.a, r.err
	case <-ctx.Done():
		return domain.Action{}, fmt.Errorf("%w: %w", domain.ErrDecisionUnavailable, ctx.Err())
	}
}

func (g *Guard) safeDecide(ctx context.Context, dc Context) (a domain.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: model panic: %v", domain.ErrDecisionUnavailable, r)
		}
	}()
	a, err = g.model.Decide(ctx, dc)
	if err != nil && !errors.Is(err, domain.ErrDecisionUnavailable) {
		err = fmt.Errorf("%w: %w", domain.ErrDecisionUnavailable, err)
	}
	return a, err
}

func validate(a domain.Action, dc Context) error {
	if a.Symbol != "" && a.Symbol != dc.Symbol {
		return fmt.Errorf("%w: action for %s returned while deciding %s", domain.ErrDecisionUnavailable, a.Symbol, dc.Symbol)
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDecisionUnavailable, err)
	}
	return nil
}
