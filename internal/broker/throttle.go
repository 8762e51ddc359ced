package broker

import (
	"context"

	"golang.org/x/time/rate"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

var _ Broker = (*Throttled)(nil)

// Throttled holds venue calls to the adapter's advertised rate limit.
type Throttled struct {
	Broker
	limiter *rate.Limiter
}

// NewThrottled wraps inner with a limiter derived from its capabilities.
func NewThrottled(inner Broker) *Throttled {
	c := inner.Capabilities()
	return &Throttled{Broker: inner, limiter: util.NewRateLimiter(c.RateLimit, c.Burst)}
}

func (t *Throttled) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return domain.Transient(err)
	}
	return nil
}

// Submit waits for a token, then submits.
func (t *Throttled) Submit(ctx context.Context, o domain.Order) (SubmitAck, error) {
	if err := t.wait(ctx); err != nil {
		return SubmitAck{}, err
	}
	return t.Broker.Submit(ctx, o)
}

// Cancel waits for a token, then cancels.
func (t *Throttled) Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error) {
	if err := t.wait(ctx); err != nil {
		return "", err
	}
	return t.Broker.Cancel(ctx, brokerOrderID)
}

// QueryStatus waits for a token, then queries.
func (t *Throttled) QueryStatus(ctx context.Context, brokerOrderID string) (StatusReport, error) {
	if err := t.wait(ctx); err != nil {
		return StatusReport{}, err
	}
	return t.Broker.QueryStatus(ctx, brokerOrderID)
}

// LookupByKey forwards to the inner adapter.
func (t *Throttled) LookupByKey(ctx context.Context, key string) (string, bool, error) {
	if err := t.wait(ctx); err != nil {
		return "", false, err
	}
	return LookupByKey(ctx, t.Broker, key)
}

// Observe forwards market events to the inner adapter.
func (t *Throttled) Observe(ev domain.MarketEvent) {
	if mo, ok := t.Broker.(MarketObserver); ok {
		mo.Observe(ev)
	}
}

// Resume forwards to the inner adapter.
func (t *Throttled) Resume(o domain.Order) {
	Resume(t.Broker, o)
}
