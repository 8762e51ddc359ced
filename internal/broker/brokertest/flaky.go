// Package brokertest provides fault-injecting adapters for exercising retry,
// idempotency and reconciliation paths.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"gotothemoon/internal/broker"
	"gotothemoon/internal/domain"
)

// ErrInjected is the cause carried by every injected failure.
var ErrInjected = errors.New("injected network failure")

// Flaky wraps an adapter and injects transient failures. The counters are
// consumed one per call.
type Flaky struct {
	broker.Broker

	mu sync.Mutex
	// LostAcks submissions reach the venue but the caller sees a timeout.
	LostAcks int
	// DroppedSubmits submissions fail before reaching the venue.
	DroppedSubmits int
	// StatusFailures status queries fail.
	StatusFailures int

	SubmitCalls int
	StatusCalls int
	LookupCalls int
}

// New wraps inner.
func New(inner broker.Broker) *Flaky {
	return &Flaky{Broker: inner}
}

func (f *Flaky) take(counter *int) bool {
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

// Submit applies injected faults, then forwards.
func (f *Flaky) Submit(ctx context.Context, o domain.Order) (broker.SubmitAck, error) {
	f.mu.Lock()
	f.SubmitCalls++
	drop := f.take(&f.DroppedSubmits)
	lose := !drop && f.take(&f.LostAcks)
	f.mu.Unlock()

	if drop {
		return broker.SubmitAck{}, domain.Transient(ErrInjected)
	}
	ack, err := f.Broker.Submit(ctx, o)
	if lose && err == nil {
		return broker.SubmitAck{}, domain.Transient(ErrInjected)
	}
	return ack, err
}

// QueryStatus applies injected faults, then forwards.
func (f *Flaky) QueryStatus(ctx context.Context, brokerOrderID string) (broker.StatusReport, error) {
	f.mu.Lock()
	f.StatusCalls++
	fail := f.take(&f.StatusFailures)
	f.mu.Unlock()
	if fail {
		return broker.StatusReport{}, domain.Transient(ErrInjected)
	}
	return f.Broker.QueryStatus(ctx, brokerOrderID)
}

// LookupByKey forwards to the inner adapter.
func (f *Flaky) LookupByKey(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	f.LookupCalls++
	f.mu.Unlock()
	return broker.LookupByKey(ctx, f.Broker, key)
}

// Observe forwards market events to the inner adapter.
func (f *Flaky) Observe(ev domain.MarketEvent) {
	if mo, ok := f.Broker.(broker.MarketObserver); ok {
		mo.Observe(ev)
	}
}

// Calls returns the submit, status and lookup call counts.
func (f *Flaky) Calls() (submit, status, lookup int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SubmitCalls, f.StatusCalls, f.LookupCalls
}
