// Package broker defines the brokerage capability contract and its
// implementations: a deterministic simulator for replay, an Alpaca adapter for
// live trading, and wrappers that add idempotency, throttling and
// live-versus-simulated divergence detection.
package broker

import (
	"context"

	"gotothemoon/internal/domain"
)

// Broker abstracts a trading venue. Implementations must tolerate Submit being
// called more than once with the same Order.IdempotencyKey without creating a
// second live order.
type Broker interface {
	// Name returns the adapter identifier (e.g. "alpaca", "simulator").
	Name() string

	// Capabilities describes supported order types, idempotency support and
	// rate limits.
	Capabilities() domain.Capabilities

	// Submit sends an order. Errors are either a *domain.RejectionError (the
	// venue refused it) or wrap domain.ErrAdapterTransient (outcome unknown,
	// safe to retry with the same key).
	Submit(ctx context.Context, order domain.Order) (SubmitAck, error)

	// Cancel asks the venue to cancel an order.
	Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error)

	// QueryStatus returns the venue state of an order and the fills reported
	// since the previous query for that order.
	QueryStatus(ctx context.Context, brokerOrderID string) (StatusReport, error)

	// QueryPositions returns the venue's view of open positions.
	QueryPositions(ctx context.Context) ([]domain.Position, error)

	// QueryBalance returns the venue's view of account cash.
	QueryBalance(ctx context.Context) (domain.Balance, error)
}

// KeyLookup is implemented by adapters that can find a venue order by the
// idempotency key it was submitted with.
type KeyLookup interface {
	LookupByKey(ctx context.Context, key string) (brokerOrderID string, found bool, err error)
}

// MarketObserver is implemented by adapters that price fills from the market
// events the orchestrator has already processed.
type MarketObserver interface {
	Observe(ev domain.MarketEvent)
}

// Resumer is implemented by adapters that keep per-order state (such as
// cumulative fill tracking) and must be primed with an order restored after a
// restart.
type Resumer interface {
	Resume(o domain.Order)
}

// SubmitAck is a venue acknowledgement.
type SubmitAck struct {
	BrokerOrderID string
	// Duplicate is set when the key had already been submitted and the
	// existing venue order was returned.
	Duplicate bool
}

// CancelResult is the outcome of a cancel request.
type CancelResult string

const (
	CancelAcked           CancelResult = "ack"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// StatusReport is the venue state of one order.
type StatusReport struct {
	BrokerOrderID string
	State         domain.OrderState
	Fills         []domain.Fill
	Reason        string
}

// LookupByKey resolves key through b when it supports KeyLookup.
func LookupByKey(ctx context.Context, b Broker, key string) (string, bool, error) {
	kl, ok := b.(KeyLookup)
	if !ok {
		return "", false, nil
	}
	return kl.LookupByKey(ctx, key)
}

// Resume primes b with a restored order when it supports Resumer.
func Resume(b Broker, o domain.Order) {
	if r, ok := b.(Resumer); ok {
		r.Resume(o)
	}
}
