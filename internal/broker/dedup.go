package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gotothemoon/internal/domain"
)

// ErrOutcomeUnknown is returned when a key's earlier submission ended
// ambiguously and the retry window has not yet elapsed.
var ErrOutcomeUnknown = errors.New("previous submission outcome unknown")

var (
	_ Broker    = (*Deduper)(nil)
	_ KeyLookup = (*Deduper)(nil)
)

type keyEntry struct {
	brokerID string // empty while the outcome is unknown
	at       time.Time
}

// Deduper gives venues without native client order ids idempotent Submit
// semantics through a local cache of submitted keys. A key whose previous
// attempt failed ambiguously is refused (as a transient error) until window
// has elapsed, so a lost acknowledgement never turns into a second order.
type Deduper struct {
	Broker

	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]keyEntry
}

// NewDeduper wraps inner. now defaults to time.Now.
func NewDeduper(inner Broker, window time.Duration, now func() time.Time) *Deduper {
	if now == nil {
		now = time.Now
	}
	return &Deduper{Broker: inner, window: window, now: now, keys: make(map[string]keyEntry)}
}

// Capabilities reports native-style key deduplication.
func (d *Deduper) Capabilities() domain.Capabilities {
	c := d.Broker.Capabilities()
	c.ClientOrderID = true
	return c
}

// Submit forwards the first submission of a key and answers repeats from the
// cache.
func (d *Deduper) Submit(ctx context.Context, o domain.Order) (SubmitAck, error) {
	key := o.IdempotencyKey
	now := d.now()

	d.mu.Lock()
	d.expireLocked(now)
	if e, ok := d.keys[key]; ok {
		d.mu.Unlock()
		if e.brokerID != "" {
			return SubmitAck{BrokerOrderID: e.brokerID, Duplicate: true}, nil
		}
		return SubmitAck{}, domain.Transient(fmt.Errorf("key %s: %w", key, ErrOutcomeUnknown))
	}
	d.keys[key] = keyEntry{at: now}
	d.mu.Unlock()

	ack, err := d.Broker.Submit(ctx, o)

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case err == nil:
		d.keys[key] = keyEntry{brokerID: ack.BrokerOrderID, at: now}
	case domain.IsRejection(err):
		// nothing reached the book; a new decision may reuse the key
		delete(d.keys, key)
	}
	return ack, err
}

// LookupByKey answers from the cache, then from the inner adapter.
func (d *Deduper) LookupByKey(ctx context.Context, key string) (string, bool, error) {
	d.mu.Lock()
	e, ok := d.keys[key]
	d.mu.Unlock()
	if ok && e.brokerID != "" {
		return e.brokerID, true, nil
	}
	return LookupByKey(ctx, d.Broker, key)
}

// Observe forwards market events to the inner adapter.
func (d *Deduper) Observe(ev domain.MarketEvent) {
	if mo, ok := d.Broker.(MarketObserver); ok {
		mo.Observe(ev)
	}
}

// Resume records o's key as submitted and forwards to the inner adapter.
func (d *Deduper) Resume(o domain.Order) {
	if o.BrokerOrderID != "" && o.IdempotencyKey != "" {
		d.mu.Lock()
		d.keys[o.IdempotencyKey] = keyEntry{brokerID: o.BrokerOrderID, at: d.now()}
		d.mu.Unlock()
	}
	Resume(d.Broker, o)
}

func (d *Deduper) expireLocked(now time.Time) {
	if d.window <= 0 {
		return
	}
	for k, e := range d.keys {
		if now.Sub(e.at) > d.window {
			delete(d.keys, k)
		}
	}
}
