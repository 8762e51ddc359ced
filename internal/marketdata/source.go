// Package marketdata supplies ordered, timestamped market events to the
// execution engine from recorded stores (Parquet, CSV, in-memory) or live
// feeds (Alpaca latest-bar polling, a websocket relay).
package marketdata

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"gotothemoon/internal/domain"
)

// Source yields market events in order and io.EOF once exhausted. Live
// sources block until an event arrives or ctx is done.
type Source interface {
	Next(ctx context.Context) (domain.MarketEvent, error)
}

// Replayable is a finite source that can be rewound to its first event.
type Replayable interface {
	Source
	Reset()
	Len() int
}

// SliceSource replays a fixed, validated slice of events.
type SliceSource struct {
	events []domain.MarketEvent
	pos    int
}

// NewSliceSource orders events by timestamp (ties keep their input order),
// assigns sequence numbers to events that have none and validates the
// result.
func NewSliceSource(events []domain.MarketEvent) (*SliceSource, error) {
	out := make([]domain.MarketEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	seq := newSequencer()
	for i := range out {
		if out[i].Symbol == "" {
			return nil, fmt.Errorf("event %d has no symbol", i)
		}
		if out[i].Seq == 0 {
			ev, ok := seq.assign(out[i])
			if !ok {
				return nil, fmt.Errorf("event %d for %s goes back in time", i, out[i].Symbol)
			}
			out[i] = ev
		} else {
			seq.observe(out[i])
		}
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return &SliceSource{events: out}, nil
}

// Next returns the next event or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (domain.MarketEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketEvent{}, err
	}
	if s.pos >= len(s.events) {
		return domain.MarketEvent{}, io.EOF
	}
	s.pos++
	return s.events[s.pos-1], nil
}

// Reset rewinds the source.
func (s *SliceSource) Reset() { s.pos = 0 }

// Len returns the number of events.
func (s *SliceSource) Len() int { return len(s.events) }

// Events returns a copy of the events in replay order.
func (s *SliceSource) Events() []domain.MarketEvent {
	out := make([]domain.MarketEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Validate checks the ordering guarantees of an event sequence: sequence
// numbers strictly increase per symbol, timestamps never decrease per symbol
// and the whole sequence is in timestamp order.
func Validate(events []domain.MarketEvent) error {
	type last struct {
		seq uint64
		ts  time.Time
	}
	seen := make(map[string]last)
	for i, ev := range events {
		if i > 0 && ev.Timestamp.Before(events[i-1].Timestamp) {
			return fmt.Errorf("event %d (%s) is earlier than event %d", i, ev.Symbol, i-1)
		}
		if !ev.Price.IsPositive() {
			return fmt.Errorf("event %d (%s) has non-positive price %s", i, ev.Symbol, ev.Price)
		}
		if l, ok := seen[ev.Symbol]; ok {
			if ev.Seq <= l.seq {
				return fmt.Errorf("event %d (%s) seq %d not after %d", i, ev.Symbol, ev.Seq, l.seq)
			}
			if ev.Timestamp.Before(l.ts) {
				return fmt.Errorf("event %d (%s) timestamp goes backwards", i, ev.Symbol)
			}
		}
		seen[ev.Symbol] = last{seq: ev.Seq, ts: ev.Timestamp}
	}
	return nil
}

// FromBars converts bars of several symbols into one event sequence ordered
// by timestamp, ties broken by symbol so the order is reproducible.
func FromBars(bars []domain.Bar) ([]domain.MarketEvent, error) {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	seq := newSequencer()
	events := make([]domain.MarketEvent, 0, len(sorted))
	for _, b := range sorted {
		if b.Close <= 0 {
			continue
		}
		ev, ok := seq.assign(domain.EventFromBar(b))
		if !ok {
			return nil, fmt.Errorf("bar for %s at %s is out of order", b.Symbol, b.Timestamp)
		}
		events = append(events, ev)
	}
	return events, nil
}

// sequencer numbers events per symbol and refuses timestamps that move
// backwards. Not safe for concurrent use.
type sequencer struct {
	seq map[string]uint64
	ts  map[string]time.Time
}

func newSequencer() *sequencer {
	return &sequencer{seq: make(map[string]uint64), ts: make(map[string]time.Time)}
}

func (s *sequencer) assign(ev domain.MarketEvent) (domain.MarketEvent, bool) {
	if last, ok := s.ts[ev.Symbol]; ok && ev.Timestamp.Before(last) {
		return ev, false
	}
	s.seq[ev.Symbol]++
	ev.Seq = s.seq[ev.Symbol]
	s.ts[ev.Symbol] = ev.Timestamp
	return ev, true
}

func (s *sequencer) observe(ev domain.MarketEvent) {
	if ev.Seq > s.seq[ev.Symbol] {
		s.seq[ev.Symbol] = ev.Seq
	}
	s.ts[ev.Symbol] = ev.Timestamp
}
