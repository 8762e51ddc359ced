package decision

import (
	"context"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
)

// Step is one scripted decision.
type Step struct {
	Kind domain.ActionKind
	Size int64
}

// Scripted replays a fixed per-symbol list of decisions, one per event, and
// holds once the list is exhausted. It is used to replay recorded decisions
// and in tests.
type Scripted struct {
	steps map[string][]Step
	next  map[string]int
}

// NewScripted creates a scripted model.
func NewScripted(steps map[string][]Step) *Scripted {
	return &Scripted{steps: steps, next: make(map[string]int)}
}

// Decide returns the next scripted step for the symbol.
func (s *Scripted) Decide(_ context.Context, dc Context) (domain.Action, error) {
	i := s.next[dc.Symbol]
	s.next[dc.Symbol] = i + 1
	steps := s.steps[dc.Symbol]
	if i >= len(steps) {
		return domain.Hold(dc.Symbol, dc.Now), nil
	}
	st := steps[i]
	return domain.Action{
		Symbol:     dc.Symbol,
		Kind:       st.Kind,
		TargetSize: decimal.NewFromInt(st.Size),
		Confidence: 1,
	}, nil
}

// Reset rewinds every symbol to its first step.
func (s *Scripted) Reset() {
	s.next = make(map[string]int)
}
