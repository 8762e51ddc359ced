// Package order implements the order lifecycle state machine: creation from
// an Action, idempotency keys, monotonic state transitions and fill
// accounting.
package order

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
)

var transitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderStatePendingRiskCheck: {
		domain.OrderStatePendingSubmit,
		domain.OrderStateRejected,
	},
	domain.OrderStatePendingSubmit: {
		domain.OrderStateSubmitted,
		domain.OrderStateRejected,
		domain.OrderStateCancelled,
	},
	domain.OrderStateSubmitted: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateRejected,
		domain.OrderStateCancelled,
	},
	domain.OrderStatePartiallyFilled: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateCancelled,
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to domain.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a cancel request can still change the order.
func Cancellable(s domain.OrderState) bool {
	return CanTransition(s, domain.OrderStateCancelled)
}

// IdempotencyKey derives the deterministic venue-facing key for an order from
// the decision that produced it. The result fits the 48 character client
// order id limit common to US equity venues.
func IdempotencyKey(symbol string, decisionTime time.Time, side domain.Side, qty decimal.Decimal) string {
	raw := strings.Join([]string{
		strings.ToUpper(symbol),
		decisionTime.UTC().Format(time.RFC3339Nano),
		string(side),
		qty.String(),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return "gtm-" + hex.EncodeToString(sum[:])[:40]
}

// IDGenerator produces order ids.
type IDGenerator func() string

// SequentialIDs returns a deterministic generator yielding prefix-000001,
// prefix-000002, ... It is used by replays that must produce identical
// reports run after run.
func SequentialIDs(prefix string) IDGenerator {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("%s-%06d", prefix, n)
	}
}
