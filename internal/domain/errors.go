package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of the execution core.
var (
	// ErrDecisionUnavailable marks a model failure; the caller holds.
	ErrDecisionUnavailable = errors.New("decision unavailable")
	// ErrRiskLimitBreach marks an order rejected before submission.
	ErrRiskLimitBreach = errors.New("risk limit breach")
	// ErrAdapterTransient marks a network or timeout failure that may be retried.
	ErrAdapterTransient = errors.New("adapter transient error")
	// ErrAdapterRejection marks a venue-level rejection. Never retried.
	ErrAdapterRejection = errors.New("adapter rejection")
	// ErrOrphanedOrder marks an order left non-terminal across a restart or shutdown.
	ErrOrphanedOrder = errors.New("orphaned order")
	// ErrDivergence marks simulated and live adapters disagreeing on the same input.
	ErrDivergence = errors.New("backtest/live divergence")

	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrOverfill          = errors.New("fill exceeds remaining quantity")
	ErrOrderNotFound     = errors.New("order not found")
	ErrRetriesExhausted  = errors.New("retries exhausted")
)

// RejectionError is returned by adapters when the venue refuses an order.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAdapterRejection, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrAdapterRejection }

// Reject builds a RejectionError.
func Reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// RiskError names the limit an order would breach.
type RiskError struct {
	Limit  string
	Reason string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrRiskLimitBreach, e.Limit, e.Reason)
}

func (e *RiskError) Unwrap() error { return ErrRiskLimitBreach }

// Transient wraps err as a retryable adapter failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAdapterTransient, err)
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAdapterTransient)
}

// IsRejection reports whether err is a venue rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAdapterRejection)
}
