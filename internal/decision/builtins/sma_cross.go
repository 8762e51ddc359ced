// Package builtins provides built-in decision models that ship with
// gotothemoon.
package builtins

import (
	"context"
	"fmt"
	"strconv"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"gotothemoon/internal/decision"
	"gotothemoon/internal/domain"
)

// Compile-time interface check.
var (
	_ decision.Port     = (*SMACross)(nil)
	_ decision.Windowed = (*SMACross)(nil)
)

// SMACross implements a simple moving average crossover model. It buys when
// the short-period SMA crosses above the long-period SMA and closes the whole
// position when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int

	// Exactly one of fixedSize or cashFraction is set.
	fixedSize    decimal.Decimal
	cashFraction decimal.Decimal
}

// NewSMACross creates a crossover model that buys a fixed number of shares.
func NewSMACross(short, long int, size decimal.Decimal) (*SMACross, error) {
	if short < 2 || long <= short {
		return nil, fmt.Errorf("sma-cross: need 2 <= short < long, got %d/%d", short, long)
	}
	return &SMACross{shortPeriod: short, longPeriod: long, fixedSize: size}, nil
}

// NewSMACrossPercent creates a crossover model that spends fraction of free
// cash on each entry, rounded down to whole shares.
func NewSMACrossPercent(short, long int, fraction decimal.Decimal) (*SMACross, error) {
	s, err := NewSMACross(short, long, decimal.Zero)
	if err != nil {
		return nil, err
	}
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("sma-cross: cash fraction %s outside (0, 1]", fraction)
	}
	s.cashFraction = fraction
	return s, nil
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Window is the number of events the model needs to detect a crossover.
func (s *SMACross) Window() int {
	return s.longPeriod + 1
}

// Decide holds until a crossover happens on the latest event.
func (s *SMACross) Decide(_ context.Context, dc decision.Context) (domain.Action, error) {
	if len(dc.RecentEvents) < s.Window() {
		return domain.Hold(dc.Symbol, dc.Now), nil
	}

	closes := make([]float64, len(dc.RecentEvents))
	for i, ev := range dc.RecentEvents {
		closes[i], _ = ev.Price.Float64()
	}
	short := talib.Sma(closes, s.shortPeriod)
	long := talib.Sma(closes, s.longPeriod)

	n := len(closes) - 1
	prev := sign(short[n-1] - long[n-1])
	curr := sign(short[n] - long[n])

	switch {
	case prev < 0 && curr > 0:
		size := s.entrySize(dc)
		if !size.IsPositive() {
			return domain.Hold(dc.Symbol, dc.Now), nil
		}
		return domain.Action{
			Symbol:     dc.Symbol,
			Kind:       domain.ActionBuy,
			TargetSize: size,
			Confidence: 1,
			Reason:     fmt.Sprintf("sma(%d) crossed above sma(%d)", s.shortPeriod, s.longPeriod),
		}, nil
	case prev > 0 && curr < 0 && dc.Position.Qty.IsPositive():
		return domain.Action{
			Symbol:     dc.Symbol,
			Kind:       domain.ActionSell,
			TargetSize: dc.Position.Qty,
			Confidence: 1,
			Reason:     fmt.Sprintf("sma(%d) crossed below sma(%d)", s.shortPeriod, s.longPeriod),
		}, nil
	}
	return domain.Hold(dc.Symbol, dc.Now), nil
}

func (s *SMACross) entrySize(dc decision.Context) decimal.Decimal {
	if s.cashFraction.IsZero() {
		return s.fixedSize
	}
	ev, _ := dc.Latest()
	if !ev.Price.IsPositive() || !dc.Cash.IsPositive() {
		return decimal.Zero
	}
	return dc.Cash.Mul(s.cashFraction).Div(ev.Price).Floor()
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// Register adds the built-in models to r. Parameters are strings so they can
// come straight from configuration:
//
//	short, long   SMA periods (default 10 and 30)
//	size          fixed shares per entry (default 1)
//	cash_fraction fraction of free cash per entry, overrides size
func Register(r *decision.Registry) {
	r.Register("sma-cross", func(params map[string]string) (decision.Port, error) {
		short, err := intParam(params, "short", 10)
		if err != nil {
			return nil, err
		}
		long, err := intParam(params, "long", 30)
		if err != nil {
			return nil, err
		}
		if v, ok := params["cash_fraction"]; ok {
			frac, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("sma-cross: cash_fraction: %w", err)
			}
			return NewSMACrossPercent(short, long, frac)
		}
		size := decimal.NewFromInt(1)
		if v, ok := params["size"]; ok {
			if size, err = decimal.NewFromString(v); err != nil {
				return nil, fmt.Errorf("sma-cross: size: %w", err)
			}
		}
		return NewSMACross(short, long, size)
	})
	r.Register("hold", func(map[string]string) (decision.Port, error) {
		return decision.Func(func(_ context.Context, dc decision.Context) (domain.Action, error) {
			return domain.Hold(dc.Symbol, dc.Now), nil
		}), nil
	})
}

func intParam(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("sma-cross: %s: %w", key, err)
	}
	return n, nil
}
