package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
)

// Limit names reported in domain.RiskError.
const (
	LimitMaxPosition      = "max_position_per_symbol"
	LimitMaxOrderNotional = "max_order_notional"
	LimitMaxDailyLoss     = "max_daily_loss"
	LimitOrderType        = "order_type"
	LimitShort            = "short_selling"
)

// RiskState is the portfolio view a risk check is evaluated against.
type RiskState struct {
	Position        decimal.Decimal // signed shares held
	PendingExposure decimal.Decimal // signed unfilled shares of other open orders
	RefPrice        decimal.Decimal // limit price, or last observed price
	DailyPnL        decimal.Decimal // realized today plus unrealized
}

// RiskManager enforces pre-trade limits. Every check runs before an order
// can reach an adapter.
type RiskManager struct {
	limits domain.RiskLimits
	caps   domain.Capabilities
}

// NewRiskManager creates a RiskManager for the given limits and the target
// adapter's capabilities. Zero limits are disabled.
func NewRiskManager(limits domain.RiskLimits, caps domain.Capabilities) *RiskManager {
	return &RiskManager{limits: limits, caps: caps}
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() domain.RiskLimits {
	return rm.limits
}

// CheckOrder returns a *domain.RiskError naming the first limit o would
// breach, or nil.
func (rm *RiskManager) CheckOrder(o domain.Order, st RiskState) error {
	if !rm.caps.Supports(o.Type) {
		return &domain.RiskError{Limit: LimitOrderType, Reason: fmt.Sprintf("adapter does not support %s orders", o.Type)}
	}

	signed := o.Side.Sign().Mul(o.Qty)
	current := st.Position.Add(st.PendingExposure)
	after := current.Add(signed)

	if !rm.caps.AllowShort && after.IsNegative() {
		return &domain.RiskError{
			Limit:  LimitShort,
			Reason: fmt.Sprintf("%s %s %s would leave %s short", o.Side, o.Qty, o.Symbol, after.Neg()),
		}
	}

	if max := rm.limits.MaxPositionPerSymbol; max.IsPositive() && after.Abs().GreaterThan(max) {
		return &domain.RiskError{
			Limit:  LimitMaxPosition,
			Reason: fmt.Sprintf("%s position would be %s, limit %s", o.Symbol, after, max),
		}
	}

	if max := rm.limits.MaxOrderNotional; max.IsPositive() {
		if !st.RefPrice.IsPositive() {
			return &domain.RiskError{Limit: LimitMaxOrderNotional, Reason: fmt.Sprintf("no reference price for %s", o.Symbol)}
		}
		notional := o.Qty.Mul(st.RefPrice)
		if notional.GreaterThan(max) {
			return &domain.RiskError{
				Limit:  LimitMaxOrderNotional,
				Reason: fmt.Sprintf("notional %s exceeds %s", notional.StringFixed(2), max.StringFixed(2)),
			}
		}
	}

	// Once the day's loss reaches the limit only risk-reducing orders pass.
	if max := rm.limits.MaxDailyLoss; max.IsPositive() && st.DailyPnL.LessThanOrEqual(max.Neg()) {
		if after.Abs().GreaterThan(current.Abs()) || after.Sign()*current.Sign() < 0 {
			return &domain.RiskError{
				Limit:  LimitMaxDailyLoss,
				Reason: fmt.Sprintf("daily pnl %s at or below -%s", st.DailyPnL.StringFixed(2), max.StringFixed(2)),
			}
		}
	}
	return nil
}
