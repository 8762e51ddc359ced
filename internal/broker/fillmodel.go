package broker

import (
	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
)

var bpsDivisor = decimal.NewFromInt(10000)

// FillModel prices simulated executions.
type FillModel interface {
	// FillPrice returns the execution price for side against ev.
	FillPrice(side domain.Side, ev domain.MarketEvent) decimal.Decimal
	// Fee returns the commission for qty shares at price.
	Fee(qty, price decimal.Decimal) decimal.Decimal
}

// CostModel is a linear slippage and fee model. The zero value fills at the
// quoted price with no fees.
type CostModel struct {
	SlippageBps decimal.Decimal // adverse price move applied to every fill
	FeePerShare decimal.Decimal
	FeeBps      decimal.Decimal // fee as basis points of notional
	MinFee      decimal.Decimal // floor per fill, ignored when zero
}

var _ FillModel = CostModel{}

// FillPrice starts from the ask (buys) or bid (sells) when quoted, otherwise
// the event price, and moves it against the trader by SlippageBps.
func (m CostModel) FillPrice(side domain.Side, ev domain.MarketEvent) decimal.Decimal {
	ref := ev.Price
	if side == domain.SideBuy && ev.Ask.IsPositive() {
		ref = ev.Ask
	}
	if side == domain.SideSell && ev.Bid.IsPositive() {
		ref = ev.Bid
	}
	if m.SlippageBps.IsZero() {
		return ref
	}
	adj := ref.Mul(m.SlippageBps).Div(bpsDivisor)
	if side == domain.SideBuy {
		return ref.Add(adj)
	}
	return ref.Sub(adj)
}

// Fee returns per-share plus notional fees, floored at MinFee.
func (m CostModel) Fee(qty, price decimal.Decimal) decimal.Decimal {
	fee := qty.Mul(m.FeePerShare).Add(qty.Mul(price).Mul(m.FeeBps).Div(bpsDivisor))
	if m.MinFee.IsPositive() && fee.LessThan(m.MinFee) {
		return m.MinFee
	}
	return fee
}
