package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotothemoon/internal/domain"
)

var marketOnly = domain.Capabilities{OrderTypes: []domain.OrderType{domain.OrderTypeMarket}}

func riskOrder(side domain.Side, qty int64) domain.Order {
	return domain.Order{ID: "o", Symbol: "AAPL", Side: side, Qty: dec(qty), Type: domain.OrderTypeMarket}
}

func limitOf(err error) string {
	var re *domain.RiskError
	if errors.As(err, &re) {
		return re.Limit
	}
	return ""
}

func TestRiskZeroLimitsDisabled(t *testing.T) {
	rm := NewRiskManager(domain.RiskLimits{}, marketOnly)
	err := rm.CheckOrder(riskOrder(domain.SideBuy, 1_000_000), RiskState{RefPrice: dec(100), DailyPnL: dec(-1_000_000)})
	assert.NoError(t, err)
}

func TestRiskOrderType(t *testing.T) {
	rm := NewRiskManager(domain.RiskLimits{}, marketOnly)
	o := riskOrder(domain.SideBuy, 1)
	o.Type = domain.OrderTypeLimit
	err := rm.CheckOrder(o, RiskState{RefPrice: dec(100)})
	require.ErrorIs(t, err, domain.ErrRiskLimitBreach)
	assert.Equal(t, LimitOrderType, limitOf(err))
}

func TestRiskShortSelling(t *testing.T) {
	rm := NewRiskManager(domain.RiskLimits{}, marketOnly)

	assert.NoError(t, rm.CheckOrder(riskOrder(domain.SideSell, 5), RiskState{Position: dec(5)}))

	err := rm.CheckOrder(riskOrder(domain.SideSell, 6), RiskState{Position: dec(5)})
	assert.Equal(t, LimitShort, limitOf(err))

	// a pending sell already claims the shares
	err = rm.CheckOrder(riskOrder(domain.SideSell, 5), RiskState{Position: dec(5), PendingExposure: dec(-1)})
	assert.Equal(t, LimitShort, limitOf(err))

	shorting := marketOnly
	shorting.AllowShort = true
	assert.NoError(t, NewRiskManager(domain.RiskLimits{}, shorting).CheckOrder(riskOrder(domain.SideSell, 6), RiskState{Position: dec(5)}))
}

func TestRiskMaxPosition(t *testing.T) {
	rm := NewRiskManager(domain.RiskLimits{MaxPositionPerSymbol: dec(100)}, marketOnly)

	assert.NoError(t, rm.CheckOrder(riskOrder(domain.SideBuy, 40), RiskState{Position: dec(60)}))

	err := rm.CheckOrder(riskOrder(domain.SideBuy, 41), RiskState{Position: dec(60)})
	assert.Equal(t, LimitMaxPosition, limitOf(err))

	err = rm.CheckOrder(riskOrder(domain.SideBuy, 30), RiskState{Position: dec(60), PendingExposure: dec(20)})
	assert.Equal(t, LimitMaxPosition, limitOf(err), "open orders count toward the limit")
}

func TestRiskMaxOrderNotional(t *testing.T) {
	rm := NewRiskManager(domain.RiskLimits{MaxOrderNotional: dec(500)}, marketOnly)

	assert.NoError(t, rm.CheckOrder(riskOrder(domain.SideBuy, 5), RiskState{RefPrice: dec(100)}))

	err := rm.CheckOrder(riskOrder(domain.SideBuy, 10), RiskState{RefPrice: dec(100)})
	assert.Equal(t, LimitMaxOrderNotional, limitOf(err))

	err = rm.CheckOrder(riskOrder(domain.SideBuy, 1), RiskState{})
	assert.Equal(t, LimitMaxOrderNotional, limitOf(err), "unpriced orders cannot be checked")
}

func TestRiskMaxDailyLossBlocksOnlyNewExposure(t *testing.T) {
	shorting := marketOnly
	shorting.AllowShort = true
	rm := NewRiskManager(domain.RiskLimits{MaxDailyLoss: dec(1000)}, shorting)
	breached := RiskState{Position: dec(10), RefPrice: dec(100), DailyPnL: dec(-1000)}

	err := rm.CheckOrder(riskOrder(domain.SideBuy, 1), breached)
	assert.Equal(t, LimitMaxDailyLoss, limitOf(err))

	assert.NoError(t, rm.CheckOrder(riskOrder(domain.SideSell, 10), breached), "closing is allowed")
	assert.NoError(t, rm.CheckOrder(riskOrder(domain.SideSell, 4), breached), "reducing is allowed")

	err = rm.CheckOrder(riskOrder(domain.SideSell, 15), breached)
	assert.Equal(t, LimitMaxDailyLoss, limitOf(err), "flipping short adds exposure")

	notYet := breached
	notYet.DailyPnL = dec(-999)
	assert.NoError(t, rm.CheckOrder(riskOrder(domain.SideBuy, 1), notYet))
}
