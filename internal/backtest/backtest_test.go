package backtest

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotothemoon/internal/decision"
	"gotothemoon/internal/decision/builtins"
	"gotothemoon/internal/domain"
	"gotothemoon/internal/marketdata"
	"gotothemoon/internal/store"
)

var day0 = time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func source(t *testing.T, symbol string, prices ...int64) *marketdata.SliceSource {
	t.Helper()
	events := make([]domain.MarketEvent, len(prices))
	for i, p := range prices {
		events[i] = domain.MarketEvent{
			Symbol:    symbol,
			Timestamp: day0.AddDate(0, 0, i),
			Price:     dec(p),
			Volume:    dec(1_000_000),
		}
	}
	src, err := marketdata.NewSliceSource(events)
	require.NoError(t, err)
	return src
}

func scripted(steps ...decision.Step) *decision.Scripted {
	return decision.NewScripted(map[string][]decision.Step{"AAPL": steps})
}

func TestBuyHoldSellReport(t *testing.T) {
	h := New(Config{Run: "bhs", InitialCapital: dec(10000)})
	model := scripted(
		decision.Step{Kind: domain.ActionBuy, Size: 10},
		decision.Step{Kind: domain.ActionHold},
		decision.Step{Kind: domain.ActionSell, Size: 10},
	)

	rep, err := h.Run(context.Background(), source(t, "AAPL", 100, 102, 99), model)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Events)
	assert.Equal(t, 2, rep.Trades)
	assert.Equal(t, 2, rep.Orders)
	assert.True(t, rep.RealizedPnL.Equal(dec(-10)), rep.RealizedPnL.String())
	assert.True(t, rep.FinalEquity.Equal(dec(9990)), rep.FinalEquity.String())
	assert.True(t, rep.Ledger.Cash.Equal(dec(9990)))
	assert.Empty(t, rep.Ledger.Positions)
	assert.InDelta(t, -0.001, rep.TotalReturn, 1e-12)
	assert.InDelta(t, 30.0/10020.0, rep.MaxDrawdown, 1e-12)
	assert.Equal(t, 1, rep.RoundTrips)
	assert.Equal(t, 0.0, rep.WinRate)
	assert.Equal(t, 0.0, rep.ProfitFactor)
	assert.Equal(t, day0, rep.Start)
	assert.Equal(t, day0.AddDate(0, 0, 2), rep.End)
	require.Len(t, rep.EquityCurve, 3)
	assert.True(t, rep.EquityCurve[1].Equity.Equal(dec(10020)))
	assert.Equal(t, "bt-000001", rep.Fills[0].OrderID)
	assert.Empty(t, rep.Orphans)
}

func TestRiskRejectionLeavesLedgerUntouched(t *testing.T) {
	h := New(Config{
		InitialCapital: dec(10000),
		Limits:         domain.RiskLimits{MaxOrderNotional: dec(500)},
	})
	rep, err := h.Run(context.Background(), source(t, "AAPL", 100), scripted(decision.Step{Kind: domain.ActionBuy, Size: 10}))
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Orders)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 1, rep.RiskRejected)
	assert.Equal(t, 0, rep.Trades)
	assert.True(t, rep.FinalEquity.Equal(dec(10000)))
	assert.True(t, rep.Ledger.Cash.Equal(dec(10000)))
}

func TestRestingOrdersCancelledAtEnd(t *testing.T) {
	h := New(Config{InitialCapital: dec(10000), Participation: decimal.RequireFromString("0.1")})
	events := []domain.MarketEvent{{Symbol: "AAPL", Timestamp: day0, Price: dec(100), Volume: dec(50)}}
	src, err := marketdata.NewSliceSource(events)
	require.NoError(t, err)

	rep, err := h.Run(context.Background(), src, scripted(decision.Step{Kind: domain.ActionBuy, Size: 10}))
	require.NoError(t, err)
	assert.Empty(t, rep.Orphans)
	assert.Equal(t, 1, rep.Orders)
	assert.Less(t, rep.Trades, 2)
}

func trendingPrices() []int64 {
	prices := make([]int64, 0, 80)
	for i := 0; i < 80; i++ {
		// a slow wave around 100
		prices = append(prices, 100+int64(20*math.Sin(float64(i)/6)))
	}
	return prices
}

func TestRunIsDeterministic(t *testing.T) {
	model, err := builtins.NewSMACross(3, 8, dec(10))
	require.NoError(t, err)
	h := New(Config{Run: "det", InitialCapital: dec(10000)})
	src := source(t, "AAPL", trendingPrices()...)

	first, err := h.Run(context.Background(), src, model)
	require.NoError(t, err)
	second, err := h.Run(context.Background(), src, model)
	require.NoError(t, err)

	var a, b bytes.Buffer
	require.NoError(t, first.WriteJSON(&a))
	require.NoError(t, second.WriteJSON(&b))
	assert.Equal(t, a.String(), b.String())
	assert.Greater(t, first.Trades, 0)
	assert.Equal(t, 80, second.Events)
}

func TestLongSMAWidensEngineWindow(t *testing.T) {
	// sma(70) needs 71 events, more than the default context window
	model, err := builtins.NewSMACross(5, 70, dec(10))
	require.NoError(t, err)
	prices := make([]int64, 0, 200)
	for i := 0; i < 100; i++ {
		prices = append(prices, 200-int64(i))
	}
	for i := 0; i < 100; i++ {
		prices = append(prices, 100+7*int64(i))
	}

	rep, err := New(Config{InitialCapital: dec(10000)}).Run(context.Background(), source(t, "AAPL", prices...), model)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Orders)
	assert.Equal(t, 1, rep.Trades)
}

func TestScriptedModelIsRewound(t *testing.T) {
	h := New(Config{InitialCapital: dec(10000)})
	model := scripted(decision.Step{Kind: domain.ActionBuy, Size: 1})
	src := source(t, "AAPL", 100, 101)

	first, err := h.Run(context.Background(), src, model)
	require.NoError(t, err)
	second, err := h.Run(context.Background(), src, model)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Trades)
	assert.Equal(t, 1, second.Trades)
}

func TestReportSave(t *testing.T) {
	h := New(Config{Run: "save", InitialCapital: dec(10000)})
	model := scripted(
		decision.Step{Kind: domain.ActionBuy, Size: 10},
		decision.Step{Kind: domain.ActionSell, Size: 10},
	)
	rep, err := h.Run(context.Background(), source(t, "AAPL", 100, 105), model)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rep.WinRate)

	dir := filepath.Join(t.TempDir(), "save")
	require.NoError(t, rep.Save(dir))

	_, err = os.Stat(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "equity.parquet"))
	require.NoError(t, err)
	fills, err := store.ReadFills(filepath.Join(dir, "fills.parquet"))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.True(t, fills[1].Price.Equal(dec(105)))

	var buf bytes.Buffer
	rep.Summary(&buf)
	assert.Contains(t, buf.String(), "Final equity:      10050.00")
}

func TestMetricsHelpers(t *testing.T) {
	curve := []store.EquityPoint{
		{Timestamp: day0, Equity: dec(100)},
		{Timestamp: day0.Add(time.Minute), Equity: dec(120)},
		{Timestamp: day0.AddDate(0, 0, 1), Equity: dec(90)},
		{Timestamp: day0.AddDate(0, 0, 2), Equity: dec(130)},
	}
	assert.InDelta(t, 0.25, maxDrawdown(curve), 1e-12)
	assert.Equal(t, []float64{120, 90, 130}, dailyCloses(curve))

	assert.Equal(t, 0.0, sharpe([]float64{100, 101}))
	assert.Equal(t, 0.0, sharpe([]float64{100, 110, 121}))
	s := sharpe([]float64{100, 101, 100, 102})
	assert.Greater(t, s, 0.0)
}

func TestClosedTrades(t *testing.T) {
	fill := func(id string, side domain.Side, qty, price int64) domain.Fill {
		return domain.Fill{ID: id, Symbol: "AAPL", Side: side, Qty: dec(qty), Price: dec(price), Timestamp: day0}
	}
	n, win, pf := closedTrades([]domain.Fill{
		fill("1", domain.SideBuy, 10, 100),
		fill("2", domain.SideSell, 5, 110), // +50
		fill("3", domain.SideSell, 5, 90),  // -50
		fill("4", domain.SideBuy, 2, 100),
		fill("5", domain.SideSell, 2, 125), // +50
	})
	assert.Equal(t, 3, n)
	assert.InDelta(t, 2.0/3.0, win, 1e-12)
	assert.InDelta(t, 2.0, pf, 1e-12)
}
