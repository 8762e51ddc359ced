package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotothemoon/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath(domain.MarketUS, "aapl", 2024)
	assert.Equal(t, filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet"), bp)
	assert.Equal(t, filepath.Join("/data", "backtests", "run-1"), ps.RunDir("run-1"))
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol: "AAPL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open: 185.0, High: 186.5, Low: 184.0, Close: 185.5,
			Volume: 50000000, TradeCount: 500000, VWAP: 185.25,
		},
		{
			Symbol: "AAPL", Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open: 185.5, High: 187.0, Low: 185.0, Close: 186.0,
			Volume: 45000000, TradeCount: 450000, VWAP: 185.75,
		},
		{
			Symbol: "AAPL", Timestamp: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
			Open: 250, High: 251, Low: 249, Close: 250.5, Volume: 1,
		},
	}
	require.NoError(t, ps.WriteBars(ctx, domain.MarketUS, bars))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, domain.MarketUS, "AAPL", start, end)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 185.5, got[0].Close)
	assert.Equal(t, 186.0, got[1].Close)
	assert.True(t, got[0].Timestamp.Equal(bars[0].Timestamp))

	// years without files are skipped
	got, err = ps.ReadBars(ctx, domain.MarketUS, "AAPL", start.AddDate(-3, 0, 0), end.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = ps.ReadBars(ctx, domain.MarketUS, "NOPE", start, end)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParquetStoreMergeBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ps.WriteBars(ctx, domain.MarketUS, []domain.Bar{
		{Symbol: "MSFT", Timestamp: day1, Open: 400, High: 405, Low: 399, Close: 403, Volume: 30000000},
	}))
	// Second write adds a day and corrects the first one.
	require.NoError(t, ps.WriteBars(ctx, domain.MarketUS, []domain.Bar{
		{Symbol: "MSFT", Timestamp: day2, Open: 403, High: 410, Low: 402, Close: 408, Volume: 35000000},
		{Symbol: "MSFT", Timestamp: day1, Open: 400, High: 405, Low: 399, Close: 404, Volume: 30000000},
	}))

	got, err := ps.ReadBars(ctx, domain.MarketUS, "MSFT", day1, day2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 404.0, got[0].Close)
	assert.Equal(t, 408.0, got[1].Close)
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	symbols, err := ps.ListSymbols(ctx, domain.MarketUS)
	require.NoError(t, err)
	assert.Empty(t, symbols)

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ps.WriteBars(ctx, domain.MarketUS, []domain.Bar{
		{Symbol: "GOOGL", Timestamp: ts, Close: 140.5},
		{Symbol: "AAPL", Timestamp: ts, Close: 185.5},
	}))

	symbols, err = ps.ListSymbols(ctx, domain.MarketUS)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "GOOGL"}, symbols)
}

func TestFillsExportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "fills.parquet")
	fills := []domain.Fill{
		{
			ID: "sim-fill-000001", OrderID: "bt-000001", Symbol: "AAPL", Side: domain.SideBuy,
			Qty: decimal.NewFromInt(10), Price: decimal.RequireFromString("100.125"), Fee: decimal.RequireFromString("0.01"),
			Timestamp: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, WriteFills(path, fills))

	got, err := ReadFills(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bt-000001", got[0].OrderID)
	assert.True(t, got[0].Price.Equal(fills[0].Price))
	assert.True(t, got[0].Fee.Equal(fills[0].Fee))
	assert.True(t, got[0].Timestamp.Equal(fills[0].Timestamp))
}

func TestWriteEquityCurve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity.parquet")
	curve := []EquityPoint{
		{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Equity: decimal.NewFromInt(10000)},
		{Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Equity: decimal.NewFromInt(10050)},
	}
	require.NoError(t, WriteEquityCurve(path, curve))

	records, err := readParquetFile[EquityRecord](path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 10050.0, records[1].Equity)
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testOrder(id string, state domain.OrderState) domain.Order {
	ts := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	return domain.Order{
		ID: id, Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(10),
		Type: domain.OrderTypeMarket, State: state, IdempotencyKey: "key-" + id,
		DecisionTime: ts, CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestSQLiteStoreOpen(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.db.Ping())

	mem, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, mem.Close())
}

func TestSQLiteOrderUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	o := testOrder("core-000001", domain.OrderStatePendingSubmit)
	require.NoError(t, s.SaveOrder(ctx, o))

	o.State = domain.OrderStatePartiallyFilled
	o.BrokerOrderID = "sim-000001"
	o.FilledQty = decimal.NewFromInt(4)
	o.AvgFillPrice = decimal.RequireFromString("100.5")
	o.CancelRequested = true
	o.UpdatedAt = o.UpdatedAt.Add(time.Second)
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatePartiallyFilled, got.State)
	assert.Equal(t, "sim-000001", got.BrokerOrderID)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(4)))
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, got.CancelRequested)
	assert.True(t, got.UpdatedAt.Equal(o.UpdatedAt))
	assert.True(t, got.DecisionTime.Equal(o.DecisionTime))

	all, err := s.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteGetOrderNotFound(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.GetOrder(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
}

func TestSQLiteListNonTerminal(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for _, o := range []domain.Order{
		testOrder("core-000001", domain.OrderStateFilled),
		testOrder("core-000002", domain.OrderStateSubmitted),
		testOrder("core-000003", domain.OrderStateRejected),
		testOrder("core-000004", domain.OrderStatePendingSubmit),
	} {
		require.NoError(t, s.SaveOrder(ctx, o))
	}

	open, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "core-000002", open[0].ID)
	assert.Equal(t, "core-000004", open[1].ID)

	filled, err := s.ListOrders(ctx, domain.OrderStateFilled)
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, "core-000001", filled[0].ID)
}

func TestSQLiteFillsDeduplicated(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	f := domain.Fill{
		ID: "fill-1", OrderID: "core-000001", Symbol: "AAPL", Side: domain.SideBuy,
		Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100), Fee: decimal.Zero,
		Timestamp: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.AppendFill(ctx, f))
	require.NoError(t, s.AppendFill(ctx, f))

	g := f
	g.ID, g.Qty = "fill-2", decimal.NewFromInt(6)
	require.NoError(t, s.AppendFill(ctx, g))

	fills, err := s.ListFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "fill-1", fills[0].ID)
	assert.Equal(t, "fill-2", fills[1].ID)
	assert.True(t, fills[1].Qty.Equal(decimal.NewFromInt(6)))
	assert.True(t, fills[0].Timestamp.Equal(f.Timestamp))
}

func TestSQLiteActions(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordAction(ctx, domain.Action{
		Symbol: "AAPL", Kind: domain.ActionBuy, TargetSize: decimal.NewFromInt(10), Confidence: 0.7, DecisionTime: ts,
	}))
	require.NoError(t, s.RecordAction(ctx, domain.Action{
		Symbol: "AAPL", Kind: domain.ActionHold, DecisionTime: ts.Add(time.Minute), Degraded: true, Reason: "timeout",
	}))
	require.NoError(t, s.RecordAction(ctx, domain.Action{Symbol: "MSFT", Kind: domain.ActionSell, TargetSize: decimal.NewFromInt(1)}))

	got, err := s.ListActions(ctx, "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.ActionHold, got[0].Kind)
	assert.True(t, got[0].Degraded)
	assert.Equal(t, "timeout", got[0].Reason)
	assert.Equal(t, domain.ActionBuy, got[1].Kind)
	assert.True(t, got[1].TargetSize.Equal(decimal.NewFromInt(10)))

	got, err = s.ListActions(ctx, "AAPL", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
