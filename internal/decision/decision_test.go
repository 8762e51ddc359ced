package decision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotothemoon/internal/domain"
)

var now = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func dctx(prices ...int64) Context {
	evs := make([]domain.MarketEvent, len(prices))
	for i, p := range prices {
		evs[i] = domain.MarketEvent{Symbol: "AAPL", Seq: uint64(i + 1), Timestamp: now.Add(time.Duration(i) * time.Minute), Price: decimal.NewFromInt(p)}
	}
	return Context{Symbol: "AAPL", RecentEvents: evs, Cash: decimal.NewFromInt(10000), Now: now}
}

func TestGuardPassesValidAction(t *testing.T) {
	g := NewGuard(Func(func(context.Context, Context) (domain.Action, error) {
		return domain.Action{Kind: domain.ActionBuy, TargetSize: decimal.NewFromInt(5)}, nil
	}), 0, nil)

	a, err := g.Decide(context.Background(), dctx(100))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBuy, a.Kind)
	assert.Equal(t, "AAPL", a.Symbol)
	assert.Equal(t, now, a.DecisionTime)
	assert.False(t, a.Degraded)
}

func TestGuardDegradesToHold(t *testing.T) {
	cases := map[string]Port{
		"error": Func(func(context.Context, Context) (domain.Action, error) {
			return domain.Action{}, errors.New("model offline")
		}),
		"panic": Func(func(context.Context, Context) (domain.Action, error) {
			panic("boom")
		}),
		"invalid size": Func(func(context.Context, Context) (domain.Action, error) {
			return domain.Action{Kind: domain.ActionSell, TargetSize: decimal.NewFromInt(-1)}, nil
		}),
		"unknown kind": Func(func(context.Context, Context) (domain.Action, error) {
			return domain.Action{Kind: "SHORT", TargetSize: decimal.NewFromInt(1)}, nil
		}),
		"wrong symbol": Func(func(context.Context, Context) (domain.Action, error) {
			return domain.Action{Symbol: "MSFT", Kind: domain.ActionBuy, TargetSize: decimal.NewFromInt(1)}, nil
		}),
	}
	for name, model := range cases {
		t.Run(name, func(t *testing.T) {
			a, err := NewGuard(model, 0, nil).Decide(context.Background(), dctx(100))
			require.NoError(t, err)
			assert.Equal(t, domain.ActionHold, a.Kind)
			assert.True(t, a.Degraded)
			assert.NotEmpty(t, a.Reason)
		})
	}
}

func TestGuardTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := Func(func(ctx context.Context, _ Context) (domain.Action, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return domain.Action{Kind: domain.ActionBuy, TargetSize: decimal.NewFromInt(1)}, nil
	})

	start := time.Now()
	a, err := NewGuard(slow, 20*time.Millisecond, nil).Decide(context.Background(), dctx(100))
	require.NoError(t, err)
	assert.True(t, a.Degraded)
	assert.Equal(t, domain.ActionHold, a.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScripted(t *testing.T) {
	s := NewScripted(map[string][]Step{
		"AAPL": {{Kind: domain.ActionBuy, Size: 10}, {Kind: domain.ActionHold}},
	})
	ctx := context.Background()

	a, _ := s.Decide(ctx, dctx(100))
	assert.Equal(t, domain.ActionBuy, a.Kind)
	assert.True(t, a.TargetSize.Equal(decimal.NewFromInt(10)))
	a, _ = s.Decide(ctx, dctx(100))
	assert.True(t, a.IsHold())
	a, _ = s.Decide(ctx, dctx(100))
	assert.True(t, a.IsHold(), "exhausted script holds")

	s.Reset()
	a, _ = s.Decide(ctx, dctx(100))
	assert.Equal(t, domain.ActionBuy, a.Kind)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", func(map[string]string) (Port, error) { return NewScripted(nil), nil })
	r.Register("a", func(map[string]string) (Port, error) { return NewScripted(nil), nil })
	assert.Equal(t, []string{"a", "b"}, r.List())

	_, err := r.Build("a", nil)
	require.NoError(t, err)
	_, err = r.Build("missing", nil)
	assert.Error(t, err)
}

func TestRemote(t *testing.T) {
	body := `{"action":"BUY","size":"7","confidence":0.8,"reason":"momentum"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	m, err := NewRemote(srv.URL, nil)
	require.NoError(t, err)

	a, err := m.Decide(context.Background(), dctx(100, 101))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBuy, a.Kind)
	assert.True(t, a.TargetSize.Equal(decimal.NewFromInt(7)))
	assert.InDelta(t, 0.8, a.Confidence, 1e-9)

	body = `{"action":"YOLO"}`
	_, err = m.Decide(context.Background(), dctx(100))
	assert.Error(t, err)

	body = `not json`
	_, err = m.Decide(context.Background(), dctx(100))
	assert.Error(t, err)
}

func TestRemoteThroughGuardHoldsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, err := NewRemote(srv.URL, nil)
	require.NoError(t, err)
	a, err := NewGuard(m, time.Second, nil).Decide(context.Background(), dctx(100))
	require.NoError(t, err)
	assert.True(t, a.Degraded)
	assert.True(t, a.IsHold())
}

func TestReturns(t *testing.T) {
	r, ok := Returns(dctx(100, 110, 99).RecentEvents, 2)
	require.True(t, ok)
	assert.InDelta(t, 0.1, r[0], 1e-6)
	assert.InDelta(t, -0.1, r[1], 1e-6)

	_, ok = Returns(dctx(100, 110).RecentEvents, 2)
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	dc := dctx(100)
	size := decimal.NewFromInt(3)

	a := classify(dc, [3]float32{0.1, 0.7, 0.2}, 0.5, size)
	assert.Equal(t, domain.ActionBuy, a.Kind)

	a = classify(dc, [3]float32{0.1, 0.2, 0.7}, 0.5, size)
	assert.True(t, a.IsHold(), "no position to sell")

	dc.Position.Qty = decimal.NewFromInt(4)
	a = classify(dc, [3]float32{0.1, 0.2, 0.7}, 0.5, size)
	assert.Equal(t, domain.ActionSell, a.Kind)
	assert.True(t, a.TargetSize.Equal(decimal.NewFromInt(4)))

	a = classify(dc, [3]float32{0.6, 0.2, 0.2}, 0.5, size)
	assert.True(t, a.IsHold())
}
