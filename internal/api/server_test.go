package api

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/engine"
	"gotothemoon/internal/ledger"
)

type fakeEngine struct {
	orders    []domain.Order
	cancelled []string
	cancelAll int
}

func (f *fakeEngine) Portfolio() engine.PortfolioView {
	return engine.PortfolioView{
		Ledger: ledger.Snapshot{Cash: decimal.NewFromInt(9000)},
		Prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(101)},
		Equity: decimal.NewFromInt(10010),
	}
}

func (f *fakeEngine) Orders() []domain.Order { return f.orders }

func (f *fakeEngine) Order(id string) (domain.Order, error) {
	for _, o := range f.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
}

func (f *fakeEngine) CancelOrder(_ context.Context, id string) error {
	if _, err := f.Order(id); err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeEngine) CancelAll(context.Context) error {
	f.cancelAll++
	return nil
}

func (f *fakeEngine) Orphans() []engine.Orphan {
	return []engine.Orphan{{OrderID: "ord-000002", Resolution: engine.OrphanLeftOpen}}
}

func (f *fakeEngine) Stats() engine.Stats { return engine.Stats{Events: 7, Orders: 2} }

func newTestConn(t *testing.T, e Engine) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer("bufnet", NewExecutionService(e), nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, in, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

func testOrders() []domain.Order {
	return []domain.Order{
		{ID: "ord-000001", Symbol: "AAPL", Side: domain.SideBuy, Qty: decimal.NewFromInt(10), State: domain.OrderStateFilled},
		{ID: "ord-000002", Symbol: "AAPL", Side: domain.SideSell, Qty: decimal.NewFromInt(10), State: domain.OrderStateSubmitted},
	}
}

func TestGetPortfolio(t *testing.T) {
	conn := newTestConn(t, &fakeEngine{})
	out := &structpb.Struct{}
	require.NoError(t, invoke(t, conn, "GetPortfolio", &emptypb.Empty{}, out))

	m := out.AsMap()
	assert.Equal(t, "10010", m["equity"])
	assert.Equal(t, "9000", m["ledger"].(map[string]any)["cash"])
	assert.Equal(t, "101", m["prices"].(map[string]any)["AAPL"])
}

func TestListOrdersFiltersByState(t *testing.T) {
	conn := newTestConn(t, &fakeEngine{orders: testOrders()})

	out := &structpb.Struct{}
	require.NoError(t, invoke(t, conn, "ListOrders", wrapperspb.String(""), out))
	assert.Len(t, out.AsMap()["orders"], 2)

	out = &structpb.Struct{}
	require.NoError(t, invoke(t, conn, "ListOrders", wrapperspb.String("submitted"), out))
	orders := out.AsMap()["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, "ord-000002", orders[0].(map[string]any)["ID"])
}

func TestGetOrderNotFound(t *testing.T) {
	conn := newTestConn(t, &fakeEngine{orders: testOrders()})

	out := &structpb.Struct{}
	require.NoError(t, invoke(t, conn, "GetOrder", wrapperspb.String("ord-000001"), out))
	assert.Equal(t, "FILLED", out.AsMap()["State"])

	err := invoke(t, conn, "GetOrder", wrapperspb.String("nope"), &structpb.Struct{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCancelOrder(t *testing.T) {
	fe := &fakeEngine{orders: testOrders()}
	conn := newTestConn(t, fe)

	require.NoError(t, invoke(t, conn, "CancelOrder", wrapperspb.String("ord-000002"), &emptypb.Empty{}))
	assert.Equal(t, []string{"ord-000002"}, fe.cancelled)

	err := invoke(t, conn, "CancelOrder", wrapperspb.String(""), &emptypb.Empty{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	err = invoke(t, conn, "CancelOrder", wrapperspb.String("nope"), &emptypb.Empty{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCancelAllCountsOpenOrders(t *testing.T) {
	fe := &fakeEngine{orders: testOrders()}
	conn := newTestConn(t, fe)

	out := &wrapperspb.Int64Value{}
	require.NoError(t, invoke(t, conn, "CancelAll", &emptypb.Empty{}, out))
	assert.Equal(t, int64(1), out.GetValue())
	assert.Equal(t, 1, fe.cancelAll)
}

func TestOrphansAndStats(t *testing.T) {
	conn := newTestConn(t, &fakeEngine{})

	out := &structpb.Struct{}
	require.NoError(t, invoke(t, conn, "ListOrphans", &emptypb.Empty{}, out))
	orphans := out.AsMap()["orphans"].([]any)
	require.Len(t, orphans, 1)
	assert.Equal(t, "left_open", orphans[0].(map[string]any)["resolution"])

	out = &structpb.Struct{}
	require.NoError(t, invoke(t, conn, "GetStats", &emptypb.Empty{}, out))
	assert.Equal(t, 7.0, out.AsMap()["events"])
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(domain.Transient(fmt.Errorf("timeout")))))
	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(domain.ErrInvalidTransition)))
	assert.Equal(t, codes.Canceled, status.Code(toStatus(context.Canceled)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(fmt.Errorf("boom"))))
}

func TestHubBroadcastsJournalEvents(t *testing.T) {
	hub := NewHub(nil)
	hub.now = func() time.Time { return time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; keep publishing until the client reads.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = hub.AppendFill(ctx, domain.Fill{ID: "fill-1", Symbol: "AAPL"})
			}
		}
	}()

	var msg Message
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "fill", msg.Type)
	assert.Equal(t, "fill-1", msg.Data.(map[string]any)["ID"])
}

func TestHubFiltersByType(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?types=order", nil)
	require.NoError(t, err)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = hub.AppendFill(ctx, domain.Fill{ID: "fill-1"})
				_ = hub.SaveOrder(ctx, domain.Order{ID: "ord-1"})
			}
		}
	}()

	for range 3 {
		var msg Message
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "order", msg.Type)
	}
}
