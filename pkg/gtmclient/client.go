// Package gtmclient is a Go client for the gotothemoon trader's gRPC
// Execution service.
package gtmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const service = "/gotothemoon.v1.Execution/"

// Position is one holding in a portfolio.
type Position struct {
	Symbol  string          `json:"Symbol"`
	Qty     decimal.Decimal `json:"Qty"`
	AvgCost decimal.Decimal `json:"AvgCost"`
}

// Portfolio is the trader's portfolio view.
type Portfolio struct {
	Ledger struct {
		Cash        decimal.Decimal `json:"cash"`
		Positions   []Position      `json:"positions"`
		RealizedPnL decimal.Decimal `json:"realized_pnl"`
		Fees        decimal.Decimal `json:"fees"`
	} `json:"ledger"`
	Prices     map[string]decimal.Decimal `json:"prices"`
	Unrealized decimal.Decimal            `json:"unrealized_pnl"`
	Equity     decimal.Decimal            `json:"equity"`
	At         time.Time                  `json:"at"`
}

// Order is an order as reported by the trader.
type Order struct {
	ID            string          `json:"ID"`
	Symbol        string          `json:"Symbol"`
	Side          string          `json:"Side"`
	Qty           decimal.Decimal `json:"Qty"`
	Type          string          `json:"Type"`
	State         string          `json:"State"`
	BrokerOrderID string          `json:"BrokerOrderID"`
	FilledQty     decimal.Decimal `json:"FilledQty"`
	AvgFillPrice  decimal.Decimal `json:"AvgFillPrice"`
	Reason        string          `json:"Reason"`
	CreatedAt     time.Time       `json:"CreatedAt"`
	UpdatedAt     time.Time       `json:"UpdatedAt"`
}

// Orphan is an orphan report entry.
type Orphan struct {
	OrderID       string    `json:"order_id"`
	Symbol        string    `json:"symbol"`
	BrokerOrderID string    `json:"broker_order_id"`
	State         string    `json:"state"`
	Resolution    string    `json:"resolution"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// Stats are the trader's engine counters.
type Stats struct {
	Events       int `json:"events"`
	Decisions    int `json:"decisions"`
	Degraded     int `json:"degraded"`
	Orders       int `json:"orders"`
	Rejected     int `json:"rejected"`
	RiskRejected int `json:"risk_rejected"`
	Skipped      int `json:"skipped"`
}

// Client talks to one trader.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Extra options are
// appended, so callers can replace the credentials or the dialer.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Portfolio returns the current portfolio.
func (c *Client) Portfolio(ctx context.Context) (Portfolio, error) {
	var p Portfolio
	err := c.callStruct(ctx, "GetPortfolio", &emptypb.Empty{}, &p)
	return p, err
}

// Orders lists orders, all of them when state is empty.
func (c *Client) Orders(ctx context.Context, state string) ([]Order, error) {
	var out struct {
		Orders []Order `json:"orders"`
	}
	err := c.callStruct(ctx, "ListOrders", wrapperspb.String(state), &out)
	return out.Orders, err
}

// Order returns one order.
func (c *Client) Order(ctx context.Context, id string) (Order, error) {
	var o Order
	err := c.callStruct(ctx, "GetOrder", wrapperspb.String(id), &o)
	return o, err
}

// Cancel requests cancellation of one order.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.conn.Invoke(ctx, service+"CancelOrder", wrapperspb.String(id), &emptypb.Empty{})
}

// CancelAll requests cancellation of every open order and returns how many
// were open.
func (c *Client) CancelAll(ctx context.Context) (int64, error) {
	out := &wrapperspb.Int64Value{}
	if err := c.conn.Invoke(ctx, service+"CancelAll", &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Orphans returns the orphan report.
func (c *Client) Orphans(ctx context.Context) ([]Orphan, error) {
	var out struct {
		Orphans []Orphan `json:"orphans"`
	}
	err := c.callStruct(ctx, "ListOrphans", &emptypb.Empty{}, &out)
	return out.Orphans, err
}

// Stats returns engine counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.callStruct(ctx, "GetStats", &emptypb.Empty{}, &s)
	return s, err
}

func (c *Client) callStruct(ctx context.Context, method string, in any, dst any) error {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, service+method, in, out); err != nil {
		return err
	}
	raw, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: decoding: %w", method, err)
	}
	return nil
}
