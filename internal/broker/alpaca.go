package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

// Compile-time interface checks.
var (
	_ Broker    = (*AlpacaBroker)(nil)
	_ KeyLookup = (*AlpacaBroker)(nil)
	_ Resumer   = (*AlpacaBroker)(nil)
)

// alpacaRateLimit is the documented trading API budget of 200 requests per
// minute.
const alpacaRateLimit = 200.0 / 60.0

type cumulative struct {
	qty      decimal.Decimal
	notional decimal.Decimal
}

// AlpacaBroker implements Broker on the Alpaca trading API. The idempotency
// key travels as client_order_id, which Alpaca enforces as unique, so a
// retried submission can never create a second order.
type AlpacaBroker struct {
	client *alpaca.Client
	queue  *UpdateQueue
	log    *zap.Logger

	mu      sync.Mutex
	seen    map[string]cumulative // broker id -> fills already reported
	orderID map[string]string     // broker id -> core order id
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, log *zap.Logger) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return &AlpacaBroker{
		client:  client,
		queue:   NewUpdateQueue(),
		log:     util.OrNop(log).With(zap.String("broker", "alpaca")),
		seen:    make(map[string]cumulative),
		orderID: make(map[string]string),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Capabilities describes the Alpaca equities API.
func (b *AlpacaBroker) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		OrderTypes:    []domain.OrderType{domain.OrderTypeMarket, domain.OrderTypeLimit},
		ClientOrderID: true,
		AllowShort:    true,
		RateLimit:     alpacaRateLimit,
		Burst:         5,
	}
}

// StartTradeUpdates subscribes to the trade-update stream. Updates are
// buffered in a queue and surface through QueryStatus, so the orchestrator
// keeps a single polled contract.
func (b *AlpacaBroker) StartTradeUpdates(ctx context.Context) {
	b.client.StreamTradeUpdatesInBackground(ctx, b.onTradeUpdate)
}

func (b *AlpacaBroker) onTradeUpdate(tu alpaca.TradeUpdate) {
	u := OrderUpdate{BrokerOrderID: tu.Order.ID}
	switch tu.Event {
	case "fill", "partial_fill":
		if tu.Qty == nil || tu.Price == nil {
			b.log.Warn("fill event without qty or price", zap.String("order", tu.Order.ID))
			return
		}
		if f, ok := b.streamFill(tu.Order, *tu.Qty, *tu.Price); ok {
			u.Fill = &f
		}
		u.State = mapAlpacaStatus(tu.Order.Status)
	case "canceled", "expired", "done_for_day":
		u.State = domain.OrderStateCancelled
		u.Reason = tu.Event
	case "rejected":
		u.State = domain.OrderStateRejected
		u.Reason = "rejected by venue"
	default:
		return
	}
	b.queue.Push(u)
}

// streamFill converts a streamed execution into a fill. The order's
// cumulative filled quantity is authoritative: an execution polling already
// reported yields nothing, and a partly reported one yields only the rest.
// When the event carries no cumulative total it is derived from the tracker.
func (b *AlpacaBroker) streamFill(o alpaca.Order, qty, price decimal.Decimal) (domain.Fill, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.seen[o.ID]
	cum := o.FilledQty
	if !cum.IsPositive() {
		cum = prev.qty.Add(qty)
	}
	var notional decimal.Decimal
	if o.FilledAvgPrice != nil {
		notional = cum.Mul(*o.FilledAvgPrice)
	} else {
		notional = prev.notional.Add(cum.Sub(prev.qty).Mul(price))
	}
	return b.advanceLocked(o, cum, notional)
}

// advanceLocked moves the tracker of o to the cumulative totals and returns
// the unreported difference as one fill. The fill id is the cumulative
// quantity, so streamed and polled reports of the same execution share it.
func (b *AlpacaBroker) advanceLocked(o alpaca.Order, cum, notional decimal.Decimal) (domain.Fill, bool) {
	prev := b.seen[o.ID]
	delta := cum.Sub(prev.qty)
	if !delta.IsPositive() {
		return domain.Fill{}, false
	}
	b.seen[o.ID] = cumulative{qty: cum, notional: notional}
	return domain.Fill{
		ID:        fmt.Sprintf("%s:%s", o.ID, cum),
		OrderID:   b.orderID[o.ID],
		Symbol:    o.Symbol,
		Side:      domain.Side(o.Side),
		Qty:       delta,
		Price:     notional.Sub(prev.notional).Div(delta).Round(6),
		Timestamp: o.UpdatedAt,
	}, true
}

// Submit places the order with client_order_id set to its idempotency key.
func (b *AlpacaBroker) Submit(ctx context.Context, o domain.Order) (SubmitAck, error) {
	if err := ctx.Err(); err != nil {
		return SubmitAck{}, domain.Transient(err)
	}
	qty := o.Qty
	req := alpaca.PlaceOrderRequest{
		Symbol:        o.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(o.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: o.IdempotencyKey,
	}
	if o.Type == domain.OrderTypeLimit {
		limit := o.LimitPrice
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		classified := classifyAlpacaError(err)
		if domain.IsRejection(classified) && isDuplicateClientID(err) {
			id, found, lerr := b.LookupByKey(ctx, o.IdempotencyKey)
			if lerr == nil && found {
				b.remember(id, o.ID)
				return SubmitAck{BrokerOrderID: id, Duplicate: true}, nil
			}
		}
		return SubmitAck{}, classified
	}
	b.remember(placed.ID, o.ID)
	return SubmitAck{BrokerOrderID: placed.ID}, nil
}

// Resume primes fill tracking with what the core already booked for o, so
// polling after a restart reports only fills it has not seen.
func (b *AlpacaBroker) Resume(o domain.Order) {
	if o.BrokerOrderID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderID[o.BrokerOrderID] = o.ID
	b.seen[o.BrokerOrderID] = cumulative{qty: o.FilledQty, notional: o.FilledQty.Mul(o.AvgFillPrice)}
}

func (b *AlpacaBroker) remember(brokerID, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderID[brokerID] = orderID
}

// Cancel requests cancellation. A venue refusal for an order that already
// reached a terminal state is reported as CancelAlreadyTerminal.
func (b *AlpacaBroker) Cancel(ctx context.Context, brokerOrderID string) (CancelResult, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.Transient(err)
	}
	err := b.client.CancelOrder(brokerOrderID)
	if err == nil {
		return CancelAcked, nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		o, gerr := b.client.GetOrder(brokerOrderID)
		if gerr == nil && mapAlpacaStatus(o.Status).Terminal() {
			return CancelAlreadyTerminal, nil
		}
	}
	return "", classifyAlpacaError(err)
}

// QueryStatus drains streamed updates when present, otherwise polls the
// order and converts cumulative fill totals into incremental fills.
func (b *AlpacaBroker) QueryStatus(ctx context.Context, brokerOrderID string) (StatusReport, error) {
	if rep, ok := b.queue.Drain(brokerOrderID); ok {
		if rep.State == "" {
			rep.State = domain.OrderStateSubmitted
		}
		return rep, nil
	}
	if err := ctx.Err(); err != nil {
		return StatusReport{}, domain.Transient(err)
	}

	o, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		return StatusReport{}, classifyAlpacaError(err)
	}
	rep := StatusReport{BrokerOrderID: brokerOrderID, State: mapAlpacaStatus(o.Status)}
	if f, ok := b.pollFill(*o); ok {
		rep.Fills = append(rep.Fills, f)
	}
	if rep.State == domain.OrderStateRejected || rep.State == domain.OrderStateCancelled {
		rep.Reason = o.Status
	}
	return rep, nil
}

func (b *AlpacaBroker) pollFill(o alpaca.Order) (domain.Fill, bool) {
	if o.FilledAvgPrice == nil || !o.FilledQty.IsPositive() {
		return domain.Fill{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advanceLocked(o, o.FilledQty, o.FilledQty.Mul(*o.FilledAvgPrice))
}

// LookupByKey finds an order by its client_order_id.
func (b *AlpacaBroker) LookupByKey(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, domain.Transient(err)
	}
	o, err := b.client.GetOrderByClientOrderID(key)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, classifyAlpacaError(err)
	}
	return o.ID, true, nil
}

// QueryPositions returns all open positions on the account.
func (b *AlpacaBroker) QueryPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Transient(err)
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classifyAlpacaError(err)
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Position{Symbol: p.Symbol, Qty: p.Qty, AvgCost: p.AvgEntryPrice})
	}
	return out, nil
}

// QueryBalance returns account cash, equity and buying power.
func (b *AlpacaBroker) QueryBalance(ctx context.Context) (domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balance{}, domain.Transient(err)
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return domain.Balance{}, classifyAlpacaError(err)
	}
	return domain.Balance{Cash: acct.Cash, Equity: acct.Equity, BuyingPower: acct.BuyingPower}, nil
}

// mapAlpacaStatus folds Alpaca's order statuses onto the core lifecycle.
func mapAlpacaStatus(status string) domain.OrderState {
	switch status {
	case "filled":
		return domain.OrderStateFilled
	case "partially_filled":
		return domain.OrderStatePartiallyFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStateCancelled
	case "rejected", "suspended":
		return domain.OrderStateRejected
	default:
		// new, accepted, pending_new, pending_cancel, calculated, ...
		return domain.OrderStateSubmitted
	}
}

// classifyAlpacaError maps API errors onto the adapter error taxonomy:
// throttling and server faults are transient, other 4xx are rejections and
// anything without a status (network, timeouts) is transient.
func classifyAlpacaError(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return domain.Transient(err)
		case apiErr.StatusCode >= 400:
			return &domain.RejectionError{Reason: apiErr.Message}
		}
	}
	return domain.Transient(err)
}

func isDuplicateClientID(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
}
