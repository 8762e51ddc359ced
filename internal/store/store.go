// Package store defines storage interfaces for market history and the
// execution journal, with Parquet (bars, exported fills and equity curves)
// and SQLite (orders, fills, decisions) implementations.
package store

import (
	"context"
	"time"

	"gotothemoon/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// OrderStore persists the latest state of every order.
type OrderStore interface {
	// SaveOrder inserts the order or replaces its stored state.
	SaveOrder(ctx context.Context, o domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (domain.Order, error)

	// ListOrders returns orders in any of the given states, all orders when
	// none are given, in creation order.
	ListOrders(ctx context.Context, states ...domain.OrderState) ([]domain.Order, error)

	// ListNonTerminal returns orders that had not reached a terminal state.
	ListNonTerminal(ctx context.Context) ([]domain.Order, error)
}

// FillStore is an append-only fill journal. The ledger is rebuilt from it on
// startup.
type FillStore interface {
	// AppendFill stores a fill. Appending a known fill id is a no-op.
	AppendFill(ctx context.Context, f domain.Fill) error

	// ListFills returns every fill in the order it was appended.
	ListFills(ctx context.Context) ([]domain.Fill, error)
}

// ActionStore persists model decisions.
type ActionStore interface {
	// RecordAction stores a decision.
	RecordAction(ctx context.Context, a domain.Action) error

	// ListActions returns the most recent decisions for a symbol, newest
	// first, up to limit.
	ListActions(ctx context.Context, symbol string, limit int) ([]domain.Action, error)
}
