package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ FillStore = (*SQLiteStore)(nil)
var _ ActionStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	seq              INTEGER NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	qty              TEXT NOT NULL,
	type             TEXT NOT NULL,
	limit_price      TEXT NOT NULL,
	state            TEXT NOT NULL,
	broker_order_id  TEXT NOT NULL DEFAULT '',
	idempotency_key  TEXT NOT NULL UNIQUE,
	decision_time    INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	filled_qty       TEXT NOT NULL,
	avg_fill_price   TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS orders_state ON orders(state);

CREATE TABLE IF NOT EXISTS fills (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	order_id  TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	side      TEXT NOT NULL,
	qty       TEXT NOT NULL,
	price     TEXT NOT NULL,
	fee       TEXT NOT NULL,
	ts        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS actions (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol        TEXT NOT NULL,
	kind          TEXT NOT NULL,
	target_size   TEXT NOT NULL,
	confidence    REAL NOT NULL,
	decision_time INTEGER NOT NULL,
	degraded      INTEGER NOT NULL,
	reason        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS actions_symbol ON actions(symbol, seq);
`

// SQLiteStore implements OrderStore, FillStore and ActionStore backed by a
// SQLite database. It is the execution journal of the live trader.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema and returns a ready-to-use SQLiteStore. ":memory:" is accepted.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps :memory: databases
	// alive across calls.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, symbol, side, qty, type, limit_price, state, broker_order_id, idempotency_key,
	decision_time, created_at, updated_at, filled_qty, avg_fill_price, reason, cancel_requested`

// SaveOrder upserts the order. The original insertion position is kept so
// listings stay in creation order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (seq, `+orderColumns+`)
VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM orders), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	broker_order_id = excluded.broker_order_id,
	updated_at = excluded.updated_at,
	filled_qty = excluded.filled_qty,
	avg_fill_price = excluded.avg_fill_price,
	reason = excluded.reason,
	cancel_requested = excluded.cancel_requested`,
		o.ID, o.Symbol, string(o.Side), o.Qty.String(), string(o.Type), o.LimitPrice.String(),
		string(o.State), o.BrokerOrderID, o.IdempotencyKey,
		unixNano(o.DecisionTime), unixNano(o.CreatedAt), unixNano(o.UpdatedAt),
		o.FilledQty.String(), o.AvgFillPrice.String(), o.Reason, o.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	return o, err
}

// ListOrders returns orders in any of the given states, or all orders.
func (s *SQLiteStore) ListOrders(ctx context.Context, states ...domain.OrderState) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	args := make([]any, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args[i] = string(st)
		}
		query += ` WHERE state IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListNonTerminal returns orders that can still change.
func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]domain.Order, error) {
	return s.ListOrders(ctx,
		domain.OrderStatePendingRiskCheck,
		domain.OrderStatePendingSubmit,
		domain.OrderStateSubmitted,
		domain.OrderStatePartiallyFilled,
	)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (domain.Order, error) {
	var (
		o                                  domain.Order
		side, typ, state                   string
		qty, limit, filled, avg            string
		decisionTime, createdAt, updatedAt int64
		cancelRequested                    bool
	)
	err := sc.Scan(&o.ID, &o.Symbol, &side, &qty, &typ, &limit, &state, &o.BrokerOrderID, &o.IdempotencyKey,
		&decisionTime, &createdAt, &updatedAt, &filled, &avg, &o.Reason, &cancelRequested)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side, o.Type, o.State = domain.Side(side), domain.OrderType(typ), domain.OrderState(state)
	o.DecisionTime, o.CreatedAt, o.UpdatedAt = fromUnixNano(decisionTime), fromUnixNano(createdAt), fromUnixNano(updatedAt)
	o.CancelRequested = cancelRequested

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Qty, qty}, {&o.LimitPrice, limit}, {&o.FilledQty, filled}, {&o.AvgFillPrice, avg}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
		}
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// AppendFill inserts a fill unless its id is already journaled.
func (s *SQLiteStore) AppendFill(ctx context.Context, f domain.Fill) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO fills (id, order_id, symbol, side, qty, price, fee, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.Symbol, string(f.Side), f.Qty.String(), f.Price.String(), f.Fee.String(), unixNano(f.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append fill %s: %w", f.ID, err)
	}
	return nil
}

// ListFills returns every fill in append order.
func (s *SQLiteStore) ListFills(ctx context.Context) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, order_id, symbol, side, qty, price, fee, ts FROM fills ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var (
			f               domain.Fill
			side            string
			qty, price, fee string
			ts              int64
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &side, &qty, &price, &fee, &ts); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.Timestamp = fromUnixNano(ts)
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.ID, err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.ID, err)
		}
		if f.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.ID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// ActionStore implementation
// ---------------------------------------------------------------------------

// RecordAction inserts a decision.
func (s *SQLiteStore) RecordAction(ctx context.Context, a domain.Action) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actions (symbol, kind, target_size, confidence, decision_time, degraded, reason)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Symbol, string(a.Kind), a.TargetSize.String(), a.Confidence, unixNano(a.DecisionTime), a.Degraded, a.Reason,
	)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// ListActions returns the most recent decisions for a symbol, newest first.
func (s *SQLiteStore) ListActions(ctx context.Context, symbol string, limit int) ([]domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT symbol, kind, target_size, confidence, decision_time, degraded, reason
FROM actions WHERE symbol = ? ORDER BY seq DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		var (
			a          domain.Action
			kind, size string
			ts         int64
		)
		if err := rows.Scan(&a.Symbol, &kind, &size, &a.Confidence, &ts, &a.Degraded, &a.Reason); err != nil {
			return nil, err
		}
		a.Kind = domain.ActionKind(kind)
		a.DecisionTime = fromUnixNano(ts)
		if a.TargetSize, err = decimal.NewFromString(size); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
