// Package ledger implements the portfolio ledger: cash, positions and
// profit-and-loss derived exclusively from applied fills.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

// Ledger is safe for concurrent use. All position and PnL mutation goes
// through Apply; cash can additionally move through Deposit and Withdraw.
type Ledger struct {
	mu sync.Mutex

	cash      decimal.Decimal
	positions map[string]*domain.Position
	realized  decimal.Decimal
	fees      decimal.Decimal
	netFlows  decimal.Decimal // deposits minus withdrawals, excluding the opening balance
	opening   decimal.Decimal

	dailyRealized map[string]decimal.Decimal // trading day -> realized PnL
	seen          map[string]struct{}
	fills         []domain.Fill
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Cash        decimal.Decimal   `json:"cash"`
	Positions   []domain.Position `json:"positions"`
	RealizedPnL decimal.Decimal   `json:"realized_pnl"`
	Fees        decimal.Decimal   `json:"fees"`
	NetFlows    decimal.Decimal   `json:"net_flows"`
}

// New creates a ledger holding openingCash and no positions.
func New(openingCash decimal.Decimal) *Ledger {
	return &Ledger{
		cash:          openingCash,
		opening:       openingCash,
		positions:     make(map[string]*domain.Position),
		dailyRealized: make(map[string]decimal.Decimal),
		seen:          make(map[string]struct{}),
	}
}

// Apply books a fill. Fills with an id that was already applied are ignored
// and reported as (false, nil).
func (l *Ledger) Apply(f domain.Fill) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if f.ID != "" {
		if _, dup := l.seen[f.ID]; dup {
			return false, nil
		}
		l.seen[f.ID] = struct{}{}
	}

	notional := f.Qty.Mul(f.Price)
	if f.Side == domain.SideBuy {
		l.cash = l.cash.Sub(notional)
	} else {
		l.cash = l.cash.Add(notional)
	}
	l.cash = l.cash.Sub(f.Fee)
	l.fees = l.fees.Add(f.Fee)

	pos, ok := l.positions[f.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: f.Symbol}
		l.positions[f.Symbol] = pos
	}
	pnl := applyToPosition(pos, f.Side.Sign().Mul(f.Qty), f.Price)
	if !pnl.IsZero() {
		l.realized = l.realized.Add(pnl)
		day := util.TradingDay(f.Timestamp)
		l.dailyRealized[day] = l.dailyRealized[day].Add(pnl)
	}
	if pos.Qty.IsZero() {
		delete(l.positions, f.Symbol)
	}

	l.fills = append(l.fills, f)
	return true, nil
}

// applyToPosition moves pos by the signed quantity delta at price and returns
// the realized PnL of the closed portion. Opening or adding uses a
// quantity-weighted average cost; crossing through zero reopens the remainder
// at price.
func applyToPosition(pos *domain.Position, delta, price decimal.Decimal) decimal.Decimal {
	q := pos.Qty
	if q.IsZero() || q.Sign() == delta.Sign() {
		newQty := q.Add(delta)
		pos.AvgCost = q.Abs().Mul(pos.AvgCost).Add(delta.Abs().Mul(price)).Div(newQty.Abs())
		pos.Qty = newQty
		return decimal.Zero
	}

	closing := decimal.Min(q.Abs(), delta.Abs())
	// long: (price - avg) * closed; short: (avg - price) * closed
	pnl := price.Sub(pos.AvgCost).Mul(closing).Mul(decimal.NewFromInt(int64(q.Sign())))

	newQty := q.Add(delta)
	switch {
	case newQty.IsZero():
		pos.AvgCost = decimal.Zero
	case newQty.Sign() != q.Sign():
		pos.AvgCost = price
	}
	pos.Qty = newQty
	return pnl
}

// Deposit adds external cash.
func (l *Ledger) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit must be positive, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Add(amount)
	l.netFlows = l.netFlows.Add(amount)
	return nil
}

// Withdraw removes external cash. The ledger never goes below zero cash
// through a withdrawal.
func (l *Ledger) Withdraw(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("withdrawal must be positive, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.GreaterThan(l.cash) {
		return fmt.Errorf("withdrawal %s exceeds cash %s", amount, l.cash)
	}
	l.cash = l.cash.Sub(amount)
	l.netFlows = l.netFlows.Sub(amount)
	return nil
}

// Replay rebuilds state from a journal of fills, in order.
func (l *Ledger) Replay(fills []domain.Fill) error {
	for _, f := range fills {
		if _, err := l.Apply(f); err != nil {
			return fmt.Errorf("replaying fill %s: %w", f.ID, err)
		}
	}
	return nil
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// OpeningCash returns the cash the ledger was created with.
func (l *Ledger) OpeningCash() decimal.Decimal {
	return l.opening
}

// RealizedPnL returns cumulative realized PnL, excluding fees.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

// RealizedOn returns realized PnL booked on the given trading day (YYYY-MM-DD).
func (l *Ledger) RealizedOn(day string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dailyRealized[day]
}

// Fees returns cumulative fees paid.
func (l *Ledger) Fees() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fees
}

// Position returns the holding for symbol; the zero Position when flat.
func (l *Ledger) Position(symbol string) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		return *p
	}
	return domain.Position{Symbol: symbol}
}

// Positions returns open positions sorted by symbol.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionsLocked()
}

func (l *Ledger) positionsLocked() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UnrealizedPnL marks open positions to prices. Symbols without a price are
// marked at cost and contribute nothing.
func (l *Ledger) UnrealizedPnL(prices map[string]decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for sym, p := range l.positions {
		px, ok := prices[sym]
		if !ok {
			continue
		}
		total = total.Add(px.Sub(p.AvgCost).Mul(p.Qty))
	}
	return total
}

// Equity returns cash plus the market value of all positions. Symbols without
// a price are valued at cost.
func (l *Ledger) Equity(prices map[string]decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	eq := l.cash
	for sym, p := range l.positions {
		px, ok := prices[sym]
		if !ok {
			px = p.AvgCost
		}
		eq = eq.Add(p.Qty.Mul(px))
	}
	return eq
}

// Fills returns applied fills in application order.
func (l *Ledger) Fills() []domain.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Snapshot returns a copy of the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Cash:        l.cash,
		Positions:   l.positionsLocked(),
		RealizedPnL: l.realized,
		Fees:        l.fees,
		NetFlows:    l.netFlows,
	}
}

// BookValue returns cash + Σ qty*avgCost. For any fill sequence it equals
// opening cash + net flows + realized PnL - fees.
func (s Snapshot) BookValue() decimal.Decimal {
	v := s.Cash
	for _, p := range s.Positions {
		v = v.Add(p.Qty.Mul(p.AvgCost))
	}
	return v
}
