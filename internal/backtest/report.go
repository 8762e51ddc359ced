package backtest

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/engine"
	"gotothemoon/internal/ledger"
	"gotothemoon/internal/store"
	"gotothemoon/internal/util"
)

const tradingDaysPerYear = 252

// Report summarises a backtest. Ratios are fractions (0.05 is 5%).
type Report struct {
	Run            string          `json:"run"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	Events         int             `json:"events"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalEquity    decimal.Decimal `json:"final_equity"`

	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	// MaxDrawdown is the largest peak-to-trough fall of the equity curve as
	// a positive fraction of the peak.
	MaxDrawdown float64 `json:"max_drawdown"`
	// Sharpe uses daily equity returns, annualized by sqrt(252), risk free 0.
	Sharpe float64 `json:"sharpe"`

	Trades       int     `json:"trades"`
	RoundTrips   int     `json:"round_trips"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`

	Orders       int `json:"orders"`
	Rejected     int `json:"rejected"`
	RiskRejected int `json:"risk_rejected"`
	Degraded     int `json:"degraded_decisions"`

	Fees        decimal.Decimal `json:"fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`

	Ledger      ledger.Snapshot     `json:"ledger"`
	Fills       []domain.Fill       `json:"fills"`
	EquityCurve []store.EquityPoint `json:"equity_curve"`
	Orphans     []engine.Orphan     `json:"orphans"`
}

func buildReport(cfg Config, eng *engine.Engine, curve []store.EquityPoint, orphans []engine.Orphan) *Report {
	led := eng.Ledger()
	stats := eng.Stats()
	snap := led.Snapshot()
	fills := led.Fills()

	r := &Report{
		Run:            cfg.Run,
		Events:         stats.Events,
		InitialCapital: cfg.InitialCapital,
		FinalEquity:    cfg.InitialCapital,
		Trades:         len(fills),
		Orders:         stats.Orders,
		Rejected:       stats.Rejected,
		RiskRejected:   stats.RiskRejected,
		Degraded:       stats.Degraded,
		Fees:           snap.Fees,
		RealizedPnL:    snap.RealizedPnL,
		Ledger:         snap,
		Fills:          fills,
		EquityCurve:    curve,
		Orphans:        orphans,
	}
	if r.Fills == nil {
		r.Fills = []domain.Fill{}
	}
	if r.EquityCurve == nil {
		r.EquityCurve = []store.EquityPoint{}
	}
	if r.Orphans == nil {
		r.Orphans = []engine.Orphan{}
	}
	if len(curve) > 0 {
		r.Start = curve[0].Timestamp
		r.End = curve[len(curve)-1].Timestamp
		r.FinalEquity = curve[len(curve)-1].Equity
	}

	initial, _ := cfg.InitialCapital.Float64()
	final, _ := r.FinalEquity.Float64()
	if initial > 0 {
		r.TotalReturn = (final - initial) / initial
		years := r.End.Sub(r.Start).Hours() / 24 / 365.25
		if years > 0 && 1+r.TotalReturn > 0 {
			r.AnnualizedReturn = math.Pow(1+r.TotalReturn, 1/years) - 1
		}
	}
	r.MaxDrawdown = maxDrawdown(curve)
	r.Sharpe = sharpe(dailyCloses(curve))
	r.RoundTrips, r.WinRate, r.ProfitFactor = closedTrades(fills)
	return r
}

func maxDrawdown(curve []store.EquityPoint) float64 {
	var peak, worst float64
	for i, p := range curve {
		v, _ := p.Equity.Float64()
		if i == 0 || v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// dailyCloses returns the last equity of each trading day.
func dailyCloses(curve []store.EquityPoint) []float64 {
	var (
		out     []float64
		lastDay string
	)
	for _, p := range curve {
		v, _ := p.Equity.Float64()
		d := util.TradingDay(p.Timestamp)
		if d == lastDay && len(out) > 0 {
			out[len(out)-1] = v
			continue
		}
		lastDay = d
		out = append(out, v)
	}
	return out
}

func sharpe(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		rets = append(rets, closes[i]/closes[i-1]-1)
	}
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(rets)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

// closedTrades replays fills through a scratch ledger and scores every fill
// that reduced a position. Profit factor is gross profit over gross loss and
// zero when nothing was lost.
func closedTrades(fills []domain.Fill) (n int, winRate, profitFactor float64) {
	scratch := ledger.New(decimal.Zero)
	var wins int
	grossWin, grossLoss := decimal.Zero, decimal.Zero
	for _, f := range fills {
		before := scratch.Position(f.Symbol).Qty
		realized := scratch.RealizedPnL()
		if _, err := scratch.Apply(f); err != nil {
			continue
		}
		if before.IsZero() || before.Sign() == f.Side.Sign().Sign() {
			continue
		}
		n++
		pnl := scratch.RealizedPnL().Sub(realized)
		switch {
		case pnl.IsPositive():
			wins++
			grossWin = grossWin.Add(pnl)
		case pnl.IsNegative():
			grossLoss = grossLoss.Add(pnl.Neg())
		}
	}
	if n > 0 {
		winRate = float64(wins) / float64(n)
	}
	if grossLoss.IsPositive() {
		profitFactor, _ = grossWin.Div(grossLoss).Float64()
	}
	return n, winRate, profitFactor
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Save writes report.json, fills.parquet and equity.parquet into dir.
func (r *Report) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "report.json"))
	if err != nil {
		return err
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("writing report: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := store.WriteFills(filepath.Join(dir, "fills.parquet"), r.Fills); err != nil {
		return fmt.Errorf("writing fills: %w", err)
	}
	if err := store.WriteEquityCurve(filepath.Join(dir, "equity.parquet"), r.EquityCurve); err != nil {
		return fmt.Errorf("writing equity curve: %w", err)
	}
	return nil
}

// Summary writes a human-readable summary.
func (r *Report) Summary(w io.Writer) {
	pct := func(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }
	fmt.Fprintf(w, "Run:               %s\n", r.Run)
	fmt.Fprintf(w, "Period:            %s .. %s (%d events)\n", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Events)
	fmt.Fprintf(w, "Initial capital:   %s\n", r.InitialCapital.StringFixed(2))
	fmt.Fprintf(w, "Final equity:      %s\n", r.FinalEquity.StringFixed(2))
	fmt.Fprintf(w, "Total return:      %s\n", pct(r.TotalReturn))
	fmt.Fprintf(w, "Annualized return: %s\n", pct(r.AnnualizedReturn))
	fmt.Fprintf(w, "Max drawdown:      %s\n", pct(r.MaxDrawdown))
	fmt.Fprintf(w, "Sharpe:            %.2f\n", r.Sharpe)
	fmt.Fprintf(w, "Fills:             %d (%d round trips, win rate %s)\n", r.Trades, r.RoundTrips, pct(r.WinRate))
	fmt.Fprintf(w, "Orders:            %d (%d rejected, %d by risk)\n", r.Orders, r.Rejected, r.RiskRejected)
	fmt.Fprintf(w, "Degraded holds:    %d\n", r.Degraded)
	fmt.Fprintf(w, "Realized PnL:      %s (fees %s)\n", r.RealizedPnL.StringFixed(2), r.Fees.StringFixed(2))
	if len(r.Orphans) > 0 {
		fmt.Fprintf(w, "Orphans:           %d\n", len(r.Orphans))
	}
}
