// Package backtest replays a recorded event range through the execution
// engine against the simulated venue and reports performance.
//
// A run is deterministic: order ids are sequential, order timestamps come
// from event time and the model is called inline, so the same events and
// the same model always produce the same report.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gotothemoon/internal/broker"
	"gotothemoon/internal/decision"
	"gotothemoon/internal/domain"
	"gotothemoon/internal/engine"
	"gotothemoon/internal/ledger"
	"gotothemoon/internal/marketdata"
	"gotothemoon/internal/metrics"
	"gotothemoon/internal/order"
	"gotothemoon/internal/store"
	"gotothemoon/internal/util"
)

// Config describes one backtest.
type Config struct {
	Run            string
	InitialCapital decimal.Decimal
	Limits         domain.RiskLimits
	Costs          broker.CostModel
	// Participation caps simulated fills at this fraction of event volume.
	Participation decimal.Decimal
	AllowShort    bool
	// Engine options. Clock and DecisionTimeout are ignored: replays run on
	// event time and call the model inline.
	Engine  engine.Options
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// resetter is implemented by stateful models that can start over.
type resetter interface {
	Reset()
}

// Harness runs backtests.
type Harness struct {
	cfg Config
	log *zap.Logger
}

// New creates a Harness.
func New(cfg Config) *Harness {
	if cfg.Run == "" {
		cfg.Run = "backtest"
	}
	return &Harness{cfg: cfg, log: util.OrNop(cfg.Logger).With(zap.String("component", "backtest"), zap.String("run", cfg.Run))}
}

// Run replays src through a fresh engine, simulator and ledger driven by
// port. Replayable sources are rewound first. Orders still resting after
// the last event are cancelled and the report is built from the ledger and
// fill history.
func (h *Harness) Run(ctx context.Context, src marketdata.Source, port decision.Port) (*Report, error) {
	if r, ok := src.(marketdata.Replayable); ok {
		r.Reset()
	}
	if r, ok := port.(resetter); ok {
		r.Reset()
	}

	sim := broker.NewSimulatorBroker(broker.SimulatorConfig{
		InitialCash:   h.cfg.InitialCapital,
		FillModel:     h.cfg.Costs,
		Participation: h.cfg.Participation,
		AllowShort:    h.cfg.AllowShort,
	})
	book := order.NewBook(order.SequentialIDs("bt"))
	led := ledger.New(h.cfg.InitialCapital)

	opts := h.cfg.Engine
	opts.Clock = nil
	opts.DecisionTimeout = 0
	eng, err := engine.NewEngine(engine.Deps{
		Broker:  sim,
		Model:   port,
		Book:    book,
		Ledger:  led,
		Limits:  h.cfg.Limits,
		Metrics: h.cfg.Metrics,
		Logger:  h.cfg.Logger,
	}, opts)
	if err != nil {
		return nil, err
	}

	var curve []store.EquityPoint
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading events: %w", err)
		}
		if err := eng.ProcessEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("processing %s seq %d: %w", ev.Symbol, ev.Seq, err)
		}
		curve = append(curve, store.EquityPoint{Timestamp: ev.Timestamp, Equity: led.Equity(eng.LastPrices())})
	}

	orphans := eng.Shutdown(ctx)
	if len(curve) > 0 {
		// The final sync in Shutdown can still book pending fills.
		curve[len(curve)-1].Equity = led.Equity(eng.LastPrices())
	}

	rep := buildReport(h.cfg, eng, curve, orphans)
	h.log.Info("backtest finished",
		zap.Int("events", eng.Stats().Events),
		zap.Int("fills", rep.Trades),
		zap.String("final_equity", rep.FinalEquity.StringFixed(2)),
		zap.Float64("total_return", rep.TotalReturn),
	)
	return rep, nil
}
