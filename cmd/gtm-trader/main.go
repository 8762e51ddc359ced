package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gotothemoon/internal/api"
	"gotothemoon/internal/broker"
	"gotothemoon/internal/config"
	"gotothemoon/internal/decision/builtins"
	"gotothemoon/internal/domain"
	"gotothemoon/internal/engine"
	"gotothemoon/internal/ledger"
	"gotothemoon/internal/marketdata"
	"gotothemoon/internal/metrics"
	"gotothemoon/internal/order"
	"gotothemoon/internal/store"
	"gotothemoon/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfgFlag := flag.String("config", "", "config file (default $GOTOTHEMOON_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("trader stopped with error", zap.Error(err))
	}
	logger.Info("trader stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return err
	}
	journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	// Rebuild the portfolio from every fill journaled so far.
	led := ledger.New(decimal.NewFromFloat(cfg.Broker.InitialCash))
	fills, err := journal.ListFills(ctx)
	if err != nil {
		return err
	}
	if err := led.Replay(fills); err != nil {
		return err
	}

	venue, err := buildBroker(ctx, cfg, m, logger)
	if err != nil {
		return err
	}

	model, closeModel, err := builtins.FromConfig(cfg.Decision)
	if err != nil {
		return err
	}
	defer closeModel()

	hub := api.NewHub(logger)
	eng, err := engine.NewEngine(engine.Deps{
		Broker:  venue,
		Model:   model,
		Book:    order.NewBook(nil),
		Ledger:  led,
		Limits:  cfg.RiskLimits(),
		Journal: engine.Journals(journal, hub),
		Metrics: m,
		Logger:  logger,
	}, engine.Options{
		Window:          cfg.Execution.Window,
		AllowOverlap:    cfg.Execution.AllowOverlap,
		OrderType:       domain.OrderType(cfg.Execution.OrderType),
		Retry:           cfg.RetryPolicy(),
		DecisionTimeout: cfg.Execution.DecisionTimeout,
		SyncInterval:    cfg.Execution.SyncInterval,
		QueueSize:       cfg.Execution.QueueSize,
		Clock:           time.Now,
	})
	if err != nil {
		return err
	}

	open, err := journal.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	if err := eng.Reconcile(ctx, open); err != nil {
		return fmt.Errorf("reconciling journal: %w", err)
	}
	for _, o := range eng.Orphans() {
		logger.Warn("orphaned order reconciled",
			zap.String("order", o.OrderID), zap.String("symbol", o.Symbol),
			zap.String("state", string(o.State)), zap.String("resolution", o.Resolution))
	}

	src, stopSource := buildSource(ctx, cfg, logger)
	defer stopSource()

	metricsSrv := metrics.NewServer(cfg.Server.MetricsAddr, reg, logger)
	metricsSrv.Handle("/ws", hub)
	metricsSrv.Start()
	grpcSrv := api.NewServer(cfg.Server.GRPCAddr, api.NewExecutionService(eng), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return grpcSrv.ListenAndServe(gctx) })
	g.Go(func() error {
		logger.Info("trading", zap.Strings("symbols", cfg.Feed.Symbols), zap.String("broker", venue.Name()))
		return eng.RunLive(gctx, src)
	})
	runErr := g.Wait()

	// Shutdown runs on a fresh context: the signal context is already done.
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	for _, o := range eng.Shutdown(sctx) {
		logger.Warn("orphan report",
			zap.String("order", o.OrderID), zap.String("symbol", o.Symbol),
			zap.String("broker_order", o.BrokerOrderID), zap.String("state", string(o.State)),
			zap.String("resolution", o.Resolution), zap.String("reason", o.Reason))
	}
	if err := metricsSrv.Stop(sctx); err != nil {
		logger.Warn("stopping metrics server", zap.Error(err))
	}
	return runErr
}

// buildBroker assembles the venue: the configured adapter, an optional
// shadow simulator, the rate limiter and key deduplication.
func buildBroker(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) (broker.Broker, error) {
	sim := broker.NewSimulatorBroker(broker.SimulatorConfig{
		InitialCash: decimal.NewFromFloat(cfg.Broker.InitialCash),
		FillModel:   cfg.CostModel(),
	})

	var b broker.Broker
	switch cfg.Broker.Kind {
	case "alpaca":
		live := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, logger)
		live.StartTradeUpdates(ctx)
		b = live
		if cfg.Broker.Shadow {
			b = broker.NewShadow(live, sim, engine.DivergenceAlert(logger, m))
		}
	case "simulator":
		b = sim
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
	if cfg.Broker.Throttle {
		b = broker.NewThrottled(b)
	}
	if !b.Capabilities().ClientOrderID {
		b = broker.NewDeduper(b, cfg.Broker.DedupWindow, nil)
	}
	return b, nil
}

// buildSource opens the configured live feed. The returned stop function
// releases it.
func buildSource(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.EventSource, func()) {
	if cfg.Feed.Kind == "websocket" {
		ws := marketdata.NewWebSocketSource(marketdata.WebSocketConfig{
			URL:     cfg.Feed.URL,
			Symbols: cfg.Feed.Symbols,
		}, logger)
		ws.Start(ctx)
		return ws, ws.Close
	}
	client := marketdata.NewAlpacaClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	return marketdata.NewAlpacaPoller(client, marketdata.PollerConfig{
		Symbols:     cfg.Feed.Symbols,
		Feed:        cfg.Feed.DataFeed,
		Interval:    cfg.Feed.Interval,
		SessionOnly: cfg.Feed.SessionOnly,
	}, logger), func() {}
}
