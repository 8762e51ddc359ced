package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gotothemoon/internal/backtest"
	"gotothemoon/internal/config"
	"gotothemoon/internal/decision/builtins"
	"gotothemoon/internal/domain"
	"gotothemoon/internal/engine"
	"gotothemoon/internal/marketdata"
	"gotothemoon/internal/store"
	"gotothemoon/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "config file (default $GOTOTHEMOON_CONFIG or "+config.DefaultPath+")")
	run := flag.String("run", "", "run name (default bt-<timestamp>)")
	symbols := flag.String("symbols", "", "comma separated symbols, overrides backtest.symbols")
	csvPath := flag.String("csv", "", "wide CSV of closes, overrides backtest.csv_path")
	jsonOut := flag.Bool("json", false, "print the report as JSON instead of a summary")
	fetch := flag.Bool("fetch", false, "download daily bars from Alpaca into the parquet store first")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *symbols != "" {
		cfg.Backtest.Symbols = strings.Split(strings.ToUpper(*symbols), ",")
	}
	if *csvPath != "" {
		cfg.Backtest.CSVPath = *csvPath
	}
	if *run == "" {
		*run = "bt-" + time.Now().UTC().Format("20060102-150405")
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *fetch {
		if err := backfill(ctx, cfg, logger); err != nil {
			logger.Fatal("backfill failed", zap.Error(err))
		}
	}
	if err := runBacktest(ctx, cfg, *run, *jsonOut, logger); err != nil {
		logger.Fatal("backtest failed", zap.Error(err))
	}
}

func backfill(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if len(cfg.Backtest.Symbols) == 0 {
		return fmt.Errorf("backfill needs backtest.symbols")
	}
	start, end, err := cfg.BacktestRange()
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.AddDate(-5, 0, 0)
	}
	client := marketdata.NewAlpacaClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	_, err = marketdata.Backfill(ctx, client, store.NewParquetStore(cfg.Storage.DataDir), marketdata.BackfillConfig{
		Symbols: cfg.Backtest.Symbols,
		Start:   start,
		End:     end,
	}, logger)
	return err
}

func runBacktest(ctx context.Context, cfg config.Config, run string, jsonOut bool, logger *zap.Logger) error {
	start, end, err := cfg.BacktestRange()
	if err != nil {
		return err
	}
	pstore := store.NewParquetStore(cfg.Storage.DataDir)

	var src *marketdata.SliceSource
	if cfg.Backtest.CSVPath != "" {
		src, err = marketdata.LoadCSVFile(cfg.Backtest.CSVPath, cfg.Backtest.Symbols, start, end)
	} else {
		symbols := cfg.Backtest.Symbols
		if len(symbols) == 0 {
			if symbols, err = pstore.ListSymbols(ctx, domain.MarketUS); err != nil {
				return fmt.Errorf("listing symbols: %w", err)
			}
		}
		src, err = marketdata.LoadParquet(ctx, pstore, domain.MarketUS, symbols, start, end)
	}
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	if src.Len() == 0 {
		return fmt.Errorf("no market data for %v in range", cfg.Backtest.Symbols)
	}
	logger.Info("events loaded", zap.Int("events", src.Len()), zap.Strings("symbols", cfg.Backtest.Symbols))

	model, closeModel, err := builtins.FromConfig(cfg.Decision)
	if err != nil {
		return err
	}
	defer closeModel()

	h := backtest.New(backtest.Config{
		Run:            run,
		InitialCapital: decimal.NewFromFloat(cfg.Backtest.InitialCapital),
		Limits:         cfg.RiskLimits(),
		Costs:          cfg.CostModel(),
		Participation:  decimal.NewFromFloat(cfg.Backtest.Participation),
		AllowShort:     cfg.Backtest.AllowShort,
		Engine: engine.Options{
			Window:       cfg.Execution.Window,
			AllowOverlap: cfg.Execution.AllowOverlap,
			OrderType:    domain.OrderType(cfg.Execution.OrderType),
			Retry:        cfg.RetryPolicy(),
		},
		Logger: logger,
	})
	rep, err := h.Run(ctx, src, model)
	if err != nil {
		return err
	}

	dir := pstore.RunDir(run)
	if cfg.Backtest.OutputDir != "" {
		dir = filepath.Join(cfg.Backtest.OutputDir, run)
	}
	if err := rep.Save(dir); err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	logger.Info("report saved", zap.String("dir", dir))

	if jsonOut {
		return rep.WriteJSON(os.Stdout)
	}
	rep.Summary(os.Stdout)
	return nil
}
