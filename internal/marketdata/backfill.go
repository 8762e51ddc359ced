package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/store"
	"gotothemoon/internal/util"
)

// MultiBarsClient is the part of the Alpaca market-data client the backfill
// uses.
type MultiBarsClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// BackfillConfig configures a daily bar backfill.
type BackfillConfig struct {
	Symbols    []string
	Start, End time.Time
	Feed       marketdata.Feed // default sip
	BatchSize  int             // symbols per request, default 100
	Workers    int             // concurrent requests, default 4
	// RatePerMin caps requests per minute. Zero means 200, the free plan
	// limit.
	RatePerMin int
}

// BackfillResult counts what a backfill did.
type BackfillResult struct {
	Bars    int64
	Symbols int64 // symbols that returned at least one bar
	Empty   int64 // symbols that returned nothing
}

// Backfill downloads daily bars for cfg.Symbols and writes them to bs, which
// merges them with bars already stored. Batches run concurrently; the first
// failed batch cancels the rest.
func Backfill(ctx context.Context, client MultiBarsClient, bs store.BarStore, cfg BackfillConfig, log *zap.Logger) (BackfillResult, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 200
	}
	if cfg.Feed == "" {
		cfg.Feed = "sip"
	}
	log = util.OrNop(log).With(zap.String("component", "backfill"))
	limiter := util.NewRateLimiter(float64(cfg.RatePerMin)/60, 1)

	symbols := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		symbols[i] = strings.ToUpper(s)
	}

	var bars, hits atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := 0; i < len(symbols); i += cfg.BatchSize {
		batch := symbols[i:min(i+cfg.BatchSize, len(symbols))]
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			got, err := fetchDailyBars(client, batch, cfg)
			if err != nil {
				return err
			}
			if len(got) == 0 {
				return nil
			}
			if err := bs.WriteBars(gctx, domain.MarketUS, got); err != nil {
				return fmt.Errorf("writing bars: %w", err)
			}
			seen := make(map[string]bool)
			for _, b := range got {
				seen[b.Symbol] = true
			}
			bars.Add(int64(len(got)))
			hits.Add(int64(len(seen)))
			return nil
		})
	}
	err := g.Wait()

	res := BackfillResult{Bars: bars.Load(), Symbols: hits.Load()}
	res.Empty = int64(len(symbols)) - res.Symbols
	if err != nil {
		return res, err
	}
	log.Info("backfill complete",
		zap.Int64("bars", res.Bars),
		zap.Int64("symbols", res.Symbols),
		zap.Int64("empty", res.Empty))
	return res, nil
}

func fetchDailyBars(client MultiBarsClient, symbols []string, cfg BackfillConfig) ([]domain.Bar, error) {
	multiBars, err := client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     cfg.Start,
		End:       cfg.End,
		Feed:      cfg.Feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp,
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, nil
}
