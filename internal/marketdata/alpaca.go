package marketdata

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"go.uber.org/zap"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

// LatestBarsClient is the part of the Alpaca market-data client the poller
// uses.
type LatestBarsClient interface {
	GetLatestBars(symbols []string, req marketdata.GetLatestBarRequest) (map[string]marketdata.Bar, error)
}

// PollerConfig configures an AlpacaPoller.
type PollerConfig struct {
	Symbols  []string
	Feed     string        // "iex" or "sip"
	Interval time.Duration // default 1m
	// SessionOnly drops bars stamped outside the regular NYSE session.
	SessionOnly bool
}

// AlpacaPoller is a live source that polls Alpaca for the latest minute bar
// of each symbol and emits every bar it has not emitted before.
type AlpacaPoller struct {
	client   LatestBarsClient
	cfg      PollerConfig
	calendar *util.TradingCalendar
	seq      *sequencer
	pending  []domain.MarketEvent
	polled   bool
	log      *zap.Logger
}

// NewAlpacaClient builds the Alpaca market-data client used by the poller.
func NewAlpacaClient(apiKey, apiSecret, dataURL string) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return marketdata.NewClient(opts)
}

// NewAlpacaPoller creates a poller over client.
func NewAlpacaPoller(client LatestBarsClient, cfg PollerConfig, log *zap.Logger) *AlpacaPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	symbols := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		symbols[i] = strings.ToUpper(s)
	}
	sort.Strings(symbols)
	cfg.Symbols = symbols

	return &AlpacaPoller{
		client:   client,
		cfg:      cfg,
		calendar: util.NewTradingCalendar(domain.MarketUS),
		seq:      newSequencer(),
		log:      util.OrNop(log).With(zap.String("component", "alpaca-poller")),
	}
}

// Next blocks until a new bar is available or ctx is done.
func (p *AlpacaPoller) Next(ctx context.Context) (domain.MarketEvent, error) {
	for len(p.pending) == 0 {
		if p.polled {
			timer := time.NewTimer(p.cfg.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return domain.MarketEvent{}, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return domain.MarketEvent{}, err
		}
		p.polled = true
		p.poll()
	}
	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}

func (p *AlpacaPoller) poll() {
	bars, err := p.client.GetLatestBars(p.cfg.Symbols, marketdata.GetLatestBarRequest{
		Feed: marketdata.Feed(p.cfg.Feed),
	})
	if err != nil {
		// A failed poll is retried on the next tick.
		p.log.Warn("latest bars request failed", zap.Error(err))
		return
	}

	for _, sym := range p.cfg.Symbols {
		ab, ok := bars[sym]
		if !ok || ab.Close <= 0 {
			continue
		}
		if p.cfg.SessionOnly && !p.calendar.IsRegularSession(ab.Timestamp) {
			continue
		}
		if last, seen := p.seq.ts[sym]; seen && !ab.Timestamp.After(last) {
			continue
		}
		ev, ok := p.seq.assign(domain.EventFromBar(domain.Bar{
			Symbol:     sym,
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		}))
		if ok {
			p.pending = append(p.pending, ev)
		}
	}
}
