package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gotothemoon/internal/domain"
)

// RunLive consumes src until it is exhausted or ctx is cancelled. Events are
// dispatched to one worker goroutine per symbol, so a slow adapter call for
// one symbol never delays another. Each worker also polls its open orders
// every SyncInterval. A worker whose backlog is full drops the incoming event
// rather than block the dispatcher. Call Shutdown afterwards.
func (e *Engine) RunLive(ctx context.Context, src EventSource) error {
	g, gctx := errgroup.WithContext(ctx)
	queues := make(map[string]chan domain.MarketEvent)

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			ev, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}

			q, ok := queues[ev.Symbol]
			if !ok {
				q = make(chan domain.MarketEvent, e.opts.QueueSize)
				queues[ev.Symbol] = q
				symbol := ev.Symbol
				g.Go(func() error { return e.worker(gctx, symbol, q) })
			}
			select {
			case q <- ev:
			default:
				e.log.Warn("worker backlog full, dropping event",
					zap.String("symbol", ev.Symbol), zap.Uint64("seq", ev.Seq))
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) worker(ctx context.Context, symbol string, events <-chan domain.MarketEvent) error {
	log := e.log.With(zap.String("symbol", symbol))
	log.Info("worker started")
	defer log.Info("worker stopped")

	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.ProcessEvent(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("process event", zap.Uint64("seq", ev.Seq), zap.Error(err))
			}
		case <-ticker.C:
			if err := e.syncSymbol(ctx, symbol); err != nil && ctx.Err() == nil {
				log.Warn("periodic sync", zap.Error(err))
			}
		}
	}
}
