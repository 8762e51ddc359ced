package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

// Tick is the wire format of the websocket relay: one JSON object per
// message.
type Tick struct {
	Symbol string          `json:"symbol"`
	Time   time.Time       `json:"ts"`
	Price  decimal.Decimal `json:"price"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Volume decimal.Decimal `json:"volume"`
}

// WebSocketConfig configures a WebSocketSource.
type WebSocketConfig struct {
	URL string
	// Symbols, when set, is sent as {"subscribe":[...]} after connecting and
	// filters incoming ticks.
	Symbols      []string
	ReadTimeout  time.Duration // default 60s
	PingInterval time.Duration // default 30s
	Buffer       int           // default 1024
	MaxBackoff   time.Duration // default 30s
}

// WebSocketSource is a live source reading ticks from a websocket relay. It
// reconnects with exponential backoff until Close is called.
type WebSocketSource struct {
	cfg    WebSocketConfig
	filter map[string]bool
	events chan domain.MarketEvent
	log    *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	seq  *sequencer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketSource creates a source; call Start to connect.
func NewWebSocketSource(cfg WebSocketConfig, log *zap.Logger) *WebSocketSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	var filter map[string]bool
	if len(cfg.Symbols) > 0 {
		filter = make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			filter[strings.ToUpper(s)] = true
		}
	}
	return &WebSocketSource{
		cfg:    cfg,
		filter: filter,
		events: make(chan domain.MarketEvent, cfg.Buffer),
		seq:    newSequencer(),
		log:    util.OrNop(log).With(zap.String("component", "ws-source"), zap.String("url", cfg.URL)),
	}
}

// Start launches the connection loop.
func (s *WebSocketSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Close stops the connection loop. Next returns io.EOF once buffered events
// are drained.
func (s *WebSocketSource) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	s.wg.Wait()
}

// Next returns the next tick.
func (s *WebSocketSource) Next(ctx context.Context) (domain.MarketEvent, error) {
	select {
	case <-ctx.Done():
		return domain.MarketEvent{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return domain.MarketEvent{}, io.EOF
		}
		return ev, nil
	}
}

func (s *WebSocketSource) runLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	retry := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connect(ctx); err != nil {
			delay := backoff(retry, s.cfg.MaxBackoff)
			retry++
			s.log.Warn("websocket connect failed", zap.Error(err), zap.Int("retry", retry), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		retry = 0
		s.read(ctx)
	}
}

func (s *WebSocketSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	if len(s.cfg.Symbols) > 0 {
		if err := conn.WriteJSON(map[string][]string{"subscribe": s.cfg.Symbols}); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.pingLoop(ctx, conn)
	s.log.Info("websocket connected")
	return nil
}

func (s *WebSocketSource) read(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("websocket read failed", zap.Error(err))
			}
			s.closeConn()
			return
		}

		ev, ok := s.decode(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		default:
			s.log.Warn("event buffer full, dropping tick", zap.String("symbol", ev.Symbol))
		}
	}
}

func (s *WebSocketSource) decode(msg []byte) (domain.MarketEvent, bool) {
	var t Tick
	if err := json.Unmarshal(msg, &t); err != nil {
		s.log.Debug("ignoring malformed message", zap.Error(err))
		return domain.MarketEvent{}, false
	}
	t.Symbol = strings.ToUpper(t.Symbol)
	if t.Symbol == "" || !t.Price.IsPositive() || t.Time.IsZero() {
		return domain.MarketEvent{}, false
	}
	if s.filter != nil && !s.filter[t.Symbol] {
		return domain.MarketEvent{}, false
	}

	ev, ok := s.seq.assign(domain.MarketEvent{
		Symbol:    t.Symbol,
		Timestamp: t.Time.UTC(),
		Price:     t.Price,
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Volume:    t.Volume,
		Bid:       t.Bid,
		Ask:       t.Ask,
	})
	if !ok {
		s.log.Debug("dropping out-of-order tick", zap.String("symbol", t.Symbol))
	}
	return ev, ok
}

func (s *WebSocketSource) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn
			var err error
			if current {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			s.mu.Unlock()
			if !current {
				return
			}
			if err != nil {
				s.log.Warn("websocket ping failed", zap.Error(err))
				s.closeConn()
				return
			}
		}
	}
}

func (s *WebSocketSource) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func backoff(retry int, limit time.Duration) time.Duration {
	d := 500 * time.Millisecond
	for i := 0; i < retry && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
