package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

// Message is one event pushed to websocket subscribers.
type Message struct {
	Type string    `json:"type"` // "order", "fill" or "action"
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

type envelope struct {
	typ string
	raw []byte
}

// subscriber is one websocket connection. An empty types set receives
// everything.
type subscriber struct {
	conn  *websocket.Conn
	out   chan []byte
	types map[string]struct{}
}

func (s *subscriber) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

// Hub pushes journal events (orders, fills and actions) to websocket
// subscribers. It satisfies engine.Journal so the trader chains it after the
// persistent journal. Subscribers pick event types with the query parameter
// ?types=order,fill.
type Hub struct {
	subs     map[*subscriber]struct{}
	events   chan envelope
	join     chan *subscriber
	leave    chan *subscriber
	upgrader websocket.Upgrader
	now      func() time.Time
	log      *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewHub returns a hub; call Run to start delivery.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subs:     make(map[*subscriber]struct{}),
		events:   make(chan envelope, 256),
		join:     make(chan *subscriber),
		leave:    make(chan *subscriber),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		now:      time.Now,
		log:      util.OrNop(log).With(zap.String("component", "ws-hub")),
		stopped:  make(chan struct{}),
	}
}

// Run delivers events until ctx is cancelled, then disconnects every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.stopped) })
	drop := func(s *subscriber) {
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.out)
		}
	}
	for {
		select {
		case <-ctx.Done():
			for s := range h.subs {
				drop(s)
			}
			return
		case s := <-h.join:
			h.subs[s] = struct{}{}
		case s := <-h.leave:
			drop(s)
		case ev := <-h.events:
			for s := range h.subs {
				if !s.wants(ev.typ) {
					continue
				}
				select {
				case s.out <- ev.raw:
				default:
					h.log.Debug("dropping slow subscriber")
					drop(s)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	types := make(map[string]struct{})
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = struct{}{}
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s := &subscriber{conn: conn, out: make(chan []byte, 64), types: types}
	select {
	case h.join <- s:
	case <-h.stopped:
		conn.Close()
		return
	}
	go h.write(s)
	go h.read(s)
}

// Publish queues a message for every client. It never blocks: when the
// broadcast queue is full the message is dropped.
func (h *Hub) Publish(typ string, data any) {
	raw, err := json.Marshal(Message{Type: typ, At: h.now().UTC(), Data: data})
	if err != nil {
		h.log.Warn("encoding message", zap.Error(err))
		return
	}
	select {
	case h.events <- envelope{typ: typ, raw: raw}:
	default:
		h.log.Warn("broadcast queue full, dropping message", zap.String("type", typ))
	}
}

// SaveOrder publishes an order update.
func (h *Hub) SaveOrder(_ context.Context, o domain.Order) error {
	h.Publish("order", o)
	return nil
}

// AppendFill publishes a fill.
func (h *Hub) AppendFill(_ context.Context, f domain.Fill) error {
	h.Publish("fill", f)
	return nil
}

// RecordAction publishes a decision.
func (h *Hub) RecordAction(_ context.Context, a domain.Action) error {
	h.Publish("action", a)
	return nil
}

func (h *Hub) write(s *subscriber) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer s.conn.Close()
	deadline := func() { _ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) }
	for {
		select {
		case msg, ok := <-s.out:
			deadline()
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			deadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// read discards inbound frames and unsubscribes on disconnect.
func (h *Hub) read(s *subscriber) {
	defer s.conn.Close()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.leave <- s:
	case <-h.stopped:
	}
}
