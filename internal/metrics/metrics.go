// Package metrics exposes the execution core's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so replays can run without a
// registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

const namespace = "gotothemoon"

// Metrics holds every collector the core updates.
type Metrics struct {
	orders      *prometheus.CounterVec
	fills       *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	riskRejects *prometheus.CounterVec
	retries     *prometheus.CounterVec
	divergences prometheus.Counter
	orphans     prometheus.Counter
	equity      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Orders entering each lifecycle state.",
		}, []string{"state"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Fills applied to the ledger.",
		}, []string{"symbol", "side"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions returned by the model, by kind.",
		}, []string{"kind", "degraded"}),
		riskRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Orders rejected by the pre-trade risk check.",
		}, []string{"limit"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_retries_total",
			Help:      "Retried adapter calls after transient failures.",
		}, []string{"op"}),
		divergences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "divergences_total",
			Help:      "Live and simulated adapters disagreeing on an order.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_orders_total",
			Help:      "Orders reported as orphaned at shutdown or reconciliation.",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Ledger equity marked at the last observed prices.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.orders, m.fills, m.decisions, m.riskRejects, m.retries, m.divergences, m.orphans, m.equity,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// OrderState counts an order entering state.
func (m *Metrics) OrderState(state domain.OrderState) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(string(state)).Inc()
}

// Fill counts an applied fill.
func (m *Metrics) Fill(f domain.Fill) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(f.Symbol, string(f.Side)).Inc()
}

// Decision counts a decision.
func (m *Metrics) Decision(a domain.Action) {
	if m == nil {
		return
	}
	degraded := "false"
	if a.Degraded {
		degraded = "true"
	}
	m.decisions.WithLabelValues(string(a.Kind), degraded).Inc()
}

// RiskRejection counts a risk check failure for limit.
func (m *Metrics) RiskRejection(limit string) {
	if m == nil {
		return
	}
	m.riskRejects.WithLabelValues(limit).Inc()
}

// Retry counts a retried adapter call.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// Divergence counts a divergence alert.
func (m *Metrics) Divergence() {
	if m == nil {
		return
	}
	m.divergences.Inc()
}

// Orphan counts an orphan report entry.
func (m *Metrics) Orphan() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

// Equity sets the equity gauge.
func (m *Metrics) Equity(v float64) {
	if m == nil {
		return
	}
	m.equity.Set(v)
}

// -----------------------------------------------------------------------
// HTTP exposition
// -----------------------------------------------------------------------

// Server serves /metrics for a registry.
type Server struct {
	srv *http.Server
	mux *http.ServeMux
	log *zap.Logger
}

// NewServer creates a metrics server on addr.
func NewServer(addr string, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux},
		mux: mux,
		log: util.OrNop(log).With(zap.String("component", "metrics_server")),
	}
}

// Handle mounts an extra handler next to /metrics. Call it before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("starting metrics server", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
