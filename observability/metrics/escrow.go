package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks runtime calls, escrowed balances and the HTTP surface.
type EscrowMetrics struct {
	calls       *prometheus.CounterVec
	escrowed    *prometheus.GaugeVec
	published   prometheus.Counter
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	throttles   *prometheus.CounterVec
	streamPeers prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised registry for the node.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "proposal_calls_total",
				Help: "State-changing calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			escrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "proposal_escrowed_amount",
				Help: "Units currently held by funded instances, per token.",
			}, []string{"token"}),
			published: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "proposal_events_published_total",
				Help: "Journal records committed and published to subscribers.",
			}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_http_requests_total",
				Help: "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "escrow_http_request_duration_seconds",
				Help:    "Latency distribution for HTTP handlers.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_http_throttles_total",
				Help: "Requests rejected by the per-caller rate limiter.",
			}, []string{"route"}),
			streamPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_event_stream_connections",
				Help: "Open websocket event stream connections.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.calls,
			escrowRegistry.escrowed,
			escrowRegistry.published,
			escrowRegistry.requests,
			escrowRegistry.latency,
			escrowRegistry.throttles,
			escrowRegistry.streamPeers,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveCall(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.calls.WithLabelValues(operation, outcome).Inc()
}

// AddEscrowed moves the escrowed gauge of token by delta units. Amounts beyond
// float64 precision are approximated.
func (m *EscrowMetrics) AddEscrowed(token string, delta *big.Int) {
	if m == nil || delta == nil || delta.Sign() == 0 {
		return
	}
	value, _ := new(big.Float).SetInt(delta).Float64()
	m.escrowed.WithLabelValues(normalizeLabel(token)).Add(value)
}

func (m *EscrowMetrics) ObservePublished(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.published.Add(float64(count))
}

func (m *EscrowMetrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(normalizeLabel(route), statusLabel(status)).Inc()
	m.latency.WithLabelValues(normalizeLabel(route)).Observe(elapsed.Seconds())
}

func (m *EscrowMetrics) ObserveThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(route)).Inc()
}

func (m *EscrowMetrics) StreamOpened() {
	if m != nil {
		m.streamPeers.Inc()
	}
}

func (m *EscrowMetrics) StreamClosed() {
	if m != nil {
		m.streamPeers.Dec()
	}
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
