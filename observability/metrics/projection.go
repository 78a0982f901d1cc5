package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProjectionMetrics tracks the client-side projection daemon.
type ProjectionMetrics struct {
	applied     prometheus.Counter
	skipped     *prometheus.CounterVec
	unavailable prometheus.Gauge
	lag         prometheus.Gauge
}

var (
	projectionOnce     sync.Once
	projectionRegistry *ProjectionMetrics
)

// Projection returns the lazily-initialised projection registry.
func Projection() *ProjectionMetrics {
	projectionOnce.Do(func() {
		projectionRegistry = &ProjectionMetrics{
			applied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "projection_events_applied_total",
				Help: "Journal records folded into projected views.",
			}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "projection_events_skipped_total",
				Help: "Journal records ignored by the fold, by reason.",
			}, []string{"reason"}),
			unavailable: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "projection_unavailable_instances",
				Help: "Instances that failed to load and are excluded from views.",
			}),
			lag: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "projection_cursor_lag",
				Help: "Difference between the node journal head and the local cursor.",
			}),
		}
		prometheus.MustRegister(
			projectionRegistry.applied,
			projectionRegistry.skipped,
			projectionRegistry.unavailable,
			projectionRegistry.lag,
		)
	})
	return projectionRegistry
}

func (m *ProjectionMetrics) ObserveApplied(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.applied.Add(float64(count))
}

func (m *ProjectionMetrics) ObserveSkipped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *ProjectionMetrics) SetUnavailable(count int) {
	if m != nil {
		m.unavailable.Set(float64(count))
	}
}

func (m *ProjectionMetrics) SetLag(head, cursor int64) {
	if m == nil {
		return
	}
	lag := head - cursor
	if lag < 0 {
		lag = 0
	}
	m.lag.Set(float64(lag))
}
