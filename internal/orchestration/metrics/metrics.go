// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "countermgr"

// Confirmation outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Metrics holds the coordinator collectors. A nil *Metrics is valid and
// records nothing, so callers never need to guard their calls.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	confirmations   *prometheus.CounterVec
	pending         *prometheus.GaugeVec
	children        prometheus.Gauge
	queueDepth      prometheus.GaugeFunc
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "commands_total",
				Help:      "Commands processed, by type and result.",
			},
			[]string{"type", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "command_duration_seconds",
				Help:      "Handler duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "confirmations_total",
				Help:      "Confirmations received, by reply tag and outcome.",
			},
			[]string{"tag", "outcome", "reason"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "pending_requests",
				Help:      "Requests sent and not yet confirmed, by reply tag.",
			},
			[]string{"tag"},
		),
		children: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "children",
			Help:      "Children recorded in the registry.",
		}),
	}
	m.registry.MustRegister(m.commands, m.commandDuration, m.confirmations, m.pending, m.children)
	return m
}

// WatchQueueDepth registers a gauge sampling depth on every scrape.
// Only the first call has an effect.
func (m *Metrics) WatchQueueDepth(depth func() float64) {
	if m == nil || m.queueDepth != nil {
		return
	}
	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "processor",
		Name:      "queue_depth",
		Help:      "Commands waiting in the processor queue.",
	}, depth)
	m.registry.MustRegister(m.queueDepth)
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CommandProcessed records one processed command.
func (m *Metrics) CommandProcessed(cmdType string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.commands.WithLabelValues(cmdType, result).Inc()
	m.commandDuration.WithLabelValues(cmdType).Observe(d.Seconds())
}

// ConfirmationApplied records a confirmation that updated the registry.
func (m *Metrics) ConfirmationApplied(tag string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(tag, OutcomeApplied, "none").Inc()
}

// ConfirmationRejected records a confirmation that was not applied.
func (m *Metrics) ConfirmationRejected(tag, reason string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(tag, OutcomeRejected, reason).Inc()
}

// SetPending sets the outstanding request gauge for tag.
func (m *Metrics) SetPending(tag string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(tag).Set(float64(n))
}

// SetChildren sets the registry size gauge.
func (m *Metrics) SetChildren(n int) {
	if m == nil {
		return
	}
	m.children.Set(float64(n))
}
