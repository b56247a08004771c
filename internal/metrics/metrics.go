// Package metrics exposes Prometheus collectors for publish and consume
// outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "courier"

// Publish results
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Type resolution results
const (
	ResolutionHit  = "resolved"
	ResolutionMiss = "unresolved"
)

// Metrics holds the collectors for one node.
type Metrics struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	publishedTotal  *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	typeResolutions *prometheus.CounterVec
}

// New builds the collectors under namespace. A nil registerer means
// prometheus.DefaultRegisterer.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer: registerer,
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "published_total",
			Help:      "Envelopes published, by sender type, content type and result",
		}, []string{"sender", "content_type", "result"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "deliveries_total",
			Help:      "Deliveries handled, by sender type and terminal outcome",
		}, []string{"sender", "outcome"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "handle_duration_seconds",
			Help:      "Time from receipt to settlement of a delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sender"}),
		typeResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serialization",
			Name:      "type_resolutions_total",
			Help:      "message_type lookups, by result",
		}, []string{"result"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range m.collectors() {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.publishedTotal,
		m.deliveriesTotal,
		m.handleDuration,
		m.typeResolutions,
	}
}

// ObservePublish counts one publish attempt.
func (m *Metrics) ObservePublish(sender, contentType string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.publishedTotal.WithLabelValues(sender, contentType, result).Inc()
}

// ObserveDelivery counts a settled delivery and its handling time.
func (m *Metrics) ObserveDelivery(sender, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(sender, outcome).Inc()
	m.handleDuration.WithLabelValues(sender).Observe(elapsed.Seconds())
}

// ObserveTypeResolution counts a message_type lookup.
func (m *Metrics) ObserveTypeResolution(resolved bool) {
	if m == nil {
		return
	}
	result := ResolutionHit
	if !resolved {
		result = ResolutionMiss
	}
	m.typeResolutions.WithLabelValues(result).Inc()
}
