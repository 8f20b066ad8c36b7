package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cascade outcomes recorded by Metrics.
const (
	CascadeEnqueued  = "enqueued"
	CascadeProcessed = "processed"
	CascadeDropped   = "dropped"
	CascadeFailed    = "failed"
)

// Metrics holds the Prometheus collectors of a router service.
type Metrics struct {
	mu sync.Mutex

	invocationsTotal  *prometheus.CounterVec
	invocationSeconds *prometheus.HistogramVec
	cascadeTotal      *prometheus.CounterVec
	cascadePending    prometheus.Gauge
	modulesLoaded     prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "protocols",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "protocols",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. They are not registered until Register
// is called.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		invocationsTotal: newCounterVec("module", "invocations_total", "Module invocations by schema, request type and outcome", []string{"schema", "request_type", "outcome"}),
		invocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "protocols",
			Subsystem: "module",
			Name:      "invocation_seconds",
			Help:      "Duration of module invocations",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"schema", "request_type"}),
		cascadeTotal:   newCounterVec("cascade", "messages_total", "Follow-up messages by cascade outcome", []string{"outcome"}),
		cascadePending: newGauge("cascade", "pending", "Follow-up messages waiting in the cascade queue"),
		modulesLoaded:  newGauge("module", "loaded", "Schemas registered in the propagation tree"),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// already registered by another Metrics are tolerated.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.invocationsTotal,
		m.invocationSeconds,
		m.cascadeTotal,
		m.cascadePending,
		m.modulesLoaded,
	}

	for _, c := range collectors {
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

// ObserveInvocation records one module invocation.
func (m *Metrics) ObserveInvocation(schema, requestType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.invocationsTotal.WithLabelValues(schema, requestType, outcome).Inc()
	m.invocationSeconds.WithLabelValues(schema, requestType).Observe(d.Seconds())
}

// RecordCascade counts a follow-up message with one of the Cascade* outcomes.
func (m *Metrics) RecordCascade(outcome string) {
	if m == nil {
		return
	}
	m.cascadeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetCascadePending(n int) {
	if m == nil {
		return
	}
	m.cascadePending.Set(float64(n))
}

func (m *Metrics) SetModulesLoaded(n int) {
	if m == nil {
		return
	}
	m.modulesLoaded.Set(float64(n))
}

// Reset clears every collector (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invocationsTotal.Reset()
	m.invocationSeconds.Reset()
	m.cascadeTotal.Reset()
	m.cascadePending.Set(0)
	m.modulesLoaded.Set(0)
}
