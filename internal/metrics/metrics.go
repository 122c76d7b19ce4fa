// Package metrics provides Prometheus metrics for the forecast server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aafs"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatcher
	TasksExecuted *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TaskRetries   prometheus.Counter
	QueueDepth    prometheus.Gauge

	// Timelines
	TimelineTransitions *prometheus.CounterVec
	PDLOutcomes         *prometheus.CounterVec

	// Relay
	RelaySubmitted *prometheus.CounterVec
	RelayAccepted  prometheus.Counter
	LinkState      *prometheus.GaugeVec
	PrimaryState   *prometheus.GaugeVec
}

// New creates collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Tasks executed, by opcode and result code",
		}, []string{"opcode", "rescode"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time including commit",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
		TaskRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_db_retries_total",
			Help:      "Task attempts aborted by a persistence error",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Pending tasks in the queue",
		}),
		TimelineTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_transitions_total",
			Help:      "Timeline entries appended, by action code",
		}, []string{"actcode"}),
		PDLOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdl_outcomes_total",
			Help:      "Publication results, by pdl status",
		}, []string{"status"}),
		RelaySubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_items_submitted_total",
			Help:      "Local relay submissions, by kind and whether they were written",
		}, []string{"kind", "written"}),
		RelayAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_items_replicated_total",
			Help:      "Partner relay items stored as replicas",
		}),
		LinkState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_link_state",
			Help:      "1 for the current link state",
		}, []string{"state"}),
		PrimaryState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_primary_state",
			Help:      "1 for the current primary state",
		}, []string{"state"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TaskDone records one finished task attempt.
func (m *Metrics) TaskDone(opcode, rescode string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksExecuted.WithLabelValues(opcode, rescode).Inc()
	m.TaskDuration.WithLabelValues(opcode).Observe(seconds)
}

// TaskRetried records a persistence abort.
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.TaskRetries.Inc()
}

// SetQueueDepth records the queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// Transition records an appended timeline entry.
func (m *Metrics) Transition(actcode string) {
	if m == nil {
		return
	}
	m.TimelineTransitions.WithLabelValues(actcode).Inc()
}

// PDLOutcome records a publication result.
func (m *Metrics) PDLOutcome(status string) {
	if m == nil {
		return
	}
	m.PDLOutcomes.WithLabelValues(status).Inc()
}

// RelaySubmit records a local relay submission.
func (m *Metrics) RelaySubmit(kind string, written bool) {
	if m == nil {
		return
	}
	w := "false"
	if written {
		w = "true"
	}
	m.RelaySubmitted.WithLabelValues(kind, w).Inc()
}

// RelayReplicated records partner items stored.
func (m *Metrics) RelayReplicated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RelayAccepted.Add(float64(n))
}

// SetLink records the link and primary states, one-hot.
func (m *Metrics) SetLink(link string, allLinks []string, primary string, allPrimary []string) {
	if m == nil {
		return
	}
	for _, s := range allLinks {
		m.LinkState.WithLabelValues(s).Set(boolFloat(s == link))
	}
	for _, s := range allPrimary {
		m.PrimaryState.WithLabelValues(s).Set(boolFloat(s == primary))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
