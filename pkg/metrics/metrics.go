// Package metrics exposes orchestrator counters and pool gauges in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orkestra"

// PoolStats is the view of a worker pool the gauges read.
type PoolStats interface {
	Workers() int
	Active() int
	Queued() int
	Available() int
}

// Metrics owns a private registry so tests and multiple instances never collide.
type Metrics struct {
	registry *prometheus.Registry

	admissions       *prometheus.CounterVec
	flowsFinished    *prometheus.CounterVec
	stepDurations    *prometheus.HistogramVec
	resumedSteps     prometheus.Counter
	tokenValidations *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Flow admission decisions by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),
		flowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_executions_finished_total",
			Help:      "Flow executions that reached a terminal status.",
		}, []string{"status"}),
		stepDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time from pipeline trigger to terminal status.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"status"}),
		resumedSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumed_steps_total",
			Help:      "Scheduled steps reactivated by the resume scheduler.",
		}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Application token validations by resulting token status.",
		}, []string{"token_status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions,
		m.flowsFinished,
		m.stepDurations,
		m.resumedSteps,
		m.tokenValidations,
	)

	return m
}

// RegisterPool publishes gauges for a worker pool under the given name.
func (m *Metrics) RegisterPool(name string, pool PoolStats) {
	labels := prometheus.Labels{"pool": name}

	gauge := func(metric, help string, value func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(value()) })
	}

	m.registry.MustRegister(
		gauge("workers", "Maximum concurrently running tasks.", pool.Workers),
		gauge("active", "Tasks currently running.", pool.Active),
		gauge("queued", "Tasks waiting for a worker.", pool.Queued),
		gauge("available", "Tasks that can still be accepted.", pool.Available),
	)
}

func (m *Metrics) Accepted() {
	m.admissions.WithLabelValues("accepted", "").Inc()
}

func (m *Metrics) Rejected(reason string) {
	m.admissions.WithLabelValues("rejected", reason).Inc()
}

func (m *Metrics) FlowFinished(status models.ExecutionStatus) {
	m.flowsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) StepFinished(status models.ExecutionStatus, duration time.Duration) {
	m.stepDurations.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (m *Metrics) StepResumed() {
	m.resumedSteps.Inc()
}

func (m *Metrics) TokenValidated(status models.TokenStatus) {
	m.tokenValidations.WithLabelValues(string(status)).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
