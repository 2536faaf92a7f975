// Package metrics exposes engine counters and histograms. A nil *Metrics is
// valid and records nothing, so components can take it as an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/pms/internal/worker"
)

// Metrics holds the collectors, registered on a caller-provided registry.
type Metrics struct {
	PlanCompilations   *prometheus.CounterVec
	CompileDuration    prometheus.Histogram
	CompileWaves       prometheus.Histogram
	NodeTransitions    *prometheus.CounterVec
	TransitionRetries  prometheus.Counter
	Resumes            *prometheus.CounterVec
	Interrupts         *prometheus.CounterVec
	ResolverLookups    *prometheus.CounterVec
	PoolActive         prometheus.Gauge
	PoolQueued         prometheus.Gauge
	PlanExecutionsDone *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PlanCompilations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pms_plan_compilations_total",
			Help: "Plan compilations by result.",
		}, []string{"result"}),
		CompileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pms_plan_compile_duration_seconds",
			Help:    "Wall-clock duration of plan compilation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		CompileWaves: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pms_plan_compile_waves",
			Help:    "Dependency waves needed to compile a plan.",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		}),
		NodeTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pms_node_transitions_total",
			Help: "Applied node execution status transitions by target status.",
		}, []string{"status"}),
		TransitionRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "pms_node_transition_conflicts_total",
			Help: "Compare-and-swap conflicts that forced a re-fetch.",
		}),
		Resumes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pms_resumes_total",
			Help: "Resume events processed by execution mode.",
		}, []string{"mode"}),
		Interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pms_interrupts_total",
			Help: "Interrupts handled by type and whether they were applied.",
		}, []string{"type", "applied"}),
		ResolverLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pms_resolver_lookups_total",
			Help: "Sweeping output and outcome lookups by kind and result.",
		}, []string{"kind", "result"}),
		PoolActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "pms_worker_pool_active",
			Help: "Tasks currently running on the engine pool.",
		}),
		PoolQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "pms_worker_pool_queued",
			Help: "Tasks waiting for an engine pool slot.",
		}),
		PlanExecutionsDone: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pms_plan_executions_finished_total",
			Help: "Finished plan executions by terminal status.",
		}, []string{"status"}),
	}
}

// ObserveCompile records one compilation.
func (m *Metrics) ObserveCompile(d time.Duration, waves int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PlanCompilations.WithLabelValues(result).Inc()
	m.CompileDuration.Observe(d.Seconds())
	m.CompileWaves.Observe(float64(waves))
}

// Transition records an applied node status transition.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.NodeTransitions.WithLabelValues(status).Inc()
}

// TransitionConflict records a lost compare-and-swap.
func (m *Metrics) TransitionConflict() {
	if m == nil {
		return
	}
	m.TransitionRetries.Inc()
}

// Resume records a processed resume.
func (m *Metrics) Resume(mode string) {
	if m == nil {
		return
	}
	m.Resumes.WithLabelValues(mode).Inc()
}

// Interrupt records a handled interrupt.
func (m *Metrics) Interrupt(kind string, applied bool) {
	if m == nil {
		return
	}
	a := "false"
	if applied {
		a = "true"
	}
	m.Interrupts.WithLabelValues(kind, a).Inc()
}

// Lookup records a resolver lookup; found=false counts as a miss.
func (m *Metrics) Lookup(kind string, found bool) {
	if m == nil {
		return
	}
	r := "hit"
	if !found {
		r = "miss"
	}
	m.ResolverLookups.WithLabelValues(kind, r).Inc()
}

// PlanFinished records a concluded plan execution.
func (m *Metrics) PlanFinished(status string) {
	if m == nil {
		return
	}
	m.PlanExecutionsDone.WithLabelValues(status).Inc()
}

// ObservePool copies pool occupancy into the gauges.
func (m *Metrics) ObservePool(pm worker.PoolMetrics) {
	if m == nil {
		return
	}
	m.PoolActive.Set(float64(pm.Active))
	m.PoolQueued.Set(float64(pm.Queued))
}
