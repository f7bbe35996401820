package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/policy"
	"github.com/goliatone/go-admission/scheduler"
)

const (
	namespace = "admission"
	subsystem = "scheduler"
)

// Prometheus implements scheduler.Metrics.
type Prometheus struct {
	outcomes       *prometheus.CounterVec
	dispatchLag    prometheus.Histogram
	queueDepth     prometheus.Gauge
	completions    *prometheus.CounterVec
	policyFailures *prometheus.CounterVec
	recoveredTotal prometheus.Counter
	recoverySweeps prometheus.Counter
	gatherer       prometheus.Gatherer
}

var _ scheduler.Metrics = (*Prometheus)(nil)

// New registers the scheduler collectors on reg. A nil reg uses a fresh
// registry, which keeps tests and multiple instances apart.
func New(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Prometheus{
		gatherer: reg,
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "entries_total",
				Help:      "Queue entries handled by the scheduler loop, by outcome",
			},
			[]string{"outcome"},
		),
		dispatchLag: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_lag_seconds",
				Help:      "Time between an entry becoming eligible and the loop picking it up",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_depth",
				Help:      "Entries pending on the execution queue",
			},
		),
		completions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "completions_total",
				Help:      "Completions reported by runners, by final status",
			},
			[]string{"status", "duplicate"},
		),
		policyFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "failures_total",
				Help:      "Policy applications that failed and were isolated",
			},
			[]string{"policy", "hook"},
		),
		recoveredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recovered_runs_total",
				Help:      "Delayed or orphaned runs put back on the queue by the recovery sweep",
			},
		),
		recoverySweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recovery_sweeps_total",
				Help:      "Recovery sweeps run",
			},
		),
	}
}

func (p *Prometheus) RecordOutcome(outcome scheduler.Outcome) {
	p.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *Prometheus) RecordDispatchLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	p.dispatchLag.Observe(lag.Seconds())
}

func (p *Prometheus) RecordQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *Prometheus) RecordCompletion(status admission.Status, duplicate bool) {
	dup := "false"
	if duplicate {
		dup = "true"
	}
	p.completions.WithLabelValues(string(status), dup).Inc()
}

func (p *Prometheus) RecordPolicyFailure(policyName string, hook policy.Hook) {
	p.policyFailures.WithLabelValues(policyName, string(hook)).Inc()
}

func (p *Prometheus) RecordRecovery(promoted int) {
	p.recoverySweeps.Inc()
	if promoted > 0 {
		p.recoveredTotal.Add(float64(promoted))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
