// Package metrics exposes the Prometheus counters and histograms the
// rolling-restart orchestrator emits, served over /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds every metric the orchestrator reports. It owns its own
// registry rather than using prometheus.DefaultRegisterer so tests can
// construct isolated instances.
type Recorder struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsFailed    prometheus.Counter
	runsCancelled prometheus.Counter

	nodeRestarts   *prometheus.CounterVec
	nodeFailures   *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	activeRun      prometheus.Gauge
	connectionsLeft *prometheus.GaugeVec
}

// New constructs a Recorder and registers all of its collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolling_restart_runs_started_total",
			Help: "Total number of rolling restart runs started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolling_restart_runs_completed_total",
			Help: "Total number of rolling restart runs that completed successfully.",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolling_restart_runs_failed_total",
			Help: "Total number of rolling restart runs that failed.",
		}),
		runsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolling_restart_runs_cancelled_total",
			Help: "Total number of rolling restart runs that were cancelled.",
		}),
		nodeRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolling_restart_node_restarts_total",
			Help: "Total number of nodes successfully restarted, by node.",
		}, []string{"node"}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolling_restart_node_failures_total",
			Help: "Total number of node restart failures, by node and phase.",
		}, []string{"node", "phase"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rolling_restart_phase_duration_seconds",
			Help:    "Time spent in each per-node restart phase.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"phase"}),
		activeRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rolling_restart_active",
			Help: "1 while a rolling restart run is in progress, 0 otherwise.",
		}),
		connectionsLeft: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rolling_restart_connections_draining",
			Help: "Client connections still open on the node currently draining.",
		}, []string{"node"}),
	}

	r.registry.MustRegister(
		r.runsStarted, r.runsCompleted, r.runsFailed, r.runsCancelled,
		r.nodeRestarts, r.nodeFailures, r.phaseDuration, r.activeRun, r.connectionsLeft,
	)

	return r
}

// Handler returns the /metrics HTTP handler for this Recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RunStarted records the start of a new run and marks the gauge active.
func (r *Recorder) RunStarted() {
	r.runsStarted.Inc()
	r.activeRun.Set(1)
}

// RunFinished records the terminal outcome of a run and clears the active
// gauge. outcome is one of "completed", "failed", "cancelled".
func (r *Recorder) RunFinished(outcome string) {
	r.activeRun.Set(0)
	switch outcome {
	case "completed":
		r.runsCompleted.Inc()
	case "failed":
		r.runsFailed.Inc()
	case "cancelled":
		r.runsCancelled.Inc()
	}
}

// NodeRestarted records a successful node restart.
func (r *Recorder) NodeRestarted(node string) {
	r.nodeRestarts.WithLabelValues(node).Inc()
}

// NodeFailed records a node restart failure in the given phase.
func (r *Recorder) NodeFailed(node, phase string) {
	r.nodeFailures.WithLabelValues(node, phase).Inc()
}

// ObservePhaseDuration records how long a phase took for one node.
func (r *Recorder) ObservePhaseDuration(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetConnectionsDraining reports how many connections remain open on the
// node currently draining. Clear with SetConnectionsDraining(node, 0) once
// draining ends.
func (r *Recorder) SetConnectionsDraining(node string, n int) {
	r.connectionsLeft.WithLabelValues(node).Set(float64(n))
}
