// Package metrics counts guarded runs and their wall time in a private
// Prometheus registry that can be exported as a node-exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is safe for concurrent use.
type Recorder struct {
	registry    *prometheus.Registry
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	groupsTotal *prometheus.CounterVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "benchrun",
			Name:      "runs_total",
			Help:      "Guarded commands by experiment, project and terminal status.",
		}, []string{"experiment", "project", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "benchrun",
			Name:      "run_duration_seconds",
			Help:      "Wall time of guarded commands.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"experiment", "project"}),
		groupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "benchrun",
			Name:      "run_groups_total",
			Help:      "Finished project executions by experiment and status.",
		}, []string{"experiment", "status"}),
	}
	r.registry.MustRegister(r.runsTotal, r.runDuration, r.groupsTotal)
	return r
}

// ObserveRun records one terminal run outcome.
func (r *Recorder) ObserveRun(experiment, project, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runsTotal.With(prometheus.Labels{"experiment": experiment, "project": project, "status": status}).Inc()
	r.runDuration.With(prometheus.Labels{"experiment": experiment, "project": project}).Observe(elapsed.Seconds())
}

// ObserveGroup records one finished run group.
func (r *Recorder) ObserveGroup(experiment, status string) {
	if r == nil {
		return
	}
	r.groupsTotal.With(prometheus.Labels{"experiment": experiment, "status": status}).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile atomically writes all metrics in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
