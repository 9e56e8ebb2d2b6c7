// Package metrics counts execution outcomes. A nil *Recorder is valid and
// records nothing.
package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Recorder struct {
	registry       *prometheus.Registry
	runs           *prometheus.CounterVec
	steps          *prometheus.CounterVec
	replans        *prometheus.CounterVec
	confirmLatency prometheus.Histogram
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lpmint",
			Name:      "runs_total",
			Help:      "Execution runs by final status and failure class.",
		}, []string{"status", "failure"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lpmint",
			Name:      "steps_total",
			Help:      "Submitted transaction steps by kind and result.",
		}, []string{"kind", "result"}),
		replans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lpmint",
			Name:      "replans_total",
			Help:      "Plan refreshes by trigger.",
		}, []string{"reason"}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lpmint",
			Name:      "confirmation_seconds",
			Help:      "Time from broadcast to confirmed status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		}),
	}
	r.registry.MustRegister(r.runs, r.steps, r.replans, r.confirmLatency)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Run(status, failure string) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(status, failure).Inc()
}

func (r *Recorder) Step(kind, result string) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) Replan(reason string) {
	if r == nil {
		return
	}
	r.replans.WithLabelValues(reason).Inc()
}

func (r *Recorder) Confirmed(d time.Duration) {
	if r == nil {
		return
	}
	r.confirmLatency.Observe(d.Seconds())
}

// Push sends the collected metrics to a Prometheus pushgateway. An empty url
// is a no-op.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil || strings.TrimSpace(url) == "" {
		return nil
	}
	if strings.TrimSpace(job) == "" {
		job = "lpmint"
	}
	return push.New(url, job).Gatherer(r.registry).PushContext(ctx)
}
