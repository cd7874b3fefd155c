package tracker

import (
	"context"
	"snapcopy/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics counts what each pass did. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	grants      *prometheus.CounterVec
	candidates  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	duration    prometheus.Histogram
	promotions  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapcopy",
			Name:      "grants_total",
			Help:      "Read access requests by final state.",
		}, []string{"state"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapcopy",
			Name:      "copy_candidates_total",
			Help:      "Snapshots considered for copying by outcome.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapcopy",
			Name:      "copy_completions_total",
			Help:      "Copy jobs that reached a terminal status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "snapcopy",
			Name:      "copy_duration_seconds",
			Help:      "Time from copy start to the blob's last modification.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 12),
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapcopy",
			Name:      "promotions_total",
			Help:      "Snapshot promotions by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(m.grants, m.candidates, m.transitions, m.duration, m.promotions)
	return m
}

func (m *Metrics) RecordGrants(grants []model.Grant) {
	if m == nil {
		return
	}
	for _, g := range grants {
		m.grants.WithLabelValues(string(g.State)).Inc()
	}
}

func (m *Metrics) candidate(r result) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) completed(job *model.CopyJob) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(job.Status)).Inc()
	if job.CopySeconds != nil {
		m.duration.Observe(*job.CopySeconds)
	}
}

func (m *Metrics) promoted(ok bool) {
	if m == nil {
		return
	}
	r := "success"
	if !ok {
		r = "failed"
	}
	m.promotions.WithLabelValues(r).Inc()
}

// Push sends the collected metrics to a Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}
