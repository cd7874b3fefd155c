package server

import (
	"context"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"snapcopy/internal/store"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var jobsDesc = prometheus.NewDesc(
	"snapcopy_copy_jobs",
	"Copy jobs in the store by status.",
	[]string{"status"}, nil,
)

// jobsCollector reports job counts read from the store on every scrape.
type jobsCollector struct {
	store store.Store
}

func newJobsCollector(st store.Store) *jobsCollector {
	return &jobsCollector{store: st}
}

func (c *jobsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
}

func (c *jobsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobs, err := c.store.Scan(ctx, "")
	if err != nil {
		logger.Log.Warn("failed to count copy jobs", zap.Error(err))
		return
	}

	counts := map[model.CopyStatus]int{
		model.CopyPending:  0,
		model.CopySuccess:  0,
		model.CopyFailed:   0,
		model.CopyAborted:  0,
		model.CopyTimedOut: 0,
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
