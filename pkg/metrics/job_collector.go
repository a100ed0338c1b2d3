package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StatusCounter reports how many jobs are in each status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type jobStatusCollector struct {
	counter  StatusCounter
	jobs     *prometheus.Desc
	duration time.Duration
}

func NewJobStatusCollector(counter StatusCounter) prometheus.Collector {
	return &jobStatusCollector{
		counter: counter,
		jobs: prometheus.NewDesc(
			fmt.Sprintf("%s_jobs", paramopt),
			"Number of optimization jobs by status.",
			[]string{statusLabel},
			prometheus.Labels{},
		),
		duration: 5 * time.Second,
	}
}

func (c *jobStatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
}

func (c *jobStatusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.duration)
	defer cancel()

	counts, err := c.counter.CountByStatus(ctx)
	if err != nil {
		zap.S().Named("job_collector").Errorf("failed to collect job statistics: %s", err)
		return
	}
	for status, total := range counts {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(total), status)
	}
}
