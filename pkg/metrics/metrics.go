package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	paramopt = "paramopt"

	jobTransitionsTotal   = "job_transitions_total"
	sweeperRepairsTotal   = "sweeper_repairs_total"
	cancellationsTotal    = "cancellations_total"
	evaluationsTotal      = "evaluations_total"
	evaluationDuration    = "evaluation_duration_seconds"
	workerRestartsTotal   = "worker_pool_restarts_total"
	activeWorkerProcesses = "worker_processes"

	// Labels
	statusLabel    = "status"
	categoryLabel  = "category"
	outcomeLabel   = "outcome"
	optimizerLabel = "optimizer"
)

var jobTransitionsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: paramopt,
		Name:      jobTransitionsTotal,
		Help:      "number of job status transitions partitioned by target status",
	},
	[]string{statusLabel},
)

var sweeperRepairsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: paramopt,
		Name:      sweeperRepairsTotal,
		Help:      "number of jobs repaired by the reconciliation sweeper partitioned by category",
	},
	[]string{categoryLabel},
)

var cancellationsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: paramopt,
		Name:      cancellationsTotal,
		Help:      "number of cancellation requests partitioned by whether a process was terminated",
	},
	[]string{outcomeLabel},
)

var evaluationsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: paramopt,
		Name:      evaluationsTotal,
		Help:      "number of objective evaluations partitioned by optimizer and outcome",
	},
	[]string{optimizerLabel, outcomeLabel},
)

var evaluationDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: paramopt,
		Name:      evaluationDuration,
		Help:      "time spent in a single objective evaluation",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	},
	[]string{optimizerLabel},
)

var workerRestartsMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: paramopt,
		Name:      workerRestartsTotal,
		Help:      "number of worker pool restarts",
	},
)

var workerProcessesMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: paramopt,
		Name:      activeWorkerProcesses,
		Help:      "number of worker processes currently supervised",
	},
)

func IncreaseJobTransitionMetric(status string) {
	jobTransitionsMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncreaseSweeperRepairMetric(category string, count int) {
	if count <= 0 {
		return
	}
	sweeperRepairsMetric.With(prometheus.Labels{categoryLabel: category}).Add(float64(count))
}

func IncreaseCancellationMetric(processTerminated bool) {
	outcome := "no_process"
	if processTerminated {
		outcome = "process_terminated"
	}
	cancellationsMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func ObserveEvaluation(optimizer string, seconds float64, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failed"
	}
	evaluationsMetric.With(prometheus.Labels{optimizerLabel: optimizer, outcomeLabel: outcome}).Inc()
	evaluationDurationMetric.With(prometheus.Labels{optimizerLabel: optimizer}).Observe(seconds)
}

func IncreaseWorkerRestartMetric() {
	workerRestartsMetric.Inc()
}

func UpdateWorkerProcessesMetric(count int) {
	workerProcessesMetric.Set(float64(count))
}

type PrometheusMetricsHandler struct{}

func NewPrometheusMetricsHandler() *PrometheusMetricsHandler {
	return &PrometheusMetricsHandler{}
}

func (h *PrometheusMetricsHandler) Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobTransitionsMetric)
	prometheus.MustRegister(sweeperRepairsMetric)
	prometheus.MustRegister(cancellationsMetric)
	prometheus.MustRegister(evaluationsMetric)
	prometheus.MustRegister(evaluationDurationMetric)
	prometheus.MustRegister(workerRestartsMetric)
	prometheus.MustRegister(workerProcessesMetric)
}
