package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter adapts a Collector to the Prometheus scrape model.
// Each scrape takes a Snapshot and emits const metrics, so the
// Collector remains the single source of truth.
type Exporter struct {
	source *Collector

	executionsStarted   *prometheus.Desc
	executionsSucceeded *prometheus.Desc
	executionsFailed    *prometheus.Desc
	failuresByKind      *prometheus.Desc

	queueFullRejections *prometheus.Desc
	acquireTimeouts     *prometheus.Desc
	workerCrashes       *prometheus.Desc
	workerRecycles      *prometheus.Desc
	workersSpawned      *prometheus.Desc
	queueWaitAvg        *prometheus.Desc
	queueWaitP99        *prometheus.Desc

	bridgeCalls    *prometheus.Desc
	bridgeErrors   *prometheus.Desc
	bridgeTimeouts *prometheus.Desc

	permissionDenials *prometheus.Desc

	jobsSubmitted       *prometheus.Desc
	jobsRejected        *prometheus.Desc
	schedulesRegistered *prometheus.Desc
	cronTriggers        *prometheus.Desc
	degradationState    *prometheus.Desc

	analyticsFlushSuccess *prometheus.Desc
	analyticsFlushFailure *prometheus.Desc

	phaseTotal *prometheus.Desc
	phaseCount *prometheus.Desc
}

// NewExporter creates an Exporter reading from source.
func NewExporter(source *Collector) *Exporter {
	return &Exporter{
		source: source,

		executionsStarted: prometheus.NewDesc(
			"kilnbox_executions_started_total",
			"Total number of executions admitted to the pipeline",
			nil, nil,
		),
		executionsSucceeded: prometheus.NewDesc(
			"kilnbox_executions_succeeded_total",
			"Total number of executions that completed successfully",
			nil, nil,
		),
		executionsFailed: prometheus.NewDesc(
			"kilnbox_executions_failed_total",
			"Total number of executions that failed",
			nil, nil,
		),
		failuresByKind: prometheus.NewDesc(
			"kilnbox_execution_failures_total",
			"Execution failures by error kind",
			[]string{"kind"}, nil,
		),

		queueFullRejections: prometheus.NewDesc(
			"kilnbox_pool_queue_full_total",
			"Submissions rejected because the pool queue was full",
			nil, nil,
		),
		acquireTimeouts: prometheus.NewDesc(
			"kilnbox_pool_acquire_timeouts_total",
			"Submissions expired while waiting for a worker",
			nil, nil,
		),
		workerCrashes: prometheus.NewDesc(
			"kilnbox_pool_worker_crashes_total",
			"Workers that exited unexpectedly",
			nil, nil,
		),
		workerRecycles: prometheus.NewDesc(
			"kilnbox_pool_worker_recycles_total",
			"Workers replaced after reaching their execution budget",
			nil, nil,
		),
		workersSpawned: prometheus.NewDesc(
			"kilnbox_pool_workers_spawned_total",
			"Worker processes started",
			nil, nil,
		),
		queueWaitAvg: prometheus.NewDesc(
			"kilnbox_pool_queue_wait_avg_ms",
			"Average queue residence time over the sample window",
			nil, nil,
		),
		queueWaitP99: prometheus.NewDesc(
			"kilnbox_pool_queue_wait_p99_ms",
			"P99 queue residence time over the sample window",
			nil, nil,
		),

		bridgeCalls: prometheus.NewDesc(
			"kilnbox_bridge_calls_total",
			"Platform bridge RPC calls",
			nil, nil,
		),
		bridgeErrors: prometheus.NewDesc(
			"kilnbox_bridge_errors_total",
			"Platform bridge RPC failures",
			nil, nil,
		),
		bridgeTimeouts: prometheus.NewDesc(
			"kilnbox_bridge_timeouts_total",
			"Platform bridge RPC client-side timeouts",
			nil, nil,
		),

		permissionDenials: prometheus.NewDesc(
			"kilnbox_permission_denials_total",
			"Operations rejected by the sandbox",
			nil, nil,
		),

		jobsSubmitted: prometheus.NewDesc(
			"kilnbox_jobs_submitted_total",
			"Accepted background job submissions",
			nil, nil,
		),
		jobsRejected: prometheus.NewDesc(
			"kilnbox_jobs_rejected_total",
			"Refused background job submissions by reason",
			[]string{"reason"}, nil,
		),
		schedulesRegistered: prometheus.NewDesc(
			"kilnbox_schedules_registered_total",
			"Recurring job registrations",
			nil, nil,
		),
		cronTriggers: prometheus.NewDesc(
			"kilnbox_cron_triggers_total",
			"Schedule fires accepted by the job broker",
			nil, nil,
		),
		degradationState: prometheus.NewDesc(
			"kilnbox_degradation_state",
			"Current degradation level, 0 (healthy) to 3 (critical)",
			nil, nil,
		),

		analyticsFlushSuccess: prometheus.NewDesc(
			"kilnbox_analytics_flush_success_total",
			"Successful analytics sink flushes",
			nil, nil,
		),
		analyticsFlushFailure: prometheus.NewDesc(
			"kilnbox_analytics_flush_failure_total",
			"Failed analytics sink flushes",
			nil, nil,
		),

		phaseTotal: prometheus.NewDesc(
			"kilnbox_phase_duration_ms_total",
			"Cumulative pipeline phase duration",
			[]string{"phase"}, nil,
		),
		phaseCount: prometheus.NewDesc(
			"kilnbox_phase_executions_total",
			"Pipeline phase executions",
			[]string{"phase"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.executionsStarted
	ch <- e.executionsSucceeded
	ch <- e.executionsFailed
	ch <- e.failuresByKind
	ch <- e.queueFullRejections
	ch <- e.acquireTimeouts
	ch <- e.workerCrashes
	ch <- e.workerRecycles
	ch <- e.workersSpawned
	ch <- e.queueWaitAvg
	ch <- e.queueWaitP99
	ch <- e.bridgeCalls
	ch <- e.bridgeErrors
	ch <- e.bridgeTimeouts
	ch <- e.permissionDenials
	ch <- e.jobsSubmitted
	ch <- e.jobsRejected
	ch <- e.schedulesRegistered
	ch <- e.cronTriggers
	ch <- e.degradationState
	ch <- e.analyticsFlushSuccess
	ch <- e.analyticsFlushFailure
	ch <- e.phaseTotal
	ch <- e.phaseCount
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.source.Snapshot()

	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}

	counter(e.executionsStarted, s.ExecutionsStarted)
	counter(e.executionsSucceeded, s.ExecutionsSucceeded)
	counter(e.executionsFailed, s.ExecutionsFailed)
	for kind, n := range s.FailuresByKind {
		counter(e.failuresByKind, n, kind)
	}

	counter(e.queueFullRejections, s.QueueFullRejections)
	counter(e.acquireTimeouts, s.AcquireTimeouts)
	counter(e.workerCrashes, s.WorkerCrashes)
	counter(e.workerRecycles, s.WorkerRecycles)
	counter(e.workersSpawned, s.WorkersSpawned)
	gauge(e.queueWaitAvg, s.QueueWaitAvgMs)
	gauge(e.queueWaitP99, s.QueueWaitP99Ms)

	counter(e.bridgeCalls, s.BridgeCalls)
	counter(e.bridgeErrors, s.BridgeErrors)
	counter(e.bridgeTimeouts, s.BridgeTimeouts)

	counter(e.permissionDenials, s.PermissionDenials)

	counter(e.jobsSubmitted, s.JobsSubmitted)
	for reason, n := range s.JobsRejected {
		counter(e.jobsRejected, n, reason)
	}
	counter(e.schedulesRegistered, s.SchedulesRegistered)
	counter(e.cronTriggers, s.CronTriggers)
	gauge(e.degradationState, float64(s.DegradationState))

	counter(e.analyticsFlushSuccess, s.AnalyticsFlushSuccess)
	counter(e.analyticsFlushFailure, s.AnalyticsFlushFailure)

	for phase, ms := range s.PhaseTotalMs {
		counter(e.phaseTotal, ms, phase)
	}
	for phase, n := range s.PhaseCounts {
		counter(e.phaseCount, n, phase)
	}
}

// Handler returns an HTTP handler serving the collector's metrics in
// Prometheus exposition format, suitable for mounting at /metrics.
func Handler(source *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(source))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
