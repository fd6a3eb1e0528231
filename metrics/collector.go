// Package metrics provides platform-wide execution metrics.
//
// The Collector accumulates counters across executions. It is a leaf
// package with no internal dependencies; failure kinds are plain strings
// so the package stays free of the fault package.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// queueWaitSampleCap bounds the queue-wait reservoir.
const queueWaitSampleCap = 1000

// Snapshot is an immutable point-in-time view of all platform metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after
// creation.
type Snapshot struct {
	// Execution lifecycle
	ExecutionsStarted   int64            `json:"executions_started"`
	ExecutionsSucceeded int64            `json:"executions_succeeded"`
	ExecutionsFailed    int64            `json:"executions_failed"`
	FailuresByKind      map[string]int64 `json:"failures_by_kind,omitempty"`

	// Pool admission and lifecycle
	QueueFullRejections int64 `json:"queue_full_rejections"`
	AcquireTimeouts     int64 `json:"acquire_timeouts"`
	WorkerCrashes       int64 `json:"worker_crashes"`
	WorkerRecycles      int64 `json:"worker_recycles"`
	WorkersSpawned      int64 `json:"workers_spawned"`

	// Queue residence (reservoir of up to 1000 samples)
	QueueWaitAvgMs   float64 `json:"queue_wait_avg_ms"`
	QueueWaitP99Ms   float64 `json:"queue_wait_p99_ms"`
	QueueWaitSamples int     `json:"queue_wait_samples"`

	// Platform bridge
	BridgeCalls    int64 `json:"bridge_calls"`
	BridgeErrors   int64 `json:"bridge_errors"`
	BridgeTimeouts int64 `json:"bridge_timeouts"`

	// Sandbox
	PermissionDenials int64 `json:"permission_denials"`

	// Background jobs
	JobsSubmitted       int64            `json:"jobs_submitted"`
	JobsRejected        map[string]int64 `json:"jobs_rejected,omitempty"`
	SchedulesRegistered int64            `json:"schedules_registered"`
	CronTriggers        int64            `json:"cron_triggers"`
	// DegradationState is the current level ordinal, 0 (healthy) to
	// 3 (critical).
	DegradationState int64 `json:"degradation_state"`

	// Analytics pipeline (per flush call, not per event)
	AnalyticsFlushSuccess int64 `json:"analytics_flush_success"`
	AnalyticsFlushFailure int64 `json:"analytics_flush_failure"`

	// Cumulative phase timings (orchestrator pipeline phases)
	PhaseTotalMs map[string]int64 `json:"phase_total_ms,omitempty"`
	PhaseCounts  map[string]int64 `json:"phase_counts,omitempty"`
}

// Collector accumulates platform metrics.
// Thread-safe via sync.Mutex. All recording methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	executionsStarted   int64
	executionsSucceeded int64
	executionsFailed    int64
	failuresByKind      map[string]int64

	queueFullRejections int64
	acquireTimeouts     int64
	workerCrashes       int64
	workerRecycles      int64
	workersSpawned      int64

	queueWait     []float64 // ms, ring buffer
	queueWaitNext int
	queueWaitLen  int

	bridgeCalls    int64
	bridgeErrors   int64
	bridgeTimeouts int64

	permissionDenials int64

	jobsSubmitted       int64
	jobsRejected        map[string]int64
	schedulesRegistered int64
	cronTriggers        int64
	degradationState    int64

	analyticsFlushSuccess int64
	analyticsFlushFailure int64

	phaseTotalMs map[string]int64
	phaseCounts  map[string]int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		failuresByKind: make(map[string]int64),
		queueWait:      make([]float64, queueWaitSampleCap),
		jobsRejected:   make(map[string]int64),
		phaseTotalMs:   make(map[string]int64),
		phaseCounts:    make(map[string]int64),
	}
}

// IncExecutionStarted records an execution start.
func (c *Collector) IncExecutionStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionsStarted++
	c.mu.Unlock()
}

// IncExecutionSucceeded records a successful execution.
func (c *Collector) IncExecutionSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionsSucceeded++
	c.mu.Unlock()
}

// IncExecutionFailed records a failed execution classified by kind.
func (c *Collector) IncExecutionFailed(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionsFailed++
	c.failuresByKind[kind]++
	c.mu.Unlock()
}

// IncQueueFull records a pool admission rejection.
func (c *Collector) IncQueueFull() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueFullRejections++
	c.mu.Unlock()
}

// IncAcquireTimeout records a queue-residence expiry.
func (c *Collector) IncAcquireTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.acquireTimeouts++
	c.mu.Unlock()
}

// IncWorkerCrash records an unexpected worker exit.
func (c *Collector) IncWorkerCrash() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerCrashes++
	c.mu.Unlock()
}

// IncWorkerRecycle records a planned worker replacement.
func (c *Collector) IncWorkerRecycle() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerRecycles++
	c.mu.Unlock()
}

// IncWorkerSpawned records a worker process start.
func (c *Collector) IncWorkerSpawned() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workersSpawned++
	c.mu.Unlock()
}

// ObserveQueueWait records one queue residence duration.
// Keeps at most the newest 1000 samples.
func (c *Collector) ObserveQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueWait[c.queueWaitNext] = float64(d.Microseconds()) / 1000.0
	c.queueWaitNext = (c.queueWaitNext + 1) % queueWaitSampleCap
	if c.queueWaitLen < queueWaitSampleCap {
		c.queueWaitLen++
	}
	c.mu.Unlock()
}

// IncBridgeCall records a platform RPC call.
func (c *Collector) IncBridgeCall() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bridgeCalls++
	c.mu.Unlock()
}

// IncBridgeError records a platform RPC failure.
func (c *Collector) IncBridgeError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bridgeErrors++
	c.mu.Unlock()
}

// IncBridgeTimeout records a platform RPC client-side timeout.
func (c *Collector) IncBridgeTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bridgeTimeouts++
	c.mu.Unlock()
}

// IncPermissionDenied records a sandbox rejection.
func (c *Collector) IncPermissionDenied() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.permissionDenials++
	c.mu.Unlock()
}

// IncJobSubmitted records an accepted job submission.
func (c *Collector) IncJobSubmitted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsSubmitted++
	c.mu.Unlock()
}

// IncJobRejected records a refused job submission classified by
// reason (degraded, permission, quota, concurrency).
func (c *Collector) IncJobRejected(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsRejected[reason]++
	c.mu.Unlock()
}

// IncScheduleRegistered records a recurring job registration.
func (c *Collector) IncScheduleRegistered() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.schedulesRegistered++
	c.mu.Unlock()
}

// IncCronTrigger records one schedule fire accepted by a broker.
func (c *Collector) IncCronTrigger() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cronTriggers++
	c.mu.Unlock()
}

// SetDegradationState records the current degradation level ordinal.
func (c *Collector) SetDegradationState(level int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.degradationState = int64(level)
	c.mu.Unlock()
}

// IncAnalyticsFlushSuccess records a successful sink flush (per call).
func (c *Collector) IncAnalyticsFlushSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.analyticsFlushSuccess++
	c.mu.Unlock()
}

// IncAnalyticsFlushFailure records a failed sink flush (per call).
func (c *Collector) IncAnalyticsFlushFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.analyticsFlushFailure++
	c.mu.Unlock()
}

// ObservePhase records one orchestrator pipeline phase duration.
func (c *Collector) ObservePhase(phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.phaseTotalMs[phase] += d.Milliseconds()
	c.phaseCounts[phase]++
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all metrics.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.failuresByKind))
	for k, v := range c.failuresByKind {
		byKind[k] = v
	}
	rejected := make(map[string]int64, len(c.jobsRejected))
	for k, v := range c.jobsRejected {
		rejected[k] = v
	}
	phases := make(map[string]int64, len(c.phaseTotalMs))
	for k, v := range c.phaseTotalMs {
		phases[k] = v
	}
	counts := make(map[string]int64, len(c.phaseCounts))
	for k, v := range c.phaseCounts {
		counts[k] = v
	}

	avg, p99 := summarize(c.queueWait[:c.queueWaitLen])

	return Snapshot{
		ExecutionsStarted:   c.executionsStarted,
		ExecutionsSucceeded: c.executionsSucceeded,
		ExecutionsFailed:    c.executionsFailed,
		FailuresByKind:      byKind,

		QueueFullRejections: c.queueFullRejections,
		AcquireTimeouts:     c.acquireTimeouts,
		WorkerCrashes:       c.workerCrashes,
		WorkerRecycles:      c.workerRecycles,
		WorkersSpawned:      c.workersSpawned,

		QueueWaitAvgMs:   avg,
		QueueWaitP99Ms:   p99,
		QueueWaitSamples: c.queueWaitLen,

		BridgeCalls:    c.bridgeCalls,
		BridgeErrors:   c.bridgeErrors,
		BridgeTimeouts: c.bridgeTimeouts,

		PermissionDenials: c.permissionDenials,

		JobsSubmitted:       c.jobsSubmitted,
		JobsRejected:        rejected,
		SchedulesRegistered: c.schedulesRegistered,
		CronTriggers:        c.cronTriggers,
		DegradationState:    c.degradationState,

		AnalyticsFlushSuccess: c.analyticsFlushSuccess,
		AnalyticsFlushFailure: c.analyticsFlushFailure,

		PhaseTotalMs: phases,
		PhaseCounts:  counts,
	}
}

// summarize computes average and p99 of the samples.
// The slice is copied before sorting.
func summarize(samples []float64) (avg, p99 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	idx := (len(sorted) * 99) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sum / float64(len(sorted)), sorted[idx]
}
