package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector()

	c.IncExecutionStarted()
	c.IncExecutionSucceeded()
	c.IncExecutionFailed("TIMEOUT")
	c.IncExecutionFailed("TIMEOUT")
	c.IncExecutionFailed("HANDLER_ERROR")
	c.IncQueueFull()
	c.IncAcquireTimeout()
	c.IncAcquireTimeout()
	c.IncWorkerCrash()
	c.IncWorkerRecycle()
	c.IncWorkerSpawned()
	c.IncWorkerSpawned()
	c.IncWorkerSpawned()
	c.IncBridgeCall()
	c.IncBridgeCall()
	c.IncBridgeError()
	c.IncBridgeTimeout()
	c.IncPermissionDenied()
	c.IncAnalyticsFlushSuccess()
	c.IncAnalyticsFlushSuccess()
	c.IncAnalyticsFlushFailure()

	s := c.Snapshot()

	if s.ExecutionsStarted != 1 {
		t.Errorf("ExecutionsStarted = %d, want 1", s.ExecutionsStarted)
	}
	if s.ExecutionsSucceeded != 1 {
		t.Errorf("ExecutionsSucceeded = %d, want 1", s.ExecutionsSucceeded)
	}
	if s.ExecutionsFailed != 3 {
		t.Errorf("ExecutionsFailed = %d, want 3", s.ExecutionsFailed)
	}
	if s.FailuresByKind["TIMEOUT"] != 2 {
		t.Errorf("FailuresByKind[TIMEOUT] = %d, want 2", s.FailuresByKind["TIMEOUT"])
	}
	if s.FailuresByKind["HANDLER_ERROR"] != 1 {
		t.Errorf("FailuresByKind[HANDLER_ERROR] = %d, want 1", s.FailuresByKind["HANDLER_ERROR"])
	}
	if s.QueueFullRejections != 1 {
		t.Errorf("QueueFullRejections = %d, want 1", s.QueueFullRejections)
	}
	if s.AcquireTimeouts != 2 {
		t.Errorf("AcquireTimeouts = %d, want 2", s.AcquireTimeouts)
	}
	if s.WorkerCrashes != 1 {
		t.Errorf("WorkerCrashes = %d, want 1", s.WorkerCrashes)
	}
	if s.WorkerRecycles != 1 {
		t.Errorf("WorkerRecycles = %d, want 1", s.WorkerRecycles)
	}
	if s.WorkersSpawned != 3 {
		t.Errorf("WorkersSpawned = %d, want 3", s.WorkersSpawned)
	}
	if s.BridgeCalls != 2 {
		t.Errorf("BridgeCalls = %d, want 2", s.BridgeCalls)
	}
	if s.BridgeErrors != 1 {
		t.Errorf("BridgeErrors = %d, want 1", s.BridgeErrors)
	}
	if s.BridgeTimeouts != 1 {
		t.Errorf("BridgeTimeouts = %d, want 1", s.BridgeTimeouts)
	}
	if s.PermissionDenials != 1 {
		t.Errorf("PermissionDenials = %d, want 1", s.PermissionDenials)
	}
	if s.AnalyticsFlushSuccess != 2 {
		t.Errorf("AnalyticsFlushSuccess = %d, want 2", s.AnalyticsFlushSuccess)
	}
	if s.AnalyticsFlushFailure != 1 {
		t.Errorf("AnalyticsFlushFailure = %d, want 1", s.AnalyticsFlushFailure)
	}
}

func TestCollector_QueueWaitSummary(t *testing.T) {
	c := NewCollector()

	for i := 1; i <= 100; i++ {
		c.ObserveQueueWait(time.Duration(i) * time.Millisecond)
	}

	s := c.Snapshot()
	if s.QueueWaitSamples != 100 {
		t.Fatalf("QueueWaitSamples = %d, want 100", s.QueueWaitSamples)
	}
	if s.QueueWaitAvgMs != 50.5 {
		t.Errorf("QueueWaitAvgMs = %v, want 50.5", s.QueueWaitAvgMs)
	}
	if s.QueueWaitP99Ms != 100 {
		t.Errorf("QueueWaitP99Ms = %v, want 100", s.QueueWaitP99Ms)
	}
}

func TestCollector_QueueWaitRingWrap(t *testing.T) {
	c := NewCollector()

	// 1100 samples: the oldest 100 fall out of the window.
	for i := 1; i <= 1100; i++ {
		c.ObserveQueueWait(time.Duration(i) * time.Millisecond)
	}

	s := c.Snapshot()
	if s.QueueWaitSamples != 1000 {
		t.Fatalf("QueueWaitSamples = %d, want 1000", s.QueueWaitSamples)
	}
	// Remaining samples are 101..1100 ms.
	if s.QueueWaitAvgMs != 600.5 {
		t.Errorf("QueueWaitAvgMs = %v, want 600.5", s.QueueWaitAvgMs)
	}
	if s.QueueWaitP99Ms != 1091 {
		t.Errorf("QueueWaitP99Ms = %v, want 1091", s.QueueWaitP99Ms)
	}
}

func TestCollector_QueueWaitEmpty(t *testing.T) {
	c := NewCollector()
	s := c.Snapshot()

	if s.QueueWaitSamples != 0 {
		t.Errorf("QueueWaitSamples = %d, want 0", s.QueueWaitSamples)
	}
	if s.QueueWaitAvgMs != 0 || s.QueueWaitP99Ms != 0 {
		t.Errorf("empty reservoir should summarize to zero, got avg=%v p99=%v",
			s.QueueWaitAvgMs, s.QueueWaitP99Ms)
	}
}

func TestCollector_ObservePhase(t *testing.T) {
	c := NewCollector()

	c.ObservePhase("resolve", 20*time.Millisecond)
	c.ObservePhase("resolve", 30*time.Millisecond)
	c.ObservePhase("execute", 500*time.Millisecond)

	s := c.Snapshot()
	if s.PhaseTotalMs["resolve"] != 50 {
		t.Errorf("PhaseTotalMs[resolve] = %d, want 50", s.PhaseTotalMs["resolve"])
	}
	if s.PhaseCounts["resolve"] != 2 {
		t.Errorf("PhaseCounts[resolve] = %d, want 2", s.PhaseCounts["resolve"])
	}
	if s.PhaseTotalMs["execute"] != 500 {
		t.Errorf("PhaseTotalMs[execute] = %d, want 500", s.PhaseTotalMs["execute"])
	}
	if s.PhaseCounts["execute"] != 1 {
		t.Errorf("PhaseCounts[execute] = %d, want 1", s.PhaseCounts["execute"])
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector()
	c.IncExecutionStarted()
	c.IncBridgeCall()

	s1 := c.Snapshot()

	// Mutate collector after snapshot
	c.IncExecutionSucceeded()
	c.IncBridgeCall()
	c.IncBridgeCall()

	// s1 should be unchanged
	if s1.ExecutionsSucceeded != 0 {
		t.Errorf("s1.ExecutionsSucceeded = %d, want 0 (snapshot should be frozen)", s1.ExecutionsSucceeded)
	}
	if s1.BridgeCalls != 1 {
		t.Errorf("s1.BridgeCalls = %d, want 1 (snapshot should be frozen)", s1.BridgeCalls)
	}

	// New snapshot should reflect mutations
	s2 := c.Snapshot()
	if s2.ExecutionsSucceeded != 1 {
		t.Errorf("s2.ExecutionsSucceeded = %d, want 1", s2.ExecutionsSucceeded)
	}
	if s2.BridgeCalls != 3 {
		t.Errorf("s2.BridgeCalls = %d, want 3", s2.BridgeCalls)
	}
}

func TestCollector_SnapshotMapIsolation(t *testing.T) {
	c := NewCollector()
	c.IncExecutionFailed("TIMEOUT")

	s := c.Snapshot()

	// Mutate the snapshot's maps
	s.FailuresByKind["TIMEOUT"] = 999
	s.FailuresByKind["injected"] = 1

	// Collector should be unaffected
	s2 := c.Snapshot()
	if s2.FailuresByKind["TIMEOUT"] != 1 {
		t.Errorf("FailuresByKind[TIMEOUT] = %d, want 1 (collector should be isolated from snapshot mutation)", s2.FailuresByKind["TIMEOUT"])
	}
	if _, exists := s2.FailuresByKind["injected"]; exists {
		t.Error("FailuresByKind should not contain injected key from snapshot mutation")
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.IncExecutionStarted()
	c.IncExecutionSucceeded()
	c.IncExecutionFailed("TIMEOUT")
	c.IncQueueFull()
	c.IncAcquireTimeout()
	c.IncWorkerCrash()
	c.IncWorkerRecycle()
	c.IncWorkerSpawned()
	c.ObserveQueueWait(time.Second)
	c.IncBridgeCall()
	c.IncBridgeError()
	c.IncBridgeTimeout()
	c.IncPermissionDenied()
	c.IncAnalyticsFlushSuccess()
	c.IncAnalyticsFlushFailure()
	c.ObservePhase("execute", time.Second)

	s := c.Snapshot()
	if s.ExecutionsStarted != 0 {
		t.Errorf("nil collector snapshot ExecutionsStarted = %d, want 0", s.ExecutionsStarted)
	}
	if s.FailuresByKind != nil {
		t.Errorf("nil collector snapshot FailuresByKind should be nil, got %v", s.FailuresByKind)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector()
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncExecutionStarted()
				c.IncBridgeCall()
				c.ObserveQueueWait(time.Millisecond)
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.ExecutionsStarted != want {
		t.Errorf("ExecutionsStarted = %d, want %d", s.ExecutionsStarted, want)
	}
	if s.BridgeCalls != want {
		t.Errorf("BridgeCalls = %d, want %d", s.BridgeCalls, want)
	}
	if s.QueueWaitSamples != queueWaitSampleCap {
		t.Errorf("QueueWaitSamples = %d, want %d", s.QueueWaitSamples, queueWaitSampleCap)
	}
}

func TestCollector_ZeroValueSnapshot(t *testing.T) {
	c := NewCollector()
	s := c.Snapshot()

	if s.ExecutionsStarted != 0 || s.ExecutionsSucceeded != 0 || s.ExecutionsFailed != 0 {
		t.Error("fresh collector should have zero execution counters")
	}
	if s.QueueFullRejections != 0 || s.AcquireTimeouts != 0 || s.WorkerCrashes != 0 {
		t.Error("fresh collector should have zero pool counters")
	}
	if s.BridgeCalls != 0 || s.BridgeErrors != 0 || s.BridgeTimeouts != 0 {
		t.Error("fresh collector should have zero bridge counters")
	}
	if len(s.FailuresByKind) != 0 {
		t.Errorf("fresh collector FailuresByKind should be empty, got %v", s.FailuresByKind)
	}
}
