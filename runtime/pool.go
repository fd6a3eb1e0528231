package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/script"
	"github.com/pithecene-io/kilnbox/types"
	"github.com/pithecene-io/kilnbox/workspace"
)

// Warmup modes.
const (
	WarmupNone   = "none"
	WarmupMarked = "marked"
	WarmupTopN   = "top-n"
)

// workerShutdownGrace bounds one worker's shutdown during pool
// teardown and recycling.
const workerShutdownGrace = 10 * time.Second

// statsWaitSamples is the queue wait sample ring size.
const statsWaitSamples = 1000

// WarmupConfig sizes the initial worker population from the handler
// inventory.
type WarmupConfig struct {
	// Mode is none, marked, or top-n.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
	// TopN is the handler count warmed in top-n mode.
	TopN int `json:"topN,omitempty" yaml:"topN,omitempty"`
	// MaxHandlers caps warmed handlers in any mode.
	MaxHandlers int `json:"maxHandlers,omitempty" yaml:"maxHandlers,omitempty"`
}

// PoolConfig tunes the worker pool. Values are taken literally: a zero
// MaxQueueSize rejects whenever no worker is idle, a zero
// AcquireTimeout gives queued requests no wait at all, and zero recycle
// bounds disable recycling. A zero-valued struct selects
// DefaultPoolConfig.
type PoolConfig struct {
	// Min and Max bound the worker population.
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
	// MaxRequestsPerWorker recycles a worker after N executions.
	MaxRequestsPerWorker int64 `json:"maxRequestsPerWorker" yaml:"maxRequestsPerWorker"`
	// MaxUptimePerWorker recycles a worker after a lifetime.
	MaxUptimePerWorker time.Duration `json:"maxUptimePerWorker" yaml:"maxUptimePerWorker"`
	// MaxQueueSize bounds the dispatch queue.
	MaxQueueSize int `json:"maxQueueSize" yaml:"maxQueueSize"`
	// AcquireTimeout bounds queue residence.
	AcquireTimeout time.Duration `json:"acquireTimeout" yaml:"acquireTimeout"`
	// MaxConcurrentPerPlugin caps concurrent executions per plugin id.
	// Zero means unlimited.
	MaxConcurrentPerPlugin int `json:"maxConcurrentPerPlugin" yaml:"maxConcurrentPerPlugin"`
	// HealthCheckInterval paces idle worker probes. Zero disables the
	// health loop.
	HealthCheckInterval time.Duration `json:"healthCheckInterval" yaml:"healthCheckInterval"`
	// Warmup sizes the initial population.
	Warmup WarmupConfig `json:"warmup" yaml:"warmup"`
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Min:                  2,
		Max:                  10,
		MaxRequestsPerWorker: 1000,
		MaxUptimePerWorker:   30 * time.Minute,
		MaxQueueSize:         100,
		AcquireTimeout:       5 * time.Second,
		HealthCheckInterval:  10 * time.Second,
	}
}

// queuedRequest is one execution waiting for a worker. It is owned by
// the pool queue until dispatched, canceled, or timed out; exactly one
// of ready or fail resolves it.
type queuedRequest struct {
	ctx      context.Context
	ready    chan *WorkerProcess
	fail     chan error
	queuedAt time.Time
}

// PoolBackend runs executions on a population of long-lived worker
// processes behind a bounded queue. All population and queue mutations
// happen under one mutex; waiting happens outside it.
type PoolBackend struct {
	cfg         PoolConfig
	registry    *plugin.Registry
	workspaces  *workspace.Manager
	scripts     *script.Engine
	logger      *log.Logger
	coll        *metrics.Collector
	artifacts   *ArtifactCollector
	command     []string
	socketPath  string
	sandboxMode string

	mu       sync.Mutex
	workers  map[string]*WorkerProcess
	leased   map[string]bool
	queue    []*queuedRequest
	active   map[string]int
	spawning int
	closed   bool
	started  bool

	// waits is a ring of queue wait samples in milliseconds.
	waits    []float64
	waitIdx  int
	waitFull bool

	stop chan struct{}
	seq  atomic.Int64

	executions      atomic.Int64
	successes       atomic.Int64
	failures        atomic.Int64
	acquireTimeouts atomic.Int64
	queueFull       atomic.Int64
	crashes         atomic.Int64
	recycles        atomic.Int64
}

// NewPoolBackend builds the pool. Workers spawn on Start.
func NewPoolBackend(opts BackendOptions) (*PoolBackend, error) {
	if len(opts.WorkerCommand) == 0 {
		return nil, fault.New(fault.KindValidation, "pool backend requires a worker command")
	}
	if opts.SocketPath == "" {
		return nil, fault.New(fault.KindValidation, "pool backend requires a platform socket path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	cfg := opts.Pool
	if cfg == (PoolConfig{}) {
		cfg = DefaultPoolConfig()
	}
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = 0
	}
	if cfg.AcquireTimeout < 0 {
		cfg.AcquireTimeout = 0
	}

	return &PoolBackend{
		cfg:         cfg,
		registry:    opts.Registry,
		workspaces:  opts.Workspaces,
		scripts:     opts.Scripts,
		logger:      logger,
		coll:        opts.Metrics,
		artifacts:   opts.Artifacts,
		command:     opts.WorkerCommand,
		socketPath:  opts.SocketPath,
		sandboxMode: opts.SandboxMode,
		workers:     make(map[string]*WorkerProcess),
		leased:      make(map[string]bool),
		active:      make(map[string]int),
		waits:       make([]float64, statsWaitSamples),
		stop:        make(chan struct{}),
	}, nil
}

// Start spawns the initial population (Min, raised by warmup) and
// launches the health loop. Spawning is asynchronous; early requests
// queue until the first worker reports ready.
func (b *PoolBackend) Start(context.Context) error {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.started = true

	n := b.cfg.Min
	if warm := b.warmupTarget(); warm > n {
		n = warm
	}
	if n > b.cfg.Max {
		n = b.cfg.Max
	}
	for i := 0; i < n; i++ {
		b.spawnLocked()
	}
	b.mu.Unlock()

	if b.cfg.HealthCheckInterval > 0 {
		go b.healthLoop()
	}
	return nil
}

// Execute implements Backend, running the dispatch algorithm:
// admission, acquisition or queueing, worker dispatch.
func (b *PoolBackend) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error) {
	if req == nil {
		return nil, errNilRequest
	}
	start := time.Now()
	meta := types.ResponseMetadata{Backend: BackendPool}

	b.executions.Add(1)
	b.coll.IncExecutionStarted()

	sink := &artifactSink{}
	res, err := b.execute(ctx, req, &meta, sink)
	if err != nil {
		switch fault.KindOf(fault.Normalize(err)) {
		case fault.KindQueueFull:
			b.queueFull.Add(1)
			b.coll.IncQueueFull()
		case fault.KindAcquireTimeout:
			b.acquireTimeouts.Add(1)
			b.coll.IncAcquireTimeout()
		case fault.KindWorkerCrashed:
			b.crashes.Add(1)
		default:
			b.failures.Add(1)
			b.coll.IncExecutionFailed(string(fault.KindOf(fault.Normalize(err))))
		}
		return failureResponse(err, time.Since(start), meta), nil
	}
	b.successes.Add(1)
	b.coll.IncExecutionSucceeded()
	resp := successResponse(res, time.Since(start), meta)
	sink.apply(resp)
	return resp, nil
}

func (b *PoolBackend) execute(ctx context.Context, req *types.ExecutionRequest, meta *types.ResponseMetadata, sink *artifactSink) (*types.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid execution request", err)
	}
	if b.workspaces == nil {
		return nil, fault.New(fault.KindWorkspace, "backend has no workspace manager")
	}

	pluginID := req.Descriptor.PluginID

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fault.New(fault.KindAborted, "pool is shut down")
	}
	if limit := b.cfg.MaxConcurrentPerPlugin; limit > 0 && b.active[pluginID] >= limit {
		b.mu.Unlock()
		return nil, fault.Errorf(fault.KindQueueFull,
			"plugin %s is at its concurrency cap (%d)", pluginID, limit)
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, fault.Normalize(err)
	}
	b.active[pluginID]++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.active[pluginID]--; b.active[pluginID] <= 0 {
			delete(b.active, pluginID)
		}
		b.mu.Unlock()
	}()

	w, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.release(w)
	meta.WorkerID = w.ID()

	lease, err := b.workspaces.Lease(ctx, workspace.Request{
		ExecutionID: req.ExecutionID,
		PluginRoot:  req.PluginRoot,
		Config:      req.Workspace,
	})
	if err != nil {
		return nil, err
	}
	defer b.workspaces.Release(lease)
	meta.WorkspaceID = lease.WorkspaceID

	outDir, err := ensureOutDir(lease.Cwd, req.Artifacts.OutDir)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	frame := executeFrame(req, lease, outDir, b.socketPath, b.scripts, ChainFrom(ctx))
	resFrame, err := w.Execute(execCtx, frame)
	if err != nil {
		return nil, err
	}
	res, err := decodeResult(resFrame)
	if err != nil {
		return nil, err
	}
	collectArtifacts(ctx, b.artifacts, req, outDir, sink)
	return res, nil
}

// acquire hands back an idle worker, queueing the caller when none is
// available. QUEUE_FULL when the queue is at capacity, ACQUIRE_TIMEOUT
// when the wait budget lapses, ABORTED when the caller gives up.
func (b *PoolBackend) acquire(ctx context.Context) (*WorkerProcess, error) {
	b.mu.Lock()
	if w := b.acquireLocked(); w != nil {
		b.mu.Unlock()
		return w, nil
	}
	if len(b.queue) >= b.cfg.MaxQueueSize {
		b.mu.Unlock()
		return nil, fault.Errorf(fault.KindQueueFull, "dispatch queue is full (%d)", b.cfg.MaxQueueSize)
	}
	if len(b.workers)+b.spawning < b.cfg.Max {
		b.spawnLocked()
	}
	entry := &queuedRequest{
		ctx:      ctx,
		ready:    make(chan *WorkerProcess, 1),
		fail:     make(chan error, 1),
		queuedAt: time.Now(),
	}
	b.queue = append(b.queue, entry)
	b.mu.Unlock()

	timer := time.NewTimer(b.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case w := <-entry.ready:
		return w, nil
	case err := <-entry.fail:
		return nil, err
	case <-timer.C:
		if b.removeQueued(entry) {
			return nil, fault.Errorf(fault.KindAcquireTimeout,
				"no worker available within %s", b.cfg.AcquireTimeout)
		}
		// The drain won the race; a resolution is imminent.
		select {
		case w := <-entry.ready:
			return w, nil
		case err := <-entry.fail:
			return nil, err
		}
	case <-ctx.Done():
		if b.removeQueued(entry) {
			return nil, fault.Normalize(ctx.Err())
		}
		select {
		case w := <-entry.ready:
			b.release(w)
			return nil, fault.Normalize(ctx.Err())
		case err := <-entry.fail:
			return nil, err
		}
	}
}

// acquireLocked returns an idle, unleased, non-stale worker, retiring
// stale ones on the way. Nil when none qualifies.
func (b *PoolBackend) acquireLocked() *WorkerProcess {
	for id, w := range b.workers {
		if b.leased[id] || w.State() != types.WorkerIdle {
			continue
		}
		if b.staleLocked(w) {
			b.retireLocked(w, true, false)
			continue
		}
		b.leased[id] = true
		return w
	}
	return nil
}

// staleLocked reports whether a worker hit a recycle bound.
func (b *PoolBackend) staleLocked(w *WorkerProcess) bool {
	if n := b.cfg.MaxRequestsPerWorker; n > 0 && w.Served() >= n {
		return true
	}
	if d := b.cfg.MaxUptimePerWorker; d > 0 && w.Uptime() >= d {
		return true
	}
	return false
}

// retireLocked removes a worker from the population and tears it down
// in the background, spawning a replacement within bounds. recycle
// counts the retirement; kill skips the graceful handshake.
func (b *PoolBackend) retireLocked(w *WorkerProcess, recycle, kill bool) {
	delete(b.workers, w.ID())
	delete(b.leased, w.ID())
	if recycle {
		b.recycles.Add(1)
		b.coll.IncWorkerRecycle()
	}
	go func() {
		if kill {
			_ = w.Kill()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), workerShutdownGrace)
		_ = w.Shutdown(ctx, true, workerShutdownGrace)
		cancel()
	}()
	if !b.closed {
		b.spawnLocked()
	}
}

// release returns a worker after an execution, recycling it when
// stale, then drains the queue.
func (b *PoolBackend) release(w *WorkerProcess) {
	b.mu.Lock()
	delete(b.leased, w.ID())
	if _, ok := b.workers[w.ID()]; ok && b.staleLocked(w) {
		b.retireLocked(w, true, false)
	}
	b.drainLocked()
	b.mu.Unlock()
}

// drainLocked matches queued requests to available workers, head
// first. Entries whose context died while queued resolve without a
// worker.
func (b *PoolBackend) drainLocked() {
	for len(b.queue) > 0 {
		entry := b.queue[0]
		if err := entry.ctx.Err(); err != nil {
			b.queue = b.queue[1:]
			entry.fail <- fault.Normalize(err)
			continue
		}
		w := b.acquireLocked()
		if w == nil {
			return
		}
		b.queue = b.queue[1:]
		wait := time.Since(entry.queuedAt)
		b.observeWaitLocked(wait)
		b.coll.ObserveQueueWait(wait)
		entry.ready <- w
	}
}

// removeQueued takes an entry out of the queue. False means the drain
// already dispatched it.
func (b *PoolBackend) removeQueued(entry *queuedRequest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.queue {
		if e == entry {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// spawnLocked launches one worker asynchronously within Max.
func (b *PoolBackend) spawnLocked() {
	if b.closed || len(b.workers)+b.spawning >= b.cfg.Max {
		return
	}
	b.spawning++
	id := fmt.Sprintf("w-%d", b.seq.Add(1))
	go b.spawn(id)
}

func (b *PoolBackend) spawn(id string) {
	w := NewWorkerProcess(WorkerConfig{
		ID:          id,
		Command:     b.command,
		SocketPath:  b.socketPath,
		SandboxMode: b.sandboxMode,
		Logger:      b.logger,
	})
	err := w.Start(context.Background())

	b.mu.Lock()
	b.spawning--
	if err != nil {
		b.mu.Unlock()
		b.logger.Warn("worker spawn failed", map[string]any{"workerId": id, "error": err.Error()})
		return
	}
	if b.closed {
		b.mu.Unlock()
		_ = w.Kill()
		return
	}
	b.workers[id] = w
	b.coll.IncWorkerSpawned()
	go b.watch(w)
	b.drainLocked()
	b.mu.Unlock()

	b.logger.Debug("worker joined pool", map[string]any{"workerId": id})
}

// watch removes a worker when its process exits. An exit while still
// in the population is a crash: replace below Min and wake the queue.
func (b *PoolBackend) watch(w *WorkerProcess) {
	<-w.Done()
	b.mu.Lock()
	if _, ok := b.workers[w.ID()]; !ok {
		// Retired or shut down on purpose.
		b.mu.Unlock()
		return
	}
	delete(b.workers, w.ID())
	delete(b.leased, w.ID())
	b.coll.IncWorkerCrash()
	if !b.closed && len(b.workers)+b.spawning < b.cfg.Min {
		b.spawnLocked()
	}
	b.drainLocked()
	b.mu.Unlock()

	b.logger.Warn("worker exited unexpectedly", map[string]any{"workerId": w.ID()})
}

// healthLoop probes idle workers and replenishes the population.
func (b *PoolBackend) healthLoop() {
	ticker := time.NewTicker(b.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.healthPass()
		}
	}
}

func (b *PoolBackend) healthPass() {
	b.mu.Lock()
	var idle []*WorkerProcess
	for id, w := range b.workers {
		if !b.leased[id] && w.State() == types.WorkerIdle {
			b.leased[id] = true
			idle = append(idle, w)
		}
	}
	if !b.closed && len(b.workers)+b.spawning < b.cfg.Min {
		b.spawnLocked()
	}
	b.mu.Unlock()

	for _, w := range idle {
		err := w.Health(context.Background())
		b.mu.Lock()
		delete(b.leased, w.ID())
		if err != nil {
			b.logger.Warn("worker failed health probe", map[string]any{
				"workerId": w.ID(),
				"error":    err.Error(),
			})
			if _, ok := b.workers[w.ID()]; ok {
				b.retireLocked(w, false, true)
			}
		}
		b.drainLocked()
		b.mu.Unlock()
	}
}

// warmupTarget sizes the initial population from the handler
// inventory. Warm workers are fungible; the count, not the identity,
// is what warmup buys.
func (b *PoolBackend) warmupTarget() int {
	cfg := b.cfg.Warmup
	if b.registry == nil {
		return 0
	}
	total, marked := 0, 0
	for _, id := range b.registry.IDs() {
		m, ok := b.registry.Manifest(id)
		if !ok {
			continue
		}
		for _, h := range m.Handlers {
			total++
			if h.Warmup {
				marked++
			}
		}
	}

	var n int
	switch cfg.Mode {
	case WarmupMarked:
		n = marked
	case WarmupTopN:
		n = cfg.TopN
		if n > total {
			n = total
		}
	default:
		return 0
	}
	if cfg.MaxHandlers > 0 && n > cfg.MaxHandlers {
		n = cfg.MaxHandlers
	}
	return n
}

// observeWaitLocked records one queue wait sample in the ring.
func (b *PoolBackend) observeWaitLocked(d time.Duration) {
	b.waits[b.waitIdx] = float64(d.Milliseconds())
	b.waitIdx++
	if b.waitIdx >= len(b.waits) {
		b.waitIdx = 0
		b.waitFull = true
	}
}

// Health implements Backend.
func (b *PoolBackend) Health(context.Context) HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return HealthStatus{Healthy: false, Detail: "shut down"}
	}
	live := len(b.workers)
	if b.started && live == 0 && b.spawning == 0 {
		return HealthStatus{Healthy: false, Detail: "no workers"}
	}
	return HealthStatus{Healthy: true, Workers: live}
}

// Stats implements Backend.
func (b *PoolBackend) Stats() Stats {
	b.mu.Lock()
	counts := WorkerCounts{Starting: b.spawning}
	for _, w := range b.workers {
		counts.Total++
		switch w.State() {
		case types.WorkerStarting:
			counts.Starting++
		case types.WorkerIdle:
			counts.Idle++
		case types.WorkerBusy:
			counts.Busy++
		case types.WorkerDraining:
			counts.Draining++
		}
	}
	queueLen := len(b.queue)
	samples := b.waitSamplesLocked()
	b.mu.Unlock()

	avg, p99 := waitQuantiles(samples)
	return Stats{
		Backend:             BackendPool,
		Workers:             counts,
		QueueLength:         queueLen,
		Executions:          b.executions.Load(),
		Successes:           b.successes.Load(),
		Errors:              b.failures.Load(),
		AcquireTimeouts:     b.acquireTimeouts.Load(),
		QueueFullRejections: b.queueFull.Load(),
		WorkerCrashes:       b.crashes.Load(),
		Recycles:            b.recycles.Load(),
		AvgQueueWaitMs:      avg,
		P99QueueWaitMs:      p99,
	}
}

func (b *PoolBackend) waitSamplesLocked() []float64 {
	n := b.waitIdx
	if b.waitFull {
		n = len(b.waits)
	}
	out := make([]float64, n)
	copy(out, b.waits[:n])
	return out
}

// waitQuantiles computes the running average and P99 of the sample
// ring.
func waitQuantiles(samples []float64) (avg, p99 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted))*0.99) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sum / float64(len(samples)), sorted[idx]
}

// Shutdown implements Backend: reject the queue, drain the workers,
// never fail. Idempotent.
func (b *PoolBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	queued := b.queue
	b.queue = nil
	workers := make([]*WorkerProcess, 0, len(b.workers))
	for _, w := range b.workers {
		workers = append(workers, w)
	}
	b.workers = make(map[string]*WorkerProcess)
	b.leased = make(map[string]bool)
	b.mu.Unlock()

	for _, entry := range queued {
		entry.fail <- fault.New(fault.KindAborted, "pool is shutting down")
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *WorkerProcess) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, workerShutdownGrace)
			_ = w.Shutdown(sctx, true, workerShutdownGrace)
			cancel()
		}(w)
	}
	wg.Wait()
	return nil
}

var _ Backend = (*PoolBackend)(nil)
