package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/runtime"
)

// Level orders platform pressure states by severity.
type Level int

const (
	LevelHealthy Level = iota
	LevelWarn
	LevelDegraded
	LevelCritical
)

var levelNames = [...]string{"healthy", "warn", "degraded", "critical"}

func (l Level) String() string {
	if l < LevelHealthy || int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// MarshalText renders the level name, for health endpoints.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Signals is one observation of the execution backend.
type Signals struct {
	// QueueShare is queue occupancy against capacity, 0..1.
	QueueShare float64 `json:"queueShare"`
	// ErrorRate is failures over finished executions since the
	// previous sample, 0..1.
	ErrorRate float64 `json:"errorRate"`
	// WaitP99Ms is the p99 queue residence reported by the backend.
	WaitP99Ms float64 `json:"waitP99Ms"`
	// Workers is the live worker population.
	Workers int `json:"workers"`
	// Healthy is the backend's own verdict. An unhealthy backend,
	// including a pool with no live workers, classifies critical on
	// its own.
	Healthy bool `json:"healthy"`
}

// Thresholds are the signal floors for each non-healthy level.
type Thresholds struct {
	WarnQueueShare     float64
	DegradedQueueShare float64
	CriticalQueueShare float64

	WarnErrorRate     float64
	DegradedErrorRate float64
	CriticalErrorRate float64

	WarnWaitMs     float64
	DegradedWaitMs float64
	CriticalWaitMs float64
}

// DefaultThresholds returns the shipped floors. They are starting
// points, not tuned figures; deployments override per workload.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnQueueShare:     0.50,
		DegradedQueueShare: 0.80,
		CriticalQueueShare: 0.95,
		WarnErrorRate:      0.10,
		DegradedErrorRate:  0.25,
		CriticalErrorRate:  0.50,
		WarnWaitMs:         2000,
		DegradedWaitMs:     5000,
		CriticalWaitMs:     10000,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.WarnQueueShare <= 0 {
		t.WarnQueueShare = def.WarnQueueShare
	}
	if t.DegradedQueueShare <= 0 {
		t.DegradedQueueShare = def.DegradedQueueShare
	}
	if t.CriticalQueueShare <= 0 {
		t.CriticalQueueShare = def.CriticalQueueShare
	}
	if t.WarnErrorRate <= 0 {
		t.WarnErrorRate = def.WarnErrorRate
	}
	if t.DegradedErrorRate <= 0 {
		t.DegradedErrorRate = def.DegradedErrorRate
	}
	if t.CriticalErrorRate <= 0 {
		t.CriticalErrorRate = def.CriticalErrorRate
	}
	if t.WarnWaitMs <= 0 {
		t.WarnWaitMs = def.WarnWaitMs
	}
	if t.DegradedWaitMs <= 0 {
		t.DegradedWaitMs = def.DegradedWaitMs
	}
	if t.CriticalWaitMs <= 0 {
		t.CriticalWaitMs = def.CriticalWaitMs
	}
	return t
}

// Source exposes the backend signals the controller samples. The raw
// backends and the orchestrator both satisfy it.
type Source interface {
	Stats() runtime.Stats
	Health(ctx context.Context) runtime.HealthStatus
}

// ControllerOptions assembles a Controller.
type ControllerOptions struct {
	// Source is the backend under observation. Required.
	Source Source
	// QueueCapacity converts queue length to occupancy. Defaults to
	// the default pool queue size.
	QueueCapacity int
	// Thresholds tune the state machine. Zero fields take defaults.
	Thresholds Thresholds
	// SampleInterval paces the observation loop. Default 5s.
	SampleInterval time.Duration
	// RecoveryWindows is how many consecutive calmer samples step the
	// level down one notch. Default 3.
	RecoveryWindows int
	// WarnDelay/DegradedDelay pause each submission at that level.
	// Defaults 100ms and 500ms.
	WarnDelay     time.Duration
	DegradedDelay time.Duration
	// WarnRate/DegradedRate bound submissions per second outside the
	// healthy state. Defaults 50 and 10.
	WarnRate     rate.Limit
	DegradedRate rate.Limit

	Analytics platform.Analytics
	Metrics   *metrics.Collector
	Logger    *log.Logger
}

// Controller classifies backend pressure into a degradation level and
// prices job admission accordingly. Escalation applies on the first
// hot sample; recovery steps down one level per RecoveryWindows of
// calmer samples, so a flapping signal cannot bounce admission open
// and shut.
type Controller struct {
	source    Source
	capacity  int
	th        Thresholds
	interval  time.Duration
	recovery  int
	warnDelay time.Duration
	degDelay  time.Duration
	warnRate  rate.Limit
	degRate   rate.Limit

	limiter   *rate.Limiter
	analytics platform.Analytics
	coll      *metrics.Collector
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	level    Level
	since    time.Time
	calm     int
	last     Signals
	prev     runtime.Stats
	havePrev bool

	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewController builds a Controller. Start arms the sampling loop.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Source == nil {
		return nil, fault.New(fault.KindValidation, "degradation controller requires a stats source")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = runtime.DefaultPoolConfig().MaxQueueSize
	}
	interval := opts.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	recovery := opts.RecoveryWindows
	if recovery <= 0 {
		recovery = 3
	}
	warnDelay := opts.WarnDelay
	if warnDelay <= 0 {
		warnDelay = 100 * time.Millisecond
	}
	degDelay := opts.DegradedDelay
	if degDelay <= 0 {
		degDelay = 500 * time.Millisecond
	}
	warnRate := opts.WarnRate
	if warnRate <= 0 {
		warnRate = 50
	}
	degRate := opts.DegradedRate
	if degRate <= 0 {
		degRate = 10
	}
	return &Controller{
		source:    opts.Source,
		capacity:  capacity,
		th:        opts.Thresholds.withDefaults(),
		interval:  interval,
		recovery:  recovery,
		warnDelay: warnDelay,
		degDelay:  degDelay,
		warnRate:  warnRate,
		degRate:   degRate,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		analytics: opts.Analytics,
		coll:      opts.Metrics,
		logger:    logger,
		now:       time.Now,
		since:     time.Now(),
		stop:      make(chan struct{}),
	}, nil
}

// Start begins sampling the source. Stop or a done ctx ends the loop.
func (c *Controller) Start(ctx context.Context) {
	if c == nil {
		return
	}
	c.startOnce.Do(func() {
		go c.loop(ctx)
	})
}

// Stop halts the sampling loop. Idempotent.
func (c *Controller) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Controller) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Observe(c.sample(ctx))
		}
	}
}

// sample converts one Stats/Health reading into Signals. The error
// rate is a delta against the previous sample so old incidents age
// out of the classification.
func (c *Controller) sample(ctx context.Context) Signals {
	stats := c.source.Stats()
	health := c.source.Health(ctx)

	c.mu.Lock()
	var errRate float64
	if c.havePrev {
		finished := (stats.Successes - c.prev.Successes) + (stats.Errors - c.prev.Errors)
		if finished > 0 {
			errRate = float64(stats.Errors-c.prev.Errors) / float64(finished)
		}
	}
	c.prev = stats
	c.havePrev = true
	c.mu.Unlock()

	return Signals{
		QueueShare: float64(stats.QueueLength) / float64(c.capacity),
		ErrorRate:  errRate,
		WaitP99Ms:  stats.P99QueueWaitMs,
		Workers:    stats.Workers.Total,
		Healthy:    health.Healthy,
	}
}

// classify maps one observation to its target level: the worst level
// any single signal reaches.
func (c *Controller) classify(sig Signals) Level {
	if !sig.Healthy {
		return LevelCritical
	}
	level := LevelHealthy
	raise := func(l Level) {
		if l > level {
			level = l
		}
	}
	switch {
	case sig.QueueShare >= c.th.CriticalQueueShare:
		raise(LevelCritical)
	case sig.QueueShare >= c.th.DegradedQueueShare:
		raise(LevelDegraded)
	case sig.QueueShare >= c.th.WarnQueueShare:
		raise(LevelWarn)
	}
	switch {
	case sig.ErrorRate >= c.th.CriticalErrorRate:
		raise(LevelCritical)
	case sig.ErrorRate >= c.th.DegradedErrorRate:
		raise(LevelDegraded)
	case sig.ErrorRate >= c.th.WarnErrorRate:
		raise(LevelWarn)
	}
	switch {
	case sig.WaitP99Ms >= c.th.CriticalWaitMs:
		raise(LevelCritical)
	case sig.WaitP99Ms >= c.th.DegradedWaitMs:
		raise(LevelDegraded)
	case sig.WaitP99Ms >= c.th.WarnWaitMs:
		raise(LevelWarn)
	}
	return level
}

// Observe feeds one observation through the state machine. The loop
// calls it on every tick; tests can drive it directly.
func (c *Controller) Observe(sig Signals) {
	c.mu.Lock()
	c.last = sig
	target := c.classify(sig)
	from := c.level
	to := from
	switch {
	case target > from:
		to = target
		c.calm = 0
	case target < from:
		c.calm++
		if c.calm >= c.recovery {
			to = from - 1
			c.calm = 0
		}
	default:
		c.calm = 0
	}
	if to == from {
		c.mu.Unlock()
		return
	}
	c.level = to
	c.since = c.now()
	c.mu.Unlock()

	c.transition(from, to, sig)
}

func (c *Controller) transition(from, to Level, sig Signals) {
	c.limiter.SetLimit(c.rateFor(to))
	c.limiter.SetBurst(c.burstFor(to))
	c.coll.SetDegradationState(int(to))

	fields := map[string]any{
		"from":       from.String(),
		"to":         to.String(),
		"queueShare": sig.QueueShare,
		"errorRate":  sig.ErrorRate,
		"waitP99Ms":  sig.WaitP99Ms,
		"workers":    sig.Workers,
	}
	if to > from {
		c.logger.Warn("degradation level raised", fields)
	} else {
		c.logger.Info("degradation level lowered", fields)
	}
	if c.analytics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.analytics.Track(ctx, "degradation.transition", fields); err != nil {
			c.logger.Warn("degradation transition track failed", map[string]any{"error": err.Error()})
		}
	}
}

func (c *Controller) rateFor(l Level) rate.Limit {
	switch l {
	case LevelWarn:
		return c.warnRate
	case LevelDegraded, LevelCritical:
		return c.degRate
	default:
		return rate.Inf
	}
}

func (c *Controller) burstFor(l Level) int {
	limit := c.rateFor(l)
	if limit == rate.Inf {
		return 1
	}
	b := int(limit)
	if b < 1 {
		b = 1
	}
	return b
}

// Admission is the controller's verdict for one submission.
type Admission struct {
	State  Level
	Delay  time.Duration
	Reject bool
}

// Admit prices one submission at the current level: free when healthy,
// delayed and rate-limited under pressure, rejected when critical. A
// nil controller admits everything.
func (c *Controller) Admit() Admission {
	if c == nil {
		return Admission{}
	}
	c.mu.Lock()
	level := c.level
	c.mu.Unlock()

	switch level {
	case LevelCritical:
		return Admission{State: level, Reject: true}
	case LevelHealthy:
		return Admission{State: level}
	}

	delay := c.warnDelay
	if level == LevelDegraded {
		delay = c.degDelay
	}
	res := c.limiter.Reserve()
	if !res.OK() {
		return Admission{State: level, Reject: true}
	}
	return Admission{State: level, Delay: delay + res.Delay()}
}

// Status is the controller state exposed to host health endpoints.
type Status struct {
	State   Level     `json:"state"`
	Since   time.Time `json:"since"`
	Signals Signals   `json:"signals"`
}

// HealthCheck reports the current level and the sample that set it. A
// nil controller reads healthy.
func (c *Controller) HealthCheck() Status {
	if c == nil {
		return Status{State: LevelHealthy}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.level, Since: c.since, Signals: c.last}
}
