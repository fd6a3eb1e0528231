// Package jobs runs background work for plugins: one-shot submissions
// and recurring schedules, dispatched through the execution pipeline
// as single-step workflows.
//
// The broker enforces the caller's job grants (target scope, quotas,
// duration caps) before dispatch and consults a degradation controller
// so a struggling pool sheds background load before interactive load.
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/kilnbox/bridge"
	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/types"
)

// Job lifecycle states reported by JobHandle.Status.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// retainedJobs bounds how many finished jobs stay queryable.
const retainedJobs = 256

// Engine dispatches job executions. The orchestrator satisfies it, so
// background jobs pass the same validation, artifact, and analytics
// pipeline as foreground requests.
type Engine interface {
	Execute(ctx context.Context, req *types.ExecutionRequest) (*types.BackendResponse, error)
}

// BrokerOptions assembles a Broker.
type BrokerOptions struct {
	// Engine executes submitted jobs. Required.
	Engine Engine
	// Registry resolves target manifests and handler files. Required.
	Registry *plugin.Registry
	// Platform supplies the quota cache, the schedule store, and the
	// trigger channel. Required.
	Platform *platform.Platform
	// Controller gates admission. Nil admits everything.
	Controller *Controller
	Metrics    *metrics.Collector
	Logger     *log.Logger
}

// Broker is the background-job engine behind plugin.Jobs. Jobs outlive
// the request that submitted them; their only tie back is the parent
// request id on the spawned chain root.
type Broker struct {
	engine     Engine
	registry   *plugin.Registry
	platform   *platform.Platform
	controller *Controller
	scheduler  *Scheduler
	coll       *metrics.Collector
	logger     *log.Logger

	retryDelay time.Duration
	now        func() time.Time

	mu          sync.Mutex
	jobs        map[string]*job
	order       []string
	closed      bool
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewBroker wires a Broker over an engine and a registry. Start arms
// the schedule side.
func NewBroker(opts BrokerOptions) (*Broker, error) {
	if opts.Engine == nil {
		return nil, fault.New(fault.KindValidation, "job broker requires an engine")
	}
	if opts.Registry == nil {
		return nil, fault.New(fault.KindValidation, "job broker requires a registry")
	}
	if opts.Platform == nil {
		return nil, fault.New(fault.KindValidation, "job broker requires a platform")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	scheduler, err := NewScheduler(SchedulerOptions{
		State:   opts.Platform.State,
		Events:  opts.Platform.Events,
		Metrics: opts.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &Broker{
		engine:     opts.Engine,
		registry:   opts.Registry,
		platform:   opts.Platform,
		controller: opts.Controller,
		scheduler:  scheduler,
		coll:       opts.Metrics,
		logger:     logger,
		retryDelay: 250 * time.Millisecond,
		now:        time.Now,
		jobs:       make(map[string]*job),
	}, nil
}

// Scheduler returns the broker's schedule side, for hosts that list or
// manage entries directly.
func (b *Broker) Scheduler() *Scheduler { return b.scheduler }

// Start loads persisted schedules and begins listening for triggers.
func (b *Broker) Start(ctx context.Context) error {
	unsub, err := b.platform.Events.Subscribe(types.CronTriggeredChannel, b.onTrigger)
	if err != nil {
		return fault.Wrap(fault.KindUnknown, "subscribe cron triggers", err)
	}
	b.mu.Lock()
	b.unsubscribe = unsub
	b.mu.Unlock()
	return b.scheduler.Start(ctx)
}

// Shutdown stops the scheduler, cancels running jobs, and waits for
// their runners to settle or ctx to expire. Idempotent.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	unsub := b.unsubscribe
	running := make([]*job, 0, len(b.jobs))
	for _, j := range b.jobs {
		running = append(running, j)
	}
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	b.scheduler.Stop()

	for _, j := range running {
		j.cancel()
	}
	settled := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return fault.Normalize(ctx.Err())
	}
}

// Submit runs one background job on behalf of caller.
func (b *Broker) Submit(ctx context.Context, caller types.Descriptor, req plugin.JobRequest) (plugin.JobHandle, error) {
	if req.Handler == "" {
		return nil, fault.New(fault.KindValidation, "job submit requires a handler id")
	}
	if b.isClosed() {
		return nil, fault.New(fault.KindAborted, "job broker is shut down")
	}

	if err := b.adm(ctx); err != nil {
		return nil, err
	}

	target := req.PluginID
	if target == "" {
		target = caller.PluginID
	}

	grant := caller.Permissions.Jobs.Submit
	if grant == nil {
		b.coll.IncJobRejected("permission")
		return nil, fault.Errorf(fault.KindPermissionDenied,
			"plugin %q does not declare job submit", caller.PluginID).
			WithContext("reason", "JOB_SUBMIT_NOT_DECLARED")
	}
	if !grantCovers(grant, caller.PluginID, target) {
		b.coll.IncJobRejected("permission")
		return nil, fault.Errorf(fault.KindPermissionDenied,
			"job submit grant of %q does not cover plugin %q", caller.PluginID, target).
			WithContext("reason", "JOB_TARGET_NOT_ALLOWED")
	}

	entry, ok := b.registry.Get(target)
	if !ok {
		return nil, fault.Errorf(fault.KindHandlerNotFound, "plugin %q is not registered", target)
	}
	decl, err := b.registry.Resolve(target, req.Handler)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	if err := b.consumeQuota(ctx, caller.PluginID, grant, jobID); err != nil {
		return nil, err
	}

	timeoutMs := req.TimeoutMs
	if grant.MaxDurationMs > 0 && (timeoutMs <= 0 || timeoutMs > grant.MaxDurationMs) {
		timeoutMs = grant.MaxDurationMs
	}

	j := &job{
		id:        jobID,
		pluginID:  target,
		handler:   decl.ID,
		tags:      req.Tags,
		priority:  req.Priority,
		status:    StatusRunning,
		submitted: b.now(),
		done:      make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel

	d := dispatch{
		job:       j,
		caller:    caller,
		entry:     entry,
		decl:      decl,
		input:     req.Input,
		timeoutMs: timeoutMs,
		retries:   req.Retries,
		grant:     grant,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		b.releaseConcurrent(caller.PluginID, grant)
		return nil, fault.New(fault.KindAborted, "job broker is shut down")
	}
	b.jobs[jobID] = j
	b.order = append(b.order, jobID)
	b.pruneLocked()
	b.wg.Add(1)
	b.mu.Unlock()

	b.coll.IncJobSubmitted()
	b.logger.Debug("job submitted", map[string]any{
		"jobId":   jobID,
		"caller":  caller.PluginID,
		"plugin":  target,
		"handler": decl.ID,
	})

	go b.run(runCtx, d)

	return &localJobHandle{broker: b, id: jobID}, nil
}

// Schedule registers a recurring job for caller's own plugin. The
// entry is persisted before the first trigger so restarts pick it
// back up.
func (b *Broker) Schedule(ctx context.Context, caller types.Descriptor, req plugin.ScheduleRequest) (plugin.ScheduleHandle, error) {
	if req.Handler == "" {
		return nil, fault.New(fault.KindValidation, "job schedule requires a handler id")
	}
	if b.isClosed() {
		return nil, fault.New(fault.KindAborted, "job broker is shut down")
	}

	grant := caller.Permissions.Jobs.Schedule
	if grant == nil {
		b.coll.IncJobRejected("permission")
		return nil, fault.Errorf(fault.KindPermissionDenied,
			"plugin %q does not declare job schedule", caller.PluginID).
			WithContext("reason", "JOB_SCHEDULE_NOT_DECLARED")
	}
	if !grantCovers(grant, caller.PluginID, caller.PluginID) {
		b.coll.IncJobRejected("permission")
		return nil, fault.Errorf(fault.KindPermissionDenied,
			"job schedule grant of %q does not cover its own plugin", caller.PluginID).
			WithContext("reason", "JOB_TARGET_NOT_ALLOWED")
	}

	decl, err := b.registry.Resolve(caller.PluginID, req.Handler)
	if err != nil {
		return nil, err
	}

	entry := types.ScheduleEntry{
		ScheduleID: uuid.NewString(),
		PluginID:   caller.PluginID,
		Handler:    decl.Ref(),
		Cron:       req.Cron,
		Every:      req.Every,
		Input:      req.Input,
		Policy:     req.Policy,
		CreatedAt:  b.now(),
	}
	if err := entry.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid schedule", err)
	}
	if err := checkMinInterval(entry, grant.MinIntervalMs, b.now()); err != nil {
		b.coll.IncJobRejected("permission")
		return nil, err
	}
	if err := b.scheduler.Add(ctx, entry); err != nil {
		return nil, err
	}

	b.coll.IncScheduleRegistered()
	b.logger.Info("schedule registered", map[string]any{
		"scheduleId": entry.ScheduleID,
		"plugin":     entry.PluginID,
		"handler":    decl.ID,
		"recurrence": recurrence(entry),
	})
	return &localScheduleHandle{broker: b, id: entry.ScheduleID}, nil
}

// CancelJob aborts a running job. Finished jobs cancel to a no-op.
func (b *Broker) CancelJob(ctx context.Context, id string) error {
	j, err := b.lookup(id)
	if err != nil {
		return err
	}
	j.markCanceled()
	j.cancel()
	b.logger.Debug("job canceled", map[string]any{"jobId": id})
	return nil
}

// JobStatus reports the state of a tracked job.
func (b *Broker) JobStatus(id string) (string, error) {
	j, err := b.lookup(id)
	if err != nil {
		return "", err
	}
	return j.state(), nil
}

// AwaitJob blocks until the job finishes, waitMs elapses, or ctx is
// done. done=false means the caller should poll again. waitMs <= 0
// waits until ctx is done.
func (b *Broker) AwaitJob(ctx context.Context, id string, waitMs int64) (bool, *types.BackendResponse, error) {
	j, err := b.lookup(id)
	if err != nil {
		return false, nil, err
	}
	var timeout <-chan time.Time
	if waitMs > 0 {
		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-j.done:
		resp, jerr := j.outcome()
		if jerr != nil {
			return false, nil, jerr
		}
		return true, resp, nil
	case <-timeout:
		return false, nil, nil
	case <-ctx.Done():
		return false, nil, fault.Normalize(ctx.Err())
	}
}

// CancelSchedule unregisters a recurring job and deletes its persisted
// entry.
func (b *Broker) CancelSchedule(ctx context.Context, id string) error {
	return b.scheduler.Remove(ctx, id)
}

// Bound returns the jobs surface one execution sees: the caller's
// descriptor is captured so handlers only name the work. The result
// fits runtime.JobsBinder.
func (b *Broker) Bound(caller types.Descriptor) plugin.Jobs {
	return &boundJobs{broker: b, caller: caller}
}

type boundJobs struct {
	broker *Broker
	caller types.Descriptor
}

func (bj *boundJobs) Submit(ctx context.Context, req plugin.JobRequest) (plugin.JobHandle, error) {
	return bj.broker.Submit(ctx, bj.caller, req)
}

func (bj *boundJobs) Schedule(ctx context.Context, req plugin.ScheduleRequest) (plugin.ScheduleHandle, error) {
	return bj.broker.Schedule(ctx, bj.caller, req)
}

var _ plugin.Jobs = (*boundJobs)(nil)

// BridgeHandler exposes the broker over the IPC bridge as adapter
// "jobs". Workers hold handles by id; await is sliced into bounded
// rounds so no single call outlives the connection's call timeout.
func (b *Broker) BridgeHandler() bridge.Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		switch method {
		case "submit":
			if len(args) != 2 {
				return nil, fault.Errorf(fault.KindValidation,
					"jobs submit expects [descriptor, request], got %d args", len(args))
			}
			var caller types.Descriptor
			if err := json.Unmarshal(args[0], &caller); err != nil {
				return nil, fault.Wrap(fault.KindValidation, "decode job descriptor", err)
			}
			var req plugin.JobRequest
			if err := json.Unmarshal(args[1], &req); err != nil {
				return nil, fault.Wrap(fault.KindValidation, "decode job request", err)
			}
			handle, err := b.Submit(ctx, caller, req)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": handle.ID()}, nil

		case "schedule":
			if len(args) != 2 {
				return nil, fault.Errorf(fault.KindValidation,
					"jobs schedule expects [descriptor, request], got %d args", len(args))
			}
			var caller types.Descriptor
			if err := json.Unmarshal(args[0], &caller); err != nil {
				return nil, fault.Wrap(fault.KindValidation, "decode schedule descriptor", err)
			}
			var req plugin.ScheduleRequest
			if err := json.Unmarshal(args[1], &req); err != nil {
				return nil, fault.Wrap(fault.KindValidation, "decode schedule request", err)
			}
			handle, err := b.Schedule(ctx, caller, req)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": handle.ID()}, nil

		case "status":
			id, err := decodeID(args)
			if err != nil {
				return nil, err
			}
			status, err := b.JobStatus(id)
			if err != nil {
				return nil, err
			}
			return map[string]string{"status": status}, nil

		case "cancel":
			id, err := decodeID(args)
			if err != nil {
				return nil, err
			}
			if err := b.CancelJob(ctx, id); err != nil {
				return nil, err
			}
			return map[string]string{"id": id}, nil

		case "await":
			if len(args) != 2 {
				return nil, fault.Errorf(fault.KindValidation,
					"jobs await expects [id, waitMs], got %d args", len(args))
			}
			var id string
			if err := json.Unmarshal(args[0], &id); err != nil {
				return nil, fault.Wrap(fault.KindValidation, "decode job id", err)
			}
			var waitMs int64
			if err := json.Unmarshal(args[1], &waitMs); err != nil {
				return nil, fault.Wrap(fault.KindValidation, "decode await wait", err)
			}
			done, resp, err := b.AwaitJob(ctx, id, waitMs)
			if err != nil {
				return nil, err
			}
			return awaitReply{Done: done, Response: resp}, nil

		case "cancelSchedule":
			id, err := decodeID(args)
			if err != nil {
				return nil, err
			}
			if err := b.CancelSchedule(ctx, id); err != nil {
				return nil, err
			}
			return map[string]string{"id": id}, nil

		default:
			return nil, fault.Errorf(fault.KindValidation, "unknown jobs method %q", method)
		}
	}
}

type awaitReply struct {
	Done     bool                   `json:"done"`
	Response *types.BackendResponse `json:"response,omitempty"`
}

func decodeID(args []json.RawMessage) (string, error) {
	if len(args) != 1 {
		return "", fault.Errorf(fault.KindValidation, "expected [id], got %d args", len(args))
	}
	var id string
	if err := json.Unmarshal(args[0], &id); err != nil {
		return "", fault.Wrap(fault.KindValidation, "decode id", err)
	}
	return id, nil
}

// adm applies the degradation decision: reject in critical state,
// otherwise absorb the advised delay before the permission checks run.
func (b *Broker) adm(ctx context.Context) error {
	dec := b.controller.Admit()
	if dec.Reject {
		b.coll.IncJobRejected("degraded")
		return fault.Errorf(fault.KindSubmitDegraded,
			"job submissions are rejected while the platform is %s", dec.State).
			WithContext("state", dec.State.String())
	}
	if dec.Delay > 0 {
		timer := time.NewTimer(dec.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fault.Normalize(ctx.Err())
		}
	}
	return nil
}

// grantCovers reports whether grant allows callerID to target handlers
// of targetID. Normalized grants always carry at least "own-plugin".
func grantCovers(grant *types.JobGrant, callerID, targetID string) bool {
	for _, a := range grant.Allow {
		if a == types.JobGrantOwnPlugin && targetID == callerID {
			return true
		}
		if a == targetID {
			return true
		}
	}
	return false
}

// consumeQuota enforces the sliding-window submission quotas and the
// concurrent-jobs gauge. Counters live in the platform cache so pooled
// deployments sharing one cache share the budget. The windows are
// check-then-add; concurrent submits can overshoot a window briefly.
func (b *Broker) consumeQuota(ctx context.Context, pluginID string, grant *types.JobGrant, jobID string) error {
	now := b.now()
	windows := []struct {
		name  string
		span  time.Duration
		limit int
	}{
		{"minute", time.Minute, grant.PerMinute},
		{"hour", time.Hour, grant.PerHour},
		{"day", 24 * time.Hour, grant.PerDay},
	}
	cache := b.platform.Cache
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		key := quotaKey(pluginID, w.name)
		cutoff := float64(now.Add(-w.span).UnixMilli())
		if _, err := cache.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
			return fault.Wrap(fault.KindUnknown, "prune job quota window", err)
		}
		n, err := cache.ZCard(ctx, key)
		if err != nil {
			return fault.Wrap(fault.KindUnknown, "read job quota window", err)
		}
		if n >= int64(w.limit) {
			b.coll.IncJobRejected("quota")
			return fault.Errorf(fault.KindQueueFull,
				"job quota exhausted: %d per %s", w.limit, w.name).
				WithContext("reason", "JOB_QUOTA_EXCEEDED").
				WithDetails(map[string]any{"window": w.name, "limit": w.limit})
		}
	}
	score := float64(now.UnixMilli())
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		if err := cache.ZAdd(ctx, quotaKey(pluginID, w.name), score, jobID); err != nil {
			return fault.Wrap(fault.KindUnknown, "record job quota", err)
		}
	}
	if grant.MaxConcurrent > 0 {
		n, err := cache.Incr(ctx, gaugeKey(pluginID), 1)
		if err != nil {
			return fault.Wrap(fault.KindUnknown, "bump concurrent jobs gauge", err)
		}
		if n > int64(grant.MaxConcurrent) {
			if _, derr := cache.Incr(ctx, gaugeKey(pluginID), -1); derr != nil {
				b.logger.Warn("concurrent jobs gauge unwind failed", map[string]any{
					"plugin": pluginID,
					"error":  derr.Error(),
				})
			}
			b.coll.IncJobRejected("concurrency")
			return fault.Errorf(fault.KindQueueFull,
				"plugin %q already runs %d concurrent jobs", pluginID, grant.MaxConcurrent).
				WithContext("reason", "JOB_CONCURRENCY_EXCEEDED")
		}
	}
	return nil
}

func (b *Broker) releaseConcurrent(pluginID string, grant *types.JobGrant) {
	if grant.MaxConcurrent <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.platform.Cache.Incr(ctx, gaugeKey(pluginID), -1); err != nil {
		b.logger.Warn("concurrent jobs gauge release failed", map[string]any{
			"plugin": pluginID,
			"error":  err.Error(),
		})
	}
}

func quotaKey(pluginID, window string) string {
	return "jobs:quota:" + pluginID + ":" + window
}

func gaugeKey(pluginID string) string {
	return "jobs:active:" + pluginID
}

// dispatch is the bundle the runner goroutine needs for one job.
type dispatch struct {
	job       *job
	caller    types.Descriptor
	entry     *plugin.Entry
	decl      *types.HandlerDecl
	input     json.RawMessage
	timeoutMs int64
	retries   int
	grant     *types.JobGrant
}

// run drives one job to a terminal state. Each attempt is a fresh
// execution id; the engine applies the per-attempt timeout itself.
func (b *Broker) run(ctx context.Context, d dispatch) {
	defer b.wg.Done()
	defer b.releaseConcurrent(d.caller.PluginID, d.grant)

	var (
		resp *types.BackendResponse
		err  error
	)
	attempts := d.retries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err = b.engine.Execute(ctx, b.executionRequest(d, attempt))
		if err == nil && resp != nil && resp.OK {
			break
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		b.logger.Debug("job attempt failed, retrying", map[string]any{
			"jobId":   d.job.id,
			"attempt": attempt,
			"of":      attempts,
		})
		if b.retryDelay > 0 {
			timer := time.NewTimer(b.retryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			timer.Stop()
		}
	}

	d.job.finish(resp, err)
	status := d.job.state()

	fields := map[string]any{
		"jobId":   d.job.id,
		"plugin":  d.job.pluginID,
		"handler": d.job.handler,
		"status":  status,
	}
	if resp != nil {
		fields["durationMs"] = resp.ExecutionTimeMs
	}
	if status == StatusSucceeded {
		b.logger.Debug("job finished", fields)
	} else {
		b.logger.Warn("job finished", fields)
	}
}

// executionRequest builds one attempt. The job id is the stable
// correlation handle and doubles as the request id of the spawned
// chain root.
func (b *Broker) executionRequest(d dispatch, attempt int) *types.ExecutionRequest {
	execID := uuid.NewString()
	return &types.ExecutionRequest{
		ExecutionID: execID,
		Descriptor: types.Descriptor{
			Host:            types.HostWorkflow,
			PluginID:        d.job.pluginID,
			PluginVersion:   d.entry.Manifest.Version,
			RequestID:       d.job.id,
			TenantID:        d.caller.TenantID,
			Permissions:     d.entry.Manifest.Permissions.Normalize(),
			ParentRequestID: d.caller.RequestID,
			HostContext: types.WorkflowHostContext{
				WorkflowID: d.job.id,
				RunID:      execID,
				StepID:     d.decl.ID,
				JobID:      d.job.id,
				Attempt:    attempt,
			}.AsMap(),
		},
		PluginRoot: d.entry.Root,
		HandlerRef: d.decl.Ref(),
		Input:      d.input,
		TimeoutMs:  d.timeoutMs,
	}
}

// onTrigger handles one cron broadcast. Triggers for plugins this
// broker does not serve are skipped; peers sharing the channel pick
// them up. Dispatch happens off the publisher goroutine so a delayed
// admission cannot stall the scheduler.
func (b *Broker) onTrigger(payload json.RawMessage) {
	var trig types.CronTrigger
	if err := json.Unmarshal(payload, &trig); err != nil {
		b.logger.Warn("undecodable cron trigger", map[string]any{"error": err.Error()})
		return
	}
	entry, ok := b.registry.Get(trig.PluginID)
	if !ok {
		return
	}
	decl, ok := entry.Manifest.FindHandlerByRef(trig.Handler)
	if !ok {
		b.logger.Warn("cron trigger names an unknown handler", map[string]any{
			"scheduleId": trig.ScheduleID,
			"plugin":     trig.PluginID,
			"handler":    trig.Handler.Key(),
		})
		return
	}
	b.coll.IncCronTrigger()

	caller := types.Descriptor{
		Host:          types.HostCron,
		PluginID:      trig.PluginID,
		PluginVersion: entry.Manifest.Version,
		RequestID:     trig.ScheduleID + ":" + uuid.NewString(),
		Permissions:   entry.Manifest.Permissions.Normalize(),
		HostContext:   b.cronHostContext(trig.ScheduleID),
	}
	req := plugin.JobRequest{
		Handler:   decl.ID,
		Input:     trig.Input,
		Priority:  trig.Priority,
		TimeoutMs: trig.TimeoutMs,
		Retries:   trig.Retries,
		Tags:      trig.Tags,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		if _, err := b.Submit(context.Background(), caller, req); err != nil {
			b.logger.Warn("triggered job rejected", map[string]any{
				"scheduleId": trig.ScheduleID,
				"plugin":     trig.PluginID,
				"error":      err.Error(),
			})
		}
	}()
}

func (b *Broker) cronHostContext(scheduleID string) map[string]any {
	hc := types.CronHostContext{
		CronID:      scheduleID,
		ScheduledAt: b.now(),
	}
	if entry, ok := b.scheduler.Lookup(scheduleID); ok {
		hc.Schedule = recurrence(entry)
	}
	return hc.AsMap()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) lookup(id string) (*job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, fault.Errorf(fault.KindHandlerNotFound, "job %q is not tracked", id)
	}
	return j, nil
}

// pruneLocked drops the oldest finished jobs beyond the retention cap.
// Running jobs are never dropped. Callers hold b.mu.
func (b *Broker) pruneLocked() {
	if len(b.order) <= retainedJobs {
		return
	}
	excess := len(b.order) - retainedJobs
	kept := b.order[:0]
	for _, id := range b.order {
		j := b.jobs[id]
		if excess > 0 && j != nil && j.terminal() {
			delete(b.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	b.order = kept
}

// job is the broker-side record of one submission.
type job struct {
	id        string
	pluginID  string
	handler   string
	tags      []string
	priority  int
	submitted time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	status   string
	canceled bool
	resp     *types.BackendResponse
	err      error
}

// markCanceled flags the job before its context is cut so the terminal
// status reads canceled rather than failed.
func (j *job) markCanceled() {
	j.mu.Lock()
	if j.status == StatusRunning {
		j.canceled = true
	}
	j.mu.Unlock()
}

func (j *job) finish(resp *types.BackendResponse, err error) {
	j.mu.Lock()
	j.resp = resp
	j.err = err
	switch {
	case j.canceled:
		j.status = StatusCanceled
	case err == nil && resp != nil && resp.OK:
		j.status = StatusSucceeded
	default:
		j.status = StatusFailed
	}
	j.mu.Unlock()
	close(j.done)
}

func (j *job) state() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *job) terminal() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *job) outcome() (*types.BackendResponse, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resp, j.err
}

// localJobHandle is the in-process plugin.JobHandle over broker state.
type localJobHandle struct {
	broker *Broker
	id     string
}

func (h *localJobHandle) ID() string { return h.id }

func (h *localJobHandle) Status(ctx context.Context) (string, error) {
	return h.broker.JobStatus(h.id)
}

func (h *localJobHandle) Cancel(ctx context.Context) error {
	return h.broker.CancelJob(ctx, h.id)
}

func (h *localJobHandle) Await(ctx context.Context) (*types.BackendResponse, error) {
	j, err := h.broker.lookup(h.id)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
		resp, jerr := j.outcome()
		if jerr != nil {
			return nil, jerr
		}
		return resp, nil
	case <-ctx.Done():
		return nil, fault.Normalize(ctx.Err())
	}
}

type localScheduleHandle struct {
	broker *Broker
	id     string
}

func (h *localScheduleHandle) ID() string { return h.id }

func (h *localScheduleHandle) Cancel(ctx context.Context) error {
	return h.broker.CancelSchedule(ctx, h.id)
}

var (
	_ plugin.JobHandle      = (*localJobHandle)(nil)
	_ plugin.ScheduleHandle = (*localScheduleHandle)(nil)
)
