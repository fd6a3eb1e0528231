package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/types"
)

// scheduleNamespace is the state-store namespace holding entries.
const scheduleNamespace = "kb:schedules"

// SchedulerOptions assembles a Scheduler.
type SchedulerOptions struct {
	// State persists entries across restarts. Required.
	State platform.State
	// Events carries trigger broadcasts. Required.
	Events  platform.Events
	Metrics *metrics.Collector
	Logger  *log.Logger
}

// Scheduler fires persisted schedule entries and broadcasts one
// trigger per fire. It never dispatches work itself; brokers
// subscribed to the trigger channel re-enter their submission
// pipeline.
type Scheduler struct {
	state  platform.State
	events platform.Events
	coll   *metrics.Collector
	logger *log.Logger

	cron *cron.Cron
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduleRecord
	started bool
	stopped bool
}

type scheduleRecord struct {
	entry  types.ScheduleEntry
	cronID cron.EntryID
}

// NewScheduler builds a disarmed scheduler; Start arms it.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.State == nil {
		return nil, fault.New(fault.KindValidation, "scheduler requires a state store")
	}
	if opts.Events == nil {
		return nil, fault.New(fault.KindValidation, "scheduler requires an event bus")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{
		state:   opts.State,
		events:  opts.Events,
		coll:    opts.Metrics,
		logger:  logger,
		cron:    cron.New(),
		now:     time.Now,
		entries: make(map[string]*scheduleRecord),
	}, nil
}

// Start loads persisted entries and begins firing them. Entries that
// no longer decode or parse are dropped from the store.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	keys, err := s.state.List(ctx, scheduleNamespace, "")
	if err != nil {
		return fault.Wrap(fault.KindUnknown, "list persisted schedules", err)
	}
	for _, key := range keys {
		raw, found, err := s.state.Get(ctx, scheduleNamespace, key)
		if err != nil || !found {
			continue
		}
		var entry types.ScheduleEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.logger.Warn("dropping undecodable schedule", map[string]any{
				"key":   key,
				"error": err.Error(),
			})
			_ = s.state.Delete(ctx, scheduleNamespace, key)
			continue
		}
		if err := s.register(entry); err != nil {
			s.logger.Warn("dropping unloadable schedule", map[string]any{
				"scheduleId": entry.ScheduleID,
				"error":      err.Error(),
			})
			_ = s.state.Delete(ctx, scheduleNamespace, key)
		}
	}

	s.cron.Start()

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.logger.Debug("scheduler started", map[string]any{"schedules": n})
	return nil
}

// Stop halts firing and waits for in-flight publications. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Add validates, persists, and arms one entry.
func (s *Scheduler) Add(ctx context.Context, entry types.ScheduleEntry) error {
	if err := entry.Validate(); err != nil {
		return fault.Wrap(fault.KindValidation, "invalid schedule", err)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fault.Wrap(fault.KindUnknown, "encode schedule", err)
	}
	if err := s.state.Set(ctx, scheduleNamespace, entry.ScheduleID, raw); err != nil {
		return fault.Wrap(fault.KindUnknown, "persist schedule", err)
	}
	if err := s.register(entry); err != nil {
		_ = s.state.Delete(ctx, scheduleNamespace, entry.ScheduleID)
		return err
	}
	return nil
}

// register arms the entry on the cron runner. Interval entries ride
// the same runner through the @every descriptor.
func (s *Scheduler) register(entry types.ScheduleEntry) error {
	spec := entry.Cron
	if spec == "" {
		spec = "@every " + entry.Every
	}
	id := entry.ScheduleID
	cronID, err := s.cron.AddFunc(spec, func() { s.fire(id) })
	if err != nil {
		return fault.Wrap(fault.KindValidation, fmt.Sprintf("invalid schedule spec %q", spec), err)
	}
	s.mu.Lock()
	s.entries[id] = &scheduleRecord{entry: entry, cronID: cronID}
	s.mu.Unlock()
	return nil
}

// Remove disarms an entry and deletes its persisted form.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return fault.Errorf(fault.KindHandlerNotFound, "schedule %q is not registered", id)
	}
	s.cron.Remove(rec.cronID)
	if err := s.state.Delete(ctx, scheduleNamespace, id); err != nil {
		return fault.Wrap(fault.KindUnknown, "delete persisted schedule", err)
	}
	s.logger.Debug("schedule removed", map[string]any{"scheduleId": id})
	return nil
}

// Lookup returns a registered entry by id.
func (s *Scheduler) Lookup(id string) (types.ScheduleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[id]
	if !ok {
		return types.ScheduleEntry{}, false
	}
	return rec.entry, true
}

// Entries returns the registered entries oldest-first, for hosts that
// list schedules.
func (s *Scheduler) Entries() []types.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScheduleEntry, 0, len(s.entries))
	for _, rec := range s.entries {
		out = append(out, rec.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ScheduleID < out[j].ScheduleID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// fire publishes one trigger. Policy windows and run budgets are
// enforced here so expired entries disarm themselves.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	rec, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	pol := rec.entry.Policy
	if !pol.StartAt.IsZero() && now.Before(pol.StartAt) {
		s.mu.Unlock()
		return
	}
	expired := (!pol.EndAt.IsZero() && now.After(pol.EndAt)) ||
		(pol.MaxRuns > 0 && rec.entry.Runs >= pol.MaxRuns)
	if !expired {
		rec.entry.Runs++
	}
	entry := rec.entry
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if expired {
		s.logger.Info("schedule expired", map[string]any{
			"scheduleId": id,
			"runs":       entry.Runs,
		})
		if err := s.Remove(ctx, id); err != nil {
			s.logger.Warn("expired schedule removal failed", map[string]any{
				"scheduleId": id,
				"error":      err.Error(),
			})
		}
		return
	}

	if raw, err := json.Marshal(entry); err == nil {
		_ = s.state.Set(ctx, scheduleNamespace, id, raw)
	}

	trig := types.CronTrigger{
		ScheduleID: entry.ScheduleID,
		PluginID:   entry.PluginID,
		Handler:    entry.Handler,
		Input:      entry.Input,
		Priority:   entry.Policy.Priority,
		TimeoutMs:  entry.Policy.TimeoutMs,
		Retries:    entry.Policy.Retries,
		Tags:       entry.Policy.Tags,
	}
	payload, err := json.Marshal(trig)
	if err != nil {
		s.logger.Warn("trigger encode failed", map[string]any{
			"scheduleId": id,
			"error":      err.Error(),
		})
		return
	}
	if err := s.events.Publish(ctx, types.CronTriggeredChannel, payload); err != nil {
		s.logger.Warn("trigger publish failed", map[string]any{
			"scheduleId": id,
			"error":      err.Error(),
		})
		return
	}
	s.logger.Debug("schedule fired", map[string]any{
		"scheduleId": id,
		"plugin":     entry.PluginID,
		"run":        entry.Runs,
	})
}

// recurrence renders an entry's firing rule.
func recurrence(entry types.ScheduleEntry) string {
	if entry.Cron != "" {
		return entry.Cron
	}
	return entry.Every
}

// checkMinInterval rejects schedules that would fire more often than
// the grant allows. For cron entries the gap between the next two
// fires after now stands in for the period.
func checkMinInterval(entry types.ScheduleEntry, minMs int64, now time.Time) error {
	if minMs <= 0 {
		return nil
	}
	min := time.Duration(minMs) * time.Millisecond
	interval := entry.Interval()
	if entry.Cron != "" {
		sched, err := cron.ParseStandard(entry.Cron)
		if err != nil {
			return fault.Wrap(fault.KindValidation,
				fmt.Sprintf("invalid cron expression %q", entry.Cron), err)
		}
		first := sched.Next(now)
		interval = sched.Next(first).Sub(first)
	}
	if interval < min {
		return fault.Errorf(fault.KindPermissionDenied,
			"schedule interval %s is below the plugin minimum %s", interval, min).
			WithContext("reason", "JOB_INTERVAL_TOO_SHORT")
	}
	return nil
}
