package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchedulePolicy tunes how a recurring job is dispatched.
type SchedulePolicy struct {
	// Priority orders jobs within the engine. Higher runs first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// TimeoutMs bounds each triggered run.
	TimeoutMs int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	// Retries is the per-run retry budget of the engine.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
	// Tags annotate triggered runs.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// StartAt/EndAt bound the schedule's active window.
	StartAt time.Time `json:"startAt,omitempty" yaml:"startAt,omitempty"`
	EndAt   time.Time `json:"endAt,omitempty" yaml:"endAt,omitempty"`
	// MaxRuns stops the schedule after N triggers. Zero means unlimited.
	MaxRuns int `json:"maxRuns,omitempty" yaml:"maxRuns,omitempty"`
}

// ScheduleEntry is one recurring job registration. Entries are owned by
// the cron scheduler and persisted in the platform state store.
type ScheduleEntry struct {
	ScheduleID string `json:"scheduleId"`
	PluginID   string `json:"pluginId"`
	// Handler locates the triggered handler within the plugin.
	Handler HandlerRef `json:"handler"`
	// Cron is a cron expression. Mutually exclusive with Every.
	Cron string `json:"cron,omitempty"`
	// Every is an interval string ("5m", "1h30m"). Mutually exclusive
	// with Cron.
	Every string `json:"every,omitempty"`
	// Input is passed to every triggered run.
	Input json.RawMessage `json:"input,omitempty"`
	// Policy tunes dispatch of triggered runs.
	Policy SchedulePolicy `json:"policy,omitempty"`
	// CreatedAt records registration time.
	CreatedAt time.Time `json:"createdAt"`
	// Runs counts triggers so far, for MaxRuns enforcement.
	Runs int `json:"runs,omitempty"`
}

// Validate checks the entry declares exactly one recurrence form.
func (s *ScheduleEntry) Validate() error {
	if s.ScheduleID == "" {
		return errors.New("scheduleId must be non-empty")
	}
	if s.PluginID == "" {
		return errors.New("pluginId must be non-empty")
	}
	if err := s.Handler.Validate(); err != nil {
		return err
	}
	if (s.Cron == "") == (s.Every == "") {
		return errors.New("exactly one of cron or every must be set")
	}
	if s.Every != "" {
		if _, err := time.ParseDuration(s.Every); err != nil {
			return fmt.Errorf("invalid interval %q: %w", s.Every, err)
		}
	}
	return nil
}

// Interval returns the parsed Every duration, or zero for cron entries.
func (s *ScheduleEntry) Interval() time.Duration {
	if s.Every == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Every)
	if err != nil {
		return 0
	}
	return d
}

// CronTriggeredChannel is the broadcast channel carrying schedule
// trigger messages from the scheduler to job brokers.
const CronTriggeredChannel = "kb:cron:triggered"

// CronTrigger is the payload published on CronTriggeredChannel.
type CronTrigger struct {
	ScheduleID string          `json:"scheduleId"`
	PluginID   string          `json:"pluginId"`
	Handler    HandlerRef      `json:"handler"`
	Input      json.RawMessage `json:"input,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	TimeoutMs  int64           `json:"timeout,omitempty"`
	Retries    int             `json:"retries,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
}
