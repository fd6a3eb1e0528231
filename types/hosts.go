package types

import "time"

// Host context shapes. Each host adapter publishes its request context
// into Descriptor.HostContext as a plain map so the shape crosses the
// process boundary without registration. The typed structs below are
// the documented contracts; AsMap produces the wire form.

// CLIHostContext is the host context for command-line executions.
type CLIHostContext struct {
	Argv  []string       `json:"argv"`
	Flags map[string]any `json:"flags,omitempty"`
}

// AsMap returns the wire form of the context.
func (c CLIHostContext) AsMap() map[string]any {
	argv := make([]any, len(c.Argv))
	for i, a := range c.Argv {
		argv[i] = a
	}
	return map[string]any{"argv": argv, "flags": c.Flags}
}

// RestHostContext is the host context for HTTP executions.
type RestHostContext struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AsMap returns the wire form of the context.
func (c RestHostContext) AsMap() map[string]any {
	return map[string]any{
		"method":  c.Method,
		"path":    c.Path,
		"query":   stringMapToAny(c.Query),
		"headers": stringMapToAny(c.Headers),
	}
}

// WorkflowHostContext is the host context for workflow-step executions.
type WorkflowHostContext struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
	StepID     string `json:"stepId"`
	JobID      string `json:"jobId,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
}

// AsMap returns the wire form of the context.
func (c WorkflowHostContext) AsMap() map[string]any {
	m := map[string]any{
		"workflowId": c.WorkflowID,
		"runId":      c.RunID,
		"stepId":     c.StepID,
	}
	if c.JobID != "" {
		m["jobId"] = c.JobID
	}
	if c.Attempt > 0 {
		m["attempt"] = c.Attempt
	}
	return m
}

// WebhookHostContext is the host context for webhook executions.
type WebhookHostContext struct {
	Event   string         `json:"event"`
	Source  string         `json:"source,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AsMap returns the wire form of the context.
func (c WebhookHostContext) AsMap() map[string]any {
	m := map[string]any{"event": c.Event}
	if c.Source != "" {
		m["source"] = c.Source
	}
	if c.Payload != nil {
		m["payload"] = c.Payload
	}
	return m
}

// CronHostContext is the host context for scheduled executions.
type CronHostContext struct {
	CronID      string     `json:"cronId"`
	Schedule    string     `json:"schedule"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
}

// AsMap returns the wire form of the context.
func (c CronHostContext) AsMap() map[string]any {
	m := map[string]any{
		"cronId":      c.CronID,
		"schedule":    c.Schedule,
		"scheduledAt": c.ScheduledAt.UTC().Format(time.RFC3339Nano),
	}
	if c.LastRunAt != nil {
		m["lastRunAt"] = c.LastRunAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func stringMapToAny(in map[string]string) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
