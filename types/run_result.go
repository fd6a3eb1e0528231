package types

import (
	"time"

	"github.com/pithecene-io/kilnbox/fault"
)

// ExecutionMeta describes one completed handler execution.
// Fields survive serialization byte-identical.
type ExecutionMeta struct {
	// StartTime/EndTime bound the handler invocation (UTC).
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	// DurationMs is EndTime minus StartTime in milliseconds.
	DurationMs int64 `json:"durationMs"`
	// PluginID/PluginVersion identify the executed plugin.
	PluginID      string `json:"pluginId"`
	PluginVersion string `json:"pluginVersion"`
	// HandlerID is the manifest handler id, when resolvable.
	HandlerID string `json:"handlerId,omitempty"`
	// RequestID is the end-to-end correlation identifier.
	RequestID string `json:"requestId"`
	// TenantID is the tenant scope, when present.
	TenantID string `json:"tenantId,omitempty"`
}

// Duration returns the execution duration.
func (m *ExecutionMeta) Duration() time.Duration {
	return time.Duration(m.DurationMs) * time.Millisecond
}

// RunResult is what a runner returns for a successful execution.
// Errors are returned as errors, never encoded into Data.
type RunResult struct {
	// Data is the handler's return value, opaque to the core.
	Data any `json:"data"`
	// Meta describes the execution.
	Meta ExecutionMeta `json:"executionMeta"`
}

// ResponseMetadata identifies where and how an execution ran.
type ResponseMetadata struct {
	// Backend names the strategy that served the execution
	// (in-process, worker-pool, subprocess, remote).
	Backend string `json:"backend"`
	// WorkerID is set when a pool worker served the execution.
	WorkerID string `json:"workerId,omitempty"`
	// WorkspaceID is the leased workspace identifier.
	WorkspaceID string `json:"workspaceId,omitempty"`
	// Meta is the runner's execution metadata, nil on early rejection.
	Meta *ExecutionMeta `json:"executionMeta,omitempty"`
}

// BackendResponse is the host adapter boundary shape: exactly one of
// Data or Error is meaningful, selected by OK.
type BackendResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
	// Error is the normalized failure envelope when OK is false.
	Error *fault.Envelope `json:"error,omitempty"`
	// ExecutionTimeMs measures the full dispatch, queue wait included.
	ExecutionTimeMs int64 `json:"executionTimeMs"`
	// ArtifactIDs lists artifacts collected for this execution.
	ArtifactIDs []string `json:"artifactIds,omitempty"`
	// ArtifactFailures lists paths that failed collection or upload.
	// Non-fatal: the execution outcome is unaffected.
	ArtifactFailures []string `json:"artifactFailures,omitempty"`
	// Metadata identifies the serving backend and workspace.
	Metadata ResponseMetadata `json:"metadata"`
}
