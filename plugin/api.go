package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/types"
)

// API bundles the high-level operations a handler can perform beyond
// raw platform services. Fields are never nil; operations without a
// mounted implementation fail with a descriptive fault.
type API struct {
	// Invoke dispatches nested cross-plugin invocations.
	Invoke Invoker
	// State is namespaced persistent storage gated by permissions.
	State *StateAPI
	// Artifacts writes handler outputs into the artifact directory.
	Artifacts *Artifacts
	// Shell runs subprocess commands under the shell permission spec.
	Shell Sheller
	// Events is the broadcast bus.
	Events platform.Events
	// Jobs submits and schedules background work.
	Jobs Jobs
}

// InvokeRequest asks for a nested cross-plugin invocation.
type InvokeRequest struct {
	PluginID string `json:"pluginId"`
	// Handler is the target's manifest handler id. Empty selects the
	// target's first declared handler.
	Handler   string          `json:"handler,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// InvokeResult is the outcome of a nested invocation. Failures land in
// Error and never unwind the caller.
type InvokeResult struct {
	OK              bool            `json:"ok"`
	Data            any             `json:"data,omitempty"`
	Error           *fault.Envelope `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
}

// Invoker dispatches nested invocations. The runtime's invoke broker
// implements it.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) *InvokeResult
}

// ShellResult is one completed subprocess command.
type ShellResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// Sheller runs commands under the shell permission spec: allow/deny
// decision, dangerous-command confirmation, concurrency slots.
type Sheller interface {
	Run(ctx context.Context, command string, args ...string) (*ShellResult, error)
}

// JobRequest is one background job submission.
type JobRequest struct {
	// Handler is the manifest handler id to run.
	Handler string `json:"handler"`
	// PluginID targets another plugin. Empty means the caller's own.
	PluginID  string          `json:"pluginId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Retries   int             `json:"retries,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

// ScheduleRequest registers a recurring job.
type ScheduleRequest struct {
	Handler string `json:"handler"`
	// Cron is a cron expression; Every an interval string ("5m").
	// Exactly one must be set.
	Cron   string               `json:"cron,omitempty"`
	Every  string               `json:"every,omitempty"`
	Input  json.RawMessage      `json:"input,omitempty"`
	Policy types.SchedulePolicy `json:"policy,omitempty"`
}

// JobHandle tracks one submitted job.
type JobHandle interface {
	ID() string
	Status(ctx context.Context) (string, error)
	Cancel(ctx context.Context) error
	// Await blocks until the job finishes and returns its response.
	Await(ctx context.Context) (*types.BackendResponse, error)
}

// ScheduleHandle tracks one registered schedule.
type ScheduleHandle interface {
	ID() string
	Cancel(ctx context.Context) error
}

// Jobs is the handler-facing background job surface. The jobs broker
// implements it.
type Jobs interface {
	Submit(ctx context.Context, req JobRequest) (JobHandle, error)
	Schedule(ctx context.Context, req ScheduleRequest) (ScheduleHandle, error)
}

// StateAPI gates platform state access by the execution's declared
// state namespaces.
type StateAPI struct {
	guard *sandbox.Guard
	state platform.State
}

func (s *StateAPI) check(namespace string, write bool) error {
	if s.guard == nil {
		return fault.New(fault.KindPermissionDenied, "state access requires a sandbox guard")
	}
	return s.guard.CheckState(namespace, write)
}

// Get reads a key. Found is false for missing keys.
func (s *StateAPI) Get(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	if err := s.check(namespace, false); err != nil {
		return nil, false, err
	}
	return s.state.Get(ctx, namespace, key)
}

// Set writes a key.
func (s *StateAPI) Set(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := s.check(namespace, true); err != nil {
		return err
	}
	return s.state.Set(ctx, namespace, key, value)
}

// Delete removes a key. Missing keys are not an error.
func (s *StateAPI) Delete(ctx context.Context, namespace, key string) error {
	if err := s.check(namespace, true); err != nil {
		return err
	}
	return s.state.Delete(ctx, namespace, key)
}

// List returns the namespace's keys with the given prefix, sorted.
func (s *StateAPI) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := s.check(namespace, false); err != nil {
		return nil, err
	}
	return s.state.List(ctx, namespace, prefix)
}

// Artifacts writes handler outputs into the execution's artifact
// directory. Collection and optional upload happen after the handler
// returns; this surface only places files.
type Artifacts struct {
	guard  *sandbox.Guard
	outDir string

	mu      sync.Mutex
	written []string
}

// errNoOutDir is returned when the request configured no artifact
// directory.
func errNoOutDir() error {
	return fault.New(fault.KindValidation, "artifacts.outdir is not configured for this execution")
}

// Path resolves an artifact name under the artifact directory and
// checks write permission, without creating anything.
func (a *Artifacts) Path(name string) (string, error) {
	if a.outDir == "" {
		return "", errNoOutDir()
	}
	if name == "" || filepath.IsAbs(name) {
		return "", fault.Errorf(fault.KindValidation, "artifact name must be relative and non-empty, got %q", name)
	}
	target := filepath.Join(a.outDir, name)
	if a.guard == nil {
		return target, nil
	}
	return a.guard.CheckPath(target, types.FSWrite)
}

// Write places one artifact file, creating parent directories under
// the artifact directory as needed.
func (a *Artifacts) Write(name string, data []byte) (string, error) {
	target, err := a.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fault.Wrap(fault.KindHandlerError, fmt.Sprintf("create artifact dir for %q", name), err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fault.Wrap(fault.KindHandlerError, fmt.Sprintf("write artifact %q", name), err)
	}
	a.mu.Lock()
	a.written = append(a.written, target)
	a.mu.Unlock()
	return target, nil
}

// Written returns the absolute paths written so far, in write order.
func (a *Artifacts) Written() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.written))
	copy(out, a.written)
	return out
}

// OutDir returns the artifact directory, or "" when not configured.
func (a *Artifacts) OutDir() string { return a.outDir }

// Unavailable implementations back API fields when no broker is
// mounted, so handlers get a descriptive failure instead of a nil
// dereference.

type unavailableInvoker struct{}

func (unavailableInvoker) Invoke(_ context.Context, req InvokeRequest) *InvokeResult {
	err := fault.Errorf(fault.KindHandlerError, "invoke is not available in this execution (no registry mounted), target %q", req.PluginID)
	return &InvokeResult{OK: false, Error: fault.EnvelopeOf(err)}
}

type unavailableSheller struct{}

func (unavailableSheller) Run(context.Context, string, ...string) (*ShellResult, error) {
	return nil, fault.New(fault.KindHandlerError, "shell is not available in this execution")
}

type unavailableJobs struct{}

func (unavailableJobs) Submit(context.Context, JobRequest) (JobHandle, error) {
	return nil, fault.New(fault.KindHandlerError, "jobs are not available in this execution")
}

func (unavailableJobs) Schedule(context.Context, ScheduleRequest) (ScheduleHandle, error) {
	return nil, fault.New(fault.KindHandlerError, "jobs are not available in this execution")
}

func errCleanupPanic(v any) error {
	return fault.FromPanic(v)
}

var (
	_ Invoker = unavailableInvoker{}
	_ Sheller = unavailableSheller{}
	_ Jobs    = unavailableJobs{}
)
