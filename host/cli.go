package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/runtime"
	"github.com/pithecene-io/kilnbox/types"
)

// Error policies map failed executions to process exit codes.
const (
	// PolicyNone treats failures as exit 0. For pipelines that read
	// the error envelope from stdout instead.
	PolicyNone = "none"
	// PolicyMajor treats failures as exit 1. The default.
	PolicyMajor = "major"
	// PolicyCritical treats failures as exit 2.
	PolicyCritical = "critical"
)

// Exit codes derived from an execution.
const (
	ExitOK       = 0
	ExitMajor    = 1
	ExitCritical = 2
)

// CLIOptions assembles a CLI host.
type CLIOptions struct {
	// Backend executes requests. Required.
	Backend runtime.Backend
	// Registry resolves plugins and handlers. Required.
	Registry *plugin.Registry
	// ErrorPolicy selects the exit code for failed executions:
	// none, major (default), or critical.
	ErrorPolicy string
	Logger      *log.Logger
}

// CLI runs one handler per invocation and derives the process exit
// code from the outcome.
type CLI struct {
	backend  runtime.Backend
	registry *plugin.Registry
	policy   string
	logger   *log.Logger
}

// NewCLI builds a CLI host.
func NewCLI(opts CLIOptions) (*CLI, error) {
	if opts.Backend == nil {
		return nil, fault.New(fault.KindValidation, "cli host requires a backend")
	}
	if opts.Registry == nil {
		return nil, fault.New(fault.KindValidation, "cli host requires a registry")
	}
	policy := opts.ErrorPolicy
	switch policy {
	case "":
		policy = PolicyMajor
	case PolicyNone, PolicyMajor, PolicyCritical:
	default:
		return nil, fault.Errorf(fault.KindValidation,
			"error policy must be one of none, major, critical, got %q", policy)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &CLI{
		backend:  opts.Backend,
		registry: opts.Registry,
		policy:   policy,
		logger:   logger,
	}, nil
}

// CLIRun describes one command-line execution.
type CLIRun struct {
	// PluginID and Handler select the target. Handler empty means the
	// plugin's first declared handler.
	PluginID string
	Handler  string
	// Argv is the raw positional tail after flag parsing.
	Argv []string
	// Flags are the parsed command flags. When Input is nil, the flag
	// map marshals into the handler input.
	Flags map[string]any
	// Input overrides the flag-derived input.
	Input json.RawMessage
	// TenantID scopes tenant quotas. Optional.
	TenantID string
	// Config is the plugin's configuration section. Optional.
	Config map[string]any
	// TimeoutMs bounds the execution. Zero means host default.
	TimeoutMs int64
	// Artifacts configures artifact collection.
	Artifacts types.ArtifactsConfig
}

// CLIResult is one settled command-line execution.
type CLIResult struct {
	// Request is the dispatched execution request.
	Request *types.ExecutionRequest
	// Response is the settled backend response.
	Response *types.BackendResponse
	// ExitCode is the derived process exit code.
	ExitCode int
}

// Run executes one handler. Execution failures settle inside the
// result; the error return covers request building and backend misuse.
func (c *CLI) Run(ctx context.Context, run CLIRun) (*CLIResult, error) {
	input := run.Input
	if input == nil && len(run.Flags) > 0 {
		data, err := json.Marshal(run.Flags)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, "flags do not serialize as input", err)
		}
		input = data
	}

	req, err := BuildRequest(c.registry, RequestSpec{
		Host:        types.HostCLI,
		PluginID:    run.PluginID,
		Handler:     run.Handler,
		Input:       input,
		TenantID:    run.TenantID,
		HostContext: types.CLIHostContext{Argv: run.Argv, Flags: run.Flags}.AsMap(),
		Config:      run.Config,
		TimeoutMs:   run.TimeoutMs,
		Artifacts:   run.Artifacts,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.backend.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	code := c.exitCode(resp)
	if !resp.OK && resp.Error != nil {
		c.logger.Warn("execution failed", map[string]any{
			"pluginId":  req.Descriptor.PluginID,
			"requestId": req.Descriptor.RequestID,
			"code":      string(resp.Error.Code),
			"exitCode":  code,
		})
	}
	return &CLIResult{Request: req, Response: resp, ExitCode: code}, nil
}

// ResolveCommand maps a manifest command binding to its handler id, so
// `kilnbox run <plugin> <command>` accepts either form.
func (c *CLI) ResolveCommand(pluginID, command string) (string, error) {
	manifest, ok := c.registry.Manifest(pluginID)
	if !ok {
		return "", fault.Errorf(fault.KindHandlerNotFound, "plugin %q is not registered", pluginID)
	}
	if command == "" {
		return "", nil
	}
	for i := range manifest.Handlers {
		h := &manifest.Handlers[i]
		if h.ID == command || h.Command == command {
			return h.ID, nil
		}
	}
	return "", fault.Errorf(fault.KindHandlerNotFound,
		"plugin %q has no handler or command %q", pluginID, command)
}

// exitCode derives the process exit code: the handler's Outcome exit
// code on success, zero for plain data, and the policy code on failure.
func (c *CLI) exitCode(resp *types.BackendResponse) int {
	if resp.OK {
		if oc, ok := resp.Data.(*plugin.Outcome); ok {
			return oc.ExitCode
		}
		return ExitOK
	}
	switch c.policy {
	case PolicyNone:
		return ExitOK
	case PolicyCritical:
		return ExitCritical
	default:
		return ExitMajor
	}
}

// RenderData marshals a settled response payload for stdout. Outcome
// wrappers are unwrapped to their result.
func RenderData(resp *types.BackendResponse) ([]byte, error) {
	payload := resp.Data
	if oc, ok := payload.(*plugin.Outcome); ok {
		payload = oc.Result
	}
	if payload == nil {
		return nil, nil
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("result does not serialize: %w", err)
	}
	return data, nil
}
