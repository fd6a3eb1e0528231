// Package sandbox enforces plugin permission specs on concrete resource
// accesses: filesystem paths, network hosts, environment keys, shell
// commands, job grants, and state namespaces.
//
// Checks are deny-by-default. Every denial emits an audit record before
// the error is returned. The sandbox mode knob is accepted for wire
// compatibility but carries no semantics: every mode enforces.
package sandbox

import (
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/types"
)

// AuditRecord describes one permission decision.
type AuditRecord struct {
	Time      time.Time `json:"time"`
	PluginID  string    `json:"pluginId"`
	RequestID string    `json:"requestId,omitempty"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
}

// AuditFunc receives audit records. Implementations must not block.
type AuditFunc func(AuditRecord)

// Options configures a Guard for one execution.
type Options struct {
	// Cwd is the workspace root. Relative paths resolve against it.
	Cwd string
	// OutDir is the artifact directory, if any. It is a containment
	// root in addition to Cwd.
	OutDir string
	// ExtraRoots are additional allow-listed containment roots.
	ExtraRoots []string
	// Mode is the sandbox mode from the worker env. Only enforce
	// semantics exist; anything else is logged and treated as enforce.
	Mode string

	PluginID  string
	RequestID string

	Logger    *log.Logger
	Metrics   *metrics.Collector
	Audit     AuditFunc
	Confirmer Confirmer
}

// Guard enforces one plugin's normalized permissions.
// Safe for concurrent use.
type Guard struct {
	perms  types.PermissionSpec
	cwd    string
	outDir string
	roots  []string

	pluginID  string
	requestID string

	logger    *log.Logger
	metrics   *metrics.Collector
	audit     AuditFunc
	confirmer Confirmer
	warnLimit *rate.Limiter

	shellSlots chan struct{}
}

// New builds a Guard. The permission spec is normalized; containment
// roots are resolved so later path equality holds under symlinks.
func New(perms types.PermissionSpec, opts Options) (*Guard, error) {
	if opts.Cwd == "" {
		return nil, fault.New(fault.KindValidation, "sandbox requires a workspace cwd")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	cwd, err := resolveRoot(opts.Cwd)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkspace, fmt.Sprintf("resolve cwd %q", opts.Cwd), err)
	}

	var outDir string
	if opts.OutDir != "" {
		outDir, err = resolveRoot(opts.OutDir)
		if err != nil {
			return nil, fault.Wrap(fault.KindWorkspace, fmt.Sprintf("resolve outdir %q", opts.OutDir), err)
		}
	}

	roots := make([]string, 0, len(opts.ExtraRoots))
	for _, r := range opts.ExtraRoots {
		resolved, err := resolveRoot(r)
		if err != nil {
			return nil, fault.Wrap(fault.KindWorkspace, fmt.Sprintf("resolve root %q", r), err)
		}
		roots = append(roots, resolved)
	}

	normalized := perms.Normalize()

	var slots chan struct{}
	if n := normalized.Shell.MaxConcurrent; n > 0 {
		slots = make(chan struct{}, n)
	}

	if opts.Mode != "" && opts.Mode != types.SandboxEnforce {
		opts.Logger.Warn("sandbox mode has no effect, enforcing", map[string]any{
			"mode":   opts.Mode,
			"plugin": opts.PluginID,
		})
	}

	return &Guard{
		perms:      normalized,
		cwd:        cwd,
		outDir:     outDir,
		roots:      roots,
		pluginID:   opts.PluginID,
		requestID:  opts.RequestID,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		audit:      opts.Audit,
		confirmer:  opts.Confirmer,
		warnLimit:  rate.NewLimiter(rate.Every(time.Second), 5),
		shellSlots: slots,
	}, nil
}

// Cwd returns the resolved workspace root.
func (g *Guard) Cwd() string { return g.cwd }

// OutDir returns the resolved artifact directory, or "".
func (g *Guard) OutDir() string { return g.outDir }

// Permissions returns the normalized spec the guard enforces.
func (g *Guard) Permissions() types.PermissionSpec { return g.perms }

// RequestTimeout returns the per-request network timeout, or def when
// the spec leaves it unset.
func (g *Guard) RequestTimeout(def time.Duration) time.Duration {
	if ms := g.perms.Net.RequestTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// deny records the violation and returns a PERMISSION_DENIED error.
// The audit record and the metric are unconditional; the warning log
// is rate limited so a hot loop cannot flood the output.
func (g *Guard) deny(resource, action, target, reason string) error {
	g.emit(AuditRecord{
		Time:      time.Now(),
		PluginID:  g.pluginID,
		RequestID: g.requestID,
		Resource:  resource,
		Action:    action,
		Target:    target,
		Allowed:   false,
		Reason:    reason,
	})
	g.metrics.IncPermissionDenied()
	if g.warnLimit.Allow() {
		g.logger.Warn("permission denied", map[string]any{
			"plugin":    g.pluginID,
			"requestId": g.requestID,
			"resource":  resource,
			"action":    action,
			"target":    target,
			"reason":    reason,
		})
	}
	return fault.New(fault.KindPermissionDenied, reason).
		WithContext("resource", resource).
		WithContext("target", target)
}

func (g *Guard) emit(rec AuditRecord) {
	if g.audit != nil {
		g.audit(rec)
	}
}

// CheckState decides read or write access to a state namespace.
func (g *Guard) CheckState(namespace string, write bool) error {
	action := "read"
	if write {
		action = "write"
	}
	acc, ok := g.perms.State.Namespaces[namespace]
	if !ok {
		return g.deny("state", action, namespace,
			fmt.Sprintf("state namespace %q is not declared", namespace))
	}
	if write && !acc.Write {
		return g.deny("state", action, namespace,
			fmt.Sprintf("state namespace %q is read-only", namespace))
	}
	if !write && !acc.Read {
		return g.deny("state", action, namespace,
			fmt.Sprintf("state namespace %q is not readable", namespace))
	}
	return nil
}

// JobGrant returns the grant for a job operation, or a denial when the
// spec does not declare it.
func (g *Guard) JobGrant(schedule bool) (*types.JobGrant, error) {
	op := "submit"
	grant := g.perms.Jobs.Submit
	if schedule {
		op = "schedule"
		grant = g.perms.Jobs.Schedule
	}
	if grant == nil {
		return nil, g.deny("jobs", op, g.pluginID,
			fmt.Sprintf("job %s is not declared", op))
	}
	return grant, nil
}

// CheckJobTarget decides whether a grant covers handlers of targetPlugin.
func (g *Guard) CheckJobTarget(grant *types.JobGrant, schedule bool, targetPlugin string) error {
	op := "submit"
	if schedule {
		op = "schedule"
	}
	for _, a := range grant.Allow {
		if a == types.JobGrantOwnPlugin && targetPlugin == g.pluginID {
			return nil
		}
		if a == targetPlugin {
			return nil
		}
	}
	return g.deny("jobs", op, targetPlugin,
		fmt.Sprintf("job %s grant does not cover plugin %q", op, targetPlugin))
}

// resolveRoot makes a containment root absolute and symlink-free.
func resolveRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return resolveExisting(filepath.Clean(abs))
}
