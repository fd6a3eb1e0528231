package types

import (
	"sort"
	"strings"
)

// FSMode is the filesystem access mode granted to a plugin.
type FSMode string

const (
	// FSNone denies all filesystem access.
	FSNone FSMode = "none"
	// FSRead grants read-only access within allowed roots.
	FSRead FSMode = "read"
	// FSWrite grants read and write access within allowed roots.
	FSWrite FSMode = "write"
)

// NetMode is the network access mode granted to a plugin.
type NetMode string

const (
	// NetNone denies all network access.
	NetNone NetMode = "none"
	// NetAllow enables access filtered by the allow and deny lists.
	NetAllow NetMode = "allow"
)

// FSPermissions declares filesystem access.
// Patterns are doublestar globs rooted at the workspace.
type FSPermissions struct {
	Mode  FSMode   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// NetPermissions declares network access.
// Host patterns are exact hosts or "*.suffix" wildcards.
type NetPermissions struct {
	Mode       NetMode  `json:"mode,omitempty" yaml:"mode,omitempty"`
	AllowHosts []string `json:"allowHosts,omitempty" yaml:"allowHosts,omitempty"`
	DenyHosts  []string `json:"denyHosts,omitempty" yaml:"denyHosts,omitempty"`
	// AllowCIDRs is consulted only when the host is an IPv4 literal.
	AllowCIDRs []string `json:"allowCidrs,omitempty" yaml:"allowCidrs,omitempty"`
	// RequestTimeoutMs bounds each outbound request. Zero means default.
	RequestTimeoutMs int64 `json:"requestTimeoutMs,omitempty" yaml:"requestTimeoutMs,omitempty"`
}

// EnvPermissions declares environment variable visibility.
// Keys support a trailing-star prefix form ("NPM_*").
type EnvPermissions struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// ShellPermissions declares subprocess execution rights.
type ShellPermissions struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
	// RequireConfirmation lists command patterns that must be confirmed
	// before running, in addition to the built-in dangerous set.
	RequireConfirmation []string `json:"requireConfirmation,omitempty" yaml:"requireConfirmation,omitempty"`
	// MaxConcurrent bounds simultaneously running commands. Zero means 1.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
	// CommandTimeoutMs bounds each command. Zero means default.
	CommandTimeoutMs int64 `json:"commandTimeoutMs,omitempty" yaml:"commandTimeoutMs,omitempty"`
}

// JobGrantOwnPlugin is the default job handler scope: a plugin may only
// submit or schedule its own handlers.
const JobGrantOwnPlugin = "own-plugin"

// JobGrant declares one job operation (submit or schedule).
type JobGrant struct {
	// Allow scopes target handlers: "own-plugin" or explicit plugin ids.
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	// MaxDurationMs caps the timeout of submitted jobs.
	MaxDurationMs int64 `json:"maxDurationMs,omitempty" yaml:"maxDurationMs,omitempty"`
	// MinIntervalMs is the smallest allowed schedule interval.
	MinIntervalMs int64 `json:"minIntervalMs,omitempty" yaml:"minIntervalMs,omitempty"`
	// PerMinute/PerHour/PerDay are submission quotas. Zero means unlimited.
	PerMinute int `json:"perMinute,omitempty" yaml:"perMinute,omitempty"`
	PerHour   int `json:"perHour,omitempty" yaml:"perHour,omitempty"`
	PerDay    int `json:"perDay,omitempty" yaml:"perDay,omitempty"`
	// MaxConcurrent bounds simultaneously running jobs. Zero means unlimited.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
}

// JobsPermissions declares background job rights.
type JobsPermissions struct {
	Submit   *JobGrant `json:"submit,omitempty" yaml:"submit,omitempty"`
	Schedule *JobGrant `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// InvokePermissions declares which plugins a handler may call through
// the invoke broker. The calling plugin itself is always callable.
type InvokePermissions struct {
	// Allow lists callable plugin ids; "*" allows every registered plugin.
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// Allows reports whether the grant covers targetPlugin when held by
// callerPlugin. Self-invocation is always permitted.
func (i InvokePermissions) Allows(callerPlugin, targetPlugin string) bool {
	if targetPlugin != "" && targetPlugin == callerPlugin {
		return true
	}
	for _, id := range i.Allow {
		if id == "*" || id == targetPlugin {
			return true
		}
	}
	return false
}

// StateAccess declares per-namespace state rights.
type StateAccess struct {
	Read  bool `json:"read" yaml:"read"`
	Write bool `json:"write" yaml:"write"`
}

// StatePermissions declares state-store access per namespace.
type StatePermissions struct {
	Namespaces map[string]StateAccess `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
}

// Quotas bounds overall resource usage of a plugin.
type Quotas struct {
	TimeoutMs int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	CPUMs     int64 `json:"cpuMs,omitempty" yaml:"cpuMs,omitempty"`
	MemoryMb  int64 `json:"memoryMb,omitempty" yaml:"memoryMb,omitempty"`
}

// PermissionSpec enumerates, per resource class, what a plugin may do.
// The zero value denies everything.
type PermissionSpec struct {
	FS     FSPermissions     `json:"fs,omitempty" yaml:"fs,omitempty"`
	Net    NetPermissions    `json:"net,omitempty" yaml:"net,omitempty"`
	Env    EnvPermissions    `json:"env,omitempty" yaml:"env,omitempty"`
	Shell  ShellPermissions  `json:"shell,omitempty" yaml:"shell,omitempty"`
	Invoke InvokePermissions `json:"invoke,omitempty" yaml:"invoke,omitempty"`
	Jobs   JobsPermissions   `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	State  StatePermissions  `json:"state,omitempty" yaml:"state,omitempty"`
	Quotas Quotas            `json:"quotas,omitempty" yaml:"quotas,omitempty"`
}

// NormalizeHost canonicalizes a host pattern or value: lowercase, no
// scheme, no port, no path, no trailing dot. Pure.
func NormalizeHost(host string) string {
	h := strings.TrimSpace(strings.ToLower(host))
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	// Strip a port, but not the colons of an IPv6 literal.
	if i := strings.LastIndex(h, ":"); i >= 0 && strings.Count(h, ":") == 1 {
		h = h[:i]
	}
	return strings.TrimSuffix(h, ".")
}

// Normalize returns a canonical copy of the spec. It is pure and
// deterministic: lists are deduplicated and sorted, hosts canonicalized,
// modes defaulted to deny, negative values clamped to zero. Normalizing
// an already-normal spec is the identity.
func (p PermissionSpec) Normalize() PermissionSpec {
	out := p

	if out.FS.Mode == "" {
		out.FS.Mode = FSNone
	}
	out.FS.Allow = normalizeList(p.FS.Allow, normalizePathPattern)
	out.FS.Deny = normalizeList(p.FS.Deny, normalizePathPattern)

	if out.Net.Mode == "" {
		if len(p.Net.AllowHosts) > 0 || len(p.Net.AllowCIDRs) > 0 {
			out.Net.Mode = NetAllow
		} else {
			out.Net.Mode = NetNone
		}
	}
	out.Net.AllowHosts = normalizeList(p.Net.AllowHosts, NormalizeHost)
	out.Net.DenyHosts = normalizeList(p.Net.DenyHosts, NormalizeHost)
	out.Net.AllowCIDRs = normalizeList(p.Net.AllowCIDRs, strings.TrimSpace)
	if out.Net.RequestTimeoutMs < 0 {
		out.Net.RequestTimeoutMs = 0
	}

	out.Env.Allow = normalizeList(p.Env.Allow, strings.TrimSpace)

	out.Shell.Allow = normalizeList(p.Shell.Allow, strings.TrimSpace)
	out.Shell.Deny = normalizeList(p.Shell.Deny, strings.TrimSpace)
	out.Shell.RequireConfirmation = normalizeList(p.Shell.RequireConfirmation, strings.TrimSpace)
	if out.Shell.MaxConcurrent < 0 {
		out.Shell.MaxConcurrent = 0
	}
	if out.Shell.CommandTimeoutMs < 0 {
		out.Shell.CommandTimeoutMs = 0
	}

	out.Invoke.Allow = normalizeList(p.Invoke.Allow, strings.TrimSpace)

	if p.Jobs.Submit != nil {
		out.Jobs.Submit = normalizeGrant(p.Jobs.Submit)
	}
	if p.Jobs.Schedule != nil {
		out.Jobs.Schedule = normalizeGrant(p.Jobs.Schedule)
	}

	if len(p.State.Namespaces) > 0 {
		ns := make(map[string]StateAccess, len(p.State.Namespaces))
		for k, v := range p.State.Namespaces {
			ns[strings.TrimSpace(k)] = v
		}
		out.State.Namespaces = ns
	}

	if out.Quotas.TimeoutMs < 0 {
		out.Quotas.TimeoutMs = 0
	}
	if out.Quotas.CPUMs < 0 {
		out.Quotas.CPUMs = 0
	}
	if out.Quotas.MemoryMb < 0 {
		out.Quotas.MemoryMb = 0
	}

	return out
}

// normalizeGrant canonicalizes a job grant, defaulting scope to own-plugin.
func normalizeGrant(g *JobGrant) *JobGrant {
	out := *g
	out.Allow = normalizeList(g.Allow, strings.TrimSpace)
	if len(out.Allow) == 0 {
		out.Allow = []string{JobGrantOwnPlugin}
	}
	clampInt := func(v int) int {
		if v < 0 {
			return 0
		}
		return v
	}
	out.PerMinute = clampInt(g.PerMinute)
	out.PerHour = clampInt(g.PerHour)
	out.PerDay = clampInt(g.PerDay)
	out.MaxConcurrent = clampInt(g.MaxConcurrent)
	if out.MaxDurationMs < 0 {
		out.MaxDurationMs = 0
	}
	if out.MinIntervalMs < 0 {
		out.MinIntervalMs = 0
	}
	return &out
}

// normalizePathPattern cleans a glob pattern without destroying globs:
// slashes are unified and redundant "./" prefixes removed.
func normalizePathPattern(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

// normalizeList maps, drops empties, deduplicates, and sorts.
func normalizeList(in []string, canon func(string) string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		c := canon(v)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
