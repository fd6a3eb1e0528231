package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pithecene-io/kilnbox/fault"
)

// DefaultConfirmTimeout bounds how long a confirmation may stay pending
// before it counts as a denial.
const DefaultConfirmTimeout = 2 * time.Minute

// Built-in dangerous command patterns. Matching commands require
// confirmation even when the allow list covers them.
var dangerousPatterns = []*regexp.Regexp{
	// Wildcard and recursive deletes
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf]`),
	regexp.MustCompile(`\brm\s+.*(--recursive|--force)`),
	regexp.MustCompile(`\brm\s+.*\*`),
	regexp.MustCompile(`\bfind\s+.*-delete\b`),

	// Destructive git
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\bgit\s+clean\s+-[a-zA-Z]*f`),
	regexp.MustCompile(`\bgit\s+push\s+.*(--force|-f)\b`),
	regexp.MustCompile(`\bgit\s+branch\s+-D\b`),

	// Raw disk operations
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(mkfs|fdisk|diskpart)\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),

	// Wide package uninstalls
	regexp.MustCompile(`\b(npm|pnpm|yarn)\s+(uninstall|remove|rm)\s+.*(-g\b|--global)`),
	regexp.MustCompile(`\bpip3?\s+uninstall\b`),
	regexp.MustCompile(`\bapt(-get)?\s+(remove|purge)\b`),

	// System state
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`\bsudo\b`),
}

// ConfirmRequest describes a dangerous command awaiting approval.
type ConfirmRequest struct {
	PluginID string
	Command  string
	Reason   string
}

// Confirmer routes dangerous commands to an approval channel, such as an
// interactive prompt or an IPC round trip to the parent process.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	return f(ctx, req)
}

// CommandSpec joins a command and its arguments into the form patterns
// match against.
func CommandSpec(command string, args []string) string {
	if len(args) == 0 {
		return strings.TrimSpace(command)
	}
	return strings.TrimSpace(command + " " + strings.Join(args, " "))
}

// DecideCommand decides whether command may run. An explicit deny
// pattern wins; without an allow list every command is denied.
func (g *Guard) DecideCommand(command string, args []string) error {
	spec := CommandSpec(command, args)
	cmd := strings.TrimSpace(command)

	for _, d := range g.perms.Shell.Deny {
		if shellPatternMatches(d, spec, cmd) {
			return g.deny("shell", "exec", spec,
				fmt.Sprintf("command matches deny pattern %q", d))
		}
	}

	if len(g.perms.Shell.Allow) == 0 {
		return g.deny("shell", "exec", spec, "shell access is not declared")
	}
	for _, a := range g.perms.Shell.Allow {
		if shellPatternMatches(a, spec, cmd) {
			return nil
		}
	}
	return g.deny("shell", "exec", spec, "command matches no allow pattern")
}

// IsDangerous reports whether spec matches the built-in dangerous set or
// a requireConfirmation pattern, with the matching rule as reason.
func (g *Guard) IsDangerous(spec string) (bool, string) {
	for _, p := range dangerousPatterns {
		if p.MatchString(spec) {
			return true, fmt.Sprintf("matches dangerous pattern %s", p.String())
		}
	}
	cmd, _, _ := strings.Cut(strings.TrimSpace(spec), " ")
	for _, rc := range g.perms.Shell.RequireConfirmation {
		if shellPatternMatches(rc, spec, cmd) {
			return true, fmt.Sprintf("matches requireConfirmation pattern %q", rc)
		}
	}
	return false, ""
}

// Confirm routes a dangerous command to the confirmation channel.
// No channel, a negative answer, or a timeout all deny.
func (g *Guard) Confirm(ctx context.Context, spec, reason string) error {
	if g.confirmer == nil {
		return g.deny("shell", "confirm", spec,
			"dangerous command requires confirmation and no channel is available")
	}

	cctx, cancel := context.WithTimeout(ctx, DefaultConfirmTimeout)
	defer cancel()

	ok, err := g.confirmer.Confirm(cctx, ConfirmRequest{
		PluginID: g.pluginID,
		Command:  spec,
		Reason:   reason,
	})
	if err != nil {
		return g.deny("shell", "confirm", spec,
			fmt.Sprintf("confirmation failed: %v", err))
	}
	if !ok {
		return g.deny("shell", "confirm", spec, "confirmation denied")
	}
	return nil
}

// AcquireShell reserves a concurrency slot when the spec bounds
// simultaneous commands. The returned release function is idempotent.
func (g *Guard) AcquireShell(ctx context.Context) (func(), error) {
	if g.shellSlots == nil {
		return func() {}, nil
	}
	select {
	case g.shellSlots <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-g.shellSlots })
		}, nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindTimeout, "waiting for a shell slot", ctx.Err())
	}
}

// CommandTimeout returns the per-command timeout, or def when the spec
// leaves it unset.
func (g *Guard) CommandTimeout(def time.Duration) time.Duration {
	if ms := g.perms.Shell.CommandTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// shellPatternMatches reports whether pattern covers a command. Patterns
// match the full spec string, the command alone, a glob over either, or
// a "prefix *" form on word boundaries.
func shellPatternMatches(pattern, spec, command string) bool {
	if pattern == spec || pattern == command {
		return true
	}
	if prefix, isPrefix := strings.CutSuffix(pattern, " *"); isPrefix {
		if spec == prefix || strings.HasPrefix(spec, prefix+" ") {
			return true
		}
	}
	if ok, err := doublestar.Match(pattern, spec); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(pattern, command); err == nil && ok {
		return true
	}
	return false
}
