package plugin

import (
	"context"

	"github.com/pithecene-io/kilnbox/platform"
)

// UI is the handler-facing presentation surface. Hosts decide what it
// means: the CLI host renders to the terminal, every other host logs.
// Confirm is the channel for dangerous-command approval; the default
// answer on timeout or absence of an interactive channel is no.
type UI interface {
	// Message shows an informational line to the user.
	Message(msg string)
	// Warn shows a warning line to the user.
	Warn(msg string)
	// Progress reports task progress. percent is 0..100; negative means
	// indeterminate.
	Progress(label string, percent int)
	// Confirm asks a yes/no question. Non-interactive implementations
	// return false without error.
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// logUI is the non-interactive UI: messages go to the execution logger,
// confirmations are denied.
type logUI struct {
	log platform.Logger
}

// NewLogUI returns a UI backed by the execution logger. It is the
// default for every host without a terminal.
func NewLogUI(logger platform.Logger) UI {
	return logUI{log: logger}
}

func (u logUI) Message(msg string) {
	u.log.Info(msg, map[string]any{"ui": "message"})
}

func (u logUI) Warn(msg string) {
	u.log.Warn(msg, map[string]any{"ui": "warn"})
}

func (u logUI) Progress(label string, percent int) {
	u.log.Debug("progress", map[string]any{"ui": "progress", "label": label, "percent": percent})
}

func (u logUI) Confirm(_ context.Context, prompt string) (bool, error) {
	u.log.Warn("confirmation required but no interactive channel, denying", map[string]any{
		"prompt": prompt,
	})
	return false, nil
}

var _ UI = logUI{}
