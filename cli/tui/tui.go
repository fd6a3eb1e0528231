package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the TUI for the given view. Returns an error if the
// view does not support TUI mode.
func Run(view string, data any) error {
	if !Supported(view) {
		return fmt.Errorf("TUI mode is not supported for %s", view)
	}

	switch {
	case strings.HasPrefix(view, "snapshot"):
		return runProgram(newSnapshotModel(view, data))
	case strings.HasPrefix(view, "trace"):
		return runProgram(newTraceModel(view, data))
	case view == "stats":
		return runProgram(newStatsModel(data))
	}

	return fmt.Errorf("unknown view type: %s", view)
}

// Supported reports whether the view type has a TUI. Only the
// read-only browse surfaces (snapshots, traces, stats) do; run,
// serve, and plugins always go through the plain renderer.
func Supported(view string) bool {
	for _, v := range SupportedViews() {
		if v == view {
			return true
		}
	}
	return false
}

// SupportedViews returns the view types that have a TUI.
func SupportedViews() []string {
	return []string{
		"snapshot_list",
		"snapshot",
		"trace_list",
		"trace",
		"stats",
	}
}

func runProgram(model tea.Model) error {
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
