// Package cmd provides the commands behind the kilnbox binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags.
var (
	// ConfigFlag points at a kilnbox.yaml. Unset falls back to the
	// default path, and to built-in defaults when that file is absent.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to kilnbox.yaml",
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the Bubble Tea browser. Only the read-only
	// views (snapshots, trace, stats) support it; declaring the flag
	// everywhere lets unsupported commands reject it with a real
	// message instead of "flag not defined".
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Interactive TUI mode (snapshots, trace, stats only)",
	}
)

// ReadOnlyFlags returns the shared flags for read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}
