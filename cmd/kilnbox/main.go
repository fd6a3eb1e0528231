// Package main provides the kilnbox CLI entrypoint.
//
// Usage:
//
//	kilnbox <command> [options]
//
// run executes one handler and exits with the outcome's code; serve
// hosts executions over HTTP; everything else is read-only.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/cli/cmd"
	"github.com/pithecene-io/kilnbox/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors; this
		// branch catches anything that bypassed it.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "kilnbox",
		Usage:          "Plugin execution platform CLI",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.ServeCommand(),
			cmd.PluginsCommand(),
			cmd.SnapshotsCommand(),
			cmd.TraceCommand(),
			cmd.StatsCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit so run outcomes
// propagate to the shell.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() reads "exit status N"; those carry
		// no information worth printing.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
