package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/cli/reader"
	"github.com/pithecene-io/kilnbox/cli/render"
	"github.com/pithecene-io/kilnbox/runtime"
)

// TraceCommand returns the trace command: inspect persisted invoke
// chains. A directory argument lists chains; a file shows one.
func TraceCommand() *cli.Command {
	return &cli.Command{
		Name:      "trace",
		Usage:     "Inspect persisted invoke chains",
		ArgsUsage: "<dir|file>",
		Flags:     ReadOnlyFlags(),
		Action:    traceAction,
	}
}

func traceAction(c *cli.Context) error {
	target := c.Args().First()
	if target == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if cfg.TraceDir == "" {
			return cli.Exit("no trace directory: pass a path or set trace_dir in kilnbox.yaml", 2)
		}
		target = cfg.TraceDir
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("trace target: %w", err)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if info.IsDir() {
		items, err := reader.Traces(target)
		if err != nil {
			return err
		}
		if c.Bool("tui") {
			return r.RenderTUI("trace_list", items)
		}
		return r.Render(items)
	}

	if !strings.HasSuffix(target, runtime.TraceFileExt) {
		return cli.Exit(fmt.Sprintf("not a trace file: %s", target), 2)
	}
	detail, err := reader.Trace(target)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("trace", detail)
	}
	return r.Render(detail)
}
