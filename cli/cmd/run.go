package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/host"
	"github.com/pithecene-io/kilnbox/runtime"
	"github.com/pithecene-io/kilnbox/types"
)

// RunCommand returns the run command: one handler execution from the
// command line, exit code derived from the outcome.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute one plugin handler",
		ArgsUsage: "<plugin> [command]",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Handler input as JSON, or @file to read it",
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Input field as key=value (repeatable, ignored with --input)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Execution timeout (0 defers to plugin quotas)",
			},
			&cli.StringFlag{
				Name:  "tenant",
				Usage: "Tenant id for quota scoping",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Backend override: in-process, pool, subprocess, auto",
			},
			&cli.StringFlag{
				Name:  "error-policy",
				Usage: "Exit code policy for failed runs: none, major, critical",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write a run report JSON to this path",
			},
			&cli.StringFlag{
				Name:  "outdir",
				Usage: "Artifact directory the handler writes into",
			},
			&cli.StringSliceFlag{
				Name:  "artifact",
				Usage: "Glob pattern for files under --outdir to collect (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "upload",
				Usage: "Upload collected artifacts to the artifact store",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Suppress result output",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("usage: kilnbox run <plugin> [command]", 2)
	}
	pluginID := c.Args().Get(0)
	command := c.Args().Get(1)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if p := c.String("error-policy"); p != "" {
		cfg.ErrorPolicy = p
	}

	input, err := readInput(c.String("input"))
	if err != nil {
		return err
	}
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	h, err := newHarness(ctx, cfg, harnessOptions{
		Source:    "cli",
		Backend:   c.String("backend"),
		Quiet:     c.Bool("quiet"),
		Artifacts: c.String("outdir") != "" || c.Bool("upload"),
	})
	if err != nil {
		return err
	}
	if err := h.start(ctx); err != nil {
		h.shutdown(context.Background())
		return err
	}

	cliHost, err := host.NewCLI(host.CLIOptions{
		Backend:     h.orchestrator,
		Registry:    h.registry,
		ErrorPolicy: cfg.ErrorPolicy,
		Logger:      h.logger,
	})
	if err != nil {
		h.shutdown(context.Background())
		return err
	}

	handler, err := cliHost.ResolveCommand(pluginID, command)
	if err != nil {
		h.shutdown(context.Background())
		return cli.Exit(err.Error(), host.ExitMajor)
	}

	timeoutMs := c.Duration("timeout").Milliseconds()
	if timeoutMs == 0 && cfg.Timeout.Duration > 0 {
		timeoutMs = cfg.Timeout.Duration.Milliseconds()
	}

	result, err := cliHost.Run(ctx, host.CLIRun{
		PluginID:  pluginID,
		Handler:   handler,
		Argv:      c.Args().Slice(),
		Flags:     params,
		Input:     input,
		TenantID:  c.String("tenant"),
		Config:    cfg.PluginConfig(pluginID),
		TimeoutMs: timeoutMs,
		Artifacts: types.ArtifactsConfig{
			OutDir:   c.String("outdir"),
			Upload:   c.Bool("upload"),
			Patterns: c.StringSlice("artifact"),
		},
	})

	drain, drainCancel := context.WithTimeout(context.Background(), drainTimeout(cfg))
	defer drainCancel()

	if err != nil {
		h.shutdown(drain)
		return cli.Exit(err.Error(), host.ExitMajor)
	}

	if path := c.String("report"); path != "" {
		report := runtime.BuildRunReport(result.Request, result.Response, h.collector.Snapshot(), result.ExitCode)
		if err := runtime.WriteRunReport(report, path); err != nil {
			h.logger.Warn("run report write failed", map[string]any{"path": path, "error": err.Error()})
		}
	}

	h.shutdown(drain)

	if !c.Bool("quiet") {
		if err := printResult(c, result); err != nil {
			return err
		}
	}
	return cli.Exit("", result.ExitCode)
}

// readInput resolves the --input flag: inline JSON, or @path for a
// file. The payload must be valid JSON either way.
func readInput(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		read, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		data = read
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return data, nil
}

// parseParams turns repeated key=value flags into an input map. Values
// that parse as JSON keep their type; everything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid param %q (want key=value)", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			params[key] = parsed
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func printResult(c *cli.Context, result *host.CLIResult) error {
	resp := result.Response
	if !resp.OK {
		env := resp.Error
		if env == nil {
			env = fault.EnvelopeOf(fault.New(fault.KindUnknown, "execution failed without an error"))
		}
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.ErrWriter, string(data))
		return nil
	}
	data, err := host.RenderData(resp)
	if err != nil {
		return err
	}
	if data != nil {
		fmt.Fprintln(c.App.Writer, string(data))
	}
	return nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
