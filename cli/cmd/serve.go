package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/host"
)

// ServeCommand returns the serve command: the REST host with the jobs
// broker, cron scheduler, and degradation controller behind it.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve plugin executions over HTTP",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Backend override: in-process, pool, subprocess, auto",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	addr := c.String("listen")
	if addr == "" {
		addr = cfg.Listen
	}

	ctx, cancel := signalContext()
	defer cancel()

	h, err := newHarness(ctx, cfg, harnessOptions{
		Source:    "rest",
		Backend:   c.String("backend"),
		Artifacts: true,
	})
	if err != nil {
		return err
	}
	if err := h.start(ctx); err != nil {
		h.shutdown(context.Background())
		return err
	}

	broker, controller, err := h.newJobsBroker()
	if err != nil {
		h.shutdown(context.Background())
		return err
	}
	controller.Start(ctx)
	if err := broker.Start(ctx); err != nil {
		controller.Stop()
		h.shutdown(context.Background())
		return err
	}

	rest, err := host.NewREST(host.RESTOptions{
		Backend:  h.orchestrator,
		Registry: h.registry,
		Jobs:     broker,
		Health:   controller,
		Metrics:  h.collector,
		Logger:   h.logger,
	})
	if err != nil {
		_ = broker.Shutdown(context.Background())
		controller.Stop()
		h.shutdown(context.Background())
		return err
	}

	h.logger.Info("serving", map[string]any{
		"addr":    addr,
		"plugins": len(h.registry.IDs()),
	})

	serveErr := host.Serve(ctx, addr, rest.Router(), cfg.Grace.Duration, h.logger)

	drain, drainCancel := context.WithTimeout(context.Background(), drainTimeout(cfg))
	defer drainCancel()
	if err := broker.Shutdown(drain); err != nil {
		h.logger.Warn("job broker shutdown failed", map[string]any{"error": err.Error()})
	}
	controller.Stop()
	h.shutdown(drain)

	return serveErr
}
