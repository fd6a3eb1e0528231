// Package main provides the kilnbox-worker entrypoint.
//
// Workers are spawned by the pool and subprocess backends, never run
// by hand. Identity arrives through the environment (KB_WORKER_ID,
// KB_IPC_SOCKET_PATH, KB_SANDBOX_MODE); control frames arrive on
// stdin and leave on stdout, so logging must stay on stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/runtime"
	"github.com/pithecene-io/kilnbox/script"
	"github.com/pithecene-io/kilnbox/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kilnbox-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := newWorkerLogger()

	scripts, err := script.NewEngine()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return runtime.ServeFromEnv(ctx, runtime.ServeOptions{
		Scripts: scripts,
		Logger:  logger,
	})
}

// newWorkerLogger builds the worker's stderr logger. The level comes
// from KB_LOG_LEVEL so the parent can quiet a noisy pool without a
// config file in the worker's environment.
func newWorkerLogger() *log.Logger {
	return log.New(log.Options{
		Level: os.Getenv(types.EnvLogLevel),
	})
}
