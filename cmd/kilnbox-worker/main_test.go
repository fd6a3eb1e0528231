package main

import (
	"testing"

	"github.com/pithecene-io/kilnbox/types"
)

func TestRun_RequiresSocketPath(t *testing.T) {
	// Workers are spawned with KB_IPC_SOCKET_PATH set; invoking the
	// binary outside a pool must fail fast instead of hanging on stdin.
	t.Setenv(types.EnvSocketPath, "")

	if err := run(); err == nil {
		t.Fatal("run without a socket path should fail")
	}
}

func TestNewWorkerLogger_ReadsLevelFromEnv(t *testing.T) {
	t.Setenv(types.EnvLogLevel, "error")
	if logger := newWorkerLogger(); logger == nil {
		t.Fatal("logger should never be nil")
	}
}
