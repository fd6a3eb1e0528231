package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// silentListener accepts one connection and never responds, so calls
// stay pending until the test decides their fate.
func silentListener(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rpc.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	return path, accepted
}

// awaitFrame blocks until one call frame has crossed the socket, which
// guarantees the call is registered as pending on the client.
func awaitFrame(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
		t.Fatalf("failed to read call frame: %v", err)
	}
}

func TestClient_DialMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nope.sock"), ClientOptions{})
	if err == nil {
		t.Fatal("dial on missing socket succeeded")
	}
}

func TestClient_CallTimeout_KeepsConnection(t *testing.T) {
	release := make(chan struct{})
	srv, path := startServer(t, nil)
	srv.Register("slow", func(ctx context.Context, _ string, _ []json.RawMessage) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "late", nil
	})

	c := dial(t, path, ClientOptions{CallTimeout: 80 * time.Millisecond})

	_, err := c.Call(t.Context(), "slow", "wait")
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
	if n := pendingCount(c); n != 0 {
		t.Fatalf("timed-out call still pending: %d", n)
	}

	// The connection survives a per-call timeout.
	raw, err := c.Call(t.Context(), "echo", "ping", "hello")
	if err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil || got != "hello" {
		t.Fatalf("echo = (%q, %v), want (\"hello\", nil)", got, err)
	}

	// Let the slow handler finish; its late response must be dropped
	// without disturbing later calls.
	close(release)
	raw, err = c.Call(t.Context(), "echo", "ping", "still fine")
	if err != nil {
		t.Fatalf("call after late response failed: %v", err)
	}
	if err := json.Unmarshal(raw, &got); err != nil || got != "still fine" {
		t.Fatalf("echo = (%q, %v), want (\"still fine\", nil)", got, err)
	}
}

func TestClient_ContextCancelRejectsCall(t *testing.T) {
	path, accepted := silentListener(t)
	c := dial(t, path, ClientOptions{CallTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "cache", "get", "k")
		errCh <- err
	}()

	awaitFrame(t, <-accepted)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled call never returned")
	}
	if n := pendingCount(c); n != 0 {
		t.Fatalf("canceled call still pending: %d", n)
	}
}

func TestClient_Close_RejectsPendingAndFutureCalls(t *testing.T) {
	path, accepted := silentListener(t)
	c := dial(t, path, ClientOptions{CallTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "cache", "get", "k")
		errCh <- err
	}()
	awaitFrame(t, <-accepted)

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClientClosed) {
			t.Fatalf("pending call err = %v, want ErrClientClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected by Close")
	}

	if _, err := c.Call(context.Background(), "cache", "get", "k"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("post-close call err = %v, want ErrClientClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestClient_ConnectionLoss_RejectsPending(t *testing.T) {
	path, accepted := silentListener(t)
	c := dial(t, path, ClientOptions{CallTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "cache", "get", "k")
		errCh <- err
	}()

	conn := <-accepted
	awaitFrame(t, conn)
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("pending call err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected after connection loss")
	}

	if _, err := c.Call(context.Background(), "cache", "get", "k"); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("post-loss call err = %v, want ErrConnectionLost", err)
	}
}

// The three call outcomes must stay distinguishable for callers that
// branch on them.
func TestClient_SentinelsDistinct(t *testing.T) {
	sentinels := []error{ErrCallTimeout, ErrClientClosed, ErrConnectionLost}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Fatalf("sentinel %v matches %v", a, b)
			}
		}
	}
}
