package plugin

import (
	"context"
	"errors"
	"testing"
)

func TestDrainCleanups_RunsInReverseOrder(t *testing.T) {
	c := NewContext(context.Background(), ContextOptions{})

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		c.OnCleanup(func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if failed := c.DrainCleanups(context.Background()); failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("ran %d cleanups, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestDrainCleanups_RunsExactlyOnce(t *testing.T) {
	c := NewContext(context.Background(), ContextOptions{})

	calls := 0
	c.OnCleanup(func(context.Context) error {
		calls++
		return nil
	})

	c.DrainCleanups(context.Background())
	c.DrainCleanups(context.Background())

	if calls != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls)
	}
}

func TestDrainCleanups_PanicCountsAsFailureAndDrainContinues(t *testing.T) {
	c := NewContext(context.Background(), ContextOptions{})

	ran := false
	c.OnCleanup(func(context.Context) error {
		ran = true
		return nil
	})
	c.OnCleanup(func(context.Context) error {
		panic("release exploded")
	})
	c.OnCleanup(func(context.Context) error {
		return errors.New("close failed")
	})

	// LIFO: error, panic, then the clean one.
	if failed := c.DrainCleanups(context.Background()); failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
	if !ran {
		t.Error("drain stopped before the last cleanup")
	}
}

func TestOnCleanup_AfterDrainIsDropped(t *testing.T) {
	c := NewContext(context.Background(), ContextOptions{})
	c.DrainCleanups(context.Background())

	ran := false
	c.OnCleanup(func(context.Context) error {
		ran = true
		return nil
	})
	c.DrainCleanups(context.Background())

	if ran {
		t.Error("cleanup registered after drain should not run")
	}
}

func TestNewContext_DefaultsUnavailableSurfaces(t *testing.T) {
	c := NewContext(context.Background(), ContextOptions{})

	res := c.API.Invoke.Invoke(context.Background(), InvokeRequest{PluginID: "tools.other"})
	if res.OK {
		t.Error("invoke without a broker should fail")
	}
	if res.Error == nil {
		t.Fatal("invoke failure should carry an error envelope")
	}

	if _, err := c.API.Shell.Run(context.Background(), "echo", "hi"); err == nil {
		t.Error("shell without a broker should fail")
	}
	if _, err := c.API.Jobs.Submit(context.Background(), JobRequest{Handler: "sync"}); err == nil {
		t.Error("jobs without a broker should fail")
	}
}

func TestContext_NilContextFallsBackToBackground(t *testing.T) {
	c := NewContext(nil, ContextOptions{}) //nolint:staticcheck // exercising the nil guard

	if c.Context() == nil {
		t.Fatal("Context() returned nil")
	}
	select {
	case <-c.Context().Done():
		t.Error("background context should not be done")
	default:
	}
}
