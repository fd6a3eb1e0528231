package runtime

import (
	"context"

	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/types"
)

// Chain state and per-execution brokers travel in context values, not
// package state: the orchestrator attaches them before backend
// dispatch, backends hand them to the runner, and nothing leaks across
// executions.

type ctxKey int

const (
	chainKey ctxKey = iota
	invokerKey
	jobsKey
)

// WithChain attaches invoke-chain budgets to the execution context.
func WithChain(ctx context.Context, chain *types.ChainState) context.Context {
	if chain == nil {
		return ctx
	}
	return context.WithValue(ctx, chainKey, chain)
}

// ChainFrom returns the attached chain state, or nil at chain roots.
func ChainFrom(ctx context.Context) *types.ChainState {
	c, _ := ctx.Value(chainKey).(*types.ChainState)
	return c
}

// WithInvoker attaches the execution-bound invoke broker.
func WithInvoker(ctx context.Context, inv plugin.Invoker) context.Context {
	if inv == nil {
		return ctx
	}
	return context.WithValue(ctx, invokerKey, inv)
}

// InvokerFrom returns the attached invoker, or nil when invoke is not
// mounted for this execution.
func InvokerFrom(ctx context.Context) plugin.Invoker {
	inv, _ := ctx.Value(invokerKey).(plugin.Invoker)
	return inv
}

// WithJobs attaches the execution-bound jobs surface.
func WithJobs(ctx context.Context, jobs plugin.Jobs) context.Context {
	if jobs == nil {
		return ctx
	}
	return context.WithValue(ctx, jobsKey, jobs)
}

// JobsFrom returns the attached jobs surface, or nil when jobs are not
// mounted for this execution.
func JobsFrom(ctx context.Context) plugin.Jobs {
	j, _ := ctx.Value(jobsKey).(plugin.Jobs)
	return j
}
