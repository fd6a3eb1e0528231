package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/kilnbox/bridge"
	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/types"
)

// InvokeBroker routes cross-plugin calls: a handler in one plugin
// calling a handler in another, under chain-wide depth, hop, and time
// budgets. Every failure lands inside the InvokeResult envelope; the
// caller's own execution never unwinds.
type InvokeBroker struct {
	registry *plugin.Registry
	backend  Backend
	traces   *TraceStore
	logger   *log.Logger
	maxDepth int
	maxHops  int
}

// InvokeBrokerOptions assembles an InvokeBroker.
type InvokeBrokerOptions struct {
	// Registry resolves callee manifests and handler files. Required.
	Registry *plugin.Registry
	// Backend executes the nested requests. Required.
	Backend Backend
	// Traces records chain spans. Nil disables persistence.
	Traces *TraceStore
	// MaxDepth/MaxHops override the chain budget defaults.
	MaxDepth int
	MaxHops  int
	Logger   *log.Logger
}

// NewInvokeBroker wires a broker over a registry and a backend.
func NewInvokeBroker(opts InvokeBrokerOptions) (*InvokeBroker, error) {
	if opts.Registry == nil {
		return nil, fault.New(fault.KindValidation, "invoke broker requires a registry")
	}
	if opts.Backend == nil {
		return nil, fault.New(fault.KindValidation, "invoke broker requires a backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = types.DefaultMaxDepth
	}
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = types.DefaultMaxHops
	}
	return &InvokeBroker{
		registry: opts.Registry,
		backend:  opts.Backend,
		traces:   opts.Traces,
		logger:   logger,
		maxDepth: maxDepth,
		maxHops:  maxHops,
	}, nil
}

// Dispatch executes one cross-plugin call on behalf of caller. The
// chain is the caller's own chain state; nil means the caller is a
// chain root that was never assigned one, and a fresh chain is minted.
func (b *InvokeBroker) Dispatch(ctx context.Context, caller types.Descriptor, chain *types.ChainState, req plugin.InvokeRequest) *plugin.InvokeResult {
	if req.PluginID == "" {
		return invokeFailure(fault.New(fault.KindValidation, "invoke requires a target plugin id"))
	}

	if chain == nil {
		chain = &types.ChainState{
			TraceID: uuid.NewString(),
			SpanID:  uuid.NewString(),
			Path:    []string{caller.PluginID},
		}
	}

	if !caller.Permissions.Invoke.Allows(caller.PluginID, req.PluginID) {
		b.logger.Warn("invoke denied", map[string]any{
			"caller": caller.PluginID,
			"target": req.PluginID,
		})
		return invokeFailure(fault.Errorf(fault.KindPermissionDenied,
			"plugin %q may not invoke %q", caller.PluginID, req.PluginID).
			WithContext("reason", "INVOKE_NOT_ALLOWED"))
	}

	if chain.Depth+1 > b.maxDepth {
		return invokeFailure(fault.Errorf(fault.KindDepthExceeded,
			"invoke depth %d exceeds the chain limit %d", chain.Depth+1, b.maxDepth).
			WithContext("depth", chain.Depth+1).WithContext("maxDepth", b.maxDepth))
	}
	if chain.Hops+1 > b.maxHops {
		return invokeFailure(fault.Errorf(fault.KindHopsExceeded,
			"invoke hop %d exceeds the chain limit %d", chain.Hops+1, b.maxHops).
			WithContext("hops", chain.Hops+1).WithContext("maxHops", b.maxHops))
	}

	now := time.Now()
	if !chain.Deadline.IsZero() && chain.Remaining(now) <= 0 {
		return invokeFailure(fault.New(fault.KindTimeout, "chain time budget exhausted"))
	}

	entry, ok := b.registry.Get(req.PluginID)
	if !ok {
		return invokeFailure(fault.Errorf(fault.KindHandlerNotFound,
			"plugin %q is not registered", req.PluginID))
	}
	decl, err := b.registry.Resolve(req.PluginID, req.Handler)
	if err != nil {
		return invokeFailure(err)
	}

	spanID := uuid.NewString()
	child := chain.Child(spanID, req.PluginID)
	requestID := chain.TraceID + ":" + spanID

	execReq := &types.ExecutionRequest{
		ExecutionID: uuid.NewString(),
		Descriptor: types.Descriptor{
			Host:            caller.Host,
			PluginID:        req.PluginID,
			PluginVersion:   entry.Manifest.Version,
			RequestID:       requestID,
			TenantID:        caller.TenantID,
			Permissions:     entry.Manifest.Permissions.Normalize(),
			ParentRequestID: caller.RequestID,
		},
		PluginRoot: entry.Root,
		HandlerRef: decl.Ref(),
		Input:      req.Input,
		TimeoutMs:  childTimeoutMs(chain.Remaining(now), req.TimeoutMs, entry.Manifest.Quotas.TimeoutMs),
	}

	b.logger.Debug("invoke dispatch", map[string]any{
		"caller":    caller.PluginID,
		"target":    req.PluginID,
		"handler":   decl.ID,
		"depth":     child.Depth,
		"hops":      child.Hops,
		"timeoutMs": execReq.TimeoutMs,
	})

	// The child runs on the caller's context so a canceled parent takes
	// its children down with it. The child's own timeout is applied by
	// the backend from TimeoutMs.
	resp, err := b.backend.Execute(WithChain(ctx, &child), execReq)

	result := &plugin.InvokeResult{}
	if err != nil {
		result.Error = fault.EnvelopeOf(err)
	} else {
		result.OK = resp.OK
		result.Data = resp.Data
		result.Error = resp.Error
		result.ExecutionTimeMs = resp.ExecutionTimeMs
	}

	if b.traces != nil {
		span := types.TraceSpan{
			TraceID:      chain.TraceID,
			SpanID:       spanID,
			ParentSpanID: chain.SpanID,
			RequestID:    requestID,
			PluginID:     req.PluginID,
			Handler:      decl.ID,
			Depth:        child.Depth,
			Hops:         child.Hops,
			StartedAt:    now,
			DurationMs:   time.Since(now).Milliseconds(),
			OK:           result.OK,
		}
		if result.Error != nil {
			span.ErrorCode = string(result.Error.Code)
		}
		b.traces.Record(span)
	}

	return result
}

// Bound returns the invoker a single execution sees: the caller's
// descriptor and chain are captured so handlers only supply the target.
func (b *InvokeBroker) Bound(caller types.Descriptor, chain *types.ChainState) plugin.Invoker {
	return &boundInvoker{broker: b, caller: caller, chain: chain}
}

type boundInvoker struct {
	broker *InvokeBroker
	caller types.Descriptor
	chain  *types.ChainState
}

func (bi *boundInvoker) Invoke(ctx context.Context, req plugin.InvokeRequest) *plugin.InvokeResult {
	return bi.broker.Dispatch(ctx, bi.caller, bi.chain, req)
}

// BridgeHandler exposes the broker over the IPC bridge. Workers call
// adapter "invoke" method "invoke" with [descriptor, chain, request];
// the descriptor is trusted because workers are parent-spawned.
func (b *InvokeBroker) BridgeHandler() bridge.Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		if method != "invoke" {
			return nil, fault.Errorf(fault.KindValidation, "unknown invoke method %q", method)
		}
		if len(args) != 3 {
			return nil, fault.Errorf(fault.KindValidation,
				"invoke expects [descriptor, chain, request], got %d args", len(args))
		}
		var caller types.Descriptor
		if err := json.Unmarshal(args[0], &caller); err != nil {
			return nil, fault.Wrap(fault.KindValidation, "decode invoke descriptor", err)
		}
		var chain *types.ChainState
		if err := json.Unmarshal(args[1], &chain); err != nil {
			return nil, fault.Wrap(fault.KindValidation, "decode invoke chain", err)
		}
		var req plugin.InvokeRequest
		if err := json.Unmarshal(args[2], &req); err != nil {
			return nil, fault.Wrap(fault.KindValidation, "decode invoke request", err)
		}
		return b.Dispatch(ctx, caller, chain, req), nil
	}
}

// invokeFailure wraps an error into a result without unwinding.
func invokeFailure(err error) *plugin.InvokeResult {
	return &plugin.InvokeResult{Error: fault.EnvelopeOf(err)}
}

// childTimeoutMs computes a nested call's time budget: the smallest of
// the chain's remaining time, the request's own timeout, and the callee
// manifest quota. Zero values do not bound; all zero means unbounded.
func childTimeoutMs(remaining time.Duration, requestMs, quotaMs int64) int64 {
	min := int64(0)
	consider := func(v int64) {
		if v <= 0 {
			return
		}
		if min == 0 || v < min {
			min = v
		}
	}
	consider(remaining.Milliseconds())
	consider(requestMs)
	consider(quotaMs)
	return min
}
