package runtime

import (
	"context"
	"encoding/json"

	"github.com/pithecene-io/kilnbox/bridge"
	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/types"
)

// awaitSliceMs is the server-side wait bound for one jobs.await round
// trip. The handle loops rounds until the job finishes, keeping each
// call well inside the broker connection's call timeout.
const awaitSliceMs = 20_000

// remoteInvoker is the worker-side invoker: nested invocations travel
// to the parent's invoke broker over the platform socket. The caller's
// descriptor and chain state ride along so the broker can enforce
// budgets without per-connection state.
type remoteInvoker struct {
	client *bridge.Client
	desc   types.Descriptor
	chain  *types.ChainState
}

func (r *remoteInvoker) Invoke(ctx context.Context, req plugin.InvokeRequest) *plugin.InvokeResult {
	raw, err := r.client.Call(ctx, "invoke", "invoke", r.desc, r.chain, req)
	if err != nil {
		return &plugin.InvokeResult{Error: fault.EnvelopeOf(err)}
	}
	res := new(plugin.InvokeResult)
	if err := json.Unmarshal(raw, res); err != nil {
		return &plugin.InvokeResult{Error: fault.EnvelopeOf(
			fault.Wrap(fault.KindUnknown, "undecodable invoke result", err))}
	}
	return res
}

// remoteJobs is the worker-side jobs surface, brokered by the parent.
type remoteJobs struct {
	client *bridge.Client
	desc   types.Descriptor
}

func (r *remoteJobs) Submit(ctx context.Context, req plugin.JobRequest) (plugin.JobHandle, error) {
	raw, err := r.client.Call(ctx, "jobs", "submit", r.desc, req)
	if err != nil {
		return nil, err
	}
	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "undecodable submit ack", err)
	}
	return &remoteJobHandle{client: r.client, id: ack.ID}, nil
}

func (r *remoteJobs) Schedule(ctx context.Context, req plugin.ScheduleRequest) (plugin.ScheduleHandle, error) {
	raw, err := r.client.Call(ctx, "jobs", "schedule", r.desc, req)
	if err != nil {
		return nil, err
	}
	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "undecodable schedule ack", err)
	}
	return &remoteScheduleHandle{client: r.client, id: ack.ID}, nil
}

type remoteJobHandle struct {
	client *bridge.Client
	id     string
}

func (h *remoteJobHandle) ID() string { return h.id }

func (h *remoteJobHandle) Status(ctx context.Context) (string, error) {
	raw, err := h.client.Call(ctx, "jobs", "status", h.id)
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fault.Wrap(fault.KindUnknown, "undecodable job status", err)
	}
	return out.Status, nil
}

func (h *remoteJobHandle) Cancel(ctx context.Context) error {
	_, err := h.client.Call(ctx, "jobs", "cancel", h.id)
	return err
}

// Await polls in bounded rounds so no single RPC outlives the call
// timeout, however long the job runs.
func (h *remoteJobHandle) Await(ctx context.Context) (*types.BackendResponse, error) {
	for {
		raw, err := h.client.Call(ctx, "jobs", "await", h.id, int64(awaitSliceMs))
		if err != nil {
			return nil, err
		}
		var out struct {
			Done     bool                   `json:"done"`
			Response *types.BackendResponse `json:"response,omitempty"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fault.Wrap(fault.KindUnknown, "undecodable await reply", err)
		}
		if out.Done {
			return out.Response, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fault.Normalize(err)
		}
	}
}

type remoteScheduleHandle struct {
	client *bridge.Client
	id     string
}

func (h *remoteScheduleHandle) ID() string { return h.id }

func (h *remoteScheduleHandle) Cancel(ctx context.Context) error {
	_, err := h.client.Call(ctx, "jobs", "cancelSchedule", h.id)
	return err
}

var (
	_ plugin.Invoker = (*remoteInvoker)(nil)
	_ plugin.Jobs    = (*remoteJobs)(nil)
)
