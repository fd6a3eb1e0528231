package types

import (
	"encoding/json"

	"github.com/pithecene-io/kilnbox/fault"
)

// Platform RPC frame type discriminants.
const (
	FrameAdapterCall     = "adapter:call"
	FrameAdapterResponse = "adapter:response"
)

// Worker control frame type discriminants, parent to worker.
const (
	FrameExecute  = "execute"
	FrameHealth   = "health"
	FrameShutdown = "shutdown"
	FrameAbort    = "abort"
)

// Worker control frame type discriminants, worker to parent.
const (
	FrameReady    = "ready"
	FrameResult   = "result"
	FrameError    = "error"
	FrameHealthOK = "healthOk"
)

// Worker environment contract. The parent sets these before spawning
// a worker process.
const (
	EnvWorkerID    = "KB_WORKER_ID"
	EnvSocketPath  = "KB_IPC_SOCKET_PATH"
	EnvSandboxMode = "KB_SANDBOX_MODE"
	// EnvLogLevel is inherited, not set per worker: exporting it on
	// the parent quiets or loudens the whole pool.
	EnvLogLevel = "KB_LOG_LEVEL"
)

// Sandbox modes carried in EnvSandboxMode.
const (
	SandboxEnforce = "enforce"
	SandboxCompat  = "compat"
)

// AdapterCall is a client-to-server platform RPC request.
// Args are positional and decoded per method by the serving adapter.
type AdapterCall struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Adapter   string            `json:"adapter"`
	Method    string            `json:"method"`
	Args      []json.RawMessage `json:"args"`
}

// AdapterResponse is a server-to-client platform RPC reply, matched to
// its call by RequestID. Exactly one of Result or Error is set.
type AdapterResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *fault.Envelope `json:"error,omitempty"`
}

// ExecuteFrame instructs a worker to run one handler invocation.
type ExecuteFrame struct {
	Type        string          `json:"type"`
	Descriptor  Descriptor      `json:"descriptor"`
	HandlerPath string          `json:"handlerPath"`
	Export      string          `json:"export,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	SocketPath  string          `json:"socketPath"`
	Cwd         string          `json:"cwd,omitempty"`
	OutDir      string          `json:"outdir,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs,omitempty"`
	Chain       *ChainState     `json:"chain,omitempty"`
}

// HealthFrame probes worker liveness.
type HealthFrame struct {
	Type string `json:"type"`
}

// ShutdownFrame asks a worker to exit. Graceful shutdown lets the
// current execution finish within GraceMs; otherwise the worker exits
// immediately.
type ShutdownFrame struct {
	Type     string `json:"type"`
	Graceful bool   `json:"graceful,omitempty"`
	GraceMs  int64  `json:"graceMs,omitempty"`
}

// AbortFrame cancels the in-flight execution on a worker.
type AbortFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ReadyFrame signals that a worker finished setup and accepts work.
type ReadyFrame struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

// ResultFrame carries a successful handler result back to the parent.
type ResultFrame struct {
	Type     string          `json:"type"`
	ExitCode int             `json:"exitCode"`
	Result   json.RawMessage `json:"result,omitempty"`
	Meta     *ExecutionMeta  `json:"meta,omitempty"`
}

// ErrorFrame carries a failed handler result back to the parent.
type ErrorFrame struct {
	Type  string          `json:"type"`
	Error *fault.Envelope `json:"error"`
}

// HealthOKFrame answers a HealthFrame.
type HealthOKFrame struct {
	Type   string `json:"type"`
	Served int64  `json:"served,omitempty"`
}
