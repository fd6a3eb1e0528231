package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/ipc"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/types"
)

// Worker lifecycle timeouts.
const (
	// defaultStartupTimeout bounds the spawn-to-ready handshake.
	defaultStartupTimeout = 10 * time.Second
	// defaultHealthTimeout bounds one health probe round trip.
	defaultHealthTimeout = 5 * time.Second
	// abortGrace is how long an aborted worker gets to drain cleanups
	// and answer before it is killed.
	abortGrace = 5 * time.Second
)

// WorkerConfig spawns one worker process.
type WorkerConfig struct {
	// ID is the opaque worker identity, passed via KB_WORKER_ID.
	ID string
	// Command is the worker binary plus fixed arguments.
	Command []string
	// SocketPath is the platform RPC socket, passed via
	// KB_IPC_SOCKET_PATH.
	SocketPath string
	// SandboxMode is passed via KB_SANDBOX_MODE. Empty means enforce.
	SandboxMode string
	// StartupTimeout bounds the ready handshake. Zero means default.
	StartupTimeout time.Duration

	Logger *log.Logger
}

// execOutcome is one finished execution delivered by the read loop.
type execOutcome struct {
	res *types.ResultFrame
	err error
}

// WorkerProcess is the parent-side handle on one worker. The control
// channel is NDJSON over the child's stdin/stdout; the platform RPC
// socket is separate. One execution is in flight at a time.
type WorkerProcess struct {
	id     string
	cfg    WorkerConfig
	logger *log.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *ipc.Encoder

	mu      sync.Mutex
	state   types.WorkerState
	served  int64
	started time.Time
	pending chan execOutcome

	ready    chan struct{}
	healthOK chan int64
	// done closes when the process has exited and been reaped.
	done    chan struct{}
	exitErr error
}

// NewWorkerProcess builds the handle. Call Start to spawn.
func NewWorkerProcess(cfg WorkerConfig) *WorkerProcess {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SandboxMode == "" {
		cfg.SandboxMode = types.SandboxEnforce
	}
	return &WorkerProcess{
		id:       cfg.ID,
		cfg:      cfg,
		logger:   logger.Child(map[string]any{"workerId": cfg.ID}),
		state:    types.WorkerStarting,
		ready:    make(chan struct{}),
		healthOK: make(chan int64, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the worker identity.
func (w *WorkerProcess) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *WorkerProcess) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Served returns the number of completed executions.
func (w *WorkerProcess) Served() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.served
}

// Uptime returns time since the ready handshake completed.
func (w *WorkerProcess) Uptime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started.IsZero() {
		return 0
	}
	return time.Since(w.started)
}

// Done closes when the worker process has exited, for any reason.
func (w *WorkerProcess) Done() <-chan struct{} { return w.done }

// Start spawns the worker and waits for its ready frame. On any
// failure the process is killed and an error returned; the handle is
// not reusable.
func (w *WorkerProcess) Start(ctx context.Context) error {
	if len(w.cfg.Command) == 0 {
		return fault.New(fault.KindValidation, "worker command is not configured")
	}

	w.cmd = exec.Command(w.cfg.Command[0], w.cfg.Command[1:]...)
	w.cmd.Env = dedupeEnv(append(os.Environ(),
		types.EnvWorkerID+"="+w.id,
		types.EnvSocketPath+"="+w.cfg.SocketPath,
		types.EnvSandboxMode+"="+w.cfg.SandboxMode,
	))

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	w.stdin = stdin
	w.enc = ipc.NewEncoder(stdin)

	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	go w.drainStderr(stderr)
	go w.readLoop(stdout)

	startup := w.cfg.StartupTimeout
	if startup <= 0 {
		startup = defaultStartupTimeout
	}
	timer := time.NewTimer(startup)
	defer timer.Stop()

	select {
	case <-w.ready:
		w.mu.Lock()
		w.state = types.WorkerIdle
		w.started = time.Now()
		w.mu.Unlock()
		w.logger.Debug("worker ready", map[string]any{"pid": w.cmd.Process.Pid})
		return nil
	case <-w.done:
		return fault.Errorf(fault.KindWorkerCrashed, "worker %s exited before ready: %v", w.id, w.exitErr)
	case <-timer.C:
		_ = w.Kill()
		return fault.Errorf(fault.KindWorkerCrashed, "worker %s sent no ready within %s", w.id, startup)
	case <-ctx.Done():
		_ = w.Kill()
		return fault.Normalize(ctx.Err())
	}
}

// Execute dispatches one execution frame and waits for the outcome.
// On context expiry an abort frame is sent and the context verdict
// (TIMEOUT or ABORTED) is returned; a worker that stays silent past
// the abort grace is killed. A worker exit mid-flight is
// WORKER_CRASHED.
func (w *WorkerProcess) Execute(ctx context.Context, frame *types.ExecuteFrame) (*types.ResultFrame, error) {
	w.mu.Lock()
	if w.state != types.WorkerIdle {
		state := w.state
		w.mu.Unlock()
		return nil, fault.Errorf(fault.KindWorkerUnhealthy, "worker %s is %s, not idle", w.id, state)
	}
	w.state = types.WorkerBusy
	pending := make(chan execOutcome, 1)
	w.pending = pending
	w.mu.Unlock()

	frame.Type = types.FrameExecute
	if err := w.enc.Encode(frame); err != nil {
		_ = w.Kill()
		return nil, fault.Wrap(fault.KindWorkerCrashed, fmt.Sprintf("worker %s rejected execute frame", w.id), err)
	}

	select {
	case out := <-pending:
		w.finishExecution()
		return out.res, out.err
	case <-w.done:
		// Prefer a result that raced with the exit.
		select {
		case out := <-pending:
			w.finishExecution()
			return out.res, out.err
		default:
		}
		return nil, fault.Errorf(fault.KindWorkerCrashed, "worker %s exited mid-execution", w.id)
	case <-ctx.Done():
		return nil, w.abortExecution(ctx, pending)
	}
}

// abortExecution runs the abort handshake after the caller's context
// expired. The context verdict is the returned error either way.
func (w *WorkerProcess) abortExecution(ctx context.Context, pending chan execOutcome) error {
	verdict := fault.Normalize(ctx.Err())

	if err := w.enc.Encode(&types.AbortFrame{Type: types.FrameAbort, Reason: string(verdict.Kind)}); err != nil {
		_ = w.Kill()
		return verdict
	}

	timer := time.NewTimer(abortGrace)
	defer timer.Stop()

	select {
	case <-pending:
		// The worker confirmed with its own terminal frame; it stays
		// usable.
		w.finishExecution()
	case <-timer.C:
		w.logger.Warn("worker ignored abort, killing", map[string]any{"graceMs": abortGrace.Milliseconds()})
		_ = w.Kill()
	case <-w.done:
	}
	return verdict
}

func (w *WorkerProcess) finishExecution() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.served++
	w.pending = nil
	if w.state.CanTransition(types.WorkerIdle) {
		w.state = types.WorkerIdle
	}
}

// Health probes the worker. Only idle workers are probed; a busy
// worker is presumed alive by its in-flight execution.
func (w *WorkerProcess) Health(ctx context.Context) error {
	if err := w.enc.Encode(&types.HealthFrame{Type: types.FrameHealth}); err != nil {
		return fault.Wrap(fault.KindWorkerUnhealthy, fmt.Sprintf("worker %s rejected health frame", w.id), err)
	}

	timer := time.NewTimer(defaultHealthTimeout)
	defer timer.Stop()

	select {
	case <-w.healthOK:
		return nil
	case <-timer.C:
		return fault.Errorf(fault.KindWorkerUnhealthy, "worker %s health probe timed out", w.id)
	case <-w.done:
		return fault.Errorf(fault.KindWorkerCrashed, "worker %s exited", w.id)
	case <-ctx.Done():
		return fault.Normalize(ctx.Err())
	}
}

// Shutdown asks the worker to exit. Graceful shutdown lets the current
// execution finish within grace; expiry of ctx kills the process.
// Never returns an error for an already-dead worker.
func (w *WorkerProcess) Shutdown(ctx context.Context, graceful bool, grace time.Duration) error {
	w.mu.Lock()
	if w.state.CanTransition(types.WorkerDraining) {
		w.state = types.WorkerDraining
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	default:
	}

	if err := w.enc.Encode(&types.ShutdownFrame{
		Type:     types.FrameShutdown,
		Graceful: graceful,
		GraceMs:  grace.Milliseconds(),
	}); err != nil {
		return w.Kill()
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return w.Kill()
	}
}

// Kill terminates the process immediately. Idempotent.
func (w *WorkerProcess) Kill() error {
	if w.cmd != nil && w.cmd.Process != nil {
		if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

// readLoop demultiplexes worker-to-parent frames until the stream
// ends, then reaps the process and resolves anything pending as a
// crash.
func (w *WorkerProcess) readLoop(stdout io.Reader) {
	dec := ipc.NewDecoder(stdout)
	for {
		line, err := dec.ReadLine()
		if err != nil {
			break
		}
		typ, err := ipc.PeekType(line)
		if err != nil {
			w.logger.Warn("undecodable worker frame", map[string]any{"error": err.Error()})
			continue
		}
		switch typ {
		case types.FrameReady:
			select {
			case <-w.ready:
			default:
				close(w.ready)
			}
		case types.FrameHealthOK:
			var frame types.HealthOKFrame
			if err := unmarshalFrame(line, &frame); err != nil {
				continue
			}
			select {
			case w.healthOK <- frame.Served:
			default:
			}
		case types.FrameResult:
			frame := new(types.ResultFrame)
			if err := unmarshalFrame(line, frame); err != nil {
				w.deliver(execOutcome{err: fault.Wrap(fault.KindWorkerCrashed, "bad result frame", err)})
				continue
			}
			w.deliver(execOutcome{res: frame})
		case types.FrameError:
			var frame types.ErrorFrame
			if err := unmarshalFrame(line, &frame); err != nil {
				w.deliver(execOutcome{err: fault.Wrap(fault.KindWorkerCrashed, "bad error frame", err)})
				continue
			}
			w.deliver(execOutcome{err: frame.Error.Err()})
		default:
			w.logger.Warn("unexpected worker frame", map[string]any{"type": typ})
		}
	}

	err := w.reap()

	w.mu.Lock()
	w.state = types.WorkerStopped
	w.exitErr = err
	w.mu.Unlock()

	close(w.done)
}

// reap waits for process exit and captures the exit code.
func (w *WorkerProcess) reap() error {
	err := w.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := -1
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			code = status.ExitStatus()
		}
		w.logger.Debug("worker exited", map[string]any{"exitCode": code})
		return err
	}
	return err
}

// deliver hands an outcome to the pending execution, if any.
func (w *WorkerProcess) deliver(out execOutcome) {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	if pending != nil {
		pending <- out
	}
}

// drainStderr forwards worker stderr to the host log, line by line.
// Handler stdout is spoken for by the control channel; stderr is the
// worker's only free-form diagnostic stream.
func (w *WorkerProcess) drainStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			w.logger.Debug("worker stderr", map[string]any{"line": line})
		}
	}
}

func unmarshalFrame(line []byte, v any) error {
	return json.Unmarshal(line, v)
}

// dedupeEnv keeps the last occurrence of each key so the KB_* values
// appended for the worker win over inherited duplicates.
func dedupeEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
