package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/kilnbox/bridge"
	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/ipc"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/platform"
	"github.com/pithecene-io/kilnbox/plugin"
	"github.com/pithecene-io/kilnbox/sandbox"
	"github.com/pithecene-io/kilnbox/script"
	"github.com/pithecene-io/kilnbox/types"
)

// brokerCallTimeout bounds invoke and job calls back to the parent.
// These outlive the platform adapter default by design: a nested
// invocation runs a whole handler.
const brokerCallTimeout = 15 * time.Minute

// ServeOptions configures the worker-side serve loop.
type ServeOptions struct {
	// WorkerID, SocketPath, and SandboxMode come from the spawn
	// environment. ServeFromEnv fills blanks from KB_* variables.
	WorkerID    string
	SocketPath  string
	SandboxMode string

	// Registry serves handlers compiled into the worker binary.
	Registry *plugin.Registry
	// Scripts serves script handlers by path.
	Scripts *script.Engine

	// Platform overrides the socket-backed platform. Tests use this to
	// serve without a live socket; when set, no connection is dialed
	// and invoke/jobs are unavailable.
	Platform *platform.Platform

	Logger *log.Logger
}

// ServeFromEnv runs the serve loop on stdin/stdout with identity taken
// from the worker environment contract.
func ServeFromEnv(ctx context.Context, opts ServeOptions) error {
	if opts.WorkerID == "" {
		opts.WorkerID = os.Getenv(types.EnvWorkerID)
	}
	if opts.SocketPath == "" {
		opts.SocketPath = os.Getenv(types.EnvSocketPath)
	}
	if opts.SandboxMode == "" {
		opts.SandboxMode = os.Getenv(types.EnvSandboxMode)
	}
	return Serve(ctx, os.Stdin, os.Stdout, opts)
}

// inFrame is one decoded control line, typed but not yet unmarshaled.
type inFrame struct {
	typ  string
	line []byte
}

// workerServer is the child side of the worker protocol.
type workerServer struct {
	opts     ServeOptions
	logger   *log.Logger
	enc      *ipc.Encoder
	runner   *Runner
	platform *platform.Platform
	// broker carries invoke and job calls back to the parent on a
	// dedicated connection with a long call timeout.
	broker *bridge.Client
	served int64
}

// Serve speaks the worker control protocol on in/out until the parent
// closes the channel, a shutdown frame arrives, or ctx is done. It
// emits ready once the platform connection is up, then answers
// execute, health, shutdown, and abort frames.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if opts.WorkerID != "" {
		logger = logger.Child(map[string]any{"workerId": opts.WorkerID})
	}
	if opts.SandboxMode == "" {
		opts.SandboxMode = types.SandboxEnforce
	}

	s := &workerServer{
		opts:   opts,
		logger: logger,
		enc:    ipc.NewEncoder(out),
	}

	if opts.Platform != nil {
		s.platform = opts.Platform
	} else {
		if opts.SocketPath == "" {
			return fault.New(fault.KindValidation, "worker requires a platform socket path")
		}
		rpc, err := bridge.Dial(opts.SocketPath, bridge.ClientOptions{Logger: logger})
		if err != nil {
			return fmt.Errorf("platform socket: %w", err)
		}
		defer rpc.Close()

		broker, err := bridge.Dial(opts.SocketPath, bridge.ClientOptions{
			CallTimeout: brokerCallTimeout,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("broker socket: %w", err)
		}
		defer broker.Close()

		s.platform = bridge.NewPlatform(rpc, logger)
		s.broker = broker
	}

	s.runner = NewRunner(RunnerOptions{
		Registry: opts.Registry,
		Scripts:  opts.Scripts,
		Logger:   logger,
	})

	frames := make(chan inFrame, 4)
	go readFrames(in, frames, logger)

	if err := s.enc.Encode(&types.ReadyFrame{
		Type:     types.FrameReady,
		WorkerID: opts.WorkerID,
		PID:      os.Getpid(),
	}); err != nil {
		return fmt.Errorf("failed to send ready frame: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				// Parent closed the control channel.
				return nil
			}
			switch f.typ {
			case types.FrameExecute:
				if exit := s.serveExecute(ctx, f.line, frames); exit {
					return nil
				}
			case types.FrameHealth:
				s.reply(&types.HealthOKFrame{Type: types.FrameHealthOK, Served: s.served})
			case types.FrameShutdown:
				return nil
			case types.FrameAbort:
				s.logger.Debug("abort with nothing in flight", nil)
			default:
				s.logger.Warn("unexpected control frame", map[string]any{"type": f.typ})
			}
		}
	}
}

// serveExecute runs one execution while keeping the control channel
// responsive: abort cancels, graceful shutdown drains, health still
// answers. Returns true when the loop should exit after replying.
func (s *workerServer) serveExecute(ctx context.Context, line []byte, frames <-chan inFrame) (exit bool) {
	var frame types.ExecuteFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		s.reply(&types.ErrorFrame{
			Type:  types.FrameError,
			Error: fault.EnvelopeOf(fault.Wrap(fault.KindValidation, "undecodable execute frame", err)),
		})
		return false
	}

	execCtx, cancel := context.WithCancel(ctx)
	if frame.TimeoutMs > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(frame.TimeoutMs)*time.Millisecond)
	}
	defer cancel()

	type outcome struct {
		res *types.ResultFrame
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.runExecute(execCtx, &frame)
		done <- outcome{res: res, err: err}
	}()

	draining := false
	for {
		select {
		case o := <-done:
			s.served++
			if o.err != nil {
				s.reply(&types.ErrorFrame{Type: types.FrameError, Error: fault.EnvelopeOf(o.err)})
			} else {
				s.reply(o.res)
			}
			return draining
		case f, ok := <-frames:
			if !ok {
				// Parent gone; cancel and let the runner drain cleanups
				// before the process exits.
				cancel()
				<-done
				return true
			}
			switch f.typ {
			case types.FrameAbort:
				cancel()
			case types.FrameShutdown:
				var sd types.ShutdownFrame
				_ = json.Unmarshal(f.line, &sd)
				draining = true
				if !sd.Graceful {
					cancel()
				} else if sd.GraceMs > 0 {
					time.AfterFunc(time.Duration(sd.GraceMs)*time.Millisecond, cancel)
				}
			case types.FrameHealth:
				s.reply(&types.HealthOKFrame{Type: types.FrameHealthOK, Served: s.served})
			case types.FrameExecute:
				s.logger.Warn("execute while busy, dropped", nil)
			default:
				s.logger.Warn("unexpected control frame", map[string]any{"type": f.typ})
			}
		}
	}
}

// runExecute builds the sandbox and run spec for one execute frame and
// hands it to the runner.
func (s *workerServer) runExecute(ctx context.Context, frame *types.ExecuteFrame) (*types.ResultFrame, error) {
	var extraRoots []string
	if frame.HandlerPath != "" {
		extraRoots = append(extraRoots, filepath.Dir(frame.HandlerPath))
	}
	guard, err := sandbox.New(frame.Descriptor.Permissions, sandbox.Options{
		Cwd:        frame.Cwd,
		OutDir:     frame.OutDir,
		ExtraRoots: extraRoots,
		Mode:       s.opts.SandboxMode,
		PluginID:   frame.Descriptor.PluginID,
		RequestID:  frame.Descriptor.RequestID,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}

	spec := &RunSpec{
		Descriptor: frame.Descriptor,
		// HandlerPath arrives pre-resolved: absolute for script files,
		// the manifest-relative ref for compiled-in handlers.
		HandlerRef: types.HandlerRef{File: frame.HandlerPath, Export: frame.Export},
		Input:      frame.Input,
		Cwd:        frame.Cwd,
		OutDir:     frame.OutDir,
		Chain:      frame.Chain,
		Platform:   s.platform,
		Guard:      guard,
		Shell:      NewGuardedShell(guard, s.logger),
	}
	if s.broker != nil {
		spec.Invoker = &remoteInvoker{client: s.broker, desc: frame.Descriptor, chain: frame.Chain}
		spec.Jobs = &remoteJobs{client: s.broker, desc: frame.Descriptor}
	}

	res, err := s.runner.Run(ctx, spec)
	if err != nil {
		return nil, err
	}

	out := &types.ResultFrame{Type: types.FrameResult, Meta: &res.Meta}
	if oc, ok := res.Data.(*plugin.Outcome); ok {
		out.ExitCode = oc.ExitCode
	}
	if res.Data != nil {
		raw, err := json.Marshal(res.Data)
		if err != nil {
			return nil, fault.Wrap(fault.KindHandlerContract, "handler result does not serialize", err)
		}
		out.Result = raw
	}
	return out, nil
}

// reply encodes one frame to the parent. Encode failures mean the
// parent is gone; the read side will end the loop.
func (s *workerServer) reply(frame any) {
	if err := s.enc.Encode(frame); err != nil {
		s.logger.Warn("failed to write control frame", map[string]any{"error": err.Error()})
	}
}

// readFrames decodes control lines into typed frames until the stream
// ends. Lines are copied; the decoder reuses its buffer.
func readFrames(in io.Reader, frames chan<- inFrame, logger *log.Logger) {
	dec := ipc.NewDecoder(in)
	for {
		line, err := dec.ReadLine()
		if err != nil {
			close(frames)
			return
		}
		typ, err := ipc.PeekType(line)
		if err != nil {
			logger.Warn("undecodable control line", map[string]any{"error": err.Error()})
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		frames <- inFrame{typ: typ, line: buf}
	}
}
