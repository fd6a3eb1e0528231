// Package bridge carries platform calls between a worker process and
// the host over a unix-domain socket.
//
// The wire format is newline-delimited JSON (package ipc): workers send
// adapter:call frames, the host answers with adapter:response frames
// matched by requestId. Responses may arrive out of order; the client
// multiplexes by id. The Server side dispatches to registered adapter
// handlers, one reader goroutine per connection and one goroutine per
// in-flight call.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"

	"github.com/pithecene-io/kilnbox/fault"
	"github.com/pithecene-io/kilnbox/ipc"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/types"
)

// Handler serves one adapter's methods. Args arrive positionally as raw
// JSON; the returned value is marshaled into the response result.
type Handler func(ctx context.Context, method string, args []json.RawMessage) (any, error)

// ServerOptions configures a Server.
type ServerOptions struct {
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Server listens on a unix socket and dispatches adapter calls.
type Server struct {
	path   string
	logger *log.Logger
	coll   *metrics.Collector

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a server for the given socket path. Call Register
// for each adapter, then Start.
func NewServer(socketPath string, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:     socketPath,
		logger:   logger,
		coll:     opts.Metrics,
		baseCtx:  ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path the server binds.
func (s *Server) Path() string { return s.path }

// Register installs the handler for an adapter name, replacing any
// previous registration. Safe to call after Start.
func (s *Server) Register(adapter string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[adapter] = h
}

// Start binds the socket and begins accepting connections. A stale
// socket file from a previous run is unlinked first. The socket is
// opened to mode 0666 because sandboxed workers may run as another uid.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("bridge: server closed")
	}
	if s.listener != nil {
		return errors.New("bridge: server already started")
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("failed to chmod socket %s: %w", s.path, err)
	}

	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Debug("platform socket listening", map[string]any{"path": s.path})
	return nil
}

// Close stops accepting, closes live connections, and waits for
// in-flight calls to finish writing. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()

	var first error
	if ln != nil {
		if err := ln.Close(); err != nil {
			first = err
		}
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return first
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", map[string]any{"error": err.Error()})
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	dec := ipc.NewDecoder(conn)
	enc := ipc.NewEncoder(conn)

	// In-flight calls write through enc; wait for them before the
	// deferred conn.Close runs.
	var calls sync.WaitGroup
	defer calls.Wait()

	for {
		var call types.AdapterCall
		if err := dec.Decode(&call); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if ipc.IsFatalLineError(err) || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("rpc connection closed", map[string]any{"error": err.Error()})
				return
			}
			// One undecodable line; the stream is still framed.
			s.logger.Warn("skipping undecodable rpc line", map[string]any{"error": err.Error()})
			continue
		}
		if call.Type != types.FrameAdapterCall {
			s.logger.Warn("unexpected frame on rpc socket", map[string]any{"type": call.Type})
			continue
		}

		calls.Add(1)
		go func() {
			defer calls.Done()
			s.dispatch(enc, call)
		}()
	}
}

func (s *Server) dispatch(enc *ipc.Encoder, call types.AdapterCall) {
	s.coll.IncBridgeCall()

	resp := types.AdapterResponse{
		Type:      types.FrameAdapterResponse,
		RequestID: call.RequestID,
	}

	result, err := s.invoke(call)
	if err == nil {
		var raw json.RawMessage
		raw, err = json.Marshal(result)
		if err != nil {
			err = fault.Wrap(fault.KindUnknown, "failed to encode adapter result", err)
		} else {
			resp.Result = raw
		}
	}
	if err != nil {
		s.coll.IncBridgeError()
		resp.Error = fault.EnvelopeOf(err)
	}

	if err := enc.Encode(&resp); err != nil {
		s.logger.Warn("failed to write adapter response", map[string]any{
			"adapter": call.Adapter,
			"method":  call.Method,
			"error":   err.Error(),
		})
	}
}

func (s *Server) invoke(call types.AdapterCall) (result any, err error) {
	s.mu.Lock()
	h := s.handlers[call.Adapter]
	s.mu.Unlock()

	if h == nil {
		return nil, fault.Errorf(fault.KindValidation, "unknown adapter %q", call.Adapter)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fault.FromPanic(r)
		}
	}()
	return h(s.baseCtx, call.Method, call.Args)
}
