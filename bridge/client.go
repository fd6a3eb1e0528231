package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/kilnbox/ipc"
	"github.com/pithecene-io/kilnbox/log"
	"github.com/pithecene-io/kilnbox/metrics"
	"github.com/pithecene-io/kilnbox/types"
)

// DefaultCallTimeout bounds a single adapter call when the client
// options leave it unset.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("bridge: client closed")
	// ErrCallTimeout is returned when a call's deadline expires. The
	// connection stays usable; only the one call is rejected.
	ErrCallTimeout = errors.New("bridge: call timed out")
	// ErrConnectionLost is returned for calls pending when the
	// connection drops, and for calls made afterwards.
	ErrConnectionLost = errors.New("bridge: connection lost")
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// CallTimeout bounds each Call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      *log.Logger
	Metrics     *metrics.Collector
}

// Client is the worker-side end of the platform socket. One client
// serves arbitrarily many concurrent calls; responses are matched to
// callers by requestId.
type Client struct {
	conn    net.Conn
	enc     *ipc.Encoder
	timeout time.Duration
	logger  *log.Logger
	coll    *metrics.Collector

	mu       sync.Mutex
	pending  map[string]chan *types.AdapterResponse
	closed   bool
	closeErr error

	// done is closed when the read loop exits, for any reason.
	done chan struct{}
}

// Dial connects to the platform socket and starts the response reader.
func Dial(socketPath string, opts ClientOptions) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial platform socket %s: %w", socketPath, err)
	}

	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	c := &Client{
		conn:    conn,
		enc:     ipc.NewEncoder(conn),
		timeout: timeout,
		logger:  logger,
		coll:    opts.Metrics,
		pending: make(map[string]chan *types.AdapterResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call invokes adapter.method with positional args and returns the raw
// result. Errors from the host side come back as *fault.Error; local
// failures wrap one of the package sentinels.
func (c *Client) Call(ctx context.Context, adapter, method string, args ...any) (json.RawMessage, error) {
	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", adapter, method, err)
	}

	id := uuid.NewString()
	ch := make(chan *types.AdapterResponse, 1)

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%s.%s: %w", adapter, method, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.coll.IncBridgeCall()

	call := &types.AdapterCall{
		Type:      types.FrameAdapterCall,
		RequestID: id,
		Adapter:   adapter,
		Method:    method,
		Args:      rawArgs,
	}
	if err := c.enc.Encode(call); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%s.%s: failed to send call: %w", adapter, method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return unpackResponse(resp)
	case <-timer.C:
		c.forget(id)
		c.coll.IncBridgeTimeout()
		return nil, fmt.Errorf("%s.%s after %s: %w", adapter, method, c.timeout, ErrCallTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%s.%s: %w", adapter, method, ctx.Err())
	case <-c.done:
		// A response may have raced in just before the loop exited.
		select {
		case resp := <-ch:
			return unpackResponse(resp)
		default:
		}
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionLost
		}
		return nil, fmt.Errorf("%s.%s: %w", adapter, method, err)
	}
}

// Close shuts the connection down and wakes every pending call.
// Idempotent; the first call's result stands.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	if c.closeErr == nil {
		c.closeErr = ErrClientClosed
	}
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	dec := ipc.NewDecoder(c.conn)
	for {
		resp := new(types.AdapterResponse)
		if err := dec.Decode(resp); err != nil {
			if errors.Is(err, io.EOF) || ipc.IsFatalLineError(err) || errors.Is(err, net.ErrClosed) {
				break
			}
			var lineErr *ipc.LineError
			if errors.As(err, &lineErr) {
				c.logger.Warn("skipping undecodable rpc line", map[string]any{"error": err.Error()})
				continue
			}
			break
		}
		if resp.Type != types.FrameAdapterResponse {
			c.logger.Warn("unexpected frame on rpc socket", map[string]any{"type": resp.Type})
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()

		if !ok {
			// The caller timed out or canceled; drop the late reply.
			c.logger.Debug("dropped late adapter response", map[string]any{"requestId": resp.RequestID})
			continue
		}
		ch <- resp
	}

	c.conn.Close()
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = ErrConnectionLost
	}
	c.pending = nil
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func unpackResponse(resp *types.AdapterResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	return resp.Result, nil
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}
