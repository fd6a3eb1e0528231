package platform

import (
	"context"
	"encoding/json"
	"sync"
)

// Events is a broadcast bus. Delivery is best-effort: there is no
// persistence and no replay; subscribers present at publish time get
// the payload, nobody else does.
type Events interface {
	Publish(ctx context.Context, channel string, payload json.RawMessage) error
	// Subscribe registers fn for payloads on channel and returns an
	// unsubscribe func. Unsubscribing twice is harmless.
	Subscribe(channel string, fn func(payload json.RawMessage)) (func(), error)
}

type subscriber struct {
	id int64
	fn func(json.RawMessage)
}

// MemoryEvents is the in-process bus. Publish runs every subscriber
// callback synchronously in publish order; a panicking subscriber is
// logged and does not stop delivery.
type MemoryEvents struct {
	mu       sync.Mutex
	nextID   int64
	channels map[string][]subscriber
	logger   Logger
}

// NewMemoryEvents creates an empty in-process bus.
func NewMemoryEvents(logger Logger) *MemoryEvents {
	if logger == nil {
		logger = WrapLogger(nil)
	}
	return &MemoryEvents{channels: make(map[string][]subscriber), logger: logger}
}

func (e *MemoryEvents) Publish(ctx context.Context, channel string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	subs := make([]subscriber, len(e.channels[channel]))
	copy(subs, e.channels[channel])
	e.mu.Unlock()

	for _, sub := range subs {
		e.deliver(channel, sub, payload)
	}
	return nil
}

func (e *MemoryEvents) deliver(channel string, sub subscriber, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked", map[string]any{
				"channel": channel,
				"panic":   r,
			})
		}
	}()
	sub.fn(payload)
}

func (e *MemoryEvents) Subscribe(channel string, fn func(json.RawMessage)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.channels[channel] = append(e.channels[channel], subscriber{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.channels[channel]
		for i, s := range subs {
			if s.id == id {
				e.channels[channel] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

var _ Events = (*MemoryEvents)(nil)
