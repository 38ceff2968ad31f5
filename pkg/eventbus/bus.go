// Package eventbus is an injectable, synchronous publish/subscribe component.
//
// Handlers are invoked on the publisher's goroutine in registration order, so
// events published in sequence by one goroutine reach every subscriber in that
// same sequence. Subscriptions are released through the function returned by
// Subscribe; Close drops every remaining subscription.
package eventbus

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"satukolab/pkg/protocol"
)

const wildcard protocol.Type = "*"

// Event is a decoded, validated event as seen by subscribers. Payload holds a
// pointer to the typed payload struct for Type (e.g. *protocol.TypingPayload).
type Event struct {
	Type       protocol.Type
	EntityType string
	EntityID   string
	UserID     string
	Seq        uint64
	Payload    any
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[protocol.Type][]subscription
	nextID uint64
	closed bool
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[protocol.Type][]subscription),
		logger: logger,
	}
}

// Subscribe registers h for events of type t and returns the function that
// removes it. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(t protocol.Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(t, id) })
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.Subscribe(wildcard, h)
}

func (b *Bus) unsubscribe(t protocol.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[t]) == 0 {
		delete(b.subs, t)
	}
}

// Publish dispatches e to the handlers for its type, then to wildcard
// handlers. A panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[e.Type]...)
	all := append([]subscription(nil), b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, s := range specific {
		b.safeCall(s.handler, e)
	}
	for _, s := range all {
		b.safeCall(s.handler, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(e.Type)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	h(e)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close removes all subscriptions; later Subscribe calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[protocol.Type][]subscription)
}
