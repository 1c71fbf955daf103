// Package eventbus provides the process-wide publish/subscribe bus for
// protocol events (spec §4.1). It is orthogonal to the per-command
// correlation machinery in pkg/protocol: this bus is how uncorrelated
// events reach "subscribe to everything" observers such as the HTTP
// /event SSE endpoint, independent of which command produced them.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/amplifier-run/runtime/pkg/protocol"
)

// Subscriber receives published events. A panicking or slow subscriber
// never blocks or crashes other subscribers or the publisher.
type Subscriber func(protocol.Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is an in-process pub/sub for protocol.Event, keyed by event type
// plus a wildcard subscription list.
type Bus struct {
	mu sync.RWMutex

	// pubsub backs the bus with watermill's in-memory channel
	// implementation; the direct subscriber map below preserves typed
	// dispatch semantics while pubsub remains available for future
	// middleware (metrics, replay) without touching call sites.
	pubsub *gochannel.GoChannel

	byType map[string][]subscriberEntry
	all    []subscriberEntry
	nextID uint64
	closed bool
}

// New creates a new, independent event bus instance. The session
// manager and each test construct their own Bus rather than sharing a
// package-level singleton (spec §9 design notes: "global state").
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          false,
		}, watermill.NopLogger{}),
		byType: make(map[string][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for events of the given type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.byType[eventType] = append(b.byType[eventType], subscriberEntry{id, fn})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeAll registers fn for every event published, regardless of type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.all = append(b.all, subscriberEntry{id, fn})
	return func() { b.unsubscribeAll(id) }
}

func (b *Bus) unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[eventType]
	for i, e := range subs {
		if e.id == id {
			b.byType[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeAll(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.all {
		if e.id == id {
			b.all = append(b.all[:i:i], b.all[i+1:]...)
			return
		}
	}
}

// snapshot returns the subscribers that should see an event of the
// given type, copied out from under the lock so handlers can freely
// (un)subscribe re-entrantly.
func (b *Bus) snapshot(eventType string) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.byType[eventType])+len(b.all))
	for _, e := range b.byType[eventType] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.all {
		subs = append(subs, e.fn)
	}
	return subs
}

// Publish dispatches an event to all matching subscribers. A failing
// subscriber (panic) is isolated and does not affect others or the
// publisher.
func (b *Bus) Publish(e protocol.Event) {
	for _, sub := range b.snapshot(e.Type) {
		go safeDispatch(sub, e)
	}
}

// PublishSync dispatches synchronously, for tests and for transports
// that need publish-then-assume-delivered ordering.
func (b *Bus) PublishSync(e protocol.Event) {
	for _, sub := range b.snapshot(e.Type) {
		safeDispatch(sub, e)
	}
}

func safeDispatch(sub Subscriber, e protocol.Event) {
	defer func() { _ = recover() }()
	sub(e)
}

// Close shuts the bus down; further Publish/Subscribe calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.byType = make(map[string][]subscriberEntry)
	b.all = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
