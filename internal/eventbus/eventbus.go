// Package eventbus is the in-process fan-out dispatcher used by the
// in-memory storage adapter (and available to any adapter that wants
// synchronous local fan-out in addition to its network transport). Each
// Publish runs every handler in its own goroutine and returns once all of
// them have returned, so a slow subscriber delays the publisher; every
// invocation is wrapped in a recover so a panicking handler cannot take down
// the bus.
package eventbus

import (
	"sync"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
)

// Handler receives every event published after it subscribes.
type Handler func(domain.Event)

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe.
type Subscription uint64

// Bus is a synchronous, best-effort, fan-out-to-all event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Subscription]Handler
	nextID   Subscription
	log      obslog.Logger
	metrics  *obsmetrics.Metrics
}

// New returns an empty Bus.
func New(log obslog.Logger) *Bus {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Bus{handlers: make(map[Subscription]Handler), log: log}
}

// SetMetrics attaches a metrics bundle so every panicking subscriber is
// counted. Optional; a Bus with no metrics attached just logs.
func (b *Bus) SetMetrics(m *obsmetrics.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// Subscribe registers handler to receive every subsequently published
// event, returning a Subscription usable with Unsubscribe.
func (b *Bus) Subscribe(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	return id
}

// Unsubscribe removes a subscription. Idempotent: unsubscribing an unknown
// or already-removed id is a no-op.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish invokes every current subscriber with evt, each in its own
// goroutine, and waits for all of them to return. A panicking handler is
// recovered and logged and does not prevent other handlers from receiving
// the event.
func (b *Bus) Publish(evt domain.Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	metrics := b.metrics
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range snapshot {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Errorw("subscriber handler panicked", "recover", r)
					if metrics != nil {
						metrics.SubscriberFailures.Inc()
					}
				}
			}()
			h(evt)
		}(h)
	}
	wg.Wait()
}

// Count returns the number of active subscriptions, for diagnostics/tests.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
