package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"apistudio/internal/domain"
)

// subscriberBuffer is the per-subscriber queue depth. Publish blocks when a
// subscriber falls this far behind rather than dropping or reordering.
const subscriberBuffer = 64

type envelope struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns a serial delivery queue. One goroutine drains it, so a
// subscriber observes events in exactly the order they were published.
type subscription struct {
	id uint64
	ch chan envelope
}

// Bus is an in-process, goroutine-safe event bus. It fans session, stream
// and compile events out to the TUI and to log subscribers. Delivery to any
// single subscriber is strictly in publish order; a stream delta can never
// overtake the completion that follows it.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

var _ domain.EventBus = (*Bus)(nil)

// Publish fans an event out to matching typed subscribers and all-event
// subscribers. Each subscriber's queue is fed in publish order; handler
// panics are recovered inside the subscriber's delivery goroutine.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	// Re-check under the lock: Close marks the bus closed before it closes
	// the queues, so a publish that raced past the first check stops here.
	if b.closed.Load() {
		return
	}

	env := envelope{ctx: ctx, event: event}
	for _, sub := range b.typed[event.Type] {
		sub.ch <- env
	}
	for _, sub := range b.allSubs {
		sub.ch <- env
	}
}

// newSubscription spawns the serial delivery goroutine for handler.
func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id: b.nextID.Add(1),
		ch: make(chan envelope, subscriberBuffer),
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for env := range sub.ch {
			b.invoke(env.ctx, env.event, handler)
		}
	}()
	return sub
}

func (b *Bus) invoke(ctx context.Context, event domain.Event, handler domain.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	handler(ctx, event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
}

// Close prevents new publishes, closes every subscriber queue and waits for
// queued events to finish delivering. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for _, subs := range b.typed {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.typed = make(map[domain.EventType][]*subscription)
	for _, s := range b.allSubs {
		close(s.ch)
	}
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
