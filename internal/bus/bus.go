package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace
// filtering. Subscriptions are keyed by a monotonically increasing integer
// id and stamped with their creation time so that an abandoned handler
// (one whose owner never called unsubscribe) can be swept by age.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	handler   Handler
	createdAt time.Time
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers an event to every handler whose namespace is a prefix
// of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	var matched []Handler
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(evt)
	}
}

// Subscribe registers a handler for events matching the given namespace
// prefix. The returned unsubscribe function is idempotent; calling it
// after the subscription is gone is a no-op.
func (b *Bus) Subscribe(namespace string, h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{
		namespace: namespace,
		handler:   h,
		createdAt: time.Now(),
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// SweepOlderThan removes subscriptions created more than maxAge ago and
// returns how many were dropped.
func (b *Bus) SweepOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, sub := range b.subs {
		if sub.createdAt.Before(cutoff) {
			delete(b.subs, id)
			dropped++
		}
	}
	return dropped
}

// StartSweeper sweeps aged subscriptions every interval until ctx is
// cancelled. Protects against callers that subscribe and never clean up.
func (b *Bus) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.SweepOlderThan(maxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}
