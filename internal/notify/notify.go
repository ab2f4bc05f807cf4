// Package notify provides best-effort wake-up notifications keyed by resource
// name. Waiters use them to retry promptly after a release; correctness never
// depends on delivery, so lost or duplicate notifications are harmless.
package notify

import (
	"context"
	"sync"
)

// Notifier publishes and subscribes to per-resource wake-ups.
type Notifier interface {
	Publish(ctx context.Context, resource string) error
	// Subscribe returns a channel that receives at least one value after any
	// Publish for resource, and a cancel func that must be called to release it.
	Subscribe(ctx context.Context, resource string) (<-chan struct{}, func(), error)
}

// InMemory is an in-process Notifier.
type InMemory struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *InMemory) Publish(_ context.Context, resource string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[resource] {
		select {
		case ch <- struct{}{}:
		default: // already pending
		}
	}
	return nil
}

func (b *InMemory) Subscribe(_ context.Context, resource string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	set, ok := b.subs[resource]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.subs[resource] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[resource]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, resource)
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for resource.
func (b *InMemory) Subscribers(resource string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[resource])
}

// Nop drops every notification. Waiters fall back to polling.
type Nop struct{}

func (Nop) Publish(context.Context, string) error { return nil }

func (Nop) Subscribe(context.Context, string) (<-chan struct{}, func(), error) {
	return nil, func() {}, nil
}
