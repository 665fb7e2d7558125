package events

import (
	"context"
	"sync"
	"time"

	"github.com/dontdude/rabbitq/internal/domain"
)

// MemoryBus delivers events to subscribers in the same process.
// Slow subscribers drop events rather than block publishers.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[chan domain.JobEvent]struct{}
	buffer int
}

var _ domain.EventBus = (*MemoryBus)(nil)

// NewMemoryBus returns a bus whose subscriptions buffer up to buffer events.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer < 0 {
		buffer = 0
	}
	return &MemoryBus{
		subs:   make(map[chan domain.JobEvent]struct{}),
		buffer: buffer,
	}
}

func (b *MemoryBus) Broadcast(ctx context.Context, ev domain.JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription that ends when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan domain.JobEvent, error) {
	ch := make(chan domain.JobEvent, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Nop discards every event.
type Nop struct{}

var _ domain.EventBus = Nop{}

func (Nop) Broadcast(context.Context, domain.JobEvent) error { return nil }

// Subscribe returns a channel that closes when ctx is done.
func (Nop) Subscribe(ctx context.Context) (<-chan domain.JobEvent, error) {
	ch := make(chan domain.JobEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
