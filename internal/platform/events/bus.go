// Package events provides the in-process event bus that decouples the
// migration orchestrator from notification and audit delivery transports.
// Consumers subscribe to event types and receive events on buffered channels;
// delivery is best-effort and never blocks a publishing pipeline.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies a migration lifecycle event.
type Type string

const (
	TypePipelineCreated     Type = "pipeline_created"
	TypeProgressUpdated     Type = "progress_updated"
	TypeMigrationCompleted  Type = "migration_completed"
	TypeMigrationFailed     Type = "migration_failed"
	TypeMigrationPaused     Type = "migration_paused"
	TypeMigrationResumed    Type = "migration_resumed"
	TypeMigrationRolledBack Type = "migration_rolled_back"
)

// Event is a single migration lifecycle notification.
type Event struct {
	Type       Type                   `json:"type"`
	PipelineID uuid.UUID              `json:"pipeline_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Publisher is the interface the orchestrator and progress tracker publish
// through. Delivery transports (SSE, email, audit log) live behind it.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscription is a single consumer's view of the bus.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	types map[Type]bool // empty means all types
	bus   *Bus
	once  sync.Once
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Bus is an in-process fan-out of migration events. All operations are
// thread-safe via sync.RWMutex. A subscriber whose buffer is full misses the
// event rather than stalling pipeline execution; Dropped reports how many.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewBus creates a Bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a consumer for the given event types. With no types the
// subscription receives every event.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, types: make(map[Type]bool, len(types))}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// NopPublisher discards all events. Used where no delivery transport is wired.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
