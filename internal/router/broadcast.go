package router

import (
	"sync"
	"sync/atomic"

	"github.com/meteo-x/marketfeed/internal/canonical"
)

// Broadcast is the Router's Broadcast sink (spec §4.5): fan-out to live
// subscribers (e.g. a UI), each with its own bounded queue so one slow
// subscriber cannot block another.
type Broadcast struct {
	mu          sync.RWMutex
	subscribers map[string]chan canonical.Record
	capacity    int
	dropped     atomic.Int64
}

func NewBroadcast(capacity int) *Broadcast {
	if capacity <= 0 {
		capacity = 256
	}
	return &Broadcast{subscribers: make(map[string]chan canonical.Record), capacity: capacity}
}

// Subscribe registers a new subscriber and returns its receive channel and
// an unsubscribe function.
func (b *Broadcast) Subscribe(id string) (<-chan canonical.Record, func()) {
	ch := make(chan canonical.Record, b.capacity)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return ch, func() { b.unsubscribe(id) }
}

func (b *Broadcast) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Sink adapts Broadcast into a router.SinkFunc for the Router's Broadcast
// channel. A full subscriber queue drops that subscriber's copy of the
// record rather than blocking the others.
func (b *Broadcast) Sink() SinkFunc {
	return func(rec canonical.Record) Result {
		b.mu.RLock()
		defer b.mu.RUnlock()
		for _, ch := range b.subscribers {
			select {
			case ch <- rec:
			default:
				b.dropped.Add(1)
			}
		}
		return Result{Success: true}
	}
}

// Dropped returns the lifetime count of per-subscriber drops.
func (b *Broadcast) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscribers.
func (b *Broadcast) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
