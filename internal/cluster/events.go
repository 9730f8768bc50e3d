package cluster

import (
	"sync"

	"github.com/google/uuid"
)

// EventType classifies topology events.
type EventType int

const (
	ShardAdded EventType = iota
	ShardRemoved
	RingRebuilt
)

// Event describes one topology change.
type Event struct {
	Type      EventType
	ShardID   string // empty for RingRebuilt
	Timestamp int64
}

// EventBus is an in-process pub/sub bus for topology changes. Embedders
// subscribe to learn when shards join, leave, or the ring is republished
// (for cache invalidation, admin UIs, and the like).
type EventBus struct {
	subscribers sync.Map
	bufferSize  int
}

// NewEventBus creates an event bus whose subscriber channels buffer up to
// bufferSize events.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &EventBus{bufferSize: bufferSize}
}

// Publish sends an event to every matching subscriber. Non-blocking: a
// subscriber whose channel is full misses the event rather than stalling
// topology changes.
func (b *EventBus) Publish(ev Event) {
	b.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*subscriber)
		if sub.matches(ev.ShardID) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber. Shard-id prefixes filter the events
// delivered; no filters means every event. The returned id is the handle
// for Unsubscribe.
func (b *EventBus) Subscribe(filters ...string) (string, <-chan Event) {
	id := "sub_" + uuid.NewString()
	sub := &subscriber{
		filters: filters,
		ch:      make(chan Event, b.bufferSize),
	}
	b.subscribers.Store(id, sub)
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(id string) {
	if value, ok := b.subscribers.LoadAndDelete(id); ok {
		close(value.(*subscriber).ch)
	}
}

type subscriber struct {
	filters []string
	ch      chan Event
}

// matches reports whether the shard id passes the subscriber's filters.
// Events without a shard id (ring rebuilds) always pass.
func (s *subscriber) matches(shardID string) bool {
	if len(s.filters) == 0 || shardID == "" {
		return true
	}
	for _, f := range s.filters {
		if len(f) == 0 {
			return true
		}
		if len(shardID) >= len(f) && shardID[:len(f)] == f {
			return true
		}
	}
	return false
}
