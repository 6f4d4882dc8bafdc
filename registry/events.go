package registry

import (
	"sync"

	"github.com/BaSui01/llmlb/types"
)

// EventKind classifies a registry change event.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventUpdated       EventKind = "updated"
	EventDeleted       EventKind = "deleted"
	EventStatusChanged EventKind = "status_changed"
)

// Event is a registry change notification. Endpoint is a copy taken at emit
// time; subscribers may keep it without locking.
type Event struct {
	Kind     EventKind
	Endpoint types.Endpoint

	// PreviousStatus is set for status_changed events.
	PreviousStatus types.EndpointStatus
}

// eventBus fans registry events out to subscribers. Slow subscribers drop
// events rather than stalling the registry.
type eventBus struct {
	mu   sync.RWMutex
	subs []chan Event
}

const subscriberBuffer = 64

func (b *eventBus) subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
