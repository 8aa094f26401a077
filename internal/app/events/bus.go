// Package events provides the in-process engine event bus and the websocket
// fan-out used by off-chain indexers.
package events

import (
	"sync"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

// Bus is a non-blocking in-process publish/subscribe fan-out. Slow
// subscribers drop events rather than stalling the engine; the persisted
// event log is the source of truth for indexers that must not miss any.
type Bus struct {
	log *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan event.Event
}

// NewBus returns an empty bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Bus{
		log:  log,
		subs: make(map[int]chan event.Event),
	}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// the receive channel plus a cancel function. Cancelling closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan event.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan event.Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(evt event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.log.Warnf("subscriber %d lagging; dropping event %s", id, evt.ID)
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
