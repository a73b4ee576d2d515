package helpx

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// BusEvent names an application-wide notification.
type BusEvent string

const (
	// EventFriendRequestsChanged tells badge/poller components to refresh.
	EventFriendRequestsChanged BusEvent = "friend-requests.changed"
	// EventGroupUpdated carries the raw payload of a group:update push.
	EventGroupUpdated BusEvent = "group.updated"
	// EventConnectionState carries a ConnectionChange.
	EventConnectionState BusEvent = "connection.state"
	// EventNotice carries a Notice meant for a transient toast.
	EventNotice BusEvent = "notice"
)

// BusHandler receives a published payload.
type BusHandler func(event BusEvent, payload any)

// Bus is an in-process publish/subscribe hub scoped to the application's
// lifetime. Handlers run synchronously on the publisher's goroutine and a
// panicking handler never takes down the publisher.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[BusEvent]map[uint64]BusHandler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[BusEvent]map[uint64]BusHandler)}
}

// Subscribe registers h for event and returns a func that removes it.
func (b *Bus) Subscribe(event BusEvent, h BusHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.listeners[event] == nil {
		b.listeners[event] = make(map[uint64]BusHandler)
	}
	b.listeners[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[event], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers payload to every handler subscribed to event.
func (b *Bus) Publish(event BusEvent, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]BusHandler, 0, len(b.listeners[event]))
	for _, h := range b.listeners[event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("bus handler for %s panicked: %v", event, r)
				}
			}()
			h(event, payload)
		}()
	}
}
