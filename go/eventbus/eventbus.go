// Package eventbus is a small synchronous-dispatch, asynchronous-delivery pub/sub bus:
// handlers registered with SubscribeAsync run on their own goroutine per event, the same
// shape the teacher's go/eventbus gives machine/go/test_machine_monitor for broadcasting
// description changes. The GCS object-change-notification half of the teacher's package
// (RegisterStorageEvents, StorageEvent, NotificationsMap) has no counterpart in this
// agent, which has no GCS dependency, so it is not carried.
package eventbus

import "sync"

// Handler receives the data passed to Publish for the channel it was subscribed to.
type Handler func(e interface{})

// EventBus dispatches published events to every handler subscribed to the same channel
// name. It is safe for concurrent use.
type EventBus struct {
	mtx      sync.RWMutex
	handlers map[string][]Handler
}

// New returns an empty EventBus.
func New() *EventBus {
	return &EventBus{handlers: map[string][]Handler{}}
}

// SubscribeAsync registers fn to be invoked, on its own goroutine, whenever channel is
// published to.
func (b *EventBus) SubscribeAsync(channel string, fn Handler) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.handlers[channel] = append(b.handlers[channel], fn)
}

// Publish delivers data to every handler subscribed to channel. If sync is true, Publish
// blocks until every handler has returned; otherwise each handler runs on its own
// goroutine and Publish returns immediately.
func (b *EventBus) Publish(channel string, data interface{}, sync bool) {
	b.mtx.RLock()
	handlers := append([]Handler(nil), b.handlers[channel]...)
	b.mtx.RUnlock()

	if len(handlers) == 0 {
		return
	}

	if sync {
		var wg sync.WaitGroup
		wg.Add(len(handlers))
		for _, h := range handlers {
			go func(h Handler) {
				defer wg.Done()
				h(data)
			}(h)
		}
		wg.Wait()
		return
	}

	for _, h := range handlers {
		go h(data)
	}
}
