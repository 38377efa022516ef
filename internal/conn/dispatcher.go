package conn

import (
	"sync"

	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/logger"
)

// Subscription is the handle returned by Subscribe. Every subscriber owns its
// disposal: Unsubscribe on teardown prevents handler leaks across remounts.
type Subscription struct {
	d    *dispatcher
	typ  event.Type
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.d.remove(s.typ, s.id) })
}

type handlerEntry struct {
	id uint64
	fn func(event.Envelope)
}

// dispatcher fans envelopes out to subscribers. Registrations are additive
// and fire in registration order for a given event type; no ordering is
// guaranteed between different event types.
type dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[event.Type][]handlerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[event.Type][]handlerEntry)}
}

func (d *dispatcher) subscribe(t event.Type, fn func(event.Envelope)) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[t] = append(d.handlers[t], handlerEntry{id: id, fn: fn})
	return &Subscription{d: d, typ: t, id: id}
}

func (d *dispatcher) remove(t event.Type, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[t]
	for i, e := range entries {
		if e.id == id {
			d.handlers[t] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[event.Type][]handlerEntry)
}

func (d *dispatcher) dispatch(env event.Envelope) {
	d.mu.RLock()
	entries := make([]handlerEntry, len(d.handlers[env.Type]))
	copy(entries, d.handlers[env.Type])
	d.mu.RUnlock()

	// A panicking handler must not take down the read pump.
	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("conn: handler panic type=%s: %v", env.Type, r)
				}
			}()
			e.fn(env)
		}()
	}
}
