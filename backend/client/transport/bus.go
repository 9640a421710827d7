package transport

import (
	"sync"

	"github.com/adwski/storyboard-relay/backend/model"
)

// Handler receives envelopes dispatched for the event it was registered on.
type Handler func(env model.Envelope)

// Subscription identifies a registered handler so it can be removed with Off.
type Subscription struct {
	event string
	id    uint64
}

func (s Subscription) Event() string {
	return s.event
}

type entry struct {
	id   uint64
	once bool
	h    Handler
}

// Bus is a subscription table keyed by event name.
// Handlers run on the dispatching goroutine in registration order.
type Bus struct {
	mx   sync.Mutex
	seq  uint64
	subs map[string][]entry
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]entry)}
}

func (b *Bus) On(event string, h Handler) Subscription {
	return b.add(event, h, false)
}

// Once registers h for the next envelope of event only.
func (b *Bus) Once(event string, h Handler) Subscription {
	return b.add(event, h, true)
}

func (b *Bus) add(event string, h Handler, once bool) Subscription {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.seq++
	b.subs[event] = append(b.subs[event], entry{id: b.seq, once: once, h: h})
	return Subscription{event: event, id: b.seq}
}

// Off removes the handler. Removing twice is a no-op.
func (b *Bus) Off(s Subscription) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.remove(s)
}

func (b *Bus) remove(s Subscription) bool {
	list := b.subs[s.event]
	for i := range list {
		if list[i].id == s.id {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.subs, s.event)
			} else {
				b.subs[s.event] = list
			}
			return true
		}
	}
	return false
}

// Len returns the number of handlers registered for event.
func (b *Bus) Len(event string) int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.subs[event])
}

// Dispatch runs every handler of env.Event and returns how many ran.
func (b *Bus) Dispatch(env model.Envelope) int {
	b.mx.Lock()
	list := make([]entry, len(b.subs[env.Event]))
	copy(list, b.subs[env.Event])
	b.mx.Unlock()

	var n int
	for _, e := range list {
		if e.once {
			b.mx.Lock()
			removed := b.remove(Subscription{event: env.Event, id: e.id})
			b.mx.Unlock()
			if !removed {
				continue
			}
		} else if !b.active(env.Event, e.id) {
			// removed by an earlier handler of this dispatch
			continue
		}
		e.h(env)
		n++
	}
	return n
}

func (b *Bus) active(event string, id uint64) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	for _, e := range b.subs[event] {
		if e.id == id {
			return true
		}
	}
	return false
}
