package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/scenesync/scenesync/internal/types"
)

// Event is an inbound server event delivered to registered handlers. Sender
// identity is stamped by the server, so handlers may trust it.
type Event struct {
	Name      string
	Sender    types.User
	RoomId    string
	Timestamp time.Time
	Data      json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type Handler func(Event)

// Subscription identifies one registered handler for removal via Off.
type Subscription struct {
	event string
	id    int
}

// dispatcher is a per-event-name handler registry. Handlers run on the
// session's event loop goroutine, so they must not block.
type dispatcher struct {
	mu       sync.RWMutex
	nextId   int
	handlers map[string]map[int]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]map[int]Handler)}
}

func (d *dispatcher) on(event string, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextId++
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]Handler)
	}
	d.handlers[event][d.nextId] = h
	return Subscription{event: event, id: d.nextId}
}

func (d *dispatcher) off(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if hs, ok := d.handlers[sub.event]; ok {
		delete(hs, sub.id)
		if len(hs) == 0 {
			delete(d.handlers, sub.event)
		}
	}
}

func (d *dispatcher) emit(evt Event) {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[evt.Name]))
	for _, h := range d.handlers[evt.Name] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	for _, h := range hs {
		h(evt)
	}
}
