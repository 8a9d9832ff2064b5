package engine

import (
	"sync"
	"time"
)

// Hub fans engine events out to subscribers. It keeps a bounded replay
// buffer so a job subscribing mid-command still sees recent progress, and it
// never blocks the publishing engine: a slow subscriber loses its oldest
// events instead.
type Hub struct {
	mu       sync.Mutex
	capacity int
	buffer   []Event
	subs     map[int]chan Event
	nextID   int
}

// NewHub constructs an event hub with the given replay capacity.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 128
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[int]chan Event),
	}
}

// Publish delivers an event to every subscriber and the replay buffer.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, evt)
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its channel along with an
// unsubscribe function. Jobs subscribe for their duration and must call the
// returned function when done.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Replay returns a copy of the buffered recent events.
func (h *Hub) Replay() []Event {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.buffer))
	copy(out, h.buffer)
	return out
}
