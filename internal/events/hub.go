package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"` // JSON payload

	// Payload is the value Data was encoded from, for in-process consumers.
	Payload any `json:"-"`
}

// Listener is called synchronously, under the hub lock, for every event.
// Listeners must not publish or subscribe.
type Listener func(Event)

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
// It is the one sink shared by all concurrent jobs: publishing serializes
// appends, so listeners see a total order.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	ring   []Event
	start  int
	size   int
	closed bool

	subs      map[int]chan Event
	listeners map[int]Listener
	nextSubID int

	dropped atomic.Int64
	now     func() time.Time
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring:      make([]Event, capacity),
		subs:      make(map[int]chan Event),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
}

func (h *Hub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.nextID++
	ev := Event{
		ID:      h.nextID,
		Type:    eventType,
		At:      h.now().UTC(),
		Data:    payload,
		Payload: data,
	}

	h.pushLocked(ev)
	for _, l := range h.listeners {
		l(ev)
	}
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.SubscribeBuffered(128)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer.
func (h *Hub) SubscribeBuffered(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// AddListener registers l and returns a function that removes it.
func (h *Hub) AddListener(l Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	h.listeners[id] = l

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// AddListenerReplay hands l every buffered event and then registers it, with
// no gap or overlap between the replay and live delivery.
func (h *Hub) AddListenerReplay(l Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.size; i++ {
		l(h.ring[(h.start+i)%len(h.ring)])
	}
	id := h.nextSubID
	h.nextSubID++
	h.listeners[id] = l

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Close stops publishing and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Dropped returns how many deliveries to slow subscribers were skipped.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
