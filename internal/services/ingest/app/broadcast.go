package server

import (
	"encoding/json"
	"sync"
)

// streamFrame is one server-to-client message on the event stream. The
// zero fields are omitted so the same type carries connection acks, pongs,
// event payloads, and error notices.
type streamFrame struct {
	Type  string    `json:"type,omitempty"`
	Data  *eventDTO `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
}

// peer serializes frame writes to a single subscriber connection.
type peer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newPeer(encoder *json.Encoder) *peer {
	return &peer{encoder: encoder}
}

func (p *peer) writeFrame(frame streamFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// hub is the single "events" topic. Every live stream connection is a
// subscriber; publishing is best-effort and at-most-once per connection,
// with no buffering for subscribers that are gone or slow to the point of
// write failure.
type hub struct {
	mu          sync.Mutex
	subscribers map[*peer]struct{}
}

func newHub() *hub {
	return &hub{subscribers: make(map[*peer]struct{})}
}

func (h *hub) subscribe(p *peer) {
	h.mu.Lock()
	h.subscribers[p] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unsubscribe(p *peer) {
	h.mu.Lock()
	delete(h.subscribers, p)
	h.mu.Unlock()
}

func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// publishEvent fans one stored event out to every current subscriber.
// Callers must only publish events that are already committed, so a
// subscriber never sees an event that a query could not return.
func (h *hub) publishEvent(event eventDTO) {
	frame := streamFrame{Type: "event", Data: &event}

	h.mu.Lock()
	subscribers := make([]*peer, 0, len(h.subscribers))
	for subscriber := range h.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	h.mu.Unlock()

	for _, subscriber := range subscribers {
		_ = subscriber.writeFrame(frame)
	}
}
