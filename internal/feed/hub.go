// Package feed fans live detection and command events out to dashboard
// viewers over SSE, WebSocket and a gRPC server stream.
package feed

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/intersection.control/internal/monitoring"
)

// ErrClosed reports that the hub was shut down while a viewer was attached.
var ErrClosed = errors.New("live feed closed")

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// Event is the envelope delivered to every viewer.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`

	// intersection is lifted out of Data at publish time for filtering.
	intersection string
}

// IntersectionID returns the intersection the event concerns, if any.
func (e Event) IntersectionID() string { return e.intersection }

// Subscription is one viewer's bounded event queue.
type Subscription struct {
	ID string

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// C returns the event channel. It is closed on Unsubscribe or Hub.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because this viewer fell
// behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// deliver enqueues ev, discarding the oldest buffered event when the queue is
// full. It never blocks.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)
	select {
	case s.ch <- ev:
	default:
	}
	return false
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Hub is the live broadcaster. New subscribers only see events published
// after they subscribe.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	log    *logrus.Entry

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub whose subscribers each buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		log:    monitoring.Logger("feed"),
	}
}

// Publish encodes data once and offers it to every current subscriber.
func (h *Hub) Publish(eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.WithError(err).WithField("type", eventType).Warn("failed to encode live event")
		return
	}
	var key struct {
		IntersectionID string `json:"intersection_id"`
	}
	_ = json.Unmarshal(raw, &key)
	ev := Event{Type: eventType, Data: raw, intersection: key.IntersectionID}

	h.published.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.deliver(ev) {
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new viewer. After Close it returns a subscription
// whose channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{ID: uuid.NewString(), ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.subs[s.ID] = s
	return s
}

// Unsubscribe removes a viewer and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Filter selects events by type and intersection. Empty fields match
// everything.
type Filter struct {
	Types          []string `json:"types,omitempty"`
	IntersectionID string   `json:"intersection_id,omitempty"`
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.IntersectionID != "" && ev.intersection != f.IntersectionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}
