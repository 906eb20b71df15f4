package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscription is the in-memory record for one SSE client. The hub
// exclusively owns the subscription table; callers only read from Ch
// and call Cancel.
type Subscription struct {
	ID        string
	Filter    string
	CreatedAt time.Time

	ch chan envelope.Result

	mu     sync.Mutex
	lagged bool
	closed bool
}

// Ch returns the receive side of the subscription buffer. The channel
// is closed after the final chunk for the filter is delivered, or on
// Cancel.
func (s *Subscription) Ch() <-chan envelope.Result {
	return s.ch
}

// Lagged reports whether the subscriber dropped chunks at least once.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// push copies one chunk into the buffer. When the buffer is full the
// oldest chunk is dropped (ring behavior) and the subscription is
// marked lagged. Never blocks the producer.
func (s *Subscription) push(r envelope.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- r:
			return
		default:
			select {
			case <-s.ch:
				s.lagged = true
				metrics.HubDroppedChunks.Inc()
			default:
			}
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Hub multiplexes result chunks from the broker to SSE subscribers.
// Filters are job ids or session ids; within one filter, chunks are
// delivered to each subscriber in publish order.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscription
	buffer int
	logger *logger.Logger
}

// New creates a hub with the given per-subscriber buffer capacity.
func New(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscription),
		buffer: buffer,
		logger: log.WithComponent("hub"),
	}
}

// Subscribe registers a new subscription for the filter and returns it
// together with a cancel function. Cancel is idempotent.
func (h *Hub) Subscribe(filter string) (*Subscription, func()) {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Filter:    filter,
		CreatedAt: time.Now(),
		ch:        make(chan envelope.Result, h.buffer),
	}

	h.mu.Lock()
	set, ok := h.subs[filter]
	if !ok {
		set = make(map[string]*Subscription)
		h.subs[filter] = set
	}
	set[sub.ID] = sub
	h.mu.Unlock()

	metrics.HubSubscribers.Inc()
	h.logger.Debug("subscriber registered", slog.String("filter", filter), slog.String("subscription_id", sub.ID))

	return sub, func() { h.Cancel(sub) }
}

// Cancel removes a subscription and closes its channel. Safe to call
// more than once.
func (h *Hub) Cancel(sub *Subscription) {
	h.mu.Lock()
	set, ok := h.subs[sub.Filter]
	if ok {
		if _, present := set[sub.ID]; present {
			delete(set, sub.ID)
			if len(set) == 0 {
				delete(h.subs, sub.Filter)
			}
			metrics.HubSubscribers.Dec()
		}
	}
	h.mu.Unlock()

	sub.close()
}

// Publish copies the chunk to every subscriber registered for the
// filter. Non-blocking. A final chunk tears the matching subscriptions
// down after delivery; lagged subscribers additionally receive a
// synthesized lag notice before the final chunk.
func (h *Hub) Publish(filter string, r envelope.Result) {
	if filter == "" {
		return
	}

	h.mu.Lock()
	set := h.subs[filter]
	targets := make([]*Subscription, 0, len(set))
	for _, sub := range set {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	final := r.Final || r.Event == envelope.EventEnd

	for _, sub := range targets {
		if final && sub.Lagged() {
			sub.push(envelope.Result{
				JobID:     r.JobID,
				SessionID: r.SessionID,
				Event:     envelope.EventLag,
				TS:        time.Now().UTC(),
			})
		}
		sub.push(r)
	}

	if final {
		for _, sub := range targets {
			h.Cancel(sub)
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a
// filter. Used by tests and the health surface.
func (h *Hub) SubscriberCount(filter string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[filter])
}
