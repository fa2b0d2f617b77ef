// Package events carries ledger notifications to subscribers: an
// in-process hub feeding websocket streams, and an optional Kafka topic.
package events

import (
	"context"
	"errors"
	"sync"

	"PulseNebula/internal/fhe"
)

// SampleLogged is emitted once per committed sample.
type SampleLogged struct {
	ID                    uint64      `json:"id"`
	Owner                 fhe.Address `json:"owner"`
	DeclaredPublicAverage uint32      `json:"publicAvgRate"`
	MeasurementCount      uint32      `json:"measurementCount"`
	IsPublic              bool        `json:"isPublic"`
}

// Publisher delivers SampleLogged events.
type Publisher interface {
	Publish(ctx context.Context, evt SampleLogged) error
}

// Hub fans events out to in-process subscribers. Slow subscribers drop
// events instead of blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan SampleLogged]struct{}
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan SampleLogged]struct{})}
}

// Subscribe registers a channel with the given buffer (32 if <= 0).
func (h *Hub) Subscribe(buffer int) chan SampleLogged {
	if buffer <= 0 {
		buffer = 32
	}

	ch := make(chan SampleLogged, buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (h *Hub) Unsubscribe(ch chan SampleLogged) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()

	if exists {
		close(ch)
	}
}

// Subscribers returns the number of registered channels.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Publish offers evt to every subscriber without blocking.
func (h *Hub) Publish(_ context.Context, evt SampleLogged) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}

	return nil
}

// Multi publishes to every member and joins their errors.
type Multi []Publisher

// Publish delivers evt to each member in order.
func (m Multi) Publish(ctx context.Context, evt SampleLogged) error {
	var errs []error

	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
