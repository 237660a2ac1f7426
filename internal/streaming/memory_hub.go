package streaming

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

// SubscriberBuffer is the number of events a subscriber may fall behind
// before further events are dropped for it.
const SubscriberBuffer = 64

// ErrHubClosed is returned by Publish and Subscribe after Close.
var ErrHubClosed = errors.New("streaming: hub closed")

type subscription struct {
	events chan StreamEvent
	filter EventFilter
}

// MemoryHub fans run events out to in-process subscribers. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish delivers event to every subscriber whose filter matches it.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned channel is closed when the
// cancel func is called, when ctx is done, or when the hub is closed.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		events: make(chan StreamEvent, SubscriberBuffer),
		filter: filter,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(id) })
	}
	stop := context.AfterFunc(ctx, cancel)
	return sub.events, func() {
		stop()
		cancel()
	}, nil
}

// remove unregisters a subscriber and closes its channel. Publish holds the
// read lock while sending, so closing under the write lock is safe.
func (h *MemoryHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.events)
	}
}

// Close ends every subscription and rejects further use of the hub.
// It is safe to call more than once.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.events)
	}
}

// Subscribers reports the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many events were discarded for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Matches reports whether e passes every criterion set on f.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case f.CompanyID != "" && f.CompanyID != e.CompanyID:
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}
