package workerd

import (
	"context"
	"sync"
	"time"

	"encodeq/internal/protocol"
)

// EventHub buffers recent events and wakes long-poll waiters when new ones
// arrive. Sequence numbers start at 1 and never repeat.
type EventHub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []protocol.Event
	nextSeq  uint64
	now      func() time.Time
}

// NewEventHub constructs a bounded event buffer.
func NewEventHub(capacity int) *EventHub {
	if capacity <= 0 {
		capacity = 1024
	}
	h := &EventHub{capacity: capacity, now: time.Now}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish stamps evt with the next sequence number and appends it.
func (h *EventHub) Publish(evt protocol.Event) protocol.Event {
	h.mu.Lock()
	h.nextSeq++
	evt.Seq = h.nextSeq
	if evt.Time.IsZero() {
		evt.Time = h.now().UTC()
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, evt)
	h.cond.Broadcast()
	h.mu.Unlock()
	return evt
}

// Fetch returns up to limit events with Seq > after. When wait is positive
// and nothing is buffered, it blocks until an event arrives, wait elapses,
// or ctx ends. first is the oldest sequence still buffered, or the next
// sequence to be assigned when the buffer is empty.
func (h *EventHub) Fetch(ctx context.Context, after uint64, limit int, wait time.Duration) (events []protocol.Event, first uint64, err error) {
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		stop := context.AfterFunc(ctx, func() {
			h.mu.Lock()
			h.cond.Broadcast()
			h.mu.Unlock()
		})
		defer stop()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		events, first = h.snapshotLocked(after, limit)
		if len(events) > 0 || wait <= 0 {
			return events, first, nil
		}
		if ctx.Err() != nil {
			// An elapsed wait is a normal empty poll.
			return nil, first, nil
		}
		h.cond.Wait()
	}
}

// LastSequence returns the most recently assigned sequence.
func (h *EventHub) LastSequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

func (h *EventHub) snapshotLocked(after uint64, limit int) ([]protocol.Event, uint64) {
	if len(h.buffer) == 0 {
		return nil, h.nextSeq + 1
	}
	first := h.buffer[0].Seq
	start := len(h.buffer)
	for i, evt := range h.buffer {
		if evt.Seq > after {
			start = i
			break
		}
	}
	end := min(start+limit, len(h.buffer))
	if start == end {
		return nil, first
	}
	out := make([]protocol.Event, end-start)
	copy(out, h.buffer[start:end])
	return out, first
}
