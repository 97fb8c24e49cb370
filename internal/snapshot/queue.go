package snapshot

import "sync"

// DefaultQueueCapacity bounds the per-client outbound queue.
const DefaultQueueCapacity = 16

// PushResult reports what backpressure did to make room for a payload.
type PushResult struct {
	// DroppedDeltas are the stale deltas evicted to admit the new payload.
	DroppedDeltas []Snapshot
	// Rejected is set when the incoming payload had to be discarded because
	// the queue held only pending keyframes.
	Rejected bool
}

// OutboundQueue is the bounded per-client send queue. When full, the oldest
// pending delta is dropped first — never a pending keyframe and never the
// newest delta — so a slow client converges toward fresh state instead of
// accumulating stale history. Safe for one producer and one consumer.
type OutboundQueue struct {
	mu       sync.Mutex
	items    []Snapshot
	capacity int
}

// NewOutboundQueue constructs a queue with the provided capacity.
func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	return &OutboundQueue{capacity: capacity}
}

// Len reports the number of queued payloads.
func (q *OutboundQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Push enqueues a payload, evicting under the backpressure policy when full.
func (q *OutboundQueue) Push(snap Snapshot) PushResult {
	if q == nil {
		return PushResult{Rejected: true}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var result PushResult
	if len(q.items) < q.capacity {
		q.items = append(q.items, snap)
		return result
	}

	if snap.IsKeyframe() {
		// A fresh keyframe supersedes every pending delta, but pending
		// keyframes are recovery points the client must still receive and
		// are never dropped.
		kept := make([]Snapshot, 0, len(q.items))
		for _, stale := range q.items {
			if stale.IsKeyframe() {
				kept = append(kept, stale)
			} else {
				result.DroppedDeltas = append(result.DroppedDeltas, stale)
			}
		}
		q.items = kept
		if len(q.items) < q.capacity {
			q.items = append(q.items, snap)
		} else {
			result.Rejected = true
		}
		return result
	}

	// Incoming delta: evict the oldest pending delta. The incoming payload is
	// the newest delta, so any queued delta is fair game.
	for i := range q.items {
		if q.items[i].IsKeyframe() {
			continue
		}
		result.DroppedDeltas = append(result.DroppedDeltas, q.items[i])
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.items = append(q.items, snap)
		return result
	}

	// Only keyframes pending: those must survive, so the incoming delta is
	// discarded. The caller should treat the chain as broken.
	result.Rejected = true
	return result
}

// Pop dequeues the oldest payload.
func (q *OutboundQueue) Pop() (Snapshot, bool) {
	if q == nil {
		return Snapshot{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Snapshot{}, false
	}
	snap := q.items[0]
	q.items = q.items[1:]
	return snap, true
}

// Drain empties the queue, returning everything in order.
func (q *OutboundQueue) Drain() []Snapshot {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil
	return drained
}
