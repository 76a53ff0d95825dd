// Package queue implements bounded priority admission for inference
// requests. When all eligible backends are saturated the gateway parks
// requests here instead of rejecting them outright; workers drain the queue
// in (priority, deadline, arrival) order.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
	"github.com/modelgate/modelgate/pkg/types"
)

// Priority orders queued requests. Lower values dequeue first.
type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityStandard
	PriorityBatch
)

// ParsePriority maps a tier name to its Priority. Unknown names map to
// PriorityStandard.
func ParsePriority(s string) Priority {
	switch s {
	case "interactive":
		return PriorityInteractive
	case "batch":
		return PriorityBatch
	default:
		return PriorityStandard
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBatch:
		return "batch"
	default:
		return "standard"
	}
}

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("admission queue closed")

// Item is one parked request.
type Item struct {
	Request    *types.InferenceRequest
	Priority   Priority
	Deadline   time.Time
	EnqueuedAt time.Time

	seq uint64
}

// Expired reports whether the item's deadline has passed at t.
func (it *Item) Expired(t time.Time) bool {
	return !it.Deadline.IsZero() && t.After(it.Deadline)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Depth    int   `json:"depth"`
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Expired  int64 `json:"expired"`
	Rejected int64 `json:"rejected"`
}

// Queue is a bounded priority queue. Enqueue never blocks; Dequeue blocks
// until an item is ready, the context is cancelled, or the queue closes.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	nextSeq  uint64
	closed   bool
	// notify carries one token per enqueue so each item wakes at most one
	// blocked Dequeue; spurious tokens only cause a re-check.
	notify chan struct{}
	done   chan struct{}

	enqueued atomic.Int64
	dequeued atomic.Int64
	expired  atomic.Int64
	rejected atomic.Int64

	now func() time.Time
}

// New creates a queue holding at most capacity items.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, capacity),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue admits the item or rejects it immediately. A full queue yields a
// queue_full error; an already-expired deadline yields deadline_exceeded.
func (q *Queue) Enqueue(it Item) error {
	if it.Request == nil {
		return gwerrors.NewAdmission(gwerrors.CodeQueueFull, "nil request")
	}
	now := q.now()
	if it.Expired(now) {
		q.rejected.Add(1)
		return gwerrors.NewAdmission(gwerrors.CodeDeadlineExceeded, "request deadline already passed")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.items.Len() >= q.capacity {
		q.mu.Unlock()
		q.rejected.Add(1)
		return gwerrors.NewAdmission(gwerrors.CodeQueueFull, "admission queue at capacity")
	}
	it.EnqueuedAt = now
	it.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, it)
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.wake()
	return nil
}

// Dequeue returns the highest-priority live item. Items whose deadline has
// passed are silently dropped and counted as expired. Blocks until an item
// is available, ctx is done, or the queue closes while empty.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		it, ok, closed := q.popLiveLocked()
		q.mu.Unlock()

		if ok {
			q.dequeued.Add(1)
			return it, nil
		}
		if closed {
			return Item{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// popLiveLocked pops items, discarding expired ones, until a live item is
// found or the heap is empty.
func (q *Queue) popLiveLocked() (Item, bool, bool) {
	now := q.now()
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(Item)
		if it.Expired(now) {
			q.expired.Add(1)
			continue
		}
		return it, true, q.closed
	}
	return Item{}, false, q.closed
}

// Size returns the current queue depth, including items that may have
// expired but not yet been dropped.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Capacity returns the configured maximum depth.
func (q *Queue) Capacity() int { return q.capacity }

// Full reports whether a new Enqueue would be rejected.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() >= q.capacity
}

// Stats returns a counter snapshot.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:    q.Size(),
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Expired:  q.expired.Load(),
		Rejected: q.rejected.Load(),
	}
}

// Close stops admission. Queued items remain drainable through Dequeue;
// once the queue is empty Dequeue returns ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// itemHeap orders by priority, then deadline (earliest first, zero deadline
// last), then arrival sequence.
type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.Deadline.Equal(b.Deadline) {
		if a.Deadline.IsZero() {
			return false
		}
		if b.Deadline.IsZero() {
			return true
		}
		return a.Deadline.Before(b.Deadline)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
