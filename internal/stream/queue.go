package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
)

/*
BACKPRESSURE QUEUE

Queue is the per-subscriber buffer between a fast producer (the hub) and a
possibly slow consumer (an SSE response, a socket stream connection).

POLICY:

    Bounded by total weight. When an item would push the outstanding
    weight over maxSize it is dropped (drop-new); what is already queued
    is never evicted. Add with force=true bypasses the bound.

PACKET IDS:

    Every offered item consumes the next packet id, starting at 1, so
    accepted entries carry strictly increasing ids and a drop shows up as
    a gap:

        add a(1) b(2) [c(3) dropped] d(4)

    In process a gap is expected and only counted. Transports forward the
    ids unchanged and their clients treat a gap as a protocol violation.

WAKEUP:

    wake is a one-slot channel. Add sends without blocking; a consumer
    that finds the queue empty waits on it. Spurious wakeups are fine
    since the consumer re-checks under the lock.
*/

// DefaultMaxSize is the default per-subscriber capacity.
const DefaultMaxSize = 20

var ErrClosed = errors.New("stream: queue closed")

// Entry is one accepted item.
type Entry[T any] struct {
	Payload T
	Packet  uint64
	Weight  int
}

// Queue is a weight-bounded, drop-new FIFO safe for one producer side and
// one consumer side.
type Queue[T any] struct {
	// OnDrop, when set before use, is called after each rejected item.
	OnDrop func()

	mu      sync.Mutex
	items   []Entry[T]
	size    int
	maxSize int
	packet  uint64
	dropped uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue creates a queue holding at most maxSize total weight.
func NewQueue[T any](maxSize int) *Queue[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue[T]{
		maxSize: maxSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Add enqueues payload unless doing so would exceed the capacity and
// force is false. It reports whether the item was accepted.
func (q *Queue[T]) Add(payload T, weight int, force bool) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.packet++
	if !force && q.size+weight > q.maxSize {
		q.dropped++
		onDrop := q.OnDrop
		q.mu.Unlock()
		if onDrop != nil {
			onDrop()
		}
		return false
	}
	q.items = append(q.items, Entry[T]{Payload: payload, Packet: q.packet, Weight: weight})
	q.size += weight
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue[T]) pop() (Entry[T], bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry[T]{}, false, q.closed
	}
	e := q.items[0]
	q.items[0] = Entry[T]{}
	q.items = q.items[1:]
	q.size -= e.Weight
	return e, true, q.closed
}

// Next returns the oldest entry, waiting until one is available, the
// queue is closed or ctx is done. Entries queued before Close are still
// delivered.
func (q *Queue[T]) Next(ctx context.Context) (Entry[T], error) {
	for {
		e, ok, closed := q.pop()
		if ok {
			return e, nil
		}
		if closed {
			return Entry[T]{}, ErrClosed
		}
		select {
		case <-q.wake:
		case <-q.done:
		case <-ctx.Done():
			return Entry[T]{}, ctx.Err()
		}
	}
}

// All returns the queue as a lazy sequence ending when the queue closes or
// ctx is done.
func (q *Queue[T]) All(ctx context.Context) iter.Seq[Entry[T]] {
	return func(yield func(Entry[T]) bool) {
		for {
			e, err := q.Next(ctx)
			if err != nil {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Close stops accepting items and releases waiting consumers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were rejected for lack of capacity.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
