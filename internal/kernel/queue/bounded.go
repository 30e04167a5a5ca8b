// Package queue holds the interrupt-safe plumbing between interrupt handlers
// and cooperative tasks: a fixed-capacity lock-free ring, a single-slot waker
// and the two combined as an event queue.
package queue

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrFull is returned by Push when the ring has no free slot. The rejected
// item is dropped; the existing contents are untouched.
var ErrFull = errors.New("queue: full")

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Bounded is a fixed-capacity FIFO ring that is safe for any number of
// concurrent producers against a single consumer. Neither Push nor Pop
// blocks, takes a lock or allocates, so Push may be called from interrupt
// context while the consumer is preempted half way through a Pop.
//
// Each slot carries a ticket. For position p the slot is free when its ticket
// is 2p and full when it is 2p+1; draining it sets 2(p+capacity), the free
// ticket of the next lap. Doubling keeps a full slot distinct from the next
// free position even when the ring holds a single item.
type Bounded[T any] struct {
	_    [64]byte
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte

	size  uint64
	slots []slot[T]
}

// NewBounded returns a ring holding up to capacity items.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("queue: invalid capacity %d", capacity))
	}
	q := &Bounded[T]{
		size:  uint64(capacity),
		slots: make([]slot[T], capacity),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(2 * uint64(i))
	}
	return q
}

// Push appends v, or returns ErrFull.
func (q *Bounded[T]) Push(v T) error {
	pos := q.tail.Load()
	for {
		s := &q.slots[pos%q.size]
		seq := s.seq.Load()
		switch diff := int64(seq - 2*pos); {
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(2*pos + 1)
				return nil
			}
			pos = q.tail.Load()
		case diff < 0:
			return ErrFull
		default:
			pos = q.tail.Load()
		}
	}
}

// Pop removes the oldest item. ok is false when the ring is empty.
func (q *Bounded[T]) Pop() (v T, ok bool) {
	pos := q.head.Load()
	for {
		s := &q.slots[pos%q.size]
		seq := s.seq.Load()
		switch diff := int64(seq - (2*pos + 1)); {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				v = s.val
				var zero T
				s.val = zero
				s.seq.Store(2 * (pos + q.size))
				return v, true
			}
			pos = q.head.Load()
		case diff < 0:
			return v, false
		default:
			pos = q.head.Load()
		}
	}
}

// Len is a snapshot of the number of queued items. It is exact only when no
// producer is running concurrently.
func (q *Bounded[T]) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail < head {
		return 0
	}
	n := tail - head
	if n > q.size {
		n = q.size
	}
	return int(n)
}

// Cap returns the fixed capacity.
func (q *Bounded[T]) Cap() int { return int(q.size) }
