package queue

import "sync/atomic"

// Events couples a Bounded ring with the waker of its single consumer. It is
// the hand-off point between an interrupt handler and a task: Send runs in
// interrupt context, Recv and Register in the consumer's task.
type Events[T any] struct {
	ring    *Bounded[T]
	waker   WakerSlot
	dropped atomic.Uint64
}

// NewEvents returns an event queue with the given capacity.
func NewEvents[T any](capacity int) *Events[T] {
	return &Events[T]{ring: NewBounded[T](capacity)}
}

// Send enqueues v and wakes the consumer. On overflow v is dropped, the drop
// counter is bumped and ErrFull is returned; the consumer is not woken.
func (e *Events[T]) Send(v T) error {
	if err := e.ring.Push(v); err != nil {
		e.dropped.Add(1)
		return err
	}
	e.waker.Wake()
	return nil
}

// TryRecv pops the oldest item without suspending.
func (e *Events[T]) TryRecv() (T, bool) {
	return e.ring.Pop()
}

// Register stores the consumer's waker.
func (e *Events[T]) Register(w Waker) {
	e.waker.Register(w)
}

// Unregister clears the consumer's waker without firing it.
func (e *Events[T]) Unregister() {
	e.waker.Take()
}

// Dropped returns the number of items refused because the ring was full.
func (e *Events[T]) Dropped() uint64 {
	return e.dropped.Load()
}

// Len returns a snapshot of the queued item count.
func (e *Events[T]) Len() int { return e.ring.Len() }

// Cap returns the ring capacity.
func (e *Events[T]) Cap() int { return e.ring.Cap() }
