package async

import "github.com/tinyrange/kcore/internal/kernel/queue"

// Stream is the consumer side of an event queue.
type Stream[T any] struct {
	events *queue.Events[T]
}

// NewStream wraps events. A queue must have exactly one stream.
func NewStream[T any](events *queue.Events[T]) *Stream[T] {
	return &Stream[T]{events: events}
}

// PollNext yields the next item, or registers the task's waker and returns
// Pending.
//
// The queue is checked a second time after registering: an item pushed
// between the first pop and the registration would otherwise find no waker
// and sit in the queue until some unrelated wake-up.
func (s *Stream[T]) PollNext(cx *Context) (T, Poll) {
	if v, ok := s.events.TryRecv(); ok {
		return v, Ready
	}

	s.events.Register(cx.Waker())

	if v, ok := s.events.TryRecv(); ok {
		s.events.Unregister()
		return v, Ready
	}

	var zero T
	return zero, Pending
}

// Events returns the underlying queue.
func (s *Stream[T]) Events() *queue.Events[T] { return s.events }
