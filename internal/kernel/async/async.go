// Package async defines the poll-based future model the executor drives and
// the Stream adapter that turns an event queue into a sequence a task can
// suspend on.
package async

import "github.com/tinyrange/kcore/internal/kernel/queue"

// Poll is the result of stepping a future.
type Poll uint8

const (
	// Pending means the future registered a waker and cannot progress until
	// it fires.
	Pending Poll = iota
	// Ready means the future finished and must not be polled again.
	Ready
)

func (p Poll) String() string {
	if p == Ready {
		return "ready"
	}
	return "pending"
}

// Context carries the waker of the task currently being polled.
type Context struct {
	waker queue.Waker
}

// NewContext returns a poll context for the given waker.
func NewContext(w queue.Waker) *Context {
	return &Context{waker: w}
}

// Waker returns the waker a pending future must register before returning
// Pending.
func (cx *Context) Waker() queue.Waker {
	return cx.waker
}

// Future is a resumable unit of work. Poll advances it as far as it can
// without blocking.
type Future interface {
	Poll(cx *Context) Poll
}

// FutureFunc adapts a step function to Future.
type FutureFunc func(cx *Context) Poll

func (f FutureFunc) Poll(cx *Context) Poll { return f(cx) }
