// Package task implements the single-threaded cooperative executor.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel/async"
	"github.com/tinyrange/kcore/internal/kernel/queue"
)

// DefaultCapacity bounds the number of live tasks, and therefore the ready
// queue.
const DefaultCapacity = 100

// ErrTooManyTasks is returned by Spawn when every task slot is in use.
var ErrTooManyTasks = errors.New("task: too many tasks")

// ID identifies a spawned task.
type ID uint64

type task struct {
	id     ID
	name   string
	future async.Future
	waker  *taskWaker
}

// taskWaker queues its task for polling. The queued flag keeps a task in the
// ready queue at most once, so the queue never holds more entries than there
// are tasks and Push cannot fail.
type taskWaker struct {
	id     ID
	ready  *queue.Bounded[ID]
	queued atomic.Bool
	lost   *atomic.Uint64
}

func (w *taskWaker) Wake() {
	if !w.queued.CompareAndSwap(false, true) {
		return
	}
	if err := w.ready.Push(w.id); err != nil {
		w.queued.Store(false)
		w.lost.Add(1)
	}
}

// Executor polls spawned futures whenever their waker fires. Spawn and Run
// must be called from normal context on one goroutine; wakers may fire from
// anywhere, interrupt handlers included.
type Executor struct {
	cpu hw.CPU
	log *slog.Logger

	tasks  map[ID]*task
	ready  *queue.Bounded[ID]
	nextID ID

	polls atomic.Uint64
	lost  atomic.Uint64
}

// NewExecutor returns an executor with room for capacity tasks. cpu is used
// to halt when nothing is ready; it may be nil, in which case Run returns
// once no task is ready.
func NewExecutor(cpu hw.CPU, capacity int, log *slog.Logger) *Executor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		cpu:   cpu,
		log:   log,
		tasks: make(map[ID]*task),
		ready: queue.NewBounded[ID](capacity),
	}
}

// Spawn registers f and schedules its first poll.
func (e *Executor) Spawn(name string, f async.Future) (ID, error) {
	if len(e.tasks) >= e.ready.Cap() {
		return 0, fmt.Errorf("spawn %q: %w", name, ErrTooManyTasks)
	}
	e.nextID++
	t := &task{
		id:     e.nextID,
		name:   name,
		future: f,
		waker:  &taskWaker{id: e.nextID, ready: e.ready, lost: &e.lost},
	}
	e.tasks[t.id] = t
	t.waker.Wake()
	e.log.Debug("Task spawned", "task", name, "id", t.id)
	return t.id, nil
}

// Run drives tasks until all of them complete or ctx is done. With a CPU
// attached it halts between interrupts while nothing is ready; ctx is only
// checked after a wake-up, so the host side must arrange for an interrupt
// (or a CPU kick) when it cancels.
func (e *Executor) Run(ctx context.Context) error {
	for {
		e.runReady()
		if len(e.tasks) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.cpu == nil {
			return nil
		}
		e.sleepIfIdle()
	}
}

// RunUntilIdle polls ready tasks until none is ready and returns the number
// of live tasks.
func (e *Executor) RunUntilIdle() int {
	for e.ready.Len() > 0 {
		e.runReady()
	}
	return len(e.tasks)
}

func (e *Executor) runReady() {
	for {
		id, ok := e.ready.Pop()
		if !ok {
			return
		}
		t, ok := e.tasks[id]
		if !ok {
			continue
		}
		// Cleared before polling so a wake during the poll queues it again.
		t.waker.queued.Store(false)

		e.polls.Add(1)
		if t.future.Poll(async.NewContext(t.waker)) == async.Ready {
			delete(e.tasks, id)
			e.log.Debug("Task finished", "task", t.name, "id", id)
		}
	}
}

// sleepIfIdle halts until the next interrupt unless a wake-up slipped in.
// Interrupts are disabled around the check so an interrupt cannot land
// between the emptiness test and the halt.
func (e *Executor) sleepIfIdle() {
	hw.WithoutInterrupts(e.cpu, func() {
		if e.ready.Len() == 0 {
			e.cpu.EnableAndHalt()
		}
	})
}

// Len returns the number of live tasks.
func (e *Executor) Len() int { return len(e.tasks) }

// Polls returns the total number of polls performed.
func (e *Executor) Polls() uint64 { return e.polls.Load() }

// LostWakeups counts wakes refused by a full ready queue. It stays zero
// while Spawn enforces the capacity.
func (e *Executor) LostWakeups() uint64 { return e.lost.Load() }
