package chipset

import (
	"sync"
	"time"
)

// timerHandle cancels a periodic callback.
type timerHandle interface {
	Stop()
}

type timerHandleFunc func()

func (f timerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

type timerFactory func(period time.Duration, cb func()) timerHandle

// defaultTimerFactory runs cb every period on its own goroutine until the
// returned handle is stopped.
func defaultTimerFactory(period time.Duration, cb func()) timerHandle {
	if period <= 0 || cb == nil {
		return nil
	}

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb()
			case <-stop:
				return
			}
		}
	}()

	return timerHandleFunc(func() {
		once.Do(func() { close(stop) })
	})
}

// ManualTimers is a timer factory whose timers fire only when Fire is
// called. It lets callers step simulated devices deterministically.
type ManualTimers struct {
	mu     sync.Mutex
	next   int
	active map[int]manualTimer
}

type manualTimer struct {
	period time.Duration
	cb     func()
}

// NewManualTimers returns an empty set.
func NewManualTimers() *ManualTimers {
	return &ManualTimers{active: make(map[int]manualTimer)}
}

func (m *ManualTimers) factory(period time.Duration, cb func()) timerHandle {
	if period <= 0 || cb == nil {
		return nil
	}
	m.mu.Lock()
	id := m.next
	m.next++
	m.active[id] = manualTimer{period: period, cb: cb}
	m.mu.Unlock()
	return timerHandleFunc(func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	})
}

// PITOption returns an option installing m as a PIT's timer source.
func (m *ManualTimers) PITOption() PITOption { return WithPITTimerFactory(m.factory) }

// LAPICOption returns an option installing m as a LAPIC's timer source.
func (m *ManualTimers) LAPICOption() LAPICOption { return WithLAPICTimerFactory(m.factory) }

// Armed returns the number of live timers.
func (m *ManualTimers) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Periods returns the periods of the live timers.
func (m *ManualTimers) Periods() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.period)
	}
	return out
}

// Fire runs every live timer's callback once.
func (m *ManualTimers) Fire() {
	m.mu.Lock()
	cbs := make([]func(), 0, len(m.active))
	for _, t := range m.active {
		cbs = append(cbs, t.cb)
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
