package queue

import "sync/atomic"

// Waker schedules a suspended task to be polled again.
type Waker interface {
	Wake()
}

type wakerRef struct {
	w Waker
}

// WakerSlot holds at most one registered waker. Register overwrites the
// previous registration; Wake consumes it, so waking twice without an
// intervening Register has the same effect as waking once.
//
// The zero value is an empty slot ready for use.
type WakerSlot struct {
	ref atomic.Pointer[wakerRef]
}

// Register stores w, replacing any earlier waker.
func (s *WakerSlot) Register(w Waker) {
	s.ref.Store(&wakerRef{w: w})
}

// Wake fires and clears the registered waker, if any. Safe from interrupt
// context.
func (s *WakerSlot) Wake() {
	if ref := s.ref.Swap(nil); ref != nil {
		ref.w.Wake()
	}
}

// Take clears the registration without firing it.
func (s *WakerSlot) Take() Waker {
	if ref := s.ref.Swap(nil); ref != nil {
		return ref.w
	}
	return nil
}

// Registered reports whether a waker is stored.
func (s *WakerSlot) Registered() bool {
	return s.ref.Load() != nil
}
