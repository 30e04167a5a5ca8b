package chipset

import "sync"

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(line uint8, level bool)

func (f InterruptSinkFunc) SetIRQ(line uint8, level bool) {
	if f != nil {
		f(line, level)
	}
}

// EOITarget is the minimal interface for receivers of EOI broadcasts (e.g. IOAPIC).
type EOITarget interface {
	HandleEOI(vector uint32)
}

// LineSet owns the ISA interrupt lines of a board. Every level change is
// forwarded to all sinks, so the PIC pair and the IO-APIC see the same
// inputs, and EOI broadcasts from the local APIC are fanned out to the
// registered targets.
type LineSet struct {
	// dispatch keeps level changes reaching the sinks in the order they
	// were made.
	dispatch sync.Mutex
	mu       sync.Mutex

	sinks   []InterruptSink
	targets []EOITarget

	levels map[uint8]bool
	eoi    map[uint8][]func()
}

// NewLineSet builds a LineSet that forwards assertions to sinks.
func NewLineSet(sinks ...InterruptSink) *LineSet {
	return &LineSet{
		sinks:  sinks,
		levels: make(map[uint8]bool),
		eoi:    make(map[uint8][]func()),
	}
}

// AttachEOITarget adds a receiver for EOI broadcasts.
func (l *LineSet) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets = append(l.targets, target)
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.levels[irq]; !ok {
		l.levels[irq] = false
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level returns the current level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[irq]
}

// RegisterEOICallback registers a callback for the given vector.
// The callback is invoked when BroadcastEOI is called with the same vector.
func (l *LineSet) RegisterEOICallback(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI notifies listeners that an EOI was signalled for the vector.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[vector]...)
	targets := append([]EOITarget(nil), l.targets...)
	l.mu.Unlock()

	for _, t := range targets {
		t.HandleEOI(uint32(vector))
	}
	for _, fn := range callbacks {
		fn()
	}
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.irq, true)
	h.owner.setLevel(h.irq, false)
}

func (l *LineSet) setLevel(irq uint8, high bool) {
	l.dispatch.Lock()
	defer l.dispatch.Unlock()

	l.mu.Lock()
	changed := l.levels[irq] != high
	l.levels[irq] = high
	sinks := l.sinks
	l.mu.Unlock()

	if !changed {
		return
	}
	for _, s := range sinks {
		s.SetIRQ(irq, high)
	}
}
