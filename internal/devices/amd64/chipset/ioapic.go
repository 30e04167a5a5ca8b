package chipset

import (
	"encoding/binary"
	"fmt"
	"sync"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

const (
	// IOAPICBaseAddress is the conventional MMIO base of the first IO-APIC.
	IOAPICBaseAddress uint64 = 0xfec00000

	// IOAPICWindowSize covers the select and data registers.
	IOAPICWindowSize = 0x20

	ioapicSelect = 0x00
	ioapicData   = 0x10

	ioapicRegID      = 0x00
	ioapicRegVersion = 0x01
	ioapicRegArb     = 0x02
	ioapicRegTable   = 0x10

	ioapicVersion = 0x11

	// DefaultIOAPICPins matches the 82093AA.
	DefaultIOAPICPins = 24
)

const (
	deliveryFixed          = 0x0
	deliveryLowestPriority = 0x1
)

// Bits of a redirection entry software may change. Delivery status and
// remote IRR are read-only.
const redirWritable uint64 = 0xff000000_00000000 |
	0xff | // vector
	0x7<<8 | // delivery mode
	1<<11 | // destination mode
	1<<13 | // polarity
	1<<15 | // trigger mode
	1<<16 // mask

// Router receives the messages an IO-APIC sends when a pin fires. It is the
// local APIC in a real system.
type Router interface {
	// Assert delivers vector to dest. destMode is 0 for physical and 1 for
	// logical destinations; level reports a level-triggered entry.
	Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)

func (f RouterFunc) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	if f != nil {
		f(vector, dest, destMode, deliveryMode, level)
	}
}

type discardRouter struct{}

func (discardRouter) Assert(uint8, uint8, uint8, uint8, bool) {}

// IOAPIC models an I/O APIC behind an indirect select/data register pair.
type IOAPIC struct {
	mu sync.Mutex

	base   uint64
	pins   []ioapicPin
	index  uint8
	id     uint8
	router Router

	delivered uint64
	perPin    []uint64
}

// NewIOAPIC builds an IO-APIC at base with the given number of pins. Zero
// values select the conventional address and DefaultIOAPICPins.
func NewIOAPIC(base uint64, pins int) *IOAPIC {
	if base == 0 {
		base = IOAPICBaseAddress
	}
	if pins <= 0 {
		pins = DefaultIOAPICPins
	}
	a := &IOAPIC{
		base:   base,
		pins:   make([]ioapicPin, pins),
		router: discardRouter{},
		perPin: make([]uint64, pins),
	}
	a.resetLocked()
	return a
}

func (a *IOAPIC) resetLocked() {
	for i := range a.pins {
		level := a.pins[i].level
		a.pins[i] = ioapicPin{entry: redirPowerOn, level: level}
	}
	a.index = 0
	a.id = 0
}

// SetRouter sets where fired pins are delivered.
func (a *IOAPIC) SetRouter(r Router) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r == nil {
		r = discardRouter{}
	}
	a.router = r
}

func (a *IOAPIC) Start() error { return nil }
func (a *IOAPIC) Stop() error  { return nil }

func (a *IOAPIC) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	return nil
}

func (a *IOAPIC) SupportsPortIO() *cs.PortIOIntercept { return nil }

func (a *IOAPIC) SupportsMmio() *cs.MmioIntercept {
	return &cs.MmioIntercept{
		Regions: []cs.MMIORegion{{Address: a.base, Size: IOAPICWindowSize}},
		Handler: a,
	}
}

// HandleEOI clears remote IRR on every pin routed to vector, redelivering
// level-triggered pins that are still asserted.
func (a *IOAPIC) HandleEOI(vector uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for n := range a.pins {
		p := &a.pins[n]
		if p.entry.vector() != uint8(vector) {
			continue
		}
		p.entry = p.entry.withRemoteIRR(false)
		a.evaluateLocked(n, false)
	}
}

// SetIRQ drives input pin line.
func (a *IOAPIC) SetIRQ(line uint8, high bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := int(line)
	if n >= len(a.pins) {
		return
	}
	p := &a.pins[n]
	if !high {
		p.level = false
		p.entry = p.entry.withRemoteIRR(false)
		return
	}
	rising := !p.level
	p.level = true
	a.evaluateLocked(n, rising)
}

// Entry returns the raw redirection entry of pin n.
func (a *IOAPIC) Entry(n int) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 0 || n >= len(a.pins) {
		return 0, false
	}
	return uint64(a.pins[n].entry), true
}

// Delivered returns the number of messages sent for pin n.
func (a *IOAPIC) Delivered(n int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 0 || n >= len(a.perPin) {
		return 0
	}
	return a.perPin[n]
}

func (a *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	off, err := a.offset(addr, len(data))
	if err != nil {
		return err
	}

	a.mu.Lock()
	var v uint32
	switch off {
	case ioapicSelect:
		v = uint32(a.index)
	case ioapicData:
		v = a.readRegLocked(a.index)
	default:
		a.mu.Unlock()
		return fmt.Errorf("ioapic: read of reserved offset 0x%x", off)
	}
	a.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:])
	return nil
}

func (a *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	off, err := a.offset(addr, len(data))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch off {
	case ioapicSelect:
		if len(data) == 0 {
			return fmt.Errorf("ioapic: empty select write")
		}
		a.index = data[0]
	case ioapicData:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: data write of %d bytes", len(data))
		}
		a.writeRegLocked(a.index, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("ioapic: write of reserved offset 0x%x", off)
	}
	return nil
}

func (a *IOAPIC) offset(addr uint64, size int) (uint64, error) {
	if addr < a.base || addr+uint64(size) > a.base+IOAPICWindowSize {
		return 0, fmt.Errorf("ioapic: access at 0x%x outside window", addr)
	}
	return addr - a.base, nil
}

func (a *IOAPIC) readRegLocked(index uint8) uint32 {
	switch {
	case index == ioapicRegID:
		return uint32(a.id&0x0f) << 24
	case index == ioapicRegVersion:
		return ioapicVersion | uint32(len(a.pins)-1)<<16
	case index == ioapicRegArb:
		return 0
	case index >= ioapicRegTable:
		n := int(index-ioapicRegTable) / 2
		if n >= len(a.pins) {
			return 0
		}
		raw := uint64(a.pins[n].entry)
		if index&1 == 1 {
			return uint32(raw >> 32)
		}
		return uint32(raw)
	}
	return 0
}

func (a *IOAPIC) writeRegLocked(index uint8, v uint32) {
	switch {
	case index == ioapicRegID:
		a.id = uint8(v>>24) & 0x0f
	case index >= ioapicRegTable:
		n := int(index-ioapicRegTable) / 2
		if n >= len(a.pins) {
			return
		}
		p := &a.pins[n]
		wasMasked := p.entry.masked()

		raw := uint64(p.entry)
		if index&1 == 1 {
			mask := redirWritable &^ 0xffffffff
			raw = raw&^mask | uint64(v)<<32&mask
		} else {
			mask := redirWritable & 0xffffffff
			raw = raw&^mask | uint64(v)&mask
		}
		p.entry = redirection(raw)

		// Unmasking a pin that is already high counts as an edge, otherwise
		// a device that raised its line while masked is never serviced.
		a.evaluateLocked(n, wasMasked && !p.entry.masked() && p.level)
	}
}

func (a *IOAPIC) evaluateLocked(n int, edge bool) {
	p := &a.pins[n]
	e := p.entry
	if e.masked() {
		return
	}
	level := e.levelTriggered()
	if level {
		if !p.level || e.remoteIRR() {
			return
		}
		p.entry = e.withRemoteIRR(true)
	} else if !edge {
		return
	}

	a.delivered++
	a.perPin[n]++

	var destMode uint8
	if e.logical() {
		destMode = 1
	}
	a.router.Assert(e.vector(), e.destination(), destMode, e.delivery(), level)
}

type ioapicPin struct {
	entry redirection
	level bool
}

// redirection is a raw 64-bit redirection table entry.
type redirection uint64

// redirPowerOn is masked with logical destination mode.
const redirPowerOn redirection = 1<<16 | 1<<11

func (r redirection) vector() uint8      { return uint8(r) }
func (r redirection) delivery() uint8    { return uint8(r>>8) & 0x7 }
func (r redirection) logical() bool      { return r&(1<<11) != 0 }
func (r redirection) remoteIRR() bool    { return r&(1<<14) != 0 }
func (r redirection) masked() bool       { return r&(1<<16) != 0 }
func (r redirection) destination() uint8 { return uint8(r >> 56) }

func (r redirection) withRemoteIRR(v bool) redirection {
	if v {
		return r | 1<<14
	}
	return r &^ (1 << 14)
}

// levelTriggered reports whether the entry uses level semantics. Only fixed
// and lowest-priority delivery honour the trigger bit.
func (r redirection) levelTriggered() bool {
	if r&(1<<15) == 0 {
		return false
	}
	m := r.delivery()
	return m == deliveryFixed || m == deliveryLowestPriority
}

var (
	_ cs.ChipsetDevice = (*IOAPIC)(nil)
	_ cs.EOITarget     = (*IOAPIC)(nil)
	_ cs.InterruptSink = (*IOAPIC)(nil)
)
