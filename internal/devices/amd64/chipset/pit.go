package chipset

import (
	"fmt"
	"sync"
	"time"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

const (
	pitChannel0Port uint16 = 0x40
	pitControlPort  uint16 = 0x43

	// PITInputFrequency is the 8254 input clock in Hz.
	PITInputFrequency = 1193182
)

// PITClock is the period of one 8254 input clock.
var PITClock = time.Second / PITInputFrequency

type pitAccess uint8

const (
	pitAccessLatch pitAccess = iota
	pitAccessLow
	pitAccessHigh
	pitAccessWord
)

// PIT models channel 0 of an 8254 wired to IRQ 0. Channels 1 and 2 are not
// present: nothing in the system reads them.
//
// Every period the output is pulled low and then high again, so both the
// edge-triggered PIC and the IO-APIC see a rising edge per tick.
type PIT struct {
	mu sync.Mutex

	line    cs.LineInterrupt
	clock   time.Duration
	factory timerFactory
	now     func() time.Time

	access  pitAccess
	mode    uint8
	reload  uint16
	partial uint16
	writeHi bool

	latched bool
	latch   uint16
	readHi  bool
	running bool
	armedAt time.Time
	timer   timerHandle
	ticks   uint64
}

// PITOption customises a PIT.
type PITOption func(*PIT)

// WithPITClock sets the duration of one input clock. Shortening it speeds up
// the tick rate without reprogramming the counter.
func WithPITClock(d time.Duration) PITOption {
	return func(p *PIT) {
		if d > 0 {
			p.clock = d
		}
	}
}

// WithPITNow overrides the time source used for count reads.
func WithPITNow(now func() time.Time) PITOption {
	return func(p *PIT) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPITTimerFactory injects the periodic timer.
func WithPITTimerFactory(f func(time.Duration, func()) timerHandle) PITOption {
	return func(p *PIT) {
		if f != nil {
			p.factory = f
		}
	}
}

// NewPIT returns a PIT driving line. Its reset state is the one firmware
// leaves behind: square wave mode with a reload of 65536, about 18.2 Hz.
func NewPIT(line cs.LineInterrupt, opts ...PITOption) *PIT {
	if line == nil {
		line = cs.LineInterruptDetached()
	}
	p := &PIT{
		line:    line,
		clock:   PITClock,
		factory: defaultTimerFactory,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resetLocked()
	return p
}

func (p *PIT) resetLocked() {
	p.access = pitAccessWord
	p.mode = 3
	p.reload = 0
	p.writeHi = false
	p.latched = false
	p.readHi = false
	p.running = true
}

// Start arms the counter.
func (p *PIT) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armLocked()
	return nil
}

func (p *PIT) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disarmLocked()
	return nil
}

func (p *PIT) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	armed := p.timer != nil
	p.disarmLocked()
	p.resetLocked()
	if armed {
		p.armLocked()
	}
	return nil
}

func (p *PIT) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{Ports: []uint16{pitChannel0Port, pitControlPort}, Handler: p}
}

func (p *PIT) SupportsMmio() *cs.MmioIntercept { return nil }

// Ticks returns the number of periods elapsed.
func (p *PIT) Ticks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// Period returns the current tick period.
func (p *PIT) Period() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.periodLocked()
}

func (p *PIT) periodLocked() time.Duration {
	n := uint32(p.reload)
	if n == 0 {
		n = 0x10000
	}
	return time.Duration(n) * p.clock
}

func (p *PIT) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case pitControlPort:
		data[0] = 0xff
	case pitChannel0Port:
		v := p.countLocked()
		if p.latched {
			v = p.latch
		}
		switch p.access {
		case pitAccessLow:
			data[0] = byte(v)
		case pitAccessHigh:
			data[0] = byte(v >> 8)
		default:
			if p.readHi {
				data[0] = byte(v >> 8)
				p.latched = false
			} else {
				data[0] = byte(v)
			}
			p.readHi = !p.readHi
		}
	default:
		return fmt.Errorf("pit: invalid read port 0x%04x", port)
	}
	return nil
}

func (p *PIT) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid write size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case pitControlPort:
		p.controlLocked(data[0])
	case pitChannel0Port:
		p.loadLocked(data[0])
	default:
		return fmt.Errorf("pit: invalid write port 0x%04x", port)
	}
	return nil
}

func (p *PIT) controlLocked(v byte) {
	if v>>6 != 0 {
		// Other channels and read-back are not modelled.
		return
	}
	access := pitAccess(v >> 4 & 0x3)
	if access == pitAccessLatch {
		p.latch = p.countLocked()
		p.latched = true
		p.readHi = false
		return
	}
	mode := v >> 1 & 0x7
	if mode > 5 {
		mode -= 4
	}
	p.access = access
	p.mode = mode
	p.writeHi = false
	p.readHi = false
	p.running = false
	p.disarmLocked()
}

func (p *PIT) loadLocked(v byte) {
	switch p.access {
	case pitAccessLow:
		p.reload = p.reload&0xff00 | uint16(v)
	case pitAccessHigh:
		p.reload = p.reload&0x00ff | uint16(v)<<8
	default:
		if !p.writeHi {
			p.partial = uint16(v)
			p.writeHi = true
			return
		}
		p.reload = p.partial | uint16(v)<<8
		p.writeHi = false
	}
	p.running = true
	p.armLocked()
}

func (p *PIT) countLocked() uint16 {
	if !p.running || p.armedAt.IsZero() {
		return p.reload
	}
	period := p.periodLocked()
	left := period - p.now().Sub(p.armedAt)%period
	return uint16(left / p.clock)
}

func (p *PIT) armLocked() {
	p.disarmLocked()
	// Only the periodic modes generate a steady tick.
	if !p.running || (p.mode != 2 && p.mode != 3) {
		return
	}
	p.armedAt = p.now()
	p.timer = p.factory(p.periodLocked(), p.tick)
}

func (p *PIT) disarmLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PIT) tick() {
	p.mu.Lock()
	p.ticks++
	line := p.line
	p.mu.Unlock()

	line.SetLevel(false)
	line.SetLevel(true)
}

var _ cs.ChipsetDevice = (*PIT)(nil)
