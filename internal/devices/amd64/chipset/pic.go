package chipset

import (
	"fmt"
	"math/bits"
	"sync"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

const (
	masterCommandPort uint16 = 0x20
	masterDataPort    uint16 = 0x21
	slaveCommandPort  uint16 = 0xa0
	slaveDataPort     uint16 = 0xa1
	masterELCRPort    uint16 = 0x4d0
	slaveELCRPort     uint16 = 0x4d1

	// cascadeInput is the master input driven by the slave's INT output.
	cascadeInput = 2
	// spuriousInput is the line reported by an acknowledge with nothing ready.
	spuriousInput = 7
)

// PICStats counts what the pair delivered.
type PICStats struct {
	Spurious     uint64
	Acknowledges uint64
	EOIs         uint64
	PerIRQ       [16]uint64
}

// DualPIC implements the classic pair of cascaded 8259A controllers. The
// master's INT output drives the ready line; the slave's INT output feeds
// master input 2.
type DualPIC struct {
	mu    sync.Mutex
	ready cs.LineInterrupt

	master, slave *i8259

	stats PICStats
}

// NewDualPIC returns a pair in the power-on state: uninitialised, with the
// BIOS-style vector bases 0x08 and 0x70 and nothing masked.
func NewDualPIC() *DualPIC {
	return &DualPIC{
		ready:  cs.LineInterruptDetached(),
		master: newI8259(true),
		slave:  newI8259(false),
	}
}

// SetReadyLine sets the interrupt line used for the INT output.
func (p *DualPIC) SetReadyLine(line cs.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		line = cs.LineInterruptDetached()
	}
	p.ready = line
	p.updateLocked()
}

func (p *DualPIC) Start() error { return nil }
func (p *DualPIC) Stop() error  { return nil }

// Reset returns both chips to the power-on state, keeping the ELCR and the
// current input levels.
func (p *DualPIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.master.powerOn()
	p.slave.powerOn()
	p.stats = PICStats{}
	p.updateLocked()
	return nil
}

func (p *DualPIC) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{
		Ports:   []uint16{masterCommandPort, masterDataPort, slaveCommandPort, slaveDataPort, masterELCRPort, slaveELCRPort},
		Handler: p,
	}
}

func (p *DualPIC) SupportsMmio() *cs.MmioIntercept { return nil }

// decode maps a port to its chip and register.
func (p *DualPIC) decode(port uint16) (*i8259, picRegister, error) {
	switch port {
	case masterCommandPort:
		return p.master, regCommand, nil
	case masterDataPort:
		return p.master, regData, nil
	case masterELCRPort:
		return p.master, regELCR, nil
	case slaveCommandPort:
		return p.slave, regCommand, nil
	case slaveDataPort:
		return p.slave, regData, nil
	case slaveELCRPort:
		return p.slave, regELCR, nil
	}
	return nil, 0, fmt.Errorf("pic: no register at port 0x%04x", port)
}

func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: %d byte read of port 0x%04x", len(data), port)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	chip, reg, err := p.decode(port)
	if err != nil {
		return err
	}
	switch reg {
	case regCommand:
		data[0] = chip.readStatus()
	case regData:
		data[0] = chip.imr
	case regELCR:
		data[0] = chip.elcr
	}
	// A poll read acknowledges.
	p.updateLocked()
	return nil
}

func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: %d byte write of port 0x%04x", len(data), port)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	chip, reg, err := p.decode(port)
	if err != nil {
		return err
	}
	switch reg {
	case regCommand:
		if chip.command(data[0]) {
			p.stats.EOIs++
		}
	case regData:
		chip.data(data[0])
	case regELCR:
		chip.elcr = data[0]
	}
	p.updateLocked()
	return nil
}

// updateLocked propagates the slave's output into the master and the
// master's output onto the ready line.
func (p *DualPIC) updateLocked() {
	p.master.drive(cascadeInput, p.slave.ready() != 0)
	p.ready.SetLevel(p.master.ready() != 0)
}

// SetIRQ drives one of the 16 ISA inputs.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	if line >= 16 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line < 8 {
		p.master.drive(line, level)
	} else {
		p.slave.drive(line-8, level)
	}
	p.updateLocked()
}

// Acknowledge performs the INTA cycle: it returns whether a real interrupt
// was pending and the vector to deliver. A spurious acknowledge returns the
// IRQ 7 (or IRQ 15) vector with requested false.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updateLocked()

	input, ok := p.master.acknowledge()
	chip, irq := p.master, input
	if ok && input == cascadeInput {
		input, ok = p.slave.acknowledge()
		chip, irq = p.slave, 8+input
	}
	if !ok {
		p.stats.Spurious++
		return false, chip.base | spuriousInput
	}
	p.stats.Acknowledges++
	p.stats.PerIRQ[irq]++
	return true, chip.base | input
}

// InService returns the in-service registers of the master and slave.
func (p *DualPIC) InService() [2]uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return [2]uint8{p.master.isr, p.slave.isr}
}

// Masks returns the interrupt mask registers of the master and slave.
func (p *DualPIC) Masks() [2]uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return [2]uint8{p.master.imr, p.slave.imr}
}

// Bases returns the programmed vector bases, and whether both chips have
// completed initialisation.
func (p *DualPIC) Bases() (uint8, uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master.base, p.slave.base, p.master.step == icwDone && p.slave.step == icwDone
}

// Stats returns a copy of the delivery counters.
func (p *DualPIC) Stats() PICStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(master=%v, slave=%v)", p.master, p.slave)
}

type picRegister int

const (
	regCommand picRegister = iota
	regData
	regELCR
)

// icwStep is the next initialisation word a chip expects on its data port.
type icwStep int

const (
	icwNone icwStep = iota // never initialised; data writes set the mask
	icwBase
	icwCascade
	icwMode
	icwDone
)

// Command port bits.
const (
	cmdICW1    = 0x10 // ICW1; otherwise OCW2 or OCW3
	cmdOCW3    = 0x08 // OCW3 when ICW1 is clear
	ocw2EOI    = 0x20
	ocw2Level  = 0x40 // specific EOI; the low three bits name the input
	ocw3Read   = 0x02 // RR: the next bit selects the read register
	ocw3ISR    = 0x01 // RIS
	ocw3Poll   = 0x04
	ocw3SetSMM = 0x40 // ESMM: the next bit is the special mask mode
	ocw3SMM    = 0x20
)

// i8259 is one controller of the pair.
type i8259 struct {
	isMaster bool

	step icwStep
	base uint8 // ICW2 with the low three bits clear
	imr  uint8
	isr  uint8
	elcr uint8

	readISR     bool
	pollNext    bool
	specialMask bool

	// pins holds the input levels. armed marks inputs that have been low
	// since their last acknowledge: an edge input only requests service
	// on a low to high transition.
	pins  uint8
	armed uint8
}

func newI8259(master bool) *i8259 {
	c := &i8259{isMaster: master}
	c.powerOn()
	return c
}

// powerOn clears the programmed state and keeps the pins and the ELCR,
// which belong to the board rather than the chip.
func (c *i8259) powerOn() {
	base := uint8(0x08)
	if !c.isMaster {
		base = 0x70
	}
	*c = i8259{isMaster: c.isMaster, base: base, elcr: c.elcr, pins: c.pins, armed: 0xff}
}

func (c *i8259) String() string {
	return fmt.Sprintf("{base=0x%02x imr=%08b isr=%08b irr=%08b}", c.base, c.imr, c.isr, c.irr())
}

func (c *i8259) irr() uint8 {
	return c.pins & (c.elcr | c.armed)
}

func (c *i8259) drive(input uint8, high bool) {
	bit := uint8(1) << input
	if high {
		c.pins |= bit
		return
	}
	c.pins &^= bit
	c.armed |= bit
}

// ready returns the requests that beat everything in service. Input 0 has
// the highest priority.
func (c *i8259) ready() uint8 {
	requests := c.irr()
	if !c.specialMask {
		requests &^= c.imr
	}
	return requests & (lowestBit(c.isr) - 1)
}

func (c *i8259) acknowledge() (uint8, bool) {
	ready := c.ready()
	if ready == 0 {
		return spuriousInput, false
	}
	input := uint8(bits.TrailingZeros8(ready))
	bit := uint8(1) << input
	c.armed &^= bit
	c.isr |= bit
	return input, true
}

func (c *i8259) readStatus() uint8 {
	switch {
	case c.pollNext:
		c.pollNext = false
		input, ok := c.acknowledge()
		if ok {
			return 0x80 | input
		}
		return input
	case c.readISR:
		return c.isr
	}
	return c.irr()
}

// command handles ICW1, OCW2 and OCW3 and reports whether the write was an
// end of interrupt.
func (c *i8259) command(v uint8) bool {
	if v&cmdICW1 != 0 {
		c.powerOn()
		c.step = icwBase
		return false
	}
	if c.step != icwDone {
		return false
	}
	if v&cmdOCW3 != 0 {
		if v&ocw3Read != 0 {
			c.readISR = v&ocw3ISR != 0
		}
		if v&ocw3SetSMM != 0 {
			c.specialMask = v&ocw3SMM != 0
		}
		c.pollNext = v&ocw3Poll != 0
		return false
	}
	if v&ocw2EOI == 0 {
		return false
	}
	if v&ocw2Level != 0 {
		c.isr &^= 1 << (v & 7)
	} else {
		c.isr &^= lowestBit(c.isr)
	}
	return true
}

func (c *i8259) data(v uint8) {
	switch c.step {
	case icwNone, icwDone:
		c.imr = v
	case icwBase:
		c.base = v &^ 7
		c.step = icwCascade
	case icwCascade:
		// The master takes a bitmask with the cascade input set, the slave
		// its cascade identity. Anything else leaves the chip waiting.
		want := uint8(cascadeInput)
		if c.isMaster {
			want = 1 << cascadeInput
		}
		if v == want {
			c.step = icwMode
		}
	case icwMode:
		// 8086 mode, with or without automatic EOI.
		if v == 1 || v == 3 {
			c.step = icwDone
		}
	}
}

func lowestBit(b uint8) uint8 {
	return b & -b
}

var _ cs.ChipsetDevice = (*DualPIC)(nil)
