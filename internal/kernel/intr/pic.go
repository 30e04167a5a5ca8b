package intr

import (
	"sync"

	"github.com/tinyrange/kcore/internal/hw"
)

const (
	masterCommandPort uint16 = 0x20
	masterDataPort    uint16 = 0x21
	slaveCommandPort  uint16 = 0xa0
	slaveDataPort     uint16 = 0xa1

	// Writes to the POST diagnostic port take about a microsecond on ISA
	// hardware; the 8259 needs that long between initialisation words.
	waitPort uint16 = 0x80

	icw1Init  uint8 = 0x10
	icw1ICW4  uint8 = 0x01
	icw4Mode  uint8 = 0x01 // 8086/88 mode
	picEOI    uint8 = 0x20
	maskedAll uint8 = 0xff
)

type pic struct {
	base    Vector
	command hw.Port8
	data    hw.Port8
}

func (p pic) handles(v Vector) bool {
	return p.base <= v && v < p.base+8
}

// ChainedPICs drives the master/slave 8259 pair with the slave cascaded on
// master line 2.
type ChainedPICs struct {
	// mu serialises read-modify-write of the mask registers.
	mu   sync.Mutex
	pics [2]pic
	wait hw.Port8
}

// NewChainedPICs returns the pair remapped to masterBase and slaveBase. Both
// bases must be multiples of 8.
func NewChainedPICs(io hw.PortIO, masterBase, slaveBase Vector) *ChainedPICs {
	return &ChainedPICs{
		pics: [2]pic{
			{base: masterBase, command: hw.NewPort8(io, masterCommandPort), data: hw.NewPort8(io, masterDataPort)},
			{base: slaveBase, command: hw.NewPort8(io, slaveCommandPort), data: hw.NewPort8(io, slaveDataPort)},
		},
		wait: hw.NewPort8(io, waitPort),
	}
}

// Init remaps both chips to their vector bases. The interrupt masks in
// force before the call are restored afterwards.
func (c *ChainedPICs) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	saved := c.masksLocked()

	for _, p := range c.pics {
		p.command.Write(icw1Init | icw1ICW4)
		c.wait.Write(0)
	}
	for _, p := range c.pics {
		p.data.Write(uint8(p.base))
		c.wait.Write(0)
	}
	// ICW3: the master takes a bitmask of slave inputs, the slave its
	// cascade identity.
	c.pics[0].data.Write(1 << LineCascade)
	c.wait.Write(0)
	c.pics[1].data.Write(uint8(LineCascade))
	c.wait.Write(0)
	for _, p := range c.pics {
		p.data.Write(icw4Mode)
		c.wait.Write(0)
	}

	c.pics[0].data.Write(saved[0])
	c.pics[1].data.Write(saved[1])
	return nil
}

// Masks returns the master and slave interrupt mask registers.
func (c *ChainedPICs) Masks() [2]uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masksLocked()
}

func (c *ChainedPICs) masksLocked() [2]uint8 {
	return [2]uint8{c.pics[0].data.Read(), c.pics[1].data.Read()}
}

// Disable masks every line on both chips.
func (c *ChainedPICs) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pics[0].data.Write(maskedAll)
	c.pics[1].data.Write(maskedAll)
}

func (c *ChainedPICs) Mask(line Line)   { c.setMask(line, true) }
func (c *ChainedPICs) Unmask(line Line) { c.setMask(line, false) }

func (c *ChainedPICs) setMask(line Line, masked bool) {
	if line >= 16 {
		return
	}
	p := c.pics[0]
	if line >= 8 {
		p = c.pics[1]
		line -= 8
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m := p.data.Read()
	if masked {
		m |= 1 << line
	} else {
		m &^= 1 << line
	}
	p.data.Write(m)
}

// Handles reports whether either chip owns vector.
func (c *ChainedPICs) Handles(v Vector) bool {
	return c.pics[0].handles(v) || c.pics[1].handles(v)
}

// EndOfInterrupt signals completion to the owning chip. Slave interrupts
// reach the CPU through the master's cascade input, so both chips need an
// EOI, slave first. Vectors outside both ranges are ignored.
func (c *ChainedPICs) EndOfInterrupt(v Vector) {
	if !c.Handles(v) {
		return
	}
	if c.pics[1].handles(v) {
		c.pics[1].command.Write(picEOI)
	}
	c.pics[0].command.Write(picEOI)
}

var _ Controller = (*ChainedPICs)(nil)
