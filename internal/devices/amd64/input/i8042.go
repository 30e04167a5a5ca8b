package input

import (
	"fmt"
	"sync"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64

	i8042CommandReadCommandByte  = 0x20
	i8042CommandWriteCommandByte = 0x60
	i8042CommandDisableSecond    = 0xa7
	i8042CommandEnableSecond     = 0xa8
	i8042CommandControllerTest   = 0xaa
	i8042CommandTestFirstPort    = 0xab
	i8042CommandDisableFirstPort = 0xad
	i8042CommandEnableFirstPort  = 0xae
	i8042CommandResetCPU         = 0xfe
)

const (
	i8042StatusOutputFull = 1 << 0
	i8042StatusSystemFlag = 1 << 2
	i8042StatusKeyLock    = 1 << 4
)

const (
	i8042CommandByteFirstIRQ        = 1 << 0
	i8042CommandByteSystemFlag      = 1 << 2
	i8042CommandByteDisablePort1Clk = 1 << 4
	i8042CommandByteTranslate       = 1 << 6

	// i8042DefaultCommandByte is what firmware hands over: keyboard
	// interrupt on, translation to set 1 on.
	i8042DefaultCommandByte = i8042CommandByteFirstIRQ | i8042CommandByteSystemFlag | i8042CommandByteTranslate
)

const (
	i8042ResponseSelfTestOK = 0x55
	i8042ResponsePortOK     = 0x00

	// i8042OutputDepth is the keyboard's internal buffer size.
	i8042OutputDepth = 16
)

// I8042 models the PS/2 controller with a keyboard on its first port.
// Bytes from the keyboard queue in a FIFO; while the FIFO is not empty and
// the first port interrupt is enabled IRQ 1 is held high. Each read of the
// data port lowers the line and raises it again if more bytes are queued,
// giving an edge per byte.
type I8042 struct {
	mu sync.Mutex

	irq      cs.LineInterrupt
	keyboard *PS2Keyboard
	onReset  func()

	commandByte          byte
	out                  []byte
	last                 byte
	expectingCommandByte bool
	dropped              uint64
}

// NewI8042 returns a controller with the firmware default command byte.
func NewI8042() *I8042 {
	return &I8042{
		irq:         cs.LineInterruptDetached(),
		commandByte: i8042DefaultCommandByte,
	}
}

// SetIRQ sets the keyboard interrupt line.
func (c *I8042) SetIRQ(line cs.LineInterrupt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if line == nil {
		line = cs.LineInterruptDetached()
	}
	c.irq = line
	c.syncIRQLocked()
}

// OnResetRequest sets the callback for the pulse-reset command.
func (c *I8042) OnResetRequest(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReset = fn
}

// AttachKeyboard connects kbd to the first port.
func (c *I8042) AttachKeyboard(kbd *PS2Keyboard) {
	c.mu.Lock()
	c.keyboard = kbd
	c.mu.Unlock()
	kbd.setController(c)
}

// Dropped returns the number of bytes lost to a full buffer.
func (c *I8042) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Buffered returns the number of bytes waiting to be read.
func (c *I8042) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

func (c *I8042) Start() error { return nil }
func (c *I8042) Stop() error  { return nil }

func (c *I8042) Reset() error {
	c.mu.Lock()
	c.commandByte = i8042DefaultCommandByte
	c.out = c.out[:0]
	c.expectingCommandByte = false
	c.irq.SetLevel(false)
	kbd := c.keyboard
	c.mu.Unlock()

	if kbd != nil {
		kbd.Reset()
	}
	return nil
}

func (c *I8042) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{Ports: []uint16{i8042DataPort, i8042CommandPort}, Handler: c}
}

func (c *I8042) SupportsMmio() *cs.MmioIntercept { return nil }

func (c *I8042) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range data {
		switch port {
		case i8042CommandPort:
			data[i] = c.statusLocked()
		case i8042DataPort:
			data[i] = c.readDataLocked()
		default:
			return fmt.Errorf("i8042: invalid read port 0x%04x", port)
		}
	}
	return nil
}

func (c *I8042) WriteIOPort(port uint16, data []byte) error {
	for _, value := range data {
		switch port {
		case i8042CommandPort:
			c.handleCommand(value)
		case i8042DataPort:
			c.handleDataWrite(value)
		default:
			return fmt.Errorf("i8042: invalid write port 0x%04x", port)
		}
	}
	return nil
}

// QueueKeyboardData appends a byte from the keyboard to the output FIFO.
func (c *I8042) QueueKeyboardData(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandByte&i8042CommandByteDisablePort1Clk != 0 {
		c.dropped++
		return
	}
	c.queueOutputLocked(b)
}

func (c *I8042) translating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandByte&i8042CommandByteTranslate != 0
}

func (c *I8042) handleCommand(command byte) {
	c.mu.Lock()
	var reset func()
	switch command {
	case i8042CommandReadCommandByte:
		c.queueOutputLocked(c.commandByte)
	case i8042CommandWriteCommandByte:
		c.expectingCommandByte = true
	case i8042CommandControllerTest:
		c.queueOutputLocked(i8042ResponseSelfTestOK)
	case i8042CommandTestFirstPort:
		c.queueOutputLocked(i8042ResponsePortOK)
	case i8042CommandDisableFirstPort:
		c.commandByte |= i8042CommandByteDisablePort1Clk
	case i8042CommandEnableFirstPort:
		c.commandByte &^= i8042CommandByteDisablePort1Clk
	case i8042CommandDisableSecond, i8042CommandEnableSecond:
		// No second port.
	case i8042CommandResetCPU:
		reset = c.onReset
	}
	c.syncIRQLocked()
	c.mu.Unlock()

	if reset != nil {
		reset()
	}
}

func (c *I8042) handleDataWrite(value byte) {
	c.mu.Lock()
	if c.expectingCommandByte {
		c.commandByte = value
		c.expectingCommandByte = false
		c.syncIRQLocked()
		c.mu.Unlock()
		return
	}
	kbd := c.keyboard
	c.mu.Unlock()

	// The keyboard answers through QueueKeyboardData, so the controller lock
	// must not be held here.
	if kbd != nil {
		kbd.HandleCommand(value)
	}
}

func (c *I8042) statusLocked() byte {
	status := byte(i8042StatusKeyLock)
	if len(c.out) > 0 {
		status |= i8042StatusOutputFull
	}
	if c.commandByte&i8042CommandByteSystemFlag != 0 {
		status |= i8042StatusSystemFlag
	}
	return status
}

func (c *I8042) readDataLocked() byte {
	if len(c.out) == 0 {
		return c.last
	}
	c.last = c.out[0]
	c.out = c.out[1:]
	c.irq.SetLevel(false)
	c.syncIRQLocked()
	return c.last
}

func (c *I8042) queueOutputLocked(value byte) {
	if len(c.out) >= i8042OutputDepth {
		c.dropped++
		return
	}
	c.out = append(c.out, value)
	c.syncIRQLocked()
}

func (c *I8042) syncIRQLocked() {
	c.irq.SetLevel(len(c.out) > 0 && c.commandByte&i8042CommandByteFirstIRQ != 0)
}

var _ cs.ChipsetDevice = (*I8042)(nil)
