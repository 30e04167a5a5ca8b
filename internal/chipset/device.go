// Package chipset is the board model the simulated processor talks to:
// devices claim I/O ports and MMIO windows through a ChipsetBuilder, raise
// interrupts through LineInterrupt handles, and are reached by the kernel
// through a Bus.
package chipset

// ChipsetDevice is implemented by every board device. Either intercept may
// be nil.
type ChipsetDevice interface {
	Start() error
	Stop() error
	Reset() error

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}

// PortIOHandler serves I/O port accesses; len(data) is the access width.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept lists the ports a device claims.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MMIORegion is a physical address window.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MmioHandler serves accesses inside a device's windows. addr is absolute.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept lists the windows a device claims.
type MmioIntercept struct {
	Regions []MMIORegion
	Handler MmioHandler
}

// LineInterrupt is the output pin of a device. Level-triggered devices hold
// it with SetLevel; edge-triggered ones pulse it.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// LineInterruptDetached returns a pin wired to nothing.
func LineInterruptDetached() LineInterrupt { return lineFunc(nil) }

// LineInterruptFromFunc calls fn on every level change; a pulse is a rise
// followed by a fall.
func LineInterruptFromFunc(fn func(high bool)) LineInterrupt { return lineFunc(fn) }

type lineFunc func(bool)

func (f lineFunc) SetLevel(high bool) {
	if f != nil {
		f(high)
	}
}

func (f lineFunc) PulseInterrupt() {
	f.SetLevel(true)
	f.SetLevel(false)
}
