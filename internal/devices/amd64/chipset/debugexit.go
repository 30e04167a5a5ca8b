package chipset

import (
	"fmt"
	"sync"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

// DebugExitPort is the isa-debug-exit port used by QEMU.
const DebugExitPort uint16 = 0xf4

// DebugExit models the isa-debug-exit device. Writing v stops the machine
// with exit status (v << 1) | 1, so a guest can never report success with 0.
type DebugExit struct {
	mu     sync.Mutex
	port   uint16
	onExit func(status int)
	status int
	exited bool
}

// NewDebugExit returns the device at port (DebugExitPort when zero). onExit
// runs once, on the first write.
func NewDebugExit(port uint16, onExit func(status int)) *DebugExit {
	if port == 0 {
		port = DebugExitPort
	}
	return &DebugExit{port: port, onExit: onExit}
}

func (d *DebugExit) Start() error { return nil }
func (d *DebugExit) Stop() error  { return nil }

func (d *DebugExit) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exited = false
	d.status = 0
	return nil
}

func (d *DebugExit) SupportsPortIO() *cs.PortIOIntercept {
	return &cs.PortIOIntercept{Ports: []uint16{d.port}, Handler: d}
}

func (d *DebugExit) SupportsMmio() *cs.MmioIntercept { return nil }

// Status returns the exit status and whether the guest has requested exit.
func (d *DebugExit) Status() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.exited
}

func (d *DebugExit) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = 0xff
	}
	return nil
}

func (d *DebugExit) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("debug exit: empty write")
	}
	var v uint32
	for i, b := range data {
		v |= uint32(b) << (8 * i)
	}

	d.mu.Lock()
	if d.exited {
		d.mu.Unlock()
		return nil
	}
	d.exited = true
	d.status = int(v<<1 | 1)
	status, fn := d.status, d.onExit
	d.mu.Unlock()

	if fn != nil {
		fn(status)
	}
	return nil
}

var _ cs.ChipsetDevice = (*DebugExit)(nil)
