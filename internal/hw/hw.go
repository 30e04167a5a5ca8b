// Package hw defines the narrow hardware boundary the kernel core is written
// against. Everything above this package operates on plain values returned
// from typed port and MMIO accessors; the backends (the simulated PC in
// internal/sim and the Linux /dev/port backend in internal/hw/devport) live
// below it.
package hw

// PortIO is x86 port-mapped I/O at 8, 16 and 32 bit widths.
//
// Accesses never fail from the caller's point of view: a port with nothing
// behind it reads as all ones, exactly like a floating ISA bus.
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, value uint8)
	In16(port uint16) uint16
	Out16(port uint16, value uint16)
	In32(port uint16) uint32
	Out32(port uint16, value uint32)
}

// MMIO is 32-bit access to memory-mapped device registers at virtual
// addresses previously returned by a PhysMapper.
type MMIO interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

// PhysMapper makes a physical MMIO window reachable and returns its virtual
// address. It is called once per window at controller initialisation.
type PhysMapper interface {
	MapPhysical(phys uint64) (uint64, error)
}

// Frame is the state the CPU pushes when it vectors to a handler.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	RIP       uint64
	CS        uint64
	RFlags    uint64
	RSP       uint64
	SS        uint64
}

// Handler runs in interrupt context.
type Handler func(frame *Frame)

// VectorBinder is the descriptor-table collaborator: it binds a vector number
// to a handler. Binding happens during boot, before interrupts are enabled.
type VectorBinder interface {
	Bind(vector uint8, handler Handler)
}

// CPU is the processor-control collaborator.
type CPU interface {
	EnableInterrupts()
	DisableInterrupts()
	InterruptsEnabled() bool
	// EnableAndHalt atomically enables interrupts and halts until the next
	// interrupt has been handled (sti; hlt).
	EnableAndHalt()
	// HaltForever disables interrupts and stops the processor. It does not
	// return.
	HaltForever()
}

// WithoutInterrupts runs fn with interrupts disabled and restores the
// previous interrupt flag afterwards, so calls nest.
func WithoutInterrupts(cpu CPU, fn func()) {
	enabled := cpu.InterruptsEnabled()
	if enabled {
		cpu.DisableInterrupts()
	}
	defer func() {
		if enabled {
			cpu.EnableInterrupts()
		}
	}()
	fn()
}

// TextOutput is the text console collaborator. A write or clear failure is
// fatal to the caller.
type TextOutput interface {
	WriteText(s string) error
	Clear() error
}

// Registers exposes the control and debug registers dumped by the console.
type Registers interface {
	RFlags() uint64
	// ControlRegister returns CRn for n in {0, 2, 3, 4}.
	ControlRegister(n int) uint64
	// DebugRegister returns DRn for n in {0, 1, 2, 3, 6, 7}.
	DebugRegister(n int) uint64
}
