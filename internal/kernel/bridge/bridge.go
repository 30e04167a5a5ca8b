// Package bridge holds the interrupt handlers. They run in interrupt
// context: they touch device ports, hand data to tasks through lock-free
// queues and acknowledge the controller, and never block or allocate on the
// hot paths.
package bridge

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel/intr"
	"github.com/tinyrange/kcore/internal/kernel/queue"
)

// KeyboardDataPort is the i8042 output buffer.
const KeyboardDataPort uint16 = 0x60

// spuriousPICVector is what the master PIC raises for a spurious IRQ 7 when
// remapped to intr.IRQBase.
const spuriousPICVector = intr.IRQBase + 7

// Config wires the handlers to their collaborators.
type Config struct {
	Controller intr.Controller
	Ports      hw.PortIO
	CPU        hw.CPU
	// Output receives fault diagnostics.
	Output hw.TextOutput
	// Registers supplies CR2 for page faults; may be nil.
	Registers hw.Registers
	Scancodes *queue.Events[byte]
	Logger    *slog.Logger
}

// Bridge owns the handler set and its counters.
type Bridge struct {
	ctrl      intr.Controller
	cpu       hw.CPU
	out       hw.TextOutput
	regs      hw.Registers
	scancodes *queue.Events[byte]
	kbdData   hw.Port8
	log       *slog.Logger

	ticks       atomic.Uint64
	keys        atomic.Uint64
	mouse       atomic.Uint64
	spurious    atomic.Uint64
	apicErrors  atomic.Uint64
	apicStatus  atomic.Uint32
	breakpoints atomic.Uint64
}

// errorReporter is implemented by controllers with a latched error status,
// such as the local APIC.
type errorReporter interface {
	ErrorStatus() uint32
}

// New returns the handler set. Nothing is bound until Install.
func New(cfg Config) *Bridge {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		ctrl:      cfg.Controller,
		cpu:       cfg.CPU,
		out:       cfg.Output,
		regs:      cfg.Registers,
		scancodes: cfg.Scancodes,
		kbdData:   hw.NewPort8(cfg.Ports, KeyboardDataPort),
		log:       log,
	}
}

// Install binds every handler. It must run before interrupts are enabled.
func (b *Bridge) Install(binder hw.VectorBinder) {
	binder.Bind(uint8(intr.VectorBreakpoint), b.Breakpoint)
	binder.Bind(uint8(intr.VectorDoubleFault), b.DoubleFault)
	binder.Bind(uint8(intr.VectorPageFault), b.PageFault)
	binder.Bind(uint8(intr.VectorTimer), b.Timer)
	binder.Bind(uint8(intr.VectorKeyboard), b.Keyboard)
	binder.Bind(uint8(intr.VectorMouse), b.Mouse)
	binder.Bind(uint8(spuriousPICVector), b.Spurious)
	binder.Bind(uint8(intr.VectorAPICError), b.APICError)
	binder.Bind(uint8(intr.VectorSpurious), b.Spurious)
	b.log.Debug("Interrupt handlers installed")
}

func (b *Bridge) eoi(frame *hw.Frame) {
	b.ctrl.EndOfInterrupt(intr.Vector(frame.Vector))
}

// Timer counts a tick.
func (b *Bridge) Timer(frame *hw.Frame) {
	b.ticks.Add(1)
	b.eoi(frame)
}

// Keyboard moves exactly one scan code from the controller into the scan
// code queue. A full queue drops the byte and bumps the queue's drop
// counter; the keyboard task reports it.
func (b *Bridge) Keyboard(frame *hw.Frame) {
	sc := b.kbdData.Read()
	b.keys.Add(1)
	_ = b.scancodes.Send(sc)
	b.eoi(frame)
}

// Mouse acknowledges the interrupt; pointer input is not decoded.
func (b *Bridge) Mouse(frame *hw.Frame) {
	b.mouse.Add(1)
	b.eoi(frame)
}

// Spurious counts the interrupt. Spurious vectors are never in service, so
// they take no EOI.
func (b *Bridge) Spurious(frame *hw.Frame) {
	b.spurious.Add(1)
}

// APICError counts a local APIC error interrupt and accumulates the latched
// error status bits.
func (b *Bridge) APICError(frame *hw.Frame) {
	b.apicErrors.Add(1)
	if r, ok := b.ctrl.(errorReporter); ok {
		b.apicStatus.Or(r.ErrorStatus())
	}
	b.eoi(frame)
}

// Breakpoint prints the frame and resumes.
func (b *Bridge) Breakpoint(frame *hw.Frame) {
	b.breakpoints.Add(1)
	_ = b.out.WriteText("EXCEPTION: BREAKPOINT\n" + FormatFrame(frame))
}

// DoubleFault prints the frame and halts for good.
func (b *Bridge) DoubleFault(frame *hw.Frame) {
	_ = b.out.WriteText(fmt.Sprintf("EXCEPTION: DOUBLE FAULT\nError Code: 0x%x\n%s",
		frame.ErrorCode, FormatFrame(frame)))
	b.cpu.HaltForever()
}

// PageFault prints the faulting address and frame and halts for good.
func (b *Bridge) PageFault(frame *hw.Frame) {
	addr := "unknown"
	if b.regs != nil {
		addr = fmt.Sprintf("0x%016x", b.regs.ControlRegister(2))
	}
	_ = b.out.WriteText(fmt.Sprintf("EXCEPTION: PAGE FAULT\nAccessed Address: %s\nError Code: %s\n%s",
		addr, PageFaultCode(frame.ErrorCode), FormatFrame(frame)))
	b.cpu.HaltForever()
}

// Ticks returns the number of timer interrupts handled.
func (b *Bridge) Ticks() uint64 { return b.ticks.Load() }

// Stats is a snapshot of the handler counters.
type Stats struct {
	Ticks      uint64
	Keys       uint64
	Dropped    uint64
	Mouse      uint64
	Spurious   uint64
	APICErrors uint64
	// APICStatus is every error status bit seen since boot.
	APICStatus  uint32
	Breakpoints uint64
}

// Stats returns the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Ticks:       b.ticks.Load(),
		Keys:        b.keys.Load(),
		Dropped:     b.scancodes.Dropped(),
		Mouse:       b.mouse.Load(),
		Spurious:    b.spurious.Load(),
		APICErrors:  b.apicErrors.Load(),
		APICStatus:  b.apicStatus.Load(),
		Breakpoints: b.breakpoints.Load(),
	}
}
