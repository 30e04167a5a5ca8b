package intr

import (
	"fmt"
	"sync"

	"github.com/tinyrange/kcore/internal/hw"
)

// Default physical windows of the bootstrap processor's local APIC and the
// first IO-APIC.
const (
	DefaultLAPICBase  uint64 = 0xfee00000
	DefaultIOAPICBase uint64 = 0xfec00000

	// The local timer runs periodically unless configured otherwise.
	DefaultAPICTimerCount  uint32 = 100_000
	DefaultAPICTimerDivide uint32 = 0x3 // divide by 16
)

// Local APIC register offsets.
const (
	LAPICID           = 0x020
	LAPICVersion      = 0x030
	LAPICTPR          = 0x080
	LAPICEOI          = 0x0b0
	LAPICSpurious     = 0x0f0
	LAPICErrorStatus  = 0x280
	LAPICLVTTimer     = 0x320
	LAPICLVTLint0     = 0x350
	LAPICLVTLint1     = 0x360
	LAPICLVTError     = 0x370
	LAPICTimerInitial = 0x380
	LAPICTimerCurrent = 0x390
	LAPICTimerDivide  = 0x3e0

	LAPICSoftwareEnable = 1 << 8
	LVTMasked           = 1 << 16
	LVTTimerPeriodic    = 1 << 17
)

// IO-APIC indirect register window.
const (
	IOAPICSelect = 0x00
	IOAPICWindow = 0x10

	ioapicVersionRegister = 0x01
	ioapicRedirectionBase = 0x10
)

// DeliveryMode is the redirection entry delivery mode field.
type DeliveryMode uint8

const (
	DeliveryFixed          DeliveryMode = 0
	DeliveryLowestPriority DeliveryMode = 1
	DeliverySMI            DeliveryMode = 2
	DeliveryNMI            DeliveryMode = 4
	DeliveryINIT           DeliveryMode = 5
	DeliveryExtINT         DeliveryMode = 7
)

// RedirectionEntry is one IO-APIC redirection table slot.
type RedirectionEntry struct {
	Vector         Vector
	Delivery       DeliveryMode
	LogicalDest    bool
	ActiveLow      bool
	LevelTriggered bool
	Masked         bool
	Destination    uint8
}

// Encode packs the entry into the 64-bit register layout.
func (e RedirectionEntry) Encode() uint64 {
	v := uint64(e.Vector) | uint64(e.Delivery&0x7)<<8
	if e.LogicalDest {
		v |= 1 << 11
	}
	if e.ActiveLow {
		v |= 1 << 13
	}
	if e.LevelTriggered {
		v |= 1 << 15
	}
	if e.Masked {
		v |= 1 << 16
	}
	return v | uint64(e.Destination)<<56
}

// DecodeRedirection unpacks a 64-bit redirection register.
func DecodeRedirection(v uint64) RedirectionEntry {
	return RedirectionEntry{
		Vector:         Vector(v),
		Delivery:       DeliveryMode(v>>8) & 0x7,
		LogicalDest:    v&(1<<11) != 0,
		ActiveLow:      v&(1<<13) != 0,
		LevelTriggered: v&(1<<15) != 0,
		Masked:         v&(1<<16) != 0,
		Destination:    uint8(v >> 56),
	}
}

// APICConfig places the controller windows and programs the local timer.
type APICConfig struct {
	LAPICBase  uint64
	IOAPICBase uint64

	// TimerInitialCount is the periodic reload value of the local APIC
	// timer. Zero selects DefaultAPICTimerCount and DefaultAPICTimerDivide.
	TimerInitialCount uint32
	// TimerDivide is the raw divide configuration register value.
	TimerDivide uint32
	// TimerOff leaves the LVT timer masked.
	TimerOff bool
}

func (c *APICConfig) normalize() {
	if c.LAPICBase == 0 {
		c.LAPICBase = DefaultLAPICBase
	}
	if c.IOAPICBase == 0 {
		c.IOAPICBase = DefaultIOAPICBase
	}
	if c.TimerInitialCount == 0 && !c.TimerOff {
		c.TimerInitialCount = DefaultAPICTimerCount
		c.TimerDivide = DefaultAPICTimerDivide
	}
}

// APIC routes ISA interrupts through the first IO-APIC to the local APIC of
// the bootstrap processor.
type APIC struct {
	mapper hw.PhysMapper
	mem    hw.MMIO
	cfg    APICConfig

	lapic uint64

	// mu guards the IO-APIC select/window pair, which is not atomic.
	mu       sync.Mutex
	ioSelect hw.Reg32
	ioWindow hw.Reg32
	entries  int
}

// NewAPIC returns an uninitialised controller. Init maps the register
// windows through mapper and accesses them through mem.
func NewAPIC(mapper hw.PhysMapper, mem hw.MMIO, cfg APICConfig) *APIC {
	cfg.normalize()
	return &APIC{mapper: mapper, mem: mem, cfg: cfg}
}

// Init maps both windows, enables the local APIC and routes the keyboard and
// mouse lines. Every other IO-APIC input is left masked.
func (a *APIC) Init() error {
	lapic, err := a.mapper.MapPhysical(a.cfg.LAPICBase)
	if err != nil {
		return fmt.Errorf("intr: map local APIC at 0x%x: %w", a.cfg.LAPICBase, err)
	}
	ioapic, err := a.mapper.MapPhysical(a.cfg.IOAPICBase)
	if err != nil {
		return fmt.Errorf("intr: map IO-APIC at 0x%x: %w", a.cfg.IOAPICBase, err)
	}
	a.lapic = lapic
	a.initLocal()

	a.mu.Lock()
	a.ioSelect = hw.NewReg32(a.mem, ioapic+IOAPICSelect)
	a.ioWindow = hw.NewReg32(a.mem, ioapic+IOAPICWindow)
	a.entries = int(a.readIOAPIC(ioapicVersionRegister)>>16&0xff) + 1
	for i := 0; i < a.entries; i++ {
		a.writeRedirectionLocked(Line(i), RedirectionEntry{
			Vector: IRQBase + Vector(i),
			Masked: true,
		})
	}
	a.mu.Unlock()

	id := a.LocalID()
	a.SetRedirection(LineKeyboard, RedirectionEntry{Vector: VectorKeyboard, Destination: id})
	a.SetRedirection(LineMouse, RedirectionEntry{Vector: VectorMouse, Destination: id, Masked: true})
	return nil
}

func (a *APIC) initLocal() {
	a.local(LAPICSpurious).Write(LAPICSoftwareEnable | uint32(VectorSpurious))
	a.local(LAPICTPR).Write(0)
	a.local(LAPICLVTError).Write(uint32(VectorAPICError))
	a.local(LAPICLVTLint0).Write(LVTMasked)
	a.local(LAPICLVTLint1).Write(LVTMasked)

	a.local(LAPICTimerDivide).Write(a.cfg.TimerDivide)
	timer := a.local(LAPICLVTTimer)
	if a.cfg.TimerOff {
		timer.Write(LVTMasked | uint32(VectorTimer))
		return
	}
	timer.Write(LVTTimerPeriodic | uint32(VectorTimer))
	a.local(LAPICTimerInitial).Write(a.cfg.TimerInitialCount)
}

// local binds a register in the mapped local APIC window.
func (a *APIC) local(reg uint64) hw.Reg32 {
	return hw.NewReg32(a.mem, a.lapic+reg)
}

func (a *APIC) readIOAPIC(reg uint8) uint32 {
	a.ioSelect.Write(uint32(reg))
	return a.ioWindow.Read()
}

func (a *APIC) writeIOAPIC(reg uint8, v uint32) {
	a.ioSelect.Write(uint32(reg))
	a.ioWindow.Write(v)
}

func (a *APIC) readRedirectionLocked(line Line) RedirectionEntry {
	reg := ioapicRedirectionBase + 2*uint8(line)
	lo := a.readIOAPIC(reg)
	hi := a.readIOAPIC(reg + 1)
	return DecodeRedirection(uint64(hi)<<32 | uint64(lo))
}

// The mask bit lives in the low word, so the high word is written first and
// the entry only goes live once the destination is in place.
func (a *APIC) writeRedirectionLocked(line Line, e RedirectionEntry) {
	reg := ioapicRedirectionBase + 2*uint8(line)
	v := e.Encode()
	a.writeIOAPIC(reg+1, uint32(v>>32))
	a.writeIOAPIC(reg, uint32(v))
}

// SetRedirection replaces the redirection entry for line.
func (a *APIC) SetRedirection(line Line, e RedirectionEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(line) >= a.entries {
		return
	}
	a.writeRedirectionLocked(line, e)
}

// Redirection reads back the redirection entry for line.
func (a *APIC) Redirection(line Line) (RedirectionEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(line) >= a.entries {
		return RedirectionEntry{}, fmt.Errorf("intr: IO-APIC line %d out of range (%d entries)", line, a.entries)
	}
	return a.readRedirectionLocked(line), nil
}

// Entries returns the number of IO-APIC inputs discovered by Init.
func (a *APIC) Entries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries
}

func (a *APIC) Mask(line Line)   { a.setMasked(line, true) }
func (a *APIC) Unmask(line Line) { a.setMasked(line, false) }

func (a *APIC) setMasked(line Line, masked bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(line) >= a.entries {
		return
	}
	e := a.readRedirectionLocked(line)
	e.Masked = masked
	a.writeRedirectionLocked(line, e)
}

// EndOfInterrupt writes the local APIC EOI register. The IO-APIC learns of
// the EOI through the local APIC broadcast, so vector is not needed.
func (a *APIC) EndOfInterrupt(Vector) {
	a.local(LAPICEOI).Write(0)
}

// ErrorStatus latches and returns the local APIC error status register.
func (a *APIC) ErrorStatus() uint32 {
	esr := a.local(LAPICErrorStatus)
	esr.Write(0)
	return esr.Read()
}

// LocalID returns the local APIC ID. Init routes the keyboard and mouse to it.
func (a *APIC) LocalID() uint8 {
	return uint8(a.local(LAPICID).Read() >> 24)
}

var _ Controller = (*APIC)(nil)
