package chipset

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"time"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

const (
	// LAPICBaseAddress is the architectural default local APIC base.
	LAPICBaseAddress uint64 = 0xfee00000

	// LAPICWindowSize is one page of registers.
	LAPICWindowSize = 0x1000

	lapicRegID        = 0x020
	lapicRegVersion   = 0x030
	lapicRegTPR       = 0x080
	lapicRegPPR       = 0x0a0
	lapicRegEOI       = 0x0b0
	lapicRegLDR       = 0x0d0
	lapicRegDFR       = 0x0e0
	lapicRegSVR       = 0x0f0
	lapicRegISR       = 0x100
	lapicRegTMR       = 0x180
	lapicRegIRR       = 0x200
	lapicRegESR       = 0x280
	lapicRegLVTTimer  = 0x320
	lapicRegLVTTherm  = 0x330
	lapicRegLVTPerf   = 0x340
	lapicRegLVTLint0  = 0x350
	lapicRegLVTLint1  = 0x360
	lapicRegLVTError  = 0x370
	lapicRegInitCount = 0x380
	lapicRegCurCount  = 0x390
	lapicRegDivide    = 0x3e0

	lapicVersion = 0x00050014

	lvtMask     = 1 << 16
	lvtPeriodic = 1 << 17
	svrEnable   = 1 << 8

	// esrReceiveIllegal is set when a vector below 16 is delivered.
	esrReceiveIllegal = 1 << 6
	// esrSendIllegal is set when software programs a vector below 16.
	esrSendIllegal = 1 << 5

	// DefaultLAPICBusClock is the period of one timer input clock.
	DefaultLAPICBusClock = 10 * time.Nanosecond
)

// LAPICStats counts local APIC activity.
type LAPICStats struct {
	Accepted   uint64
	Dropped    uint64
	Spurious   uint64
	EOIs       uint64
	TimerTicks uint64
}

// LAPIC models the local APIC of the single simulated processor: the
// interrupt request and in-service bitmaps, task priority, the LVT timer
// and error entries, and EOI broadcast to the IO-APIC.
type LAPIC struct {
	mu sync.Mutex

	base    uint64
	id      uint8
	clock   time.Duration
	factory timerFactory
	eoi     *cs.LineSet
	ready   cs.LineInterrupt

	irr [8]uint32
	isr [8]uint32
	tmr [8]uint32

	tpr uint32
	ldr uint32
	dfr uint32
	svr uint32

	esr        uint32
	esrPending uint32

	lvtTimer uint32
	lvtTherm uint32
	lvtPerf  uint32
	lint0    uint32
	lint1    uint32
	lvtError uint32

	initCount uint32
	divide    uint32
	armedAt   time.Time
	timer     timerHandle
	now       func() time.Time

	stats LAPICStats
}

// LAPICOption customises a LAPIC.
type LAPICOption func(*LAPIC)

// WithLAPICBase moves the register window.
func WithLAPICBase(base uint64) LAPICOption {
	return func(l *LAPIC) {
		if base != 0 {
			l.base = base
		}
	}
}

// WithLAPICBusClock sets the duration of one timer input clock.
func WithLAPICBusClock(d time.Duration) LAPICOption {
	return func(l *LAPIC) {
		if d > 0 {
			l.clock = d
		}
	}
}

// WithLAPICTimerFactory injects the periodic timer used by the LVT timer.
func WithLAPICTimerFactory(f func(time.Duration, func()) timerHandle) LAPICOption {
	return func(l *LAPIC) {
		if f != nil {
			l.factory = f
		}
	}
}

// WithLAPICEOIBroadcast sends EOIs to the targets attached to lines.
func WithLAPICEOIBroadcast(lines *cs.LineSet) LAPICOption {
	return func(l *LAPIC) { l.eoi = lines }
}

// NewLAPIC returns a local APIC in its reset state: software disabled, every
// LVT entry masked.
func NewLAPIC(opts ...LAPICOption) *LAPIC {
	l := &LAPIC{
		base:    LAPICBaseAddress,
		clock:   DefaultLAPICBusClock,
		factory: defaultTimerFactory,
		ready:   cs.LineInterruptDetached(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.resetLocked()
	return l
}

func (l *LAPIC) resetLocked() {
	l.stopTimerLocked()
	l.irr = [8]uint32{}
	l.isr = [8]uint32{}
	l.tmr = [8]uint32{}
	l.tpr, l.ldr = 0, 0
	l.dfr = 0xffffffff
	l.svr = 0xff
	l.esr, l.esrPending = 0, 0
	l.lvtTimer, l.lvtTherm, l.lvtPerf = lvtMask, lvtMask, lvtMask
	l.lint0, l.lint1, l.lvtError = lvtMask, lvtMask, lvtMask
	l.initCount, l.divide = 0, 0
}

// SetReadyLine sets the line raised while an interrupt is deliverable.
func (l *LAPIC) SetReadyLine(line cs.LineInterrupt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if line == nil {
		line = cs.LineInterruptDetached()
	}
	l.ready = line
	l.syncReadyLocked()
}

func (l *LAPIC) Start() error { return nil }

func (l *LAPIC) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimerLocked()
	return nil
}

func (l *LAPIC) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
	l.syncReadyLocked()
	return nil
}

func (l *LAPIC) SupportsPortIO() *cs.PortIOIntercept { return nil }

func (l *LAPIC) SupportsMmio() *cs.MmioIntercept {
	return &cs.MmioIntercept{
		Regions: []cs.MMIORegion{{Address: l.base, Size: LAPICWindowSize}},
		Handler: l,
	}
}

// Assert accepts a message from the IO-APIC. Destination and delivery mode
// are ignored: there is one processor and every message is fixed delivery.
func (l *LAPIC) Assert(vector uint8, _ uint8, _ uint8, _ uint8, level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acceptLocked(vector, level)
	l.syncReadyLocked()
}

func (l *LAPIC) acceptLocked(vector uint8, level bool) {
	if l.svr&svrEnable == 0 {
		l.stats.Dropped++
		return
	}
	if vector < 16 {
		l.raiseErrorLocked(esrReceiveIllegal)
		return
	}
	setBit(&l.irr, vector)
	if level {
		setBit(&l.tmr, vector)
	} else {
		clearBit(&l.tmr, vector)
	}
	l.stats.Accepted++
}

func (l *LAPIC) raiseErrorLocked(bit uint32) {
	l.esrPending |= bit
	if l.lvtError&lvtMask != 0 {
		return
	}
	v := uint8(l.lvtError)
	if v < 16 {
		return
	}
	setBit(&l.irr, v)
	clearBit(&l.tmr, v)
}

func (l *LAPIC) ppr() uint32 {
	isrv := uint32(0)
	if v, ok := highestBit(&l.isr); ok {
		isrv = uint32(v)
	}
	if l.tpr&0xf0 >= isrv&0xf0 {
		return l.tpr & 0xff
	}
	return isrv & 0xf0
}

func (l *LAPIC) deliverableLocked() (uint8, bool) {
	v, ok := highestBit(&l.irr)
	if !ok {
		return 0, false
	}
	if uint32(v)&0xf0 <= l.ppr()&0xf0 {
		return 0, false
	}
	return v, true
}

func (l *LAPIC) syncReadyLocked() {
	_, ok := l.deliverableLocked()
	l.ready.SetLevel(ok)
}

// Acknowledge performs the interrupt acknowledge cycle. When nothing is
// deliverable it returns the spurious vector with requested false.
func (l *LAPIC) Acknowledge() (bool, uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.syncReadyLocked()

	v, ok := l.deliverableLocked()
	if !ok {
		l.stats.Spurious++
		return false, uint8(l.svr)
	}
	clearBit(&l.irr, v)
	setBit(&l.isr, v)
	return true, v
}

// Pending reports whether vector is requested or in service.
func (l *LAPIC) Pending(vector uint8) (requested, inService bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return testBit(&l.irr, vector), testBit(&l.isr, vector)
}

// Stats returns a copy of the activity counters.
func (l *LAPIC) Stats() LAPICStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *LAPIC) endOfInterrupt() {
	l.mu.Lock()
	v, ok := highestBit(&l.isr)
	if ok {
		clearBit(&l.isr, v)
		l.stats.EOIs++
	}
	l.syncReadyLocked()
	eoi := l.eoi
	l.mu.Unlock()

	if ok && eoi != nil {
		eoi.BroadcastEOI(v)
	}
}

func (l *LAPIC) ReadMMIO(addr uint64, data []byte) error {
	off, err := l.offset(addr, len(data))
	if err != nil {
		return err
	}
	l.mu.Lock()
	v := l.readRegLocked(off)
	l.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:])
	return nil
}

func (l *LAPIC) WriteMMIO(addr uint64, data []byte) error {
	off, err := l.offset(addr, len(data))
	if err != nil {
		return err
	}
	if len(data) != 4 {
		return fmt.Errorf("lapic: %d byte write at 0x%x", len(data), off)
	}
	v := binary.LittleEndian.Uint32(data)

	if off == lapicRegEOI {
		l.endOfInterrupt()
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeRegLocked(off, v)
	l.syncReadyLocked()
	return nil
}

func (l *LAPIC) offset(addr uint64, size int) (uint64, error) {
	if addr < l.base || addr+uint64(size) > l.base+LAPICWindowSize {
		return 0, fmt.Errorf("lapic: access at 0x%x outside window", addr)
	}
	off := addr - l.base
	if off&0xf != 0 {
		return 0, fmt.Errorf("lapic: unaligned access at offset 0x%x", off)
	}
	return off, nil
}

func (l *LAPIC) readRegLocked(off uint64) uint32 {
	switch {
	case off == lapicRegID:
		return uint32(l.id) << 24
	case off == lapicRegVersion:
		return lapicVersion
	case off == lapicRegTPR:
		return l.tpr
	case off == lapicRegPPR:
		return l.ppr()
	case off == lapicRegLDR:
		return l.ldr
	case off == lapicRegDFR:
		return l.dfr
	case off == lapicRegSVR:
		return l.svr
	case off >= lapicRegISR && off < lapicRegISR+0x80:
		return l.isr[(off-lapicRegISR)/0x10]
	case off >= lapicRegTMR && off < lapicRegTMR+0x80:
		return l.tmr[(off-lapicRegTMR)/0x10]
	case off >= lapicRegIRR && off < lapicRegIRR+0x80:
		return l.irr[(off-lapicRegIRR)/0x10]
	case off == lapicRegESR:
		return l.esr
	case off == lapicRegLVTTimer:
		return l.lvtTimer
	case off == lapicRegLVTTherm:
		return l.lvtTherm
	case off == lapicRegLVTPerf:
		return l.lvtPerf
	case off == lapicRegLVTLint0:
		return l.lint0
	case off == lapicRegLVTLint1:
		return l.lint1
	case off == lapicRegLVTError:
		return l.lvtError
	case off == lapicRegInitCount:
		return l.initCount
	case off == lapicRegCurCount:
		return l.currentCountLocked()
	case off == lapicRegDivide:
		return l.divide
	}
	return 0
}

func (l *LAPIC) writeRegLocked(off uint64, v uint32) {
	switch off {
	case lapicRegID:
		l.id = uint8(v >> 24)
	case lapicRegTPR:
		l.tpr = v & 0xff
	case lapicRegLDR:
		l.ldr = v & 0xff000000
	case lapicRegDFR:
		l.dfr = v | 0x0fffffff
	case lapicRegSVR:
		l.svr = v & 0x3ff
		if l.svr&svrEnable == 0 {
			// Disabling the APIC masks every LVT entry.
			l.lvtTimer |= lvtMask
			l.lvtTherm |= lvtMask
			l.lvtPerf |= lvtMask
			l.lint0 |= lvtMask
			l.lint1 |= lvtMask
			l.lvtError |= lvtMask
			l.stopTimerLocked()
		}
	case lapicRegESR:
		l.esr = l.esrPending
		l.esrPending = 0
	case lapicRegLVTTimer:
		l.lvtTimer = l.lvtWrite(v, 0x300ff)
		l.armTimerLocked()
	case lapicRegLVTTherm:
		l.lvtTherm = l.lvtWrite(v, 0x107ff)
	case lapicRegLVTPerf:
		l.lvtPerf = l.lvtWrite(v, 0x107ff)
	case lapicRegLVTLint0:
		l.lint0 = l.lvtWrite(v, 0x1a7ff)
	case lapicRegLVTLint1:
		l.lint1 = l.lvtWrite(v, 0x1a7ff)
	case lapicRegLVTError:
		l.lvtError = l.lvtWrite(v, 0x100ff)
	case lapicRegInitCount:
		l.initCount = v
		l.armTimerLocked()
	case lapicRegDivide:
		l.divide = v & 0xb
		l.armTimerLocked()
	}
}

// lvtWrite filters v through the writable bits of an LVT entry, keeping it
// masked while the APIC is software disabled, and flags illegal vectors.
func (l *LAPIC) lvtWrite(v, writable uint32) uint32 {
	v &= writable
	if l.svr&svrEnable == 0 {
		v |= lvtMask
	}
	if v&lvtMask == 0 && v&0xff < 16 {
		l.esrPending |= esrSendIllegal
	}
	return v
}

// divisor decodes the divide configuration register.
func (l *LAPIC) divisor() uint32 {
	code := l.divide&0x3 | l.divide>>1&0x4
	if code == 0x7 {
		return 1
	}
	return 2 << code
}

func (l *LAPIC) timerPeriod() time.Duration {
	return time.Duration(l.initCount) * time.Duration(l.divisor()) * l.clock
}

func (l *LAPIC) currentCountLocked() uint32 {
	if l.timer == nil || l.initCount == 0 {
		return 0
	}
	period := l.timerPeriod()
	elapsed := l.now().Sub(l.armedAt) % period
	left := period - elapsed
	return uint32(left / (time.Duration(l.divisor()) * l.clock))
}

func (l *LAPIC) armTimerLocked() {
	l.stopTimerLocked()
	if l.initCount == 0 || l.lvtTimer&lvtMask != 0 || l.lvtTimer&lvtPeriodic == 0 {
		return
	}
	period := l.timerPeriod()
	if period <= 0 {
		return
	}
	l.armedAt = l.now()
	l.timer = l.factory(period, l.timerFired)
}

func (l *LAPIC) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *LAPIC) timerFired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lvtTimer&lvtMask != 0 {
		return
	}
	l.stats.TimerTicks++
	v := uint8(l.lvtTimer)
	if v < 16 {
		l.raiseErrorLocked(esrSendIllegal)
	} else if l.svr&svrEnable != 0 {
		setBit(&l.irr, v)
		clearBit(&l.tmr, v)
	}
	l.syncReadyLocked()
}

func setBit(m *[8]uint32, v uint8)   { m[v/32] |= 1 << (v % 32) }
func clearBit(m *[8]uint32, v uint8) { m[v/32] &^= 1 << (v % 32) }
func testBit(m *[8]uint32, v uint8) bool {
	return m[v/32]&(1<<(v%32)) != 0
}

func highestBit(m *[8]uint32) (uint8, bool) {
	for i := 7; i >= 0; i-- {
		if m[i] != 0 {
			return uint8(i*32 + 31 - bits.LeadingZeros32(m[i])), true
		}
	}
	return 0, false
}

var (
	_ cs.ChipsetDevice = (*LAPIC)(nil)
	_ Router           = (*LAPIC)(nil)
)
