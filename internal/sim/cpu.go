package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	cs "github.com/tinyrange/kcore/internal/chipset"
	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel/intr"
)

var (
	// ErrHalted is returned once the processor has executed HaltForever.
	ErrHalted = errors.New("sim: processor halted")
	// ErrTripleFault is returned when a vector has no handler and neither
	// has the double fault vector.
	ErrTripleFault = errors.New("sim: triple fault")
)

// Register values reported by the simulated processor. They describe a
// long mode kernel with paging on and no breakpoints armed.
const (
	resetCR0 = 0x80050033
	resetCR3 = 0x1000
	resetCR4 = 0x6a0
	resetDR6 = 0xffff0ff0
	resetDR7 = 0x400

	rflagsReserved = 1 << 1
	rflagsIF       = 1 << 9

	kernelCS   = 0x08
	kernelSS   = 0x10
	kernelText = 0x201000
	kernelRSP  = 0x7fff8
)

// haltSignal unwinds the goroutine that executed HaltForever.
type haltSignal struct{}

// Acknowledger is an interrupt controller output the processor runs INTA
// cycles against.
type Acknowledger interface {
	Acknowledge() (requested bool, vector uint8)
}

type source struct {
	name  string
	ack   Acknowledger
	level atomic.Bool
}

// Exception is a synchronous fault injected into the processor.
type Exception struct {
	Vector    uint8
	ErrorCode uint64
	// Address is loaded into CR2 for page faults.
	Address uint64
}

// CPUStats counts what the processor executed.
type CPUStats struct {
	Interrupts uint64
	Spurious   uint64
	Exceptions uint64
	Halts      uint64
}

// CPU is a single simulated processor. Normal context is whatever goroutine
// calls into the kernel (the executor); interrupt context is the goroutine
// running Run, which holds the core for the whole of a handler. Disabling
// interrupts takes the core too, so it waits for a handler in flight, the
// way cli on the same processor can only run once the handler returned.
//
// CPU implements hw.CPU, hw.Registers and hw.VectorBinder.
type CPU struct {
	log *slog.Logger

	core    sync.Mutex
	served  *sync.Cond
	epoch   uint64
	stopped bool

	ifFlag   atomic.Bool
	halted   atomic.Bool
	haltOnce sync.Once
	haltCh   chan struct{}
	kick     chan struct{}

	srcMu   sync.Mutex
	sources []*source

	vecMu   sync.RWMutex
	vectors [256]hw.Handler

	cr2 atomic.Uint64

	interrupts atomic.Uint64
	spurious   atomic.Uint64
	exceptions atomic.Uint64
	halts      atomic.Uint64
}

// NewCPU returns a processor with interrupts disabled and an empty vector
// table.
func NewCPU(log *slog.Logger) *CPU {
	if log == nil {
		log = slog.Default()
	}
	c := &CPU{
		log:    log.With("device", "cpu"),
		haltCh: make(chan struct{}),
		kick:   make(chan struct{}, 1),
	}
	c.served = sync.NewCond(&c.core)
	return c
}

// Attach connects a controller output. The returned line is the INTR pin
// the controller drives; while it is high the processor acknowledges the
// controller whenever interrupts are enabled. Sources are acknowledged in
// attach order.
func (c *CPU) Attach(name string, ack Acknowledger) cs.LineInterrupt {
	s := &source{name: name, ack: ack}
	c.srcMu.Lock()
	c.sources = append(c.sources, s)
	c.srcMu.Unlock()
	return cs.LineInterruptFromFunc(func(level bool) {
		s.level.Store(level)
		if level {
			c.poke()
		}
	})
}

func (c *CPU) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Bind installs handler for vector.
func (c *CPU) Bind(vector uint8, handler hw.Handler) {
	c.vecMu.Lock()
	defer c.vecMu.Unlock()
	c.vectors[vector] = handler
}

func (c *CPU) handler(vector uint8) hw.Handler {
	c.vecMu.RLock()
	defer c.vecMu.RUnlock()
	return c.vectors[vector]
}

// Run delivers interrupts until ctx is done or the processor halts. It is
// the processor's interrupt context and must run exactly once.
func (c *CPU) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return nil
		case <-c.haltCh:
			return ErrHalted
		case <-c.kick:
		}
		if err := c.service(); err != nil {
			return err
		}
	}
}

func (c *CPU) service() (err error) {
	c.core.Lock()
	defer c.core.Unlock()
	defer c.recoverHalt(&err)

	for !c.stopped && c.ifFlag.Load() {
		vector, ok := c.acknowledge()
		if !ok {
			return nil
		}
		c.interrupts.Add(1)
		if err := c.dispatchLocked(hw.Frame{Vector: vector}); err != nil {
			return err
		}
	}
	return nil
}

// acknowledge runs an INTA cycle against the first source holding its line
// high. A spurious acknowledge still yields the controller's spurious
// vector, which the processor delivers like any other.
func (c *CPU) acknowledge() (uint8, bool) {
	c.srcMu.Lock()
	sources := c.sources
	c.srcMu.Unlock()
	for _, s := range sources {
		if !s.level.Load() {
			continue
		}
		requested, vector := s.ack.Acknowledge()
		if !requested {
			c.spurious.Add(1)
		}
		return vector, true
	}
	return 0, false
}

// dispatchLocked runs the handler for frame.Vector through an interrupt
// gate: the interrupt flag is clear inside the handler and restored when
// it returns.
func (c *CPU) dispatchLocked(frame hw.Frame) error {
	h := c.handler(frame.Vector)
	if h == nil {
		c.log.Error("Unhandled vector", "vector", intr.Vector(frame.Vector))
		df := c.handler(uint8(intr.VectorDoubleFault))
		if df == nil || frame.Vector == uint8(intr.VectorDoubleFault) {
			c.halt()
			return fmt.Errorf("%w: vector %v", ErrTripleFault, intr.Vector(frame.Vector))
		}
		frame = hw.Frame{Vector: uint8(intr.VectorDoubleFault)}
		h = df
	}

	prev := c.ifFlag.Swap(false)
	frame.RIP = kernelText
	frame.CS = kernelCS
	frame.RFlags = rflags(prev)
	frame.RSP = kernelRSP
	frame.SS = kernelSS
	h(&frame)
	c.ifFlag.Store(prev)

	c.epoch++
	c.served.Broadcast()
	return nil
}

func (c *CPU) recoverHalt(err *error) {
	if r := recover(); r != nil {
		if _, ok := r.(haltSignal); !ok {
			panic(r)
		}
		*err = ErrHalted
	}
}

// Execute runs fn as processor code. A HaltForever inside fn unwinds it and
// Execute returns ErrHalted.
func (c *CPU) Execute(fn func() error) (err error) {
	defer c.recoverHalt(&err)
	return fn()
}

// Raise delivers an exception synchronously. Exceptions ignore the
// interrupt flag. It returns ErrHalted when the handler halted.
func (c *CPU) Raise(ex Exception) (err error) {
	if c.halted.Load() {
		return ErrHalted
	}
	c.core.Lock()
	defer c.core.Unlock()
	defer c.recoverHalt(&err)

	if ex.Vector == uint8(intr.VectorPageFault) {
		c.cr2.Store(ex.Address)
	}
	c.exceptions.Add(1)
	return c.dispatchLocked(hw.Frame{Vector: ex.Vector, ErrorCode: ex.ErrorCode})
}

// Stop wakes a halted processor for good. It is the host's shutdown hook.
func (c *CPU) Stop() {
	c.core.Lock()
	defer c.core.Unlock()
	c.stopped = true
	c.served.Broadcast()
}

// Halted is closed once HaltForever ran or a triple fault occurred.
func (c *CPU) Halted() <-chan struct{} { return c.haltCh }

func (c *CPU) halt() {
	c.ifFlag.Store(false)
	c.haltOnce.Do(func() {
		c.halted.Store(true)
		close(c.haltCh)
	})
	c.served.Broadcast()
}

func (c *CPU) EnableInterrupts() {
	c.ifFlag.Store(true)
	c.poke()
}

func (c *CPU) DisableInterrupts() {
	c.core.Lock()
	c.ifFlag.Store(false)
	c.core.Unlock()
}

func (c *CPU) InterruptsEnabled() bool { return c.ifFlag.Load() }

// EnableAndHalt sets the interrupt flag and sleeps until a handler ran or
// the processor was stopped. Both happen under the core, so an interrupt
// that became pending before the call is still seen.
func (c *CPU) EnableAndHalt() {
	c.core.Lock()
	seen := c.epoch
	c.ifFlag.Store(true)
	c.halts.Add(1)
	c.poke()
	for c.epoch == seen && !c.stopped && !c.halted.Load() {
		c.served.Wait()
	}
	c.core.Unlock()
	if c.halted.Load() {
		panic(haltSignal{})
	}
}

// HaltForever clears the interrupt flag and stops the processor. The
// calling goroutine unwinds to the nearest Execute, Raise or Run.
func (c *CPU) HaltForever() {
	c.halt()
	panic(haltSignal{})
}

func rflags(interrupts bool) uint64 {
	v := uint64(rflagsReserved)
	if interrupts {
		v |= rflagsIF
	}
	return v
}

func (c *CPU) RFlags() uint64 { return rflags(c.ifFlag.Load()) }

func (c *CPU) ControlRegister(n int) uint64 {
	switch n {
	case 0:
		return resetCR0
	case 2:
		return c.cr2.Load()
	case 3:
		return resetCR3
	case 4:
		return resetCR4
	}
	return 0
}

func (c *CPU) DebugRegister(n int) uint64 {
	switch n {
	case 6:
		return resetDR6
	case 7:
		return resetDR7
	}
	return 0
}

// Stats returns the execution counters.
func (c *CPU) Stats() CPUStats {
	return CPUStats{
		Interrupts: c.interrupts.Load(),
		Spurious:   c.spurious.Load(),
		Exceptions: c.exceptions.Load(),
		Halts:      c.halts.Load(),
	}
}

var (
	_ hw.CPU          = (*CPU)(nil)
	_ hw.Registers    = (*CPU)(nil)
	_ hw.VectorBinder = (*CPU)(nil)
)
