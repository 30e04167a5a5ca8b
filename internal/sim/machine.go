// Package sim is a simulated PC that boots the kernel in-process: a
// processor model, the legacy PIC pair, IO-APIC and local APIC, the PIT,
// a PS/2 keyboard behind an i8042, ATA channels and the isa-debug-exit
// port, all reachable through one port and MMIO bus.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	cs "github.com/tinyrange/kcore/internal/chipset"
	"github.com/tinyrange/kcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/kcore/internal/devices/amd64/input"
	atadev "github.com/tinyrange/kcore/internal/devices/ata"
	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel"
	"github.com/tinyrange/kcore/internal/kernel/ata"
	"github.com/tinyrange/kcore/internal/kernel/bridge"
	"github.com/tinyrange/kcore/internal/kernel/console"
	"github.com/tinyrange/kcore/internal/kernel/intr"
	"github.com/tinyrange/kcore/internal/kernel/keyboard"
)

const (
	ioapicPins = 24

	// maxBuffered keeps typed input below the keyboard's own buffer depth.
	maxBuffered = 8
	typePause   = time.Millisecond
)

var (
	// ErrDebugExit matches the *ExitError returned after the guest wrote
	// the debug exit port.
	ErrDebugExit = errors.New("sim: debug exit")
	// ErrReset is returned by Run when the guest pulsed the reset line.
	ErrReset = errors.New("sim: reset requested")
	// ErrRunning is returned by a second Run.
	ErrRunning = errors.New("sim: machine already ran")
)

// ExitError carries the status produced by the debug exit device.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sim: guest exited with status 0x%x", e.Status)
}

func (e *ExitError) Is(target error) bool { return target == ErrDebugExit }

// Success reports whether the guest wrote the console's success code.
func (e *ExitError) Success() bool {
	return e.Status == int(console.ExitSuccess)<<1|1
}

// Disk is one drive on an ATA channel.
type Disk struct {
	// Base selects the channel: ata.PrimaryBase or ata.SecondaryBase.
	Base    uint16
	Drive   ata.Drive
	Backing atadev.Backing
	Sectors uint64

	ReadOnly bool
	LBA48    bool
	Model    string
}

// Config describes the machine and the kernel it boots.
type Config struct {
	Kernel kernel.Config

	// PITClock overrides the duration of one PIT input clock.
	PITClock time.Duration
	// Timers drives the PIT and the local APIC timer by hand; nil uses the
	// wall clock.
	Timers *chipset.ManualTimers

	Disks []Disk

	Output hw.TextOutput
	Images console.ImageSink
	Logger *slog.Logger
}

// Machine is one simulated PC with its kernel.
type Machine struct {
	log *slog.Logger

	cpu     *CPU
	chipset *cs.Chipset
	bus     *cs.Bus

	pic      *chipset.DualPIC
	lapic    *chipset.LAPIC
	ioapic   *chipset.IOAPIC
	pit      *chipset.PIT
	i8042    *input.I8042
	keyboard *input.PS2Keyboard
	exit     *chipset.DebugExit
	post     *chipset.PostCode
	channels map[uint16]*atadev.Channel

	kernel *kernel.Kernel

	mu     sync.Mutex
	ran    bool
	cancel context.CancelCauseFunc
}

// New assembles the machine and constructs the kernel. Nothing runs until
// Run.
func New(cfg Config) (*Machine, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Kernel.Logger == nil {
		cfg.Kernel.Logger = log
	}
	lapicBase := cfg.Kernel.APIC.LAPICBase
	if lapicBase == 0 {
		lapicBase = intr.DefaultLAPICBase
	}
	ioapicBase := cfg.Kernel.APIC.IOAPICBase
	if ioapicBase == 0 {
		ioapicBase = intr.DefaultIOAPICBase
	}

	m := &Machine{
		log:      log,
		cpu:      NewCPU(log),
		pic:      chipset.NewDualPIC(),
		ioapic:   chipset.NewIOAPIC(ioapicBase, ioapicPins),
		i8042:    input.NewI8042(),
		keyboard: input.NewPS2Keyboard(),
		post:     chipset.NewPostCode(),
		channels: make(map[uint16]*atadev.Channel),
	}

	lines := cs.NewLineSet(m.pic, m.ioapic)
	lines.AttachEOITarget(m.ioapic)

	lapicOpts := []chipset.LAPICOption{
		chipset.WithLAPICBase(lapicBase),
		chipset.WithLAPICEOIBroadcast(lines),
	}
	var pitOpts []chipset.PITOption
	if cfg.PITClock > 0 {
		pitOpts = append(pitOpts, chipset.WithPITClock(cfg.PITClock))
	}
	if cfg.Timers != nil {
		lapicOpts = append(lapicOpts, cfg.Timers.LAPICOption())
		pitOpts = append(pitOpts, cfg.Timers.PITOption())
	}
	m.lapic = chipset.NewLAPIC(lapicOpts...)
	m.ioapic.SetRouter(m.lapic)

	// The local APIC is asked first; in PIC mode it stays software
	// disabled and never raises its output.
	m.lapic.SetReadyLine(m.cpu.Attach("lapic", m.lapic))
	m.pic.SetReadyLine(m.cpu.Attach("pic", m.pic))

	m.pit = chipset.NewPIT(lines.AllocateLine(uint8(intr.LineTimer)), pitOpts...)

	m.i8042.AttachKeyboard(m.keyboard)
	m.i8042.SetIRQ(lines.AllocateLine(uint8(intr.LineKeyboard)))
	m.i8042.OnResetRequest(func() { m.stop(ErrReset) })

	m.exit = chipset.NewDebugExit(console.ExitPort, func(status int) {
		m.log.Info("Guest requested exit", "status", status)
		m.stop(ErrDebugExit)
	})

	for i, d := range cfg.Disks {
		if err := attachDisk(m.channels, lines, d, log); err != nil {
			return nil, fmt.Errorf("sim: disk %d: %w", i, err)
		}
	}

	b := cs.NewBuilder().WithLogger(log)
	devices := []struct {
		name string
		dev  cs.ChipsetDevice
	}{
		{"pic", m.pic},
		{"ioapic", m.ioapic},
		{"lapic", m.lapic},
		{"pit", m.pit},
		{"i8042", m.i8042},
		{"debug-exit", m.exit},
		{"post", m.post},
	}
	for _, base := range slices.Sorted(maps.Keys(m.channels)) {
		ch := m.channels[base]
		devices = append(devices, struct {
			name string
			dev  cs.ChipsetDevice
		}{fmt.Sprintf("ata-0x%03x", base), ch})
	}
	for _, d := range devices {
		if err := b.RegisterDevice(d.name, d.dev); err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
	}
	chip, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	m.chipset = chip
	m.bus = cs.NewBus(chip)

	k, err := kernel.New(cfg.Kernel, kernel.Platform{
		Ports:     m.bus,
		Memory:    m.bus,
		Mapper:    m.bus,
		CPU:       m.cpu,
		Binder:    m.cpu,
		Output:    cfg.Output,
		Registers: m.cpu,
		Images:    cfg.Images,
	})
	if err != nil {
		return nil, err
	}
	m.kernel = k
	return m, nil
}

func (m *Machine) stop(cause error) {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// Run boots the kernel and runs it until ctx ends, the guest exits through
// the debug exit port (an *ExitError), the guest requests a reset
// (ErrReset) or the processor halts (ErrHalted). The end of ctx is a clean
// shutdown and returns nil.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.ran {
		m.mu.Unlock()
		return ErrRunning
	}
	m.ran = true
	runCtx, cancel := context.WithCancelCause(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel(nil)

	if err := m.chipset.Start(); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	m.log.Debug("Devices started", "devices", m.chipset.Devices())
	defer func() {
		if err := m.chipset.Stop(); err != nil {
			m.log.Warn("Stopping devices failed", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	cpuCtx, stopCPU := context.WithCancel(gctx)
	g.Go(func() error {
		return m.cpu.Run(cpuCtx)
	})
	g.Go(func() error {
		defer stopCPU()
		return m.cpu.Execute(func() error { return m.kernel.Boot(gctx) })
	})
	err := g.Wait()

	if status, ok := m.exit.Status(); ok {
		return &ExitError{Status: status}
	}
	if cause := context.Cause(runCtx); errors.Is(cause, ErrReset) {
		return ErrReset
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil
		}
	}
	return err
}

// TypeText presses and releases the keys producing s, holding shift where
// needed. It paces itself on the keyboard buffer so no byte is dropped by
// the device.
func (m *Machine) TypeText(ctx context.Context, s string) error {
	for _, r := range s {
		st, ok := keyboard.Lookup(r)
		if !ok {
			return fmt.Errorf("sim: no key types %q", r)
		}
		if err := m.waitKeyboard(ctx); err != nil {
			return err
		}
		if st.Shift {
			m.keyboard.SendKey(keyboard.CodeLeftShift, false, true)
		}
		m.keyboard.SendKey(st.Code, false, true)
		m.keyboard.SendKey(st.Code, false, false)
		if st.Shift {
			m.keyboard.SendKey(keyboard.CodeLeftShift, false, false)
		}
	}
	return nil
}

// PressKey presses and releases one key given by its set 1 code.
func (m *Machine) PressKey(ctx context.Context, code byte, extended bool) error {
	if err := m.waitKeyboard(ctx); err != nil {
		return err
	}
	m.keyboard.SendKey(code, extended, true)
	m.keyboard.SendKey(code, extended, false)
	return nil
}

func (m *Machine) waitKeyboard(ctx context.Context) error {
	for m.i8042.Buffered() > maxBuffered {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.cpu.Halted():
			return ErrHalted
		case <-time.After(typePause):
		}
	}
	return nil
}

// Stats is a snapshot of device and kernel counters.
type Stats struct {
	CPU             CPUStats
	PIC             chipset.PICStats
	LAPIC           chipset.LAPICStats
	PITTicks        uint64
	KeyboardDropped uint64
	BusFaults       uint64
	PostCode        byte
	Kernel          bridge.Stats
}

// Stats collects the current counters.
func (m *Machine) Stats() Stats {
	post, _ := m.post.Last()
	return Stats{
		CPU:             m.cpu.Stats(),
		PIC:             m.pic.Stats(),
		LAPIC:           m.lapic.Stats(),
		PITTicks:        m.pit.Ticks(),
		KeyboardDropped: m.i8042.Dropped(),
		BusFaults:       m.bus.Faults(),
		PostCode:        post,
		Kernel:          m.kernel.Bridge().Stats(),
	}
}

// CPU returns the processor.
func (m *Machine) CPU() *CPU { return m.cpu }

// Kernel returns the kernel booted by Run.
func (m *Machine) Kernel() *kernel.Kernel { return m.kernel }

// Bus returns the port and MMIO bus the kernel sees.
func (m *Machine) Bus() *cs.Bus { return m.bus }

// PIC returns the legacy controller pair.
func (m *Machine) PIC() *chipset.DualPIC { return m.pic }

// LAPIC returns the local APIC.
func (m *Machine) LAPIC() *chipset.LAPIC { return m.lapic }

// Channel returns the ATA channel at base, or nil.
func (m *Machine) Channel(base uint16) *atadev.Channel { return m.channels[base] }
