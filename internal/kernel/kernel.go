// Package kernel assembles the interrupt core: controller, handlers, queues,
// executor, disk driver and the keyboard and console tasks. Every piece is
// an explicit instance owned by a Kernel; there is no global state.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel/async"
	"github.com/tinyrange/kcore/internal/kernel/ata"
	"github.com/tinyrange/kcore/internal/kernel/bridge"
	"github.com/tinyrange/kcore/internal/kernel/console"
	"github.com/tinyrange/kcore/internal/kernel/intr"
	"github.com/tinyrange/kcore/internal/kernel/keyboard"
	"github.com/tinyrange/kcore/internal/kernel/queue"
	"github.com/tinyrange/kcore/internal/kernel/task"
)

// DefaultScancodeCapacity bounds the scan code queue.
const DefaultScancodeCapacity = 100

var (
	// ErrNoOutput is returned by New when the platform has no text output.
	ErrNoOutput = errors.New("kernel: no text output")
	// ErrMissingPlatform is returned by New when a required collaborator is
	// nil.
	ErrMissingPlatform = errors.New("kernel: incomplete platform")
)

// Platform is the set of hardware collaborators the kernel runs on.
type Platform struct {
	Ports     hw.PortIO
	Memory    hw.MMIO
	Mapper    hw.PhysMapper
	CPU       hw.CPU
	Binder    hw.VectorBinder
	Output    hw.TextOutput
	Registers hw.Registers
	// Images receives pictures decoded by the console; may be nil.
	Images console.ImageSink
}

// Config selects the controller and sizes the queues.
type Config struct {
	Mode intr.Mode

	PICMasterBase intr.Vector
	PICSlaveBase  intr.Vector
	APIC          intr.APICConfig

	ScancodeCapacity int
	LineCapacity     int
	TaskCapacity     int

	// Disk is the drive attached at boot; nil boots without a disk.
	Disk         *ata.Config
	ImageSectors int

	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.Mode == "" {
		c.Mode = intr.ModePIC
	}
	if c.PICMasterBase == 0 {
		c.PICMasterBase = intr.IRQBase
	}
	if c.PICSlaveBase == 0 {
		c.PICSlaveBase = c.PICMasterBase + 8
	}
	if c.ScancodeCapacity <= 0 {
		c.ScancodeCapacity = DefaultScancodeCapacity
	}
	if c.LineCapacity <= 0 {
		c.LineCapacity = console.DefaultLineCapacity
	}
	if c.TaskCapacity <= 0 {
		c.TaskCapacity = task.DefaultCapacity
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Kernel is one booted instance.
type Kernel struct {
	cfg  Config
	plat Platform
	log  *slog.Logger

	pics *intr.ChainedPICs
	apic *intr.APIC
	ctrl intr.Controller

	scancodes *queue.Events[byte]
	lines     *queue.Events[string]
	lineBuf   *console.LineBuffer

	exec    *task.Executor
	bridge  *bridge.Bridge
	printer *keyboard.Printer
	console *console.Console
	disk    *ata.Bus

	fatalOnce sync.Once
	fatal     error
}

// New constructs the kernel without touching hardware.
func New(cfg Config, plat Platform) (*Kernel, error) {
	cfg.normalize()
	if plat.Output == nil {
		return nil, ErrNoOutput
	}
	if plat.Ports == nil || plat.CPU == nil || plat.Binder == nil {
		return nil, ErrMissingPlatform
	}
	mode, err := intr.ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	if mode == intr.ModeAPIC && (plat.Memory == nil || plat.Mapper == nil) {
		return nil, fmt.Errorf("%w: APIC mode needs MMIO", ErrMissingPlatform)
	}
	cfg.Mode = mode

	k := &Kernel{
		cfg:       cfg,
		plat:      plat,
		log:       cfg.Logger,
		pics:      intr.NewChainedPICs(plat.Ports, cfg.PICMasterBase, cfg.PICSlaveBase),
		scancodes: queue.NewEvents[byte](cfg.ScancodeCapacity),
		lines:     queue.NewEvents[string](cfg.LineCapacity),
	}
	k.ctrl = k.pics
	if mode == intr.ModeAPIC {
		k.apic = intr.NewAPIC(plat.Mapper, plat.Memory, cfg.APIC)
		k.ctrl = k.apic
	}
	k.lineBuf = console.NewLineBuffer(k.lines, k.log)
	k.exec = task.NewExecutor(plat.CPU, cfg.TaskCapacity, k.log)
	k.bridge = bridge.New(bridge.Config{
		Controller: k.ctrl,
		Ports:      plat.Ports,
		CPU:        plat.CPU,
		Output:     plat.Output,
		Registers:  plat.Registers,
		Scancodes:  k.scancodes,
		Logger:     k.log,
	})
	return k, nil
}

// Boot runs Start and then the executor until ctx is done.
func (k *Kernel) Boot(ctx context.Context) error {
	if err := k.Start(); err != nil {
		return err
	}
	return k.Run(ctx)
}

// Start performs the boot sequence up to and including enabling
// interrupts: bind vectors, program the controller, attach the disk, spawn
// the keyboard and console tasks. A controller failure is fatal.
func (k *Kernel) Start() error {
	k.plat.CPU.DisableInterrupts()

	k.bridge.Install(k.plat.Binder)

	if err := k.initController(); err != nil {
		k.Fatal(err)
		return err
	}

	k.attachDisk()

	k.printer = keyboard.NewPrinter(async.NewStream(k.scancodes), keyboard.PrinterConfig{
		Output: k.plat.Output,
		Lines:  k.lineBuf,
		Fatal:  k.Fatal,
		Logger: k.log,
	})
	var disk console.Disk
	if k.disk != nil {
		disk = k.disk
	}
	k.console = console.New(async.NewStream(k.lines), console.Config{
		Output:       k.plat.Output,
		Ports:        k.plat.Ports,
		Registers:    k.plat.Registers,
		Disk:         disk,
		ImageSectors: k.cfg.ImageSectors,
		Images:       k.plat.Images,
		Fatal:        k.Fatal,
		Logger:       k.log,
	})
	if _, err := k.exec.Spawn("keyboard", k.printer); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	if _, err := k.exec.Spawn("console", k.console); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	k.plat.CPU.EnableInterrupts()
	k.log.Info("Kernel started", "mode", k.cfg.Mode, "disk", k.disk != nil)
	return nil
}

func (k *Kernel) initController() error {
	if err := k.pics.Init(); err != nil {
		return fmt.Errorf("kernel: init PIC: %w", err)
	}
	if k.cfg.Mode == intr.ModeAPIC {
		// The legacy pair stays remapped so a stray IRQ lands on a
		// harmless vector, but every line is masked.
		k.pics.Disable()
		if err := k.apic.Init(); err != nil {
			return fmt.Errorf("kernel: init APIC: %w", err)
		}
		return nil
	}
	k.pics.Disable()
	k.pics.Unmask(intr.LineTimer)
	k.pics.Unmask(intr.LineKeyboard)
	return nil
}

// attachDisk identifies the configured drive. A missing or failing drive only
// disables the image command.
func (k *Kernel) attachDisk() {
	if k.cfg.Disk == nil {
		return
	}
	cfg := *k.cfg.Disk
	if cfg.Logger == nil {
		cfg.Logger = k.log
	}
	bus, err := ata.NewBus(k.plat.Ports, cfg)
	if err != nil {
		k.log.Warn("No disk attached", "err", err)
		return
	}
	k.disk = bus
	id := bus.Identify()
	k.log.Info("Disk attached", "model", id.Model(), "sectors", id.Sectors())
}

// Run drives the executor until ctx is done or every task completed.
func (k *Kernel) Run(ctx context.Context) error {
	return k.exec.Run(ctx)
}

// Fatal reports err on the text output and halts the processor for good.
// Only the first call reports.
func (k *Kernel) Fatal(err error) {
	k.fatalOnce.Do(func() {
		k.fatal = err
		k.log.Error("Kernel fatal error", "err", err)
		_ = k.plat.Output.WriteText(fmt.Sprintf("\nKERNEL FATAL: %v\n", err))
	})
	k.plat.CPU.HaltForever()
}

// FatalError returns the error passed to the first Fatal call.
func (k *Kernel) FatalError() error { return k.fatal }

// Controller returns the active interrupt controller.
func (k *Kernel) Controller() intr.Controller { return k.ctrl }

// Bridge returns the interrupt handlers.
func (k *Kernel) Bridge() *bridge.Bridge { return k.bridge }

// Executor returns the task executor.
func (k *Kernel) Executor() *task.Executor { return k.exec }

// Disk returns the attached drive, or nil.
func (k *Kernel) Disk() *ata.Bus { return k.disk }

// Console returns the console task once started.
func (k *Kernel) Console() *console.Console { return k.console }

// Scancodes returns the queue the keyboard handler feeds.
func (k *Kernel) Scancodes() *queue.Events[byte] { return k.scancodes }
