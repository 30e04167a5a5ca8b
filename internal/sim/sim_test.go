package sim

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/kcore/internal/config"
	"github.com/tinyrange/kcore/internal/devices/amd64/chipset"
	atadev "github.com/tinyrange/kcore/internal/devices/ata"
	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel"
	"github.com/tinyrange/kcore/internal/kernel/ata"
	"github.com/tinyrange/kcore/internal/kernel/intr"
	"github.com/tinyrange/kcore/internal/screen"
)

const testTimeout = 5 * time.Second

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, m *Machine) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("machine did not stop")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitScreen(t *testing.T, v *screen.Virtual, text string) {
	t.Helper()
	waitFor(t, "screen to show "+text, func() bool { return v.Contains(text) })
}

type testImages struct {
	mu  sync.Mutex
	img *image.RGBA
}

func (s *testImages) ShowImage(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = img
	return nil
}

func newMachine(t *testing.T, cfg Config) (*Machine, *screen.Virtual) {
	t.Helper()
	v := screen.NewVirtual(80, 40)
	t.Cleanup(func() { v.Close() })
	cfg.Output = v
	if cfg.Timers == nil {
		cfg.Timers = chipset.NewManualTimers()
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, v
}

func TestBootPICModeRunsCommandsAndExits(t *testing.T) {
	timers := chipset.NewManualTimers()
	m, v := newMachine(t, Config{Timers: timers})
	r := start(t, m)
	waitScreen(t, v, ">")

	if err := m.TypeText(context.Background(), "help\n"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	waitScreen(t, v, "list commands")
	if !v.Contains("> help") {
		t.Fatalf("typed line not echoed:\n%s", v.Text())
	}

	timers.Fire()
	waitFor(t, "first tick", func() bool { return m.Kernel().Bridge().Ticks() >= 1 })
	timers.Fire()
	waitFor(t, "second tick", func() bool { return m.Kernel().Bridge().Ticks() >= 2 })

	if err := m.TypeText(context.Background(), "qexit\n"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	err := r.wait(t)
	var exit *ExitError
	if !errors.As(err, &exit) || !exit.Success() || !errors.Is(err, ErrDebugExit) {
		t.Fatalf("Run = %v, want a successful debug exit", err)
	}
	if exit.Status != 0x21 {
		t.Fatalf("exit status 0x%x", exit.Status)
	}

	st := m.Stats()
	if st.PIC.PerIRQ[1] == 0 || st.PIC.PerIRQ[0] < 2 {
		t.Fatalf("PIC deliveries %v", st.PIC.PerIRQ)
	}
	if st.Kernel.Dropped != 0 || st.KeyboardDropped != 0 {
		t.Fatalf("input dropped: %+v", st)
	}
	if master, _, ok := m.PIC().Bases(); !ok || master != 0x20 {
		t.Fatalf("PIC not remapped: base 0x%x", master)
	}
}

func TestBootAPICModeDeliversThroughIOAPIC(t *testing.T) {
	timers := chipset.NewManualTimers()
	m, v := newMachine(t, Config{Kernel: kernel.Config{Mode: intr.ModeAPIC}, Timers: timers})
	r := start(t, m)
	waitScreen(t, v, ">")

	// The local APIC timer runs without any timer configuration.
	if timers.Armed() == 0 {
		t.Fatalf("local APIC timer not armed")
	}
	timers.Fire()
	waitFor(t, "first APIC tick", func() bool { return m.Kernel().Bridge().Ticks() >= 1 })
	timers.Fire()
	waitFor(t, "second APIC tick", func() bool { return m.Kernel().Bridge().Ticks() >= 2 })
	if st := m.Stats(); st.LAPIC.TimerTicks < 2 {
		t.Fatalf("LAPIC timer ticks = %d", st.LAPIC.TimerTicks)
	}

	if err := m.TypeText(context.Background(), "dbg rflags\n"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	waitScreen(t, v, "RFLAGS: 0x0000000000000202")

	st := m.Stats()
	if st.LAPIC.EOIs == 0 {
		t.Fatalf("no local APIC EOI: %+v", st.LAPIC)
	}
	if st.PIC.Acknowledges != 0 {
		t.Fatalf("legacy PIC delivered %d interrupts in APIC mode", st.PIC.Acknowledges)
	}
	if masks := m.PIC().Masks(); masks != [2]uint8{0xff, 0xff} {
		t.Fatalf("PIC masks %x", masks)
	}

	r.cancel()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run after cancel = %v", err)
	}
}

func TestImageCommandReadsDisk(t *testing.T) {
	ppm := append([]byte("P6\n2 1\n255\n"), 255, 0, 0, 0, 0, 255)
	images := &testImages{}
	m, v := newMachine(t, Config{
		Kernel: kernel.Config{
			Disk:         &ata.Config{Base: ata.PrimaryBase, Drive: ata.Master},
			ImageSectors: 1,
		},
		Disks: []Disk{{
			Base:    ata.PrimaryBase,
			Drive:   ata.Master,
			Backing: atadev.NewMemoryBacking(ppm),
			Sectors: 2048,
			Model:   "KCORE TEST DISK",
		}},
		Images: images,
	})
	r := start(t, m)
	waitScreen(t, v, ">")

	if m.Kernel().Disk() == nil {
		t.Fatalf("disk not attached")
	}
	id := m.Kernel().Disk().Identify()
	if got := id.Model(); got != "KCORE TEST DISK" {
		t.Fatalf("model %q", got)
	}

	if err := m.TypeText(context.Background(), "image\n"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	waitScreen(t, v, "image: 2x1")

	images.mu.Lock()
	img := images.img
	images.mu.Unlock()
	if img == nil || img.Bounds().Dx() != 2 {
		t.Fatalf("image sink got %v", img)
	}
	if c := img.RGBAAt(1, 0); c.B != 255 || c.R != 0 {
		t.Fatalf("pixel (1,0) = %v", c)
	}
	if st := m.Channel(ata.PrimaryBase).Stats(0); st.SectorsRead == 0 {
		t.Fatalf("device stats %+v", st)
	}

	r.cancel()
	r.wait(t)
}

func TestExceptions(t *testing.T) {
	m, v := newMachine(t, Config{})
	r := start(t, m)
	waitScreen(t, v, ">")

	if err := m.CPU().Raise(Exception{Vector: uint8(intr.VectorBreakpoint)}); err != nil {
		t.Fatalf("breakpoint: %v", err)
	}
	waitScreen(t, v, "EXCEPTION: BREAKPOINT")

	err := m.CPU().Raise(Exception{Vector: uint8(intr.VectorPageFault), ErrorCode: 0x2, Address: 0xdeadb000})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("page fault returned %v", err)
	}
	if !v.Contains("0x00000000deadb000") {
		t.Fatalf("fault address missing:\n%s", v.Text())
	}
	if err := r.wait(t); !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want ErrHalted", err)
	}
	if m.CPU().InterruptsEnabled() {
		t.Fatalf("interrupts enabled after halt")
	}
}

func TestResetRequest(t *testing.T) {
	m, v := newMachine(t, Config{})
	r := start(t, m)
	waitScreen(t, v, ">")

	m.Bus().Out8(0x64, 0xfe)
	if err := r.wait(t); !errors.Is(err, ErrReset) {
		t.Fatalf("Run = %v, want ErrReset", err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run = %v", err)
	}
}

type testAck struct {
	line   func(bool)
	vector uint8
}

func (a *testAck) Acknowledge() (bool, uint8) {
	a.line(false)
	return true, a.vector
}

func TestCPUDeliversOnlyWithInterruptsEnabled(t *testing.T) {
	cpu := NewCPU(nil)
	ack := &testAck{vector: 0x30}
	line := cpu.Attach("test", ack)
	ack.line = line.SetLevel

	var frames []hw.Frame
	cpu.Bind(0x30, func(f *hw.Frame) {
		if cpu.InterruptsEnabled() {
			t.Errorf("handler ran with interrupts enabled")
		}
		frames = append(frames, *f)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cpu.Run(ctx)

	line.SetLevel(true)
	time.Sleep(10 * time.Millisecond)
	cpu.DisableInterrupts()
	if len(frames) != 0 {
		t.Fatalf("delivered with interrupts disabled")
	}

	cpu.EnableAndHalt()
	cpu.DisableInterrupts()
	if len(frames) != 1 || frames[0].Vector != 0x30 || frames[0].RFlags != 0x202 {
		t.Fatalf("frames %+v", frames)
	}
	if st := cpu.Stats(); st.Interrupts != 1 || st.Halts != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestCPUTripleFault(t *testing.T) {
	cpu := NewCPU(nil)
	if err := cpu.Raise(Exception{Vector: 13}); !errors.Is(err, ErrTripleFault) {
		t.Fatalf("Raise = %v", err)
	}
	select {
	case <-cpu.Halted():
	default:
		t.Fatalf("processor still running")
	}
	if err := cpu.Raise(Exception{Vector: 3}); !errors.Is(err, ErrHalted) {
		t.Fatalf("Raise after halt = %v", err)
	}
}

func TestCPUUnhandledVectorBecomesDoubleFault(t *testing.T) {
	cpu := NewCPU(nil)
	var got []uint8
	cpu.Bind(uint8(intr.VectorDoubleFault), func(f *hw.Frame) { got = append(got, f.Vector) })
	if err := cpu.Raise(Exception{Vector: 13}); err != nil {
		t.Fatalf("Raise = %v", err)
	}
	if len(got) != 1 || got[0] != 8 {
		t.Fatalf("double fault handler saw %v", got)
	}
}

func TestCPURegisters(t *testing.T) {
	cpu := NewCPU(nil)
	if cpu.RFlags() != 0x2 {
		t.Fatalf("rflags 0x%x", cpu.RFlags())
	}
	cpu.EnableInterrupts()
	if cpu.RFlags() != 0x202 {
		t.Fatalf("rflags 0x%x", cpu.RFlags())
	}
	if cpu.ControlRegister(0)&1 == 0 || cpu.DebugRegister(7) != 0x400 || cpu.DebugRegister(0) != 0 {
		t.Fatalf("registers cr0 0x%x dr7 0x%x", cpu.ControlRegister(0), cpu.DebugRegister(7))
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "boot.img")
	if err := os.WriteFile(img, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := config.Parse([]byte(strings.Join([]string{
		"disks:",
		"  - image: " + img,
		"    readOnly: true",
		"  - channel: secondary",
		"    sectors: 64",
	}, "\n")))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, closer, err := FromConfig(c)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer closer.Close()

	if len(cfg.Disks) != 2 {
		t.Fatalf("disks %+v", cfg.Disks)
	}
	if d := cfg.Disks[0]; d.Sectors != 2 || !d.ReadOnly || d.Base != ata.PrimaryBase {
		t.Fatalf("image disk %+v", d)
	}
	if d := cfg.Disks[1]; d.Base != ata.SecondaryBase || d.Sectors != 64 {
		t.Fatalf("memory disk %+v", d)
	}
	if cfg.Kernel.Disk == nil || cfg.Kernel.Disk.Base != ata.PrimaryBase {
		t.Fatalf("kernel disk %+v", cfg.Kernel.Disk)
	}

	if _, _, err := FromConfig(config.Config{Disks: []config.DiskConfig{{Image: filepath.Join(dir, "missing.img")}}}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing image: %v", err)
	}
}
