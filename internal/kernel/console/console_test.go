package console

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"testing"

	"github.com/tinyrange/kcore/internal/hw/hwtest"
	"github.com/tinyrange/kcore/internal/kernel/async"
	"github.com/tinyrange/kcore/internal/kernel/queue"
)

type testOutput struct {
	b      strings.Builder
	clears int
	err    error
}

func (o *testOutput) WriteText(s string) error {
	if o.err != nil {
		return o.err
	}
	o.b.WriteString(s)
	return nil
}

func (o *testOutput) Clear() error {
	o.clears++
	o.b.Reset()
	return o.err
}

type testRegisters struct{}

func (testRegisters) RFlags() uint64               { return 0x202 }
func (testRegisters) ControlRegister(n int) uint64 { return 0xc0 + uint64(n) }
func (testRegisters) DebugRegister(n int) uint64   { return 0xd0 + uint64(n) }

type testDisk struct {
	data    []byte
	err     error
	sectors int
}

func (d *testDisk) ReadRange(lba uint64, sectors int) ([]byte, error) {
	d.sectors = sectors
	if d.err != nil {
		return nil, d.err
	}
	return d.data, nil
}

type testSink struct{ img *image.RGBA }

func (s *testSink) ShowImage(img *image.RGBA) error { s.img = img; return nil }

type testWaker struct{ n int }

func (w *testWaker) Wake() { w.n++ }

type testConsole struct {
	*Console
	lines *queue.Events[string]
	out   *testOutput
	ports *hwtest.Recorder
	cx    *async.Context
}

func newTestConsole(t *testing.T, cfg Config) *testConsole {
	t.Helper()
	tc := &testConsole{
		lines: queue.NewEvents[string](8),
		out:   &testOutput{},
		ports: hwtest.NewRecorder(),
		cx:    async.NewContext(&testWaker{}),
	}
	cfg.Output = tc.out
	cfg.Ports = tc.ports
	tc.Console = New(async.NewStream(tc.lines), cfg)
	return tc
}

func (tc *testConsole) typeLine(t *testing.T, line string) async.Poll {
	t.Helper()
	if err := tc.lines.Send(line); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
	return tc.Poll(tc.cx)
}

func TestLineBufferCompletesOnNewline(t *testing.T) {
	lines := queue.NewEvents[string](2)
	b := NewLineBuffer(lines, nil)
	for _, r := range "he\bllo\nx" {
		b.AddChar(r)
	}
	got, ok := lines.TryRecv()
	if !ok || got != "he\bllo" {
		t.Fatalf("line = %q, %v", got, ok)
	}
	if _, ok := lines.TryRecv(); ok {
		t.Fatalf("incomplete line was queued")
	}
	if b.Pending() != "x" {
		t.Fatalf("pending %q", b.Pending())
	}
}

func TestLineBufferDropsWhenFull(t *testing.T) {
	lines := queue.NewEvents[string](1)
	b := NewLineBuffer(lines, nil)
	b.AddChar('\n')
	b.AddChar('\n')
	if lines.Dropped() != 1 || lines.Len() != 1 {
		t.Fatalf("dropped %d queued %d", lines.Dropped(), lines.Len())
	}
}

func TestConsolePromptsAndIgnoresUnknownInput(t *testing.T) {
	tc := newTestConsole(t, Config{})
	if tc.Poll(tc.cx) != async.Pending {
		t.Fatalf("console completed without input")
	}
	if tc.out.b.String() != DefaultPrompt {
		t.Fatalf("output %q", tc.out.b.String())
	}
	tc.typeLine(t, "frobnicate now")
	tc.typeLine(t, "   ")
	if tc.out.b.String() != strings.Repeat(DefaultPrompt, 3) {
		t.Fatalf("output %q", tc.out.b.String())
	}
	if tc.Executed() != 0 {
		t.Fatalf("executed %d", tc.Executed())
	}
}

func TestConsoleQexitWritesOnce(t *testing.T) {
	tc := newTestConsole(t, Config{})
	tc.Poll(tc.cx)
	tc.lines.Send("qexit")
	tc.lines.Send("help")
	if tc.Poll(tc.cx) != async.Ready {
		t.Fatalf("console kept running after qexit")
	}
	if got := tc.ports.Writes(ExitPort); len(got) != 1 || got[0] != ExitSuccess {
		t.Fatalf("exit port writes %v", got)
	}
	acc := tc.ports.Accesses()
	if len(acc) != 1 || acc[0].Width != 32 {
		t.Fatalf("accesses %v", acc)
	}
	if strings.Contains(tc.out.b.String(), "list commands") {
		t.Fatalf("line after qexit was processed")
	}
	if !tc.Exited() {
		t.Fatalf("Exited() = false")
	}
}

func TestConsoleDebugGroups(t *testing.T) {
	tc := newTestConsole(t, Config{Registers: testRegisters{}})
	tc.Poll(tc.cx)

	tc.typeLine(t, "dbg")
	out := tc.out.b.String()
	for _, want := range []string{"RFLAGS: 0x0000000000000202 [IF]", "CR2: 0x00000000000000c2", "DR7: 0x00000000000000d7"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dbg output missing %q:\n%s", want, out)
		}
	}

	tc.out.b.Reset()
	tc.typeLine(t, "dbg cr")
	out = tc.out.b.String()
	if strings.Contains(out, "RFLAGS") || strings.Contains(out, "DR0") || !strings.Contains(out, "CR4") {
		t.Fatalf("dbg cr output:\n%s", out)
	}

	tc.out.b.Reset()
	tc.typeLine(t, "dbg fpu")
	if !strings.Contains(tc.out.b.String(), "unknown group") {
		t.Fatalf("dbg fpu output %q", tc.out.b.String())
	}
}

func TestConsoleClearAndHelp(t *testing.T) {
	tc := newTestConsole(t, Config{})
	tc.Poll(tc.cx)
	tc.typeLine(t, "help")
	for _, name := range []string{"image", "dbg", "clear", "help", "qexit"} {
		if !strings.Contains(tc.out.b.String(), name) {
			t.Fatalf("help does not list %s", name)
		}
	}
	tc.typeLine(t, "clear")
	if tc.out.clears != 1 || tc.out.b.String() != DefaultPrompt {
		t.Fatalf("clears %d output %q", tc.out.clears, tc.out.b.String())
	}
}

func TestConsoleImage(t *testing.T) {
	data := append([]byte("P6\n# demo\n2 1\n255\n"), 255, 0, 0, 0, 0, 255)
	data = append(data, make([]byte, 100)...)
	disk := &testDisk{data: data}
	sink := &testSink{}
	tc := newTestConsole(t, Config{Disk: disk, Images: sink})
	tc.Poll(tc.cx)
	tc.typeLine(t, "image")

	if disk.sectors != DefaultImageSectors {
		t.Fatalf("read %d sectors", disk.sectors)
	}
	if sink.img == nil || sink.img.RGBAAt(1, 0).B != 255 || sink.img.RGBAAt(0, 0).R != 255 {
		t.Fatalf("image not delivered")
	}
	if !strings.Contains(tc.out.b.String(), "image: 2x1") {
		t.Fatalf("output %q", tc.out.b.String())
	}
}

func TestConsoleImageFailuresArePrinted(t *testing.T) {
	disk := &testDisk{err: errors.New("ata: read: no device")}
	tc := newTestConsole(t, Config{Disk: disk, ImageSectors: 4})
	tc.Poll(tc.cx)
	if tc.typeLine(t, "image") != async.Pending {
		t.Fatalf("console stopped on a disk error")
	}
	disk.err = nil
	disk.data = []byte("GIF89a")
	tc.typeLine(t, "image")
	out := tc.out.b.String()
	if !strings.Contains(out, "no device") || !strings.Contains(out, "not a binary PPM") {
		t.Fatalf("output %q", out)
	}
	if disk.sectors != 4 {
		t.Fatalf("read %d sectors", disk.sectors)
	}
}

func TestConsoleOutputFailureIsFatal(t *testing.T) {
	var fatal error
	tc := newTestConsole(t, Config{Fatal: func(err error) { fatal = err }})
	tc.out.err = fmt.Errorf("framebuffer lost")
	if tc.Poll(tc.cx) != async.Ready {
		t.Fatalf("console kept running")
	}
	if fatal == nil || !errors.Is(tc.Err(), tc.out.err) {
		t.Fatalf("fatal %v err %v", fatal, tc.Err())
	}
}

func TestDecodePPM(t *testing.T) {
	img, err := DecodePPM([]byte("P6 1 1 65535\n\xff\xff\x80\x00\x00\x00"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c := img.RGBAAt(0, 0); c.R != 255 || c.G != 127 || c.B != 0 || c.A != 255 {
		t.Fatalf("pixel %+v", c)
	}

	if _, err := DecodePPM([]byte("P6\n4 4\n255\n\x00\x00")); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short raster: %v", err)
	}
	if _, err := DecodePPM([]byte("P3\n1 1\n255\n0 0 0")); !errors.Is(err, ErrNotPPM) {
		t.Fatalf("ascii pixmap: %v", err)
	}
	if _, err := DecodePPM([]byte("P6\n0 1\n255\n")); !errors.Is(err, ErrNotPPM) {
		t.Fatalf("zero width: %v", err)
	}
}
