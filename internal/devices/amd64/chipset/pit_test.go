package chipset

import (
	"testing"
	"time"
)

func TestPITDefaultRate(t *testing.T) {
	timers := NewManualTimers()
	line := &testReadyLine{}
	pit := NewPIT(line, timers.PITOption())
	if err := pit.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p := timers.Periods(); len(p) != 1 || p[0] != 0x10000*PITClock {
		t.Fatalf("periods = %v", p)
	}

	for i := 0; i < 3; i++ {
		timers.Fire()
	}
	if line.rises != 3 || !line.level {
		t.Fatalf("rises = %d level = %v, want 3 rising edges ending high", line.rises, line.level)
	}
	if pit.Ticks() != 3 {
		t.Fatalf("ticks = %d", pit.Ticks())
	}

	if err := pit.Stop(); err != nil || timers.Armed() != 0 {
		t.Fatalf("stop left %d timers (%v)", timers.Armed(), err)
	}
}

func TestPITReprogram(t *testing.T) {
	timers := NewManualTimers()
	pit := NewPIT(nil, timers.PITOption(), WithPITClock(time.Microsecond))
	_ = pit.Start()

	// Channel 0, lobyte/hibyte, mode 2, reload 1000.
	if err := pit.WriteIOPort(pitControlPort, []byte{0x34}); err != nil {
		t.Fatal(err)
	}
	if timers.Armed() != 0 {
		t.Fatalf("control word left the old timer armed")
	}
	_ = pit.WriteIOPort(pitChannel0Port, []byte{0xe8})
	if timers.Armed() != 0 {
		t.Fatalf("armed after only the low byte")
	}
	_ = pit.WriteIOPort(pitChannel0Port, []byte{0x03})
	if got := pit.Period(); got != time.Millisecond {
		t.Fatalf("period = %v, want 1ms", got)
	}
	if timers.Armed() != 1 {
		t.Fatalf("armed = %d", timers.Armed())
	}

	// Mode 0 is one-shot and does not tick.
	_ = pit.WriteIOPort(pitControlPort, []byte{0x30})
	_ = pit.WriteIOPort(pitChannel0Port, []byte{0x10})
	_ = pit.WriteIOPort(pitChannel0Port, []byte{0x00})
	if timers.Armed() != 0 {
		t.Fatalf("one-shot mode armed a periodic timer")
	}
}

func TestPITLatchedRead(t *testing.T) {
	now := time.Unix(0, 0)
	timers := NewManualTimers()
	pit := NewPIT(nil, timers.PITOption(), WithPITClock(time.Microsecond),
		WithPITNow(func() time.Time { return now }))
	_ = pit.WriteIOPort(pitControlPort, []byte{0x34})
	_ = pit.WriteIOPort(pitChannel0Port, []byte{0xe8})
	_ = pit.WriteIOPort(pitChannel0Port, []byte{0x03})

	now = now.Add(250 * time.Microsecond)
	_ = pit.WriteIOPort(pitControlPort, []byte{0x00})
	now = now.Add(100 * time.Microsecond)

	var lo, hi [1]byte
	_ = pit.ReadIOPort(pitChannel0Port, lo[:])
	_ = pit.ReadIOPort(pitChannel0Port, hi[:])
	if got := uint16(hi[0])<<8 | uint16(lo[0]); got != 750 {
		t.Fatalf("latched count = %d, want 750", got)
	}
}

func TestDebugExitStatus(t *testing.T) {
	var got []int
	dev := NewDebugExit(0, func(status int) { got = append(got, status) })
	if err := dev.WriteIOPort(DebugExitPort, []byte{0x10, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	_ = dev.WriteIOPort(DebugExitPort, []byte{0x01})
	if len(got) != 1 || got[0] != 0x21 {
		t.Fatalf("exit callbacks = %v, want one with status 0x21", got)
	}
	if status, ok := dev.Status(); !ok || status != 0x21 {
		t.Fatalf("Status = %d, %v", status, ok)
	}
}

func TestPostCodeLatches(t *testing.T) {
	p := NewPostCode()
	_ = p.WriteIOPort(PostCodePort, []byte{0})
	_ = p.WriteIOPort(PostCodePort, []byte{0x42})
	last, n := p.Last()
	if last != 0x42 || n != 2 {
		t.Fatalf("Last = 0x%x, %d", last, n)
	}
}
