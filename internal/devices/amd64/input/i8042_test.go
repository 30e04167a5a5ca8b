package input

import (
	"bytes"
	"testing"
)

// testLineInterrupt counts rising edges.
type testLineInterrupt struct {
	rises int
	level bool
}

func (t *testLineInterrupt) SetLevel(high bool) {
	if high && !t.level {
		t.rises++
	}
	t.level = high
}

func (t *testLineInterrupt) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func newTestController(t *testing.T) (*I8042, *PS2Keyboard, *testLineInterrupt) {
	t.Helper()
	line := &testLineInterrupt{}
	ctrl := NewI8042()
	ctrl.SetIRQ(line)
	kbd := NewPS2Keyboard()
	ctrl.AttachKeyboard(kbd)
	return ctrl, kbd, line
}

func readPort(t *testing.T, ctrl *I8042, port uint16) byte {
	t.Helper()
	var b [1]byte
	if err := ctrl.ReadIOPort(port, b[:]); err != nil {
		t.Fatalf("read 0x%x: %v", port, err)
	}
	return b[0]
}

func writePort(t *testing.T, ctrl *I8042, port uint16, v byte) {
	t.Helper()
	if err := ctrl.WriteIOPort(port, []byte{v}); err != nil {
		t.Fatalf("write 0x%x: %v", port, err)
	}
}

func drain(t *testing.T, ctrl *I8042) []byte {
	t.Helper()
	var out []byte
	for readPort(t, ctrl, i8042CommandPort)&i8042StatusOutputFull != 0 {
		out = append(out, readPort(t, ctrl, i8042DataPort))
	}
	return out
}

func TestI8042SelfTest(t *testing.T) {
	ctrl := NewI8042()

	writePort(t, ctrl, i8042CommandPort, i8042CommandControllerTest)
	if readPort(t, ctrl, i8042CommandPort)&i8042StatusOutputFull == 0 {
		t.Fatalf("expected output buffer full after self-test")
	}
	if got := readPort(t, ctrl, i8042DataPort); got != i8042ResponseSelfTestOK {
		t.Fatalf("self-test response 0x%02x", got)
	}
	if readPort(t, ctrl, i8042CommandPort)&i8042StatusOutputFull != 0 {
		t.Fatalf("expected output buffer empty after read")
	}
}

func TestI8042CommandByte(t *testing.T) {
	ctrl, _, line := newTestController(t)

	writePort(t, ctrl, i8042CommandPort, i8042CommandReadCommandByte)
	if got := readPort(t, ctrl, i8042DataPort); got != i8042DefaultCommandByte {
		t.Fatalf("command byte 0x%02x", got)
	}

	// Turn the keyboard interrupt off.
	writePort(t, ctrl, i8042CommandPort, i8042CommandWriteCommandByte)
	writePort(t, ctrl, i8042DataPort, i8042CommandByteSystemFlag)
	before := line.rises
	writePort(t, ctrl, i8042CommandPort, i8042CommandControllerTest)
	if line.rises != before || line.level {
		t.Fatalf("IRQ raised with the interrupt disabled")
	}
}

func TestI8042EdgePerByte(t *testing.T) {
	ctrl, kbd, line := newTestController(t)

	kbd.SendKey(0x1e, false, true)  // a
	kbd.SendKey(0x1e, false, false) // a release
	if line.rises != 1 || !line.level {
		t.Fatalf("rises = %d level = %v after queueing", line.rises, line.level)
	}

	if got := readPort(t, ctrl, i8042DataPort); got != 0x1e {
		t.Fatalf("first byte 0x%02x", got)
	}
	if line.rises != 2 || !line.level {
		t.Fatalf("no new edge for the second byte: rises = %d", line.rises)
	}
	if got := readPort(t, ctrl, i8042DataPort); got != 0x9e {
		t.Fatalf("second byte 0x%02x", got)
	}
	if line.level {
		t.Fatalf("IRQ still high with an empty buffer")
	}
	// Reading an empty buffer returns the last byte again.
	if got := readPort(t, ctrl, i8042DataPort); got != 0x9e {
		t.Fatalf("stale read 0x%02x", got)
	}
}

func TestI8042Overflow(t *testing.T) {
	ctrl, kbd, _ := newTestController(t)
	for i := 0; i < i8042OutputDepth+4; i++ {
		kbd.SendKey(0x39, false, true)
	}
	if ctrl.Buffered() != i8042OutputDepth || ctrl.Dropped() != 4 {
		t.Fatalf("buffered %d dropped %d", ctrl.Buffered(), ctrl.Dropped())
	}
}

func TestI8042DisabledPortDropsKeys(t *testing.T) {
	ctrl, kbd, _ := newTestController(t)
	writePort(t, ctrl, i8042CommandPort, i8042CommandDisableFirstPort)
	kbd.SendKey(0x10, false, true)
	if ctrl.Buffered() != 0 {
		t.Fatalf("key queued on a disabled port")
	}
	writePort(t, ctrl, i8042CommandPort, i8042CommandEnableFirstPort)
	kbd.SendKey(0x10, false, true)
	if got := drain(t, ctrl); !bytes.Equal(got, []byte{0x10}) {
		t.Fatalf("got % x", got)
	}
}

func TestI8042ResetRequest(t *testing.T) {
	ctrl := NewI8042()
	resets := 0
	ctrl.OnResetRequest(func() { resets++ })
	writePort(t, ctrl, i8042CommandPort, i8042CommandResetCPU)
	if resets != 1 {
		t.Fatalf("reset callback ran %d times", resets)
	}
}

func TestPS2KeyboardExtendedKeys(t *testing.T) {
	ctrl, kbd, _ := newTestController(t)
	kbd.SendKey(0x48, true, true)  // up arrow
	kbd.SendKey(0x48, true, false) // release
	want := []byte{0xe0, 0x48, 0xe0, 0xc8}
	if got := drain(t, ctrl); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestPS2KeyboardSet2WithoutTranslation(t *testing.T) {
	ctrl, kbd, _ := newTestController(t)
	writePort(t, ctrl, i8042CommandPort, i8042CommandWriteCommandByte)
	writePort(t, ctrl, i8042DataPort, i8042CommandByteFirstIRQ|i8042CommandByteSystemFlag)

	kbd.SendKey(0x1e, false, true)
	kbd.SendKey(0x1e, false, false)
	want := []byte{0x1c, 0xf0, 0x1c}
	if got := drain(t, ctrl); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestPS2KeyboardCommands(t *testing.T) {
	ctrl, kbd, _ := newTestController(t)

	writePort(t, ctrl, i8042DataPort, ps2CmdReset)
	if got := drain(t, ctrl); !bytes.Equal(got, []byte{ps2ResponseAck, ps2ResponseTestPass}) {
		t.Fatalf("reset response % x", got)
	}

	writePort(t, ctrl, i8042DataPort, ps2CmdSetLEDs)
	writePort(t, ctrl, i8042DataPort, 0x04)
	if got := drain(t, ctrl); !bytes.Equal(got, []byte{ps2ResponseAck, ps2ResponseAck}) {
		t.Fatalf("LED response % x", got)
	}
	if kbd.LEDs() != 0x04 {
		t.Fatalf("LEDs = 0x%x", kbd.LEDs())
	}

	writePort(t, ctrl, i8042DataPort, ps2CmdSetScancode)
	writePort(t, ctrl, i8042DataPort, scancodeSet1)
	drain(t, ctrl)
	if kbd.ScancodeSet() != scancodeSet1 {
		t.Fatalf("scan code set %d", kbd.ScancodeSet())
	}

	writePort(t, ctrl, i8042DataPort, ps2CmdIdentify)
	if got := drain(t, ctrl); !bytes.Equal(got, []byte{ps2ResponseAck, 0xab, 0x83}) {
		t.Fatalf("identify response % x", got)
	}

	writePort(t, ctrl, i8042DataPort, ps2CmdDisable)
	drain(t, ctrl)
	kbd.SendKey(0x10, false, true)
	if ctrl.Buffered() != 0 {
		t.Fatalf("disabled keyboard sent a key")
	}
}
