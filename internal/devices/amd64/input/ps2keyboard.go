package input

import (
	"sync"
)

const (
	ps2CmdReset        = 0xff
	ps2CmdResend       = 0xfe
	ps2CmdSetDefaults  = 0xf6
	ps2CmdDisable      = 0xf5
	ps2CmdEnable       = 0xf4
	ps2CmdSetTypematic = 0xf3
	ps2CmdIdentify     = 0xf2
	ps2CmdSetScancode  = 0xf0
	ps2CmdEcho         = 0xee
	ps2CmdSetLEDs      = 0xed

	ps2ResponseAck      = 0xfa
	ps2ResponseResend   = 0xfe
	ps2ResponseError    = 0xfc
	ps2ResponseTestPass = 0xaa
	ps2ResponseEcho     = 0xee

	scancodeSet1 = 1
	scancodeSet2 = 2
	scancodeSet3 = 3

	// ExtendedPrefix precedes the scan codes of extended keys.
	ExtendedPrefix = 0xe0
	// BreakBit marks a key release in scan code set 1.
	BreakBit = 0x80
)

// PS2Keyboard models an MF2 keyboard. Keys are injected as set 1 make codes;
// the host sees set 1 when the controller translates or set 1 is selected,
// and set 2 otherwise.
type PS2Keyboard struct {
	mu sync.Mutex

	controller *I8042

	enabled        bool
	scancodeSet    int
	typematicRate  byte
	typematicDelay byte
	leds           byte
	last           byte

	expectingTypematic bool
	expectingLEDs      bool
	expectingScancode  bool
}

// NewPS2Keyboard returns a keyboard in its power-on state.
func NewPS2Keyboard() *PS2Keyboard {
	k := &PS2Keyboard{}
	k.resetLocked()
	return k
}

func (k *PS2Keyboard) setController(ctrl *I8042) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.controller = ctrl
}

// Reset returns the keyboard to defaults.
func (k *PS2Keyboard) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resetLocked()
}

func (k *PS2Keyboard) resetLocked() {
	k.enabled = true
	k.scancodeSet = scancodeSet2
	k.typematicRate = 0x0b
	k.typematicDelay = 0x01
	k.leds = 0
	k.expectingTypematic = false
	k.expectingLEDs = false
	k.expectingScancode = false
}

// LEDs returns the LED state last set by the host.
func (k *PS2Keyboard) LEDs() byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.leds
}

// ScancodeSet returns the selected scan code set.
func (k *PS2Keyboard) ScancodeSet() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scancodeSet
}

// HandleCommand processes a byte the host wrote to the keyboard.
func (k *PS2Keyboard) HandleCommand(cmd byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch {
	case k.expectingLEDs:
		k.leds = cmd & 0x07
		k.expectingLEDs = false
		k.sendLocked(ps2ResponseAck)
		return
	case k.expectingTypematic:
		k.typematicRate = cmd & 0x1f
		k.typematicDelay = cmd >> 5 & 0x3
		k.expectingTypematic = false
		k.sendLocked(ps2ResponseAck)
		return
	case k.expectingScancode:
		k.expectingScancode = false
		switch {
		case cmd == 0:
			// Query: report the current set.
			k.sendLocked(ps2ResponseAck)
			k.sendLocked(byte(k.scancodeSet))
		case cmd <= scancodeSet3:
			k.scancodeSet = int(cmd)
			k.sendLocked(ps2ResponseAck)
		default:
			k.sendLocked(ps2ResponseError)
		}
		return
	}

	switch cmd {
	case ps2CmdReset:
		k.resetLocked()
		k.sendLocked(ps2ResponseAck)
		k.sendLocked(ps2ResponseTestPass)
	case ps2CmdResend:
		k.sendLocked(k.last)
	case ps2CmdSetDefaults:
		k.typematicRate = 0x0b
		k.typematicDelay = 0x01
		k.scancodeSet = scancodeSet2
		k.sendLocked(ps2ResponseAck)
	case ps2CmdDisable:
		k.enabled = false
		k.sendLocked(ps2ResponseAck)
	case ps2CmdEnable:
		k.enabled = true
		k.sendLocked(ps2ResponseAck)
	case ps2CmdSetTypematic:
		k.expectingTypematic = true
		k.sendLocked(ps2ResponseAck)
	case ps2CmdSetLEDs:
		k.expectingLEDs = true
		k.sendLocked(ps2ResponseAck)
	case ps2CmdEcho:
		k.sendLocked(ps2ResponseEcho)
	case ps2CmdSetScancode:
		k.expectingScancode = true
		k.sendLocked(ps2ResponseAck)
	case ps2CmdIdentify:
		k.sendLocked(ps2ResponseAck)
		k.sendLocked(0xab)
		k.sendLocked(0x83)
	default:
		k.sendLocked(ps2ResponseResend)
	}
}

// SendKey injects a key event. code is the set 1 make code; extended keys
// such as the arrows carry the 0xE0 prefix.
func (k *PS2Keyboard) SendKey(code byte, extended, pressed bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.enabled || k.controller == nil {
		return
	}
	for _, b := range k.encodeLocked(code&^BreakBit, extended, pressed) {
		k.sendLocked(b)
	}
}

func (k *PS2Keyboard) encodeLocked(code byte, extended, pressed bool) []byte {
	out := make([]byte, 0, 3)
	if extended {
		out = append(out, ExtendedPrefix)
	}
	if k.scancodeSet == scancodeSet1 || k.controller.translating() {
		if !pressed {
			code |= BreakBit
		}
		return append(out, code)
	}
	if !pressed {
		out = append(out, 0xf0)
	}
	return append(out, set1ToSet2(code))
}

func (k *PS2Keyboard) sendLocked(b byte) {
	if b != ps2CmdResend {
		k.last = b
	}
	if k.controller != nil {
		k.controller.QueueKeyboardData(b)
	}
}

// set1ToSet2 maps set 1 make codes to set 2. Extended keys share the
// mapping of the base key they extend.
func set1ToSet2(code byte) byte {
	if int(code) < len(set2Codes) && set2Codes[code] != 0 {
		return set2Codes[code]
	}
	return code
}

var set2Codes = [...]byte{
	0x01: 0x76, // Esc
	0x02: 0x16, // 1
	0x03: 0x1e, // 2
	0x04: 0x26, // 3
	0x05: 0x25, // 4
	0x06: 0x2e, // 5
	0x07: 0x36, // 6
	0x08: 0x3d, // 7
	0x09: 0x3e, // 8
	0x0a: 0x46, // 9
	0x0b: 0x45, // 0
	0x0c: 0x4e, // -
	0x0d: 0x55, // =
	0x0e: 0x66, // Backspace
	0x0f: 0x0d, // Tab
	0x10: 0x15, // Q
	0x11: 0x1d, // W
	0x12: 0x24, // E
	0x13: 0x2d, // R
	0x14: 0x2c, // T
	0x15: 0x35, // Y
	0x16: 0x3c, // U
	0x17: 0x43, // I
	0x18: 0x44, // O
	0x19: 0x4d, // P
	0x1a: 0x54, // [
	0x1b: 0x5b, // ]
	0x1c: 0x5a, // Enter
	0x1d: 0x14, // Left Ctrl
	0x1e: 0x1c, // A
	0x1f: 0x1b, // S
	0x20: 0x23, // D
	0x21: 0x2b, // F
	0x22: 0x34, // G
	0x23: 0x33, // H
	0x24: 0x3b, // J
	0x25: 0x42, // K
	0x26: 0x4b, // L
	0x27: 0x4c, // ;
	0x28: 0x52, // '
	0x29: 0x0e, // `
	0x2a: 0x12, // Left Shift
	0x2b: 0x5d, // \
	0x2c: 0x1a, // Z
	0x2d: 0x22, // X
	0x2e: 0x21, // C
	0x2f: 0x2a, // V
	0x30: 0x32, // B
	0x31: 0x31, // N
	0x32: 0x3a, // M
	0x33: 0x41, // ,
	0x34: 0x49, // .
	0x35: 0x4a, // /
	0x36: 0x59, // Right Shift
	0x37: 0x7c, // Keypad *
	0x38: 0x11, // Left Alt
	0x39: 0x29, // Space
	0x3a: 0x58, // Caps Lock
	0x3b: 0x05, // F1
	0x3c: 0x06, // F2
	0x3d: 0x04, // F3
	0x3e: 0x0c, // F4
	0x3f: 0x03, // F5
	0x40: 0x0b, // F6
	0x41: 0x83, // F7
	0x42: 0x0a, // F8
	0x43: 0x01, // F9
	0x44: 0x09, // F10
	0x45: 0x77, // Num Lock
	0x46: 0x7e, // Scroll Lock
	0x47: 0x6c, // Keypad 7
	0x48: 0x75, // Keypad 8
	0x49: 0x7d, // Keypad 9
	0x4a: 0x7b, // Keypad -
	0x4b: 0x6b, // Keypad 4
	0x4c: 0x73, // Keypad 5
	0x4d: 0x74, // Keypad 6
	0x4e: 0x79, // Keypad +
	0x4f: 0x69, // Keypad 1
	0x50: 0x72, // Keypad 2
	0x51: 0x7a, // Keypad 3
	0x52: 0x70, // Keypad 0
	0x53: 0x71, // Keypad .
	0x57: 0x78, // F11
	0x58: 0x07, // F12
}
