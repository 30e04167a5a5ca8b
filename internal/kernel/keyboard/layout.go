package keyboard

// Set 1 make codes of the keys the decoder treats specially.
const (
	CodeEscape     byte = 0x01
	CodeBackspace  byte = 0x0e
	CodeTab        byte = 0x0f
	CodeEnter      byte = 0x1c
	CodeLeftCtrl   byte = 0x1d
	CodeLeftShift  byte = 0x2a
	CodeRightShift byte = 0x36
	CodeLeftAlt    byte = 0x38
	CodeSpace      byte = 0x39
	CodeCapsLock   byte = 0x3a
	CodeNumLock    byte = 0x45

	// Extended (0xE0-prefixed) codes.
	CodeKeypadEnter  byte = 0x1c
	CodeKeypadSlash  byte = 0x35
	CodeUp           byte = 0x48
	CodeLeft         byte = 0x4b
	CodeRight        byte = 0x4d
	CodeDown         byte = 0x50
	CodeExtendedCtrl byte = 0x1d
	CodeDelete       byte = 0x53
)

const (
	prefixExtended byte = 0xe0
	prefixPause    byte = 0xe1
	breakBit       byte = 0x80
)

// keyDef is one position of the US-104 layout.
type keyDef struct {
	base    rune
	shifted rune
	letter  bool // caps lock applies
}

// us104 maps set 1 make codes of the main block to characters.
var us104 = [0x40]keyDef{
	0x01: {base: 0x1b, shifted: 0x1b},
	0x02: {base: '1', shifted: '!'},
	0x03: {base: '2', shifted: '@'},
	0x04: {base: '3', shifted: '#'},
	0x05: {base: '4', shifted: '$'},
	0x06: {base: '5', shifted: '%'},
	0x07: {base: '6', shifted: '^'},
	0x08: {base: '7', shifted: '&'},
	0x09: {base: '8', shifted: '*'},
	0x0a: {base: '9', shifted: '('},
	0x0b: {base: '0', shifted: ')'},
	0x0c: {base: '-', shifted: '_'},
	0x0d: {base: '=', shifted: '+'},
	0x0e: {base: '\b', shifted: '\b'},
	0x0f: {base: '\t', shifted: '\t'},
	0x10: {base: 'q', shifted: 'Q', letter: true},
	0x11: {base: 'w', shifted: 'W', letter: true},
	0x12: {base: 'e', shifted: 'E', letter: true},
	0x13: {base: 'r', shifted: 'R', letter: true},
	0x14: {base: 't', shifted: 'T', letter: true},
	0x15: {base: 'y', shifted: 'Y', letter: true},
	0x16: {base: 'u', shifted: 'U', letter: true},
	0x17: {base: 'i', shifted: 'I', letter: true},
	0x18: {base: 'o', shifted: 'O', letter: true},
	0x19: {base: 'p', shifted: 'P', letter: true},
	0x1a: {base: '[', shifted: '{'},
	0x1b: {base: ']', shifted: '}'},
	0x1c: {base: '\n', shifted: '\n'},
	0x1e: {base: 'a', shifted: 'A', letter: true},
	0x1f: {base: 's', shifted: 'S', letter: true},
	0x20: {base: 'd', shifted: 'D', letter: true},
	0x21: {base: 'f', shifted: 'F', letter: true},
	0x22: {base: 'g', shifted: 'G', letter: true},
	0x23: {base: 'h', shifted: 'H', letter: true},
	0x24: {base: 'j', shifted: 'J', letter: true},
	0x25: {base: 'k', shifted: 'K', letter: true},
	0x26: {base: 'l', shifted: 'L', letter: true},
	0x27: {base: ';', shifted: ':'},
	0x28: {base: '\'', shifted: '"'},
	0x29: {base: '`', shifted: '~'},
	0x2b: {base: '\\', shifted: '|'},
	0x2c: {base: 'z', shifted: 'Z', letter: true},
	0x2d: {base: 'x', shifted: 'X', letter: true},
	0x2e: {base: 'c', shifted: 'C', letter: true},
	0x2f: {base: 'v', shifted: 'V', letter: true},
	0x30: {base: 'b', shifted: 'B', letter: true},
	0x31: {base: 'n', shifted: 'N', letter: true},
	0x32: {base: 'm', shifted: 'M', letter: true},
	0x33: {base: ',', shifted: '<'},
	0x34: {base: '.', shifted: '>'},
	0x35: {base: '/', shifted: '?'},
	0x37: {base: '*', shifted: '*'},
	0x39: {base: ' ', shifted: ' '},
}

// keypad maps 0x47-0x53 with num lock on.
var keypad = [...]rune{'7', '8', '9', '-', '4', '5', '6', '+', '1', '2', '3', '0', '.'}

const keypadFirst byte = 0x47

// Stroke is the set 1 make code and shift state that produce a character.
type Stroke struct {
	Code  byte
	Shift bool
}

var strokes = func() map[rune]Stroke {
	m := make(map[rune]Stroke)
	for code := len(us104) - 1; code >= 0; code-- {
		def := us104[code]
		if def.base == 0 {
			continue
		}
		if def.shifted != def.base {
			m[def.shifted] = Stroke{Code: byte(code), Shift: true}
		}
		m[def.base] = Stroke{Code: byte(code)}
	}
	return m
}()

// Lookup returns the key that types r on a US-104 keyboard with caps lock
// off.
func Lookup(r rune) (Stroke, bool) {
	s, ok := strokes[r]
	return s, ok
}
