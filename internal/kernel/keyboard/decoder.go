// Package keyboard turns PS/2 scan code set 1 bytes into characters and runs
// the task that echoes them and feeds the console.
package keyboard

// Key is one decoded make or break event.
type Key struct {
	Code     byte // make code without the break bit
	Extended bool
	Pressed  bool
}

// Decoder tracks prefix and modifier state across scan code bytes. Control
// is ignored: ctrl+c decodes as c.
type Decoder struct {
	extended  bool
	pauseSkip int

	leftShift  bool
	rightShift bool
	capsLock   bool
	numLock    bool
}

// NewDecoder returns a decoder with num lock on and every other modifier
// released.
func NewDecoder() *Decoder {
	return &Decoder{numLock: true}
}

// Feed consumes one byte and returns the key event it completes.
func (d *Decoder) Feed(b byte) (Key, bool) {
	if d.pauseSkip > 0 {
		d.pauseSkip--
		return Key{}, false
	}
	switch b {
	case prefixExtended:
		d.extended = true
		return Key{}, false
	case prefixPause:
		// E1 1D 45 E1 9D C5; the key has no character.
		d.pauseSkip = 5
		return Key{}, false
	}
	k := Key{Code: b &^ breakBit, Extended: d.extended, Pressed: b&breakBit == 0}
	d.extended = false
	return k, true
}

// Process applies k to the modifier state and returns the character it
// types, if any.
func (d *Decoder) Process(k Key) (rune, bool) {
	if k.Extended {
		if !k.Pressed {
			return 0, false
		}
		switch k.Code {
		case CodeKeypadEnter:
			return '\n', true
		case CodeKeypadSlash:
			return '/', true
		case CodeDelete:
			return 0x7f, true
		}
		return 0, false
	}

	switch k.Code {
	case CodeLeftShift:
		d.leftShift = k.Pressed
		return 0, false
	case CodeRightShift:
		d.rightShift = k.Pressed
		return 0, false
	case CodeCapsLock:
		if k.Pressed {
			d.capsLock = !d.capsLock
		}
		return 0, false
	case CodeNumLock:
		if k.Pressed {
			d.numLock = !d.numLock
		}
		return 0, false
	}
	if !k.Pressed {
		return 0, false
	}

	if k.Code >= keypadFirst && int(k.Code-keypadFirst) < len(keypad) {
		r := keypad[k.Code-keypadFirst]
		if d.numLock || r == '-' || r == '+' {
			return r, true
		}
		return 0, false
	}
	if int(k.Code) >= len(us104) {
		return 0, false
	}
	def := us104[k.Code]
	if def.base == 0 {
		return 0, false
	}
	upper := d.leftShift || d.rightShift
	if def.letter && d.capsLock {
		upper = !upper
	}
	if upper {
		return def.shifted, true
	}
	return def.base, true
}

// Decode is Feed followed by Process.
func (d *Decoder) Decode(b byte) (rune, bool) {
	k, ok := d.Feed(b)
	if !ok {
		return 0, false
	}
	return d.Process(k)
}

// Shift reports whether either shift key is held.
func (d *Decoder) Shift() bool { return d.leftShift || d.rightShift }

// CapsLock reports the caps lock toggle.
func (d *Decoder) CapsLock() bool { return d.capsLock }
