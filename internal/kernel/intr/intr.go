// Package intr programs the interrupt controllers: the legacy cascaded 8259
// pair and the local APIC / IO-APIC combination that replaces it.
package intr

import (
	"fmt"
	"strings"
)

// Vector is an IDT vector number.
type Vector uint8

// Vectors used by the kernel. Hardware IRQs start at IRQBase so they cannot
// collide with the CPU exception range.
const (
	VectorBreakpoint  Vector = 0x03
	VectorDoubleFault Vector = 0x08
	VectorPageFault   Vector = 0x0e

	IRQBase Vector = 0x20

	VectorTimer    Vector = IRQBase
	VectorKeyboard Vector = IRQBase + 1
	VectorMouse    Vector = IRQBase + 12

	VectorAPICError Vector = 0xfe
	VectorSpurious  Vector = 0xff
)

func (v Vector) String() string {
	switch v {
	case VectorBreakpoint:
		return "breakpoint"
	case VectorDoubleFault:
		return "double-fault"
	case VectorPageFault:
		return "page-fault"
	case VectorTimer:
		return "timer"
	case VectorKeyboard:
		return "keyboard"
	case VectorMouse:
		return "mouse"
	case VectorAPICError:
		return "apic-error"
	case VectorSpurious:
		return "spurious"
	}
	return fmt.Sprintf("vector(0x%02x)", uint8(v))
}

// Line is an ISA interrupt input, numbered as on the PIC pair (0-15) and on
// the first IO-APIC pins.
type Line uint8

const (
	LineTimer    Line = 0
	LineKeyboard Line = 1
	LineCascade  Line = 2
	LineMouse    Line = 12
)

// Controller is the kernel-side view of an interrupt controller.
type Controller interface {
	// Init programs the controller. It runs once at boot with interrupts
	// disabled.
	Init() error
	Mask(line Line)
	Unmask(line Line)
	// EndOfInterrupt acknowledges the interrupt delivered on vector. It is
	// called exactly once per delivered interrupt, from interrupt context.
	EndOfInterrupt(vector Vector)
}

// Mode selects which controller the kernel routes interrupts through.
type Mode string

const (
	ModePIC  Mode = "pic"
	ModeAPIC Mode = "apic"
)

// ParseMode accepts "pic" or "apic", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePIC, ModeAPIC:
		return m, nil
	case "":
		return ModePIC, nil
	}
	return "", fmt.Errorf("intr: unknown interrupt mode %q", s)
}
