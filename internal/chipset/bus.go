package chipset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// Bus presents a Chipset as the processor sees it: typed port I/O, 32-bit
// MMIO and an identity physical mapping. Device errors never reach the
// caller, since real buses cannot report them; they are logged and counted
// and the read returns all ones.
type Bus struct {
	cs     *Chipset
	faults atomic.Uint64
}

// NewBus wraps c.
func NewBus(c *Chipset) *Bus {
	return &Bus{cs: c}
}

// Faults returns the number of accesses that failed inside a device.
func (b *Bus) Faults() uint64 { return b.faults.Load() }

func (b *Bus) fault(kind string, addr uint64, write bool, err error) {
	if errors.Is(err, ErrUnmapped) {
		b.cs.log.Debug("Unmapped access", "kind", kind, "addr", fmt.Sprintf("0x%x", addr), "write", write)
		return
	}
	b.faults.Add(1)
	b.cs.log.Warn("Device access failed",
		"device", b.cs.owner(kind, addr), "kind", kind, "addr", fmt.Sprintf("0x%x", addr), "write", write, "err", err)
}

func (b *Bus) in(port uint16, buf []byte) {
	if err := b.cs.HandlePIO(port, buf, false); err != nil {
		b.fault("pio", uint64(port), false, err)
		for i := range buf {
			buf[i] = 0xff
		}
	}
}

func (b *Bus) out(port uint16, buf []byte) {
	if err := b.cs.HandlePIO(port, buf, true); err != nil {
		b.fault("pio", uint64(port), true, err)
	}
}

func (b *Bus) In8(port uint16) uint8 {
	var buf [1]byte
	b.in(port, buf[:])
	return buf[0]
}

func (b *Bus) Out8(port uint16, value uint8) {
	b.out(port, []byte{value})
}

func (b *Bus) In16(port uint16) uint16 {
	var buf [2]byte
	b.in(port, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (b *Bus) Out16(port uint16, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	b.out(port, buf[:])
}

func (b *Bus) In32(port uint16) uint32 {
	var buf [4]byte
	b.in(port, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *Bus) Out32(port uint16, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	b.out(port, buf[:])
}

func (b *Bus) Read32(addr uint64) uint32 {
	var buf [4]byte
	if err := b.cs.HandleMMIO(addr, buf[:], false); err != nil {
		b.fault("mmio", addr, false, err)
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *Bus) Write32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := b.cs.HandleMMIO(addr, buf[:], true); err != nil {
		b.fault("mmio", addr, true, err)
	}
}

// MapPhysical maps physical addresses one to one. It fails when no device
// claims phys, which is what a kernel would see as a bad platform table.
func (b *Bus) MapPhysical(phys uint64) (uint64, error) {
	if _, err := b.cs.window(phys, 4); err != nil {
		return 0, fmt.Errorf("chipset: map 0x%x: %w", phys, err)
	}
	return phys, nil
}
