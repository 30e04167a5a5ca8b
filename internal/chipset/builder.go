package chipset

import (
	"fmt"
	"log/slog"
)

type entry struct {
	name string
	dev  ChipsetDevice
}

type window struct {
	region  MMIORegion
	owner   int
	handler MmioHandler
}

type portClaim struct {
	owner   int
	handler PortIOHandler
}

// ChipsetBuilder collects devices and the ports and MMIO windows they claim.
// Registration order is kept: Start walks it forwards and Stop backwards,
// so interrupt controllers registered first are live before any device can
// raise a line into them.
type ChipsetBuilder struct {
	entries []entry
	names   map[string]int
	ports   map[uint16]portClaim
	windows []window
	log     *slog.Logger
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		names: make(map[string]int),
		ports: make(map[uint16]portClaim),
	}
}

// WithLogger sets the logger handed to the built Chipset.
func (b *ChipsetBuilder) WithLogger(log *slog.Logger) *ChipsetBuilder {
	b.log = log
	return b
}

// RegisterDevice adds dev under name and claims its ports and windows. A
// rejected device leaves the builder unchanged.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case b == nil:
		return fmt.Errorf("chipset builder is nil")
	case name == "":
		return fmt.Errorf("device name is empty")
	case dev == nil:
		return fmt.Errorf("device %q is nil", name)
	}
	if _, dup := b.names[name]; dup {
		return fmt.Errorf("device %q already registered", name)
	}
	owner := len(b.entries)

	var ports []uint16
	var portHandler PortIOHandler
	if pio := dev.SupportsPortIO(); pio != nil {
		if pio.Handler == nil {
			return fmt.Errorf("device %q claims ports with a nil handler", name)
		}
		seen := make(map[uint16]bool, len(pio.Ports))
		for _, port := range pio.Ports {
			if claim, taken := b.ports[port]; taken {
				return fmt.Errorf("device %q: port 0x%x already claimed by %q", name, port, b.entries[claim.owner].name)
			}
			if seen[port] {
				return fmt.Errorf("device %q: port 0x%x listed twice", name, port)
			}
			seen[port] = true
		}
		ports, portHandler = pio.Ports, pio.Handler
	}

	var windows []window
	if mmio := dev.SupportsMmio(); mmio != nil {
		if mmio.Handler == nil {
			return fmt.Errorf("device %q claims MMIO with a nil handler", name)
		}
		for _, r := range mmio.Regions {
			if err := b.checkWindow(r, windows); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
			windows = append(windows, window{region: r, owner: owner, handler: mmio.Handler})
		}
	}

	for _, port := range ports {
		b.ports[port] = portClaim{owner: owner, handler: portHandler}
	}
	b.windows = append(b.windows, windows...)
	b.entries = append(b.entries, entry{name: name, dev: dev})
	b.names[name] = owner
	return nil
}

func (b *ChipsetBuilder) checkWindow(r MMIORegion, pending []window) error {
	if r.Size == 0 {
		return fmt.Errorf("MMIO window at 0x%x has zero size", r.Address)
	}
	if r.Address+r.Size < r.Address {
		return fmt.Errorf("MMIO window at 0x%x size 0x%x wraps", r.Address, r.Size)
	}
	for _, set := range [][]window{b.windows, pending} {
		for _, w := range set {
			if r.overlaps(w.region) {
				return fmt.Errorf("MMIO window 0x%x-0x%x overlaps 0x%x-0x%x",
					r.Address, r.last(), w.region.Address, w.region.last())
			}
		}
	}
	return nil
}

// Build freezes the layout. The builder may be discarded afterwards.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}
	log := b.log
	if log == nil {
		log = slog.Default()
	}
	c := &Chipset{
		entries: append([]entry(nil), b.entries...),
		ports:   make(map[uint16]portClaim, len(b.ports)),
		windows: append([]window(nil), b.windows...),
		log:     log,
	}
	for port, claim := range b.ports {
		c.ports[port] = claim
	}
	return c, nil
}

func (r MMIORegion) last() uint64 { return r.Address + r.Size - 1 }

func (r MMIORegion) overlaps(o MMIORegion) bool {
	return r.Address < o.Address+o.Size && o.Address < r.Address+r.Size
}

func (r MMIORegion) contains(addr, size uint64) bool {
	return addr >= r.Address && addr+size <= r.Address+r.Size
}
