package chipset

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnmapped is returned for accesses no device claims.
var ErrUnmapped = errors.New("chipset: unmapped")

// Chipset holds the dispatch tables of a built board.
type Chipset struct {
	entries []entry
	ports   map[uint16]portClaim
	windows []window
	log     *slog.Logger
}

// Start activates the devices in registration order. On failure the
// devices already started are stopped again.
func (c *Chipset) Start() error {
	for i, e := range c.entries {
		if err := e.dev.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				c.entries[j].dev.Stop()
			}
			return fmt.Errorf("chipset: start device %q: %w", e.name, err)
		}
	}
	return nil
}

// Stop deactivates every device in reverse registration order and returns
// the errors joined.
func (c *Chipset) Stop() error {
	var errs []error
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if err := e.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: stop device %q: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Devices returns the device names in registration order.
func (c *Chipset) Devices() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// PortOwner names the device claiming port.
func (c *Chipset) PortOwner(port uint16) (string, bool) {
	claim, ok := c.ports[port]
	if !ok {
		return "", false
	}
	return c.entries[claim.owner].name, true
}

// HandlePIO dispatches an I/O port access. len(data) is the access width.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	claim, ok := c.ports[port]
	if !ok {
		return fmt.Errorf("I/O port 0x%04x: %w", port, ErrUnmapped)
	}
	if isWrite {
		return claim.handler.WriteIOPort(port, data)
	}
	return claim.handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an access that must fall inside one window.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	w, err := c.window(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	if isWrite {
		return w.handler.WriteMMIO(addr, data)
	}
	return w.handler.ReadMMIO(addr, data)
}

func (c *Chipset) window(addr, size uint64) (*window, error) {
	if addr+size < addr {
		return nil, fmt.Errorf("chipset: MMIO access wraps at 0x%016x", addr)
	}
	for i := range c.windows {
		if c.windows[i].region.contains(addr, size) {
			return &c.windows[i], nil
		}
	}
	return nil, fmt.Errorf("MMIO address 0x%016x: %w", addr, ErrUnmapped)
}

func (c *Chipset) owner(kind string, addr uint64) string {
	if kind == "pio" {
		name, _ := c.PortOwner(uint16(addr))
		return name
	}
	if w, err := c.window(addr, 1); err == nil {
		return c.entries[w.owner].name
	}
	return ""
}
