package sim

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	cs "github.com/tinyrange/kcore/internal/chipset"
	atadev "github.com/tinyrange/kcore/internal/devices/ata"
	"github.com/tinyrange/kcore/internal/kernel/ata"
)

func attachDisk(channels map[uint16]*atadev.Channel, lines *cs.LineSet, d Disk, log *slog.Logger) error {
	base := d.Base
	if base == 0 {
		base = ata.PrimaryBase
	}
	var irq uint8
	switch base {
	case ata.PrimaryBase:
		irq = 14
	case ata.SecondaryBase:
		irq = 15
	default:
		return fmt.Errorf("no ATA channel at 0x%x", base)
	}
	ch, ok := channels[base]
	if !ok {
		ch = atadev.NewChannel(base, 0, log)
		ch.SetIRQ(lines.AllocateLine(irq))
		channels[base] = ch
	}
	return ch.Attach(int(d.Drive), atadev.DiskConfig{
		Backing:  d.Backing,
		Sectors:  d.Sectors,
		Model:    d.Model,
		LBA48:    d.LBA48,
		ReadOnly: d.ReadOnly,
	})
}

// NewStorageBus returns a bus carrying only the ATA channels for disks,
// with their interrupt lines left unconnected. Host tools use it to drive
// a disk image through the PIO driver without booting a kernel.
func NewStorageBus(log *slog.Logger, disks ...Disk) (*cs.Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	channels := make(map[uint16]*atadev.Channel)
	lines := cs.NewLineSet()
	for i, d := range disks {
		if err := attachDisk(channels, lines, d, log); err != nil {
			return nil, fmt.Errorf("sim: disk %d: %w", i, err)
		}
	}
	b := cs.NewBuilder().WithLogger(log)
	for _, base := range slices.Sorted(maps.Keys(channels)) {
		ch := channels[base]
		if err := b.RegisterDevice(fmt.Sprintf("ata-0x%03x", base), ch); err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
	}
	chip, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	return cs.NewBus(chip), nil
}
