package sim

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/kcore/internal/config"
	atadev "github.com/tinyrange/kcore/internal/devices/ata"
	"github.com/tinyrange/kcore/internal/kernel/ata"
)

// FromConfig turns a machine description into a Config. Disk images are
// opened here; the returned closer releases them and must be called after
// the machine stopped. Output, Images and Logger are left for the caller.
func FromConfig(c config.Config) (Config, io.Closer, error) {
	cfg := Config{
		Kernel:   c.Kernel(),
		PITClock: c.Timer.PITClock,
	}
	var files closers
	for i, d := range c.Disks {
		disk, f, err := openDisk(d)
		if err != nil {
			files.Close()
			return Config{}, nil, fmt.Errorf("sim: disks[%d]: %w", i, err)
		}
		if f != nil {
			files = append(files, f)
		}
		cfg.Disks = append(cfg.Disks, disk)
	}
	return cfg, files, nil
}

func openDisk(d config.DiskConfig) (Disk, *os.File, error) {
	disk := Disk{
		Base:     d.Base(),
		Drive:    ata.Drive(d.DriveIndex()),
		Sectors:  d.Sectors,
		ReadOnly: d.ReadOnly,
		LBA48:    d.LBA48,
		Model:    d.Model,
	}
	if d.Image == "" {
		disk.Backing = atadev.NewMemoryBacking(nil)
		return disk, nil, nil
	}

	flag := os.O_RDWR
	if d.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(d.Image, flag, 0)
	if err != nil {
		return Disk{}, nil, err
	}
	if disk.Sectors == 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return Disk{}, nil, err
		}
		disk.Sectors = uint64(info.Size()+ata.SectorSize-1) / ata.SectorSize
		if disk.Sectors == 0 {
			f.Close()
			return Disk{}, nil, fmt.Errorf("image %s is empty", d.Image)
		}
	}
	disk.Backing = f
	return disk, f, nil
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, f := range c {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
