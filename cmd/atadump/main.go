// Command atadump copies sectors between a file and an ATA drive through
// the PIO driver. The drive is either a disk image on the simulated bus or
// a real channel reached through /dev/port.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/kcore/internal/config"
	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/hw/devport"
	"github.com/tinyrange/kcore/internal/kernel/ata"
	"github.com/tinyrange/kcore/internal/sim"
)

// chunkSectors is the transfer unit between progress updates.
const chunkSectors = 64

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "atadump: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	backend := flag.String("backend", "sim", "Drive backend: sim (disk image) or host (/dev/port, needs root)")
	image := flag.String("image", "", "Disk image for the sim backend")
	channel := flag.String("channel", "primary", "ATA channel: primary or secondary")
	drive := flag.String("drive", "master", "Drive on the channel: master or slave")
	lba := flag.Uint64("lba", 0, "First sector")
	count := flag.Int("count", 0, "Sectors to dump (0: to the end of the drive)")
	out := flag.String("out", "", "Dump sectors into this file (- for stdout)")
	in := flag.String("in", "", "Load this file onto the drive")
	info := flag.Bool("info", false, "Print the identify data and exit")
	pollLimit := flag.Int("poll-limit", 1_000_000, "Status polls before a command times out (0: forever)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Copy sectors between a file and an ATA drive using PIO.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -image disk.img -info\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -image disk.img -in picture.ppm\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -backend host -count 1 -out mbr.bin\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if !*info && (*out == "") == (*in == "") {
		flag.Usage()
		return errors.New("exactly one of -out and -in is required")
	}
	if *count < 0 {
		return fmt.Errorf("-count %d is negative", *count)
	}

	dc := config.DiskConfig{Channel: *channel, Drive: *drive, Image: *image}
	c := config.Default()
	c.Disks = []config.DiskConfig{dc}
	if *backend == "sim" && *image == "" {
		return errors.New("-image is required with the sim backend")
	}
	if err := c.Validate(); err != nil && *backend == "sim" {
		return err
	}

	ports, closePorts, err := openBackend(*backend, c, log)
	if err != nil {
		return err
	}
	defer closePorts()

	bus, err := ata.NewBus(ports, ata.Config{
		Base:      dc.Base(),
		Drive:     ata.Drive(dc.DriveIndex()),
		PollLimit: *pollLimit,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("attach %s %s: %w", *channel, *drive, err)
	}

	id := bus.Identify()
	if *info {
		fmt.Printf("model:    %s\n", id.Model())
		fmt.Printf("serial:   %s\n", id.Serial())
		fmt.Printf("firmware: %s\n", id.Firmware())
		fmt.Printf("sectors:  %d\n", id.Sectors())
		fmt.Printf("lba48:    %v\n", id.SupportsLBA48())
		return nil
	}

	if *out != "" {
		n := *count
		if n == 0 {
			total := id.Sectors()
			if *lba >= total {
				return fmt.Errorf("lba %d is past the end of the drive (%d sectors)", *lba, total)
			}
			n = int(total - *lba)
		}
		var w io.Writer = os.Stdout
		if *out != "-" {
			f, err := os.Create(*out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		bar := progressbar.DefaultBytes(int64(n)*ata.SectorSize, "dump")
		defer bar.Close()
		return dump(bus, io.MultiWriter(w, bar), *lba, n)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(int64(len(data)), "load")
	defer bar.Close()
	return load(bus, data, *lba, bar)
}

// openBackend returns the port space the driver talks to.
func openBackend(name string, c config.Config, log *slog.Logger) (hw.PortIO, func(), error) {
	switch name {
	case "sim":
		cfg, files, err := sim.FromConfig(c)
		if err != nil {
			return nil, nil, err
		}
		bus, err := sim.NewStorageBus(log, cfg.Disks...)
		if err != nil {
			files.Close()
			return nil, nil, err
		}
		return bus, func() { files.Close() }, nil
	case "host":
		ports, err := devport.OpenPorts()
		if err != nil {
			return nil, nil, err
		}
		return ports, func() { ports.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", name)
}

// dump copies count sectors starting at lba into w.
func dump(bus *ata.Bus, w io.Writer, lba uint64, count int) error {
	if count < 0 {
		return fmt.Errorf("dump %d sectors: %w", count, ata.ErrOutOfRange)
	}
	for count > 0 {
		n := min(count, chunkSectors)
		data, err := bus.ReadRange(lba, n)
		if err != nil {
			return fmt.Errorf("read at %d: %w", lba, err)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		lba += uint64(n)
		count -= n
	}
	return nil
}

// load writes data from lba on and flushes the drive's cache.
func load(bus *ata.Bus, data []byte, lba uint64, progress io.Writer) error {
	const chunk = chunkSectors * ata.SectorSize
	for len(data) > 0 {
		part := data[:min(len(data), chunk)]
		if err := bus.WriteRange(lba, part); err != nil {
			return fmt.Errorf("write at %d: %w", lba, err)
		}
		if _, err := progress.Write(part); err != nil {
			return err
		}
		data = data[len(part):]
		lba += uint64((len(part) + ata.SectorSize - 1) / ata.SectorSize)
	}
	return bus.Flush()
}
