// Package config loads the YAML machine description shared by the CLI and
// the simulator.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/kcore/internal/kernel"
	"github.com/tinyrange/kcore/internal/kernel/ata"
	"github.com/tinyrange/kcore/internal/kernel/console"
	"github.com/tinyrange/kcore/internal/kernel/intr"
	"github.com/tinyrange/kcore/internal/kernel/task"
)

// DefaultFilename is looked up next to the working directory when no path
// is given.
const DefaultFilename = "kcore.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the machine description.
type Config struct {
	Version    int              `yaml:"version"`
	Interrupts InterruptsConfig `yaml:"interrupts"`
	Queues     QueuesConfig     `yaml:"queues"`
	Timer      TimerConfig      `yaml:"timer"`
	Disks      []DiskConfig     `yaml:"disks,omitempty"`
	Console    ConsoleConfig    `yaml:"console"`
	Screen     ScreenConfig     `yaml:"screen"`
}

type InterruptsConfig struct {
	Mode          string `yaml:"mode"`
	PICMasterBase uint8  `yaml:"picMasterBase,omitempty"`
	PICSlaveBase  uint8  `yaml:"picSlaveBase,omitempty"`
	LAPICBase     uint64 `yaml:"lapicBase,omitempty"`
	IOAPICBase    uint64 `yaml:"ioapicBase,omitempty"`
	// APICTimerCount is the local APIC timer reload; zero picks the
	// kernel default. APICTimerOff masks the timer instead.
	APICTimerCount  uint32 `yaml:"apicTimerCount,omitempty"`
	APICTimerDivide uint32 `yaml:"apicTimerDivide,omitempty"`
	APICTimerOff    bool   `yaml:"apicTimerOff,omitempty"`
}

type QueuesConfig struct {
	Scancodes int `yaml:"scancodes,omitempty"`
	Lines     int `yaml:"lines,omitempty"`
	Tasks     int `yaml:"tasks,omitempty"`
}

type TimerConfig struct {
	// PITClock stretches the simulated PIT input clock; zero runs it at
	// its nominal 1.193182 MHz.
	PITClock time.Duration `yaml:"pitClock,omitempty"`
}

type DiskConfig struct {
	Channel  string `yaml:"channel,omitempty"` // primary or secondary
	Drive    string `yaml:"drive,omitempty"`   // master or slave
	Image    string `yaml:"image,omitempty"`
	Sectors  uint64 `yaml:"sectors,omitempty"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
	LBA48    bool   `yaml:"lba48,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

type ConsoleConfig struct {
	ImageSectors int    `yaml:"imageSectors,omitempty"`
	PollLimit    int    `yaml:"pollLimit,omitempty"`
	Transcript   string `yaml:"transcript,omitempty"`
}

type ScreenConfig struct {
	Width  int `yaml:"width,omitempty"`
	Height int `yaml:"height,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Interrupts.Mode == "" {
		c.Interrupts.Mode = string(intr.ModePIC)
	}
	c.Interrupts.Mode = strings.ToLower(c.Interrupts.Mode)
	if c.Interrupts.PICMasterBase == 0 {
		c.Interrupts.PICMasterBase = uint8(intr.IRQBase)
	}
	if c.Interrupts.PICSlaveBase == 0 {
		c.Interrupts.PICSlaveBase = c.Interrupts.PICMasterBase + 8
	}
	if c.Interrupts.LAPICBase == 0 {
		c.Interrupts.LAPICBase = intr.DefaultLAPICBase
	}
	if c.Interrupts.IOAPICBase == 0 {
		c.Interrupts.IOAPICBase = intr.DefaultIOAPICBase
	}
	if c.Interrupts.APICTimerCount == 0 && !c.Interrupts.APICTimerOff {
		c.Interrupts.APICTimerCount = intr.DefaultAPICTimerCount
		c.Interrupts.APICTimerDivide = intr.DefaultAPICTimerDivide
	}
	if c.Queues.Scancodes == 0 {
		c.Queues.Scancodes = kernel.DefaultScancodeCapacity
	}
	if c.Queues.Lines == 0 {
		c.Queues.Lines = console.DefaultLineCapacity
	}
	if c.Queues.Tasks == 0 {
		c.Queues.Tasks = task.DefaultCapacity
	}
	for i := range c.Disks {
		d := &c.Disks[i]
		if d.Channel == "" {
			d.Channel = "primary"
		}
		if d.Drive == "" {
			d.Drive = "master"
		}
		d.Channel = strings.ToLower(d.Channel)
		d.Drive = strings.ToLower(d.Drive)
	}
	if c.Console.ImageSectors == 0 {
		c.Console.ImageSectors = console.DefaultImageSectors
	}
	if c.Screen.Width == 0 {
		c.Screen.Width = 80
	}
	if c.Screen.Height == 0 {
		c.Screen.Height = 25
	}
}

// Validate reports the first inconsistent field.
func (c *Config) Validate() error {
	if _, err := intr.ParseMode(c.Interrupts.Mode); err != nil {
		return fmt.Errorf("%w: interrupts.mode: %v", ErrInvalid, err)
	}
	if c.Interrupts.PICMasterBase%8 != 0 || c.Interrupts.PICSlaveBase%8 != 0 {
		return fmt.Errorf("%w: PIC bases 0x%x/0x%x must be multiples of 8",
			ErrInvalid, c.Interrupts.PICMasterBase, c.Interrupts.PICSlaveBase)
	}
	if c.Interrupts.PICMasterBase < 0x20 || c.Interrupts.PICSlaveBase < 0x20 {
		return fmt.Errorf("%w: PIC bases overlap the exception vectors", ErrInvalid)
	}
	if c.Interrupts.PICMasterBase == c.Interrupts.PICSlaveBase {
		return fmt.Errorf("%w: PIC bases collide", ErrInvalid)
	}
	if c.Queues.Scancodes < 0 || c.Queues.Lines < 0 || c.Queues.Tasks < 0 {
		return fmt.Errorf("%w: negative queue capacity", ErrInvalid)
	}
	seen := map[string]bool{}
	for i, d := range c.Disks {
		if _, err := d.base(); err != nil {
			return fmt.Errorf("%w: disks[%d]: %v", ErrInvalid, i, err)
		}
		if _, err := d.drive(); err != nil {
			return fmt.Errorf("%w: disks[%d]: %v", ErrInvalid, i, err)
		}
		key := d.Channel + "/" + d.Drive
		if seen[key] {
			return fmt.Errorf("%w: disks[%d]: %s used twice", ErrInvalid, i, key)
		}
		seen[key] = true
		if d.Image == "" && d.Sectors == 0 {
			return fmt.Errorf("%w: disks[%d]: needs an image or a sector count", ErrInvalid, i)
		}
		if !d.LBA48 && d.Sectors > ata.MaxLBA28 {
			return fmt.Errorf("%w: disks[%d]: %d sectors need lba48", ErrInvalid, i, d.Sectors)
		}
	}
	if c.Console.ImageSectors < 0 || c.Console.PollLimit < 0 {
		return fmt.Errorf("%w: negative console limits", ErrInvalid)
	}
	if c.Screen.Width < 20 || c.Screen.Height < 5 {
		return fmt.Errorf("%w: screen %dx%d too small", ErrInvalid, c.Screen.Width, c.Screen.Height)
	}
	return nil
}

// Load reads, normalises and validates the file at path. Relative disk
// image paths are resolved against the file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range c.Disks {
		if img := c.Disks[i].Image; img != "" && !filepath.IsAbs(img) {
			c.Disks[i].Image = filepath.Join(dir, img)
		}
	}
	return c, nil
}

// Parse decodes YAML. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WriteTemplate writes c as YAML to path.
func WriteTemplate(path string, c Config) error {
	c.normalize()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

// Kernel converts the description into the kernel's configuration. The
// first disk, if any, is the one the kernel attaches.
func (c *Config) Kernel() kernel.Config {
	kc := kernel.Config{
		Mode:          intr.Mode(c.Interrupts.Mode),
		PICMasterBase: intr.Vector(c.Interrupts.PICMasterBase),
		PICSlaveBase:  intr.Vector(c.Interrupts.PICSlaveBase),
		APIC: intr.APICConfig{
			LAPICBase:         c.Interrupts.LAPICBase,
			IOAPICBase:        c.Interrupts.IOAPICBase,
			TimerInitialCount: c.Interrupts.APICTimerCount,
			TimerDivide:       c.Interrupts.APICTimerDivide,
			TimerOff:          c.Interrupts.APICTimerOff,
		},
		ScancodeCapacity: c.Queues.Scancodes,
		LineCapacity:     c.Queues.Lines,
		TaskCapacity:     c.Queues.Tasks,
		ImageSectors:     c.Console.ImageSectors,
	}
	if len(c.Disks) > 0 {
		d := c.Disks[0]
		base, _ := d.base()
		drive, _ := d.drive()
		kc.Disk = &ata.Config{
			Base:      base,
			Drive:     drive,
			PollLimit: c.Console.PollLimit,
		}
	}
	return kc
}

// Base returns the command block address of the disk's channel.
func (d DiskConfig) Base() uint16 {
	b, _ := d.base()
	return b
}

// DriveIndex returns 0 for master and 1 for slave.
func (d DiskConfig) DriveIndex() int {
	dr, _ := d.drive()
	return int(dr)
}

// IRQ returns the ISA line of the disk's channel.
func (d DiskConfig) IRQ() uint8 {
	if d.Channel == "secondary" {
		return 15
	}
	return 14
}

func (d DiskConfig) base() (uint16, error) {
	switch d.Channel {
	case "primary", "":
		return ata.PrimaryBase, nil
	case "secondary":
		return ata.SecondaryBase, nil
	}
	return 0, fmt.Errorf("unknown channel %q", d.Channel)
}

func (d DiskConfig) drive() (ata.Drive, error) {
	switch d.Drive {
	case "master", "":
		return ata.Master, nil
	case "slave":
		return ata.Slave, nil
	}
	return 0, fmt.Errorf("unknown drive %q", d.Drive)
}
