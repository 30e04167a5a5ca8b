package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/kcore/internal/kernel/ata"
	"github.com/tinyrange/kcore/internal/kernel/intr"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	kc := c.Kernel()
	if kc.Mode != intr.ModePIC || kc.PICMasterBase != 0x20 || kc.PICSlaveBase != 0x28 {
		t.Fatalf("kernel config %+v", kc)
	}
	if kc.Disk != nil {
		t.Fatalf("default config has a disk")
	}
	if c.Console.ImageSectors != 1152 || c.Screen.Width != 80 {
		t.Fatalf("defaults %+v", c)
	}
	if kc.APIC.TimerInitialCount != intr.DefaultAPICTimerCount || kc.APIC.TimerOff {
		t.Fatalf("APIC timer %+v, want the periodic default", kc.APIC)
	}
}

func TestAPICTimerOff(t *testing.T) {
	c, err := Parse([]byte("interrupts:\n  mode: apic\n  apicTimerOff: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if apic := c.Kernel().APIC; !apic.TimerOff || apic.TimerInitialCount != 0 {
		t.Fatalf("APIC config %+v, want the timer off", apic)
	}
}

func TestSingleSlotQueuesAreValid(t *testing.T) {
	c := Default()
	c.Queues.Scancodes = 1
	c.Queues.Lines = 1
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseFull(t *testing.T) {
	c, err := Parse([]byte(`
version: 1
interrupts:
  mode: APIC
  apicTimerCount: 100000
  apicTimerDivide: 3
queues:
  scancodes: 16
timer:
  pitClock: 10us
disks:
  - image: boot.img
    readOnly: true
  - channel: secondary
    drive: slave
    sectors: 2048
    lba48: true
console:
  pollLimit: 5000
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Interrupts.Mode != "apic" || c.Queues.Scancodes != 16 || c.Queues.Lines != 100 {
		t.Fatalf("parsed %+v", c)
	}
	if c.Timer.PITClock != 10*time.Microsecond {
		t.Fatalf("pit clock %v", c.Timer.PITClock)
	}
	if c.Disks[1].Base() != ata.SecondaryBase || c.Disks[1].DriveIndex() != 1 || c.Disks[1].IRQ() != 15 {
		t.Fatalf("second disk %+v", c.Disks[1])
	}

	kc := c.Kernel()
	if kc.Mode != intr.ModeAPIC || kc.APIC.TimerInitialCount != 100000 || kc.APIC.LAPICBase != intr.DefaultLAPICBase {
		t.Fatalf("kernel config %+v", kc)
	}
	if kc.Disk == nil || kc.Disk.Base != ata.PrimaryBase || kc.Disk.Drive != ata.Master || kc.Disk.PollLimit != 5000 {
		t.Fatalf("kernel disk %+v", kc.Disk)
	}
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"mode":        "interrupts: {mode: x2apic}",
		"base":        "interrupts: {picMasterBase: 0x21}",
		"exceptions":  "interrupts: {picMasterBase: 0x08}",
		"channel":     "disks: [{channel: tertiary, sectors: 1}]",
		"duplicate":   "disks: [{sectors: 1}, {sectors: 2}]",
		"empty disk":  "disks: [{drive: slave}]",
		"lba28 range": "disks: [{sectors: 0x10000001}]",
		"unknown key": "screen: {depth: 8}",
	} {
		_, err := Parse([]byte(doc))
		if err == nil {
			t.Fatalf("%s: accepted %q", name, doc)
		}
		if name != "unknown key" && !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: %v is not ErrInvalid", name, err)
		}
	}
}

func TestLoadResolvesImagesAndRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFilename)
	c := Default()
	c.Disks = []DiskConfig{{Image: "disk.img", Model: "KCORE DISK"}}
	if err := WriteTemplate(path, c); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Disks[0].Image != filepath.Join(dir, "disk.img") || got.Disks[0].Model != "KCORE DISK" {
		t.Fatalf("disk %+v", got.Disks[0])
	}
	if got.Disks[0].Channel != "primary" || got.Disks[0].Drive != "master" {
		t.Fatalf("disk defaults %+v", got.Disks[0])
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if c.Version != 1 {
		t.Fatalf("version %d", c.Version)
	}
}
