// Package ata is a polled PIO driver for one drive on a parallel ATA
// channel.
package ata

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/kcore/internal/hw"
)

// Legacy ISA channel addresses.
const (
	PrimaryBase   uint16 = 0x1f0
	SecondaryBase uint16 = 0x170

	// ControlOffset separates a channel's command block from its control
	// block (0x1f0 -> 0x3f6).
	ControlOffset uint16 = 0x206

	SectorSize  = 512
	sectorWords = SectorSize / 2

	// MaxLBA28 is the first sector a 28-bit command cannot address.
	MaxLBA28 uint64 = 1 << 28
	// MaxLBA48 is the first sector a 48-bit command cannot address.
	MaxLBA48 uint64 = 1 << 48
)

const (
	cmdReadSectors     uint8 = 0x20
	cmdReadSectorsExt  uint8 = 0x24
	cmdWriteSectors    uint8 = 0x30
	cmdWriteSectorsExt uint8 = 0x34
	cmdFlushCache      uint8 = 0xe7
	cmdFlushCacheExt   uint8 = 0xea
	cmdIdentify        uint8 = 0xec

	ctlNIEN uint8 = 1 << 1
	ctlSRST uint8 = 1 << 2

	selectBase uint8 = 0xa0 // obsolete bits 7 and 5 set
	selectLBA  uint8 = 0x40
)

var (
	// ErrNoDevice means nothing answered on the channel, or the device is
	// not an ATA disk.
	ErrNoDevice = errors.New("ata: no device")
	// ErrDevice is wrapped by every *StatusError.
	ErrDevice = errors.New("ata: device error")
	// ErrTimeout is returned when Config.PollLimit is exceeded.
	ErrTimeout = errors.New("ata: timeout")
	// ErrOutOfRange is returned for sectors the device cannot address.
	ErrOutOfRange = errors.New("ata: lba out of range")
)

// StatusError reports a command that ended with ERR or DF set.
type StatusError struct {
	Op     string
	LBA    uint64
	Status Status
	Reg    ErrorReg
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ata: %s at lba %d: status %s, error %s", e.Op, e.LBA, e.Status, e.Reg)
}

func (e *StatusError) Unwrap() error { return ErrDevice }

// Drive selects master or slave on a channel.
type Drive uint8

const (
	Master Drive = 0
	Slave  Drive = 1
)

func (d Drive) String() string {
	if d == Slave {
		return "slave"
	}
	return "master"
}

// Ports is the register set of one channel.
type Ports struct {
	Data        hw.Port16
	Error       hw.Port8 // read side of Features
	Features    hw.Port8
	SectorCount hw.Port8
	LBALow      hw.Port8
	LBAMid      hw.Port8
	LBAHigh     hw.Port8
	DriveHead   hw.Port8
	Status      hw.Port8
	Command     hw.Port8 // write side of Status

	AltStatus     hw.Port8
	DeviceControl hw.Port8 // write side of AltStatus
	DriveAddress  hw.Port8
}

// NewPorts binds the channel whose command block starts at base and whose
// control block starts at control.
func NewPorts(io hw.PortIO, base, control uint16) Ports {
	return Ports{
		Data:          hw.NewPort16(io, base),
		Error:         hw.NewPort8(io, base+1),
		Features:      hw.NewPort8(io, base+1),
		SectorCount:   hw.NewPort8(io, base+2),
		LBALow:        hw.NewPort8(io, base+3),
		LBAMid:        hw.NewPort8(io, base+4),
		LBAHigh:       hw.NewPort8(io, base+5),
		DriveHead:     hw.NewPort8(io, base+6),
		Status:        hw.NewPort8(io, base+7),
		Command:       hw.NewPort8(io, base+7),
		AltStatus:     hw.NewPort8(io, control),
		DeviceControl: hw.NewPort8(io, control),
		DriveAddress:  hw.NewPort8(io, control+1),
	}
}

// PollObserver is told about every sector the device made ready.
type PollObserver interface {
	SectorReady(op string, lba uint64)
}

// Config describes the drive to attach.
type Config struct {
	Base    uint16 // command block; zero means PrimaryBase
	Control uint16 // control block; zero means Base+ControlOffset
	Drive   Drive

	// PollLimit bounds every status polling loop. Zero polls forever, which
	// is what a kernel with no timer source has to do.
	PollLimit int

	Observer PollObserver
	Logger   *slog.Logger
}

func (c *Config) normalize() {
	if c.Base == 0 {
		c.Base = PrimaryBase
	}
	if c.Control == 0 {
		c.Control = c.Base + ControlOffset
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Bus drives one attached drive. Commands are serialised; the driver never
// enables device interrupts.
type Bus struct {
	ports    Ports
	drive    Drive
	limit    int
	observer PollObserver
	log      *slog.Logger

	mu       sync.Mutex
	identify IdentifyBlock
}

// NewBus resets the channel and identifies the configured drive. It returns
// ErrNoDevice when the channel floats or the drive does not answer as an
// ATA disk.
func NewBus(io hw.PortIO, cfg Config) (*Bus, error) {
	cfg.normalize()
	b := &Bus{
		ports:    NewPorts(io, cfg.Base, cfg.Control),
		drive:    cfg.Drive,
		limit:    cfg.PollLimit,
		observer: cfg.Observer,
		log:      cfg.Logger.With("channel", fmt.Sprintf("0x%03x", cfg.Base), "drive", cfg.Drive),
	}

	if st := Status(b.ports.Status.Read()); st == statusFloating {
		return nil, fmt.Errorf("ata: channel 0x%x floating: %w", cfg.Base, ErrNoDevice)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.resetLocked(); err != nil {
		return nil, err
	}
	id, err := b.identifyLocked()
	if err != nil {
		return nil, err
	}
	b.identify = id

	b.log.Debug("ATA drive identified",
		"model", id.Model(),
		"serial", id.Serial(),
		"firmware", id.Firmware(),
		"sectors", id.Sectors(),
		"lba48", id.SupportsLBA48())
	return b, nil
}

// Identify returns the block captured at attach time.
func (b *Bus) Identify() IdentifyBlock {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identify
}

// Drive returns the drive this bus talks to.
func (b *Bus) Drive() Drive { return b.drive }

// Reset pulses SRST on the channel and waits for the drives to come back.
// Interrupts stay disabled (nIEN) since the driver polls.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetLocked()
}

func (b *Bus) resetLocked() error {
	b.ports.DeviceControl.Write(ctlSRST | ctlNIEN)
	b.settle()
	b.ports.DeviceControl.Write(ctlNIEN)
	b.settle()
	if _, err := b.waitNotBusy("reset", 0); err != nil {
		return err
	}
	return nil
}

// SetInterrupts toggles nIEN. The driver itself never waits for an
// interrupt, so this only matters to code sharing the IRQ line.
func (b *Bus) SetInterrupts(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if enabled {
		b.ports.DeviceControl.Write(0)
	} else {
		b.ports.DeviceControl.Write(ctlNIEN)
	}
}

// SelectedDrive decodes the drive address register. ok is false when the
// register reports neither drive.
func (b *Bus) SelectedDrive() (d Drive, ok bool) {
	v := ^b.ports.DriveAddress.Read() & 0x3
	switch {
	case v&0x1 != 0:
		return Master, true
	case v&0x2 != 0:
		return Slave, true
	}
	return 0, false
}

// ErrorRegister reads the error register of the last command.
func (b *Bus) ErrorRegister() ErrorReg {
	return ErrorReg(b.ports.Error.Read())
}

// settle gives the drive the 400ns it needs after a select or control write.
// Each alternate status read costs about 100ns on ISA timings.
func (b *Bus) settle() {
	for i := 0; i < 4; i++ {
		b.ports.AltStatus.Read()
	}
}

func (b *Bus) timeout(op string, st Status) error {
	return fmt.Errorf("ata: %s: %w after %d polls, status %s", op, ErrTimeout, b.limit, st)
}

func (b *Bus) statusError(op string, lba uint64, st Status) error {
	return &StatusError{Op: op, LBA: lba, Status: st, Reg: b.ErrorRegister()}
}

// waitNotBusy polls until BSY clears.
func (b *Bus) waitNotBusy(op string, lba uint64) (Status, error) {
	for n := 0; ; n++ {
		st := Status(b.ports.Status.Read())
		if !st.Busy() {
			return st, nil
		}
		if b.limit > 0 && n >= b.limit {
			return st, b.timeout(op, st)
		}
	}
}

// waitData polls until the drive is ready to move a block: BSY clear with
// DRQ set. ERR or DF abort the wait.
func (b *Bus) waitData(op string, lba uint64) error {
	for n := 0; ; n++ {
		st := Status(b.ports.Status.Read())
		switch {
		case st.Busy():
		case st.Failed():
			return b.statusError(op, lba, st)
		case st.DataRequest():
			if b.observer != nil {
				b.observer.SectorReady(op, lba)
			}
			return nil
		}
		if b.limit > 0 && n >= b.limit {
			return b.timeout(op, st)
		}
	}
}

func (b *Bus) identifyLocked() (IdentifyBlock, error) {
	var id IdentifyBlock

	if _, err := b.waitNotBusy("identify", 0); err != nil {
		return id, err
	}
	b.ports.DriveHead.Write(selectBase | uint8(b.drive)<<4)
	b.settle()

	b.ports.SectorCount.Write(0)
	b.ports.LBALow.Write(0)
	b.ports.LBAMid.Write(0)
	b.ports.LBAHigh.Write(0)
	b.ports.Command.Write(cmdIdentify)

	if Status(b.ports.Status.Read()) == 0 {
		return id, fmt.Errorf("ata: identify %s: %w", b.drive, ErrNoDevice)
	}
	if _, err := b.waitNotBusy("identify", 0); err != nil {
		return id, err
	}

	// ATAPI and SATA bridges leave their signature in the LBA registers
	// instead of answering IDENTIFY DEVICE.
	if mid, high := b.ports.LBAMid.Read(), b.ports.LBAHigh.Read(); mid != 0 || high != 0 {
		return id, fmt.Errorf("ata: identify %s: signature %02x%02x: %w", b.drive, high, mid, ErrNoDevice)
	}

	for n := 0; ; n++ {
		st := Status(b.ports.Status.Read())
		if st.Err() {
			return id, fmt.Errorf("ata: identify %s: error %s: %w", b.drive, b.ErrorRegister(), ErrNoDevice)
		}
		if st.DataRequest() {
			break
		}
		if b.limit > 0 && n >= b.limit {
			return id, b.timeout("identify", st)
		}
	}

	for i := range id {
		id[i] = b.ports.Data.Read()
	}
	return id, nil
}
