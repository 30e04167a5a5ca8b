// Package ata models a parallel ATA channel with up to two PIO disks.
package ata

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	cs "github.com/tinyrange/kcore/internal/chipset"
)

const (
	SectorSize  = 512
	sectorWords = SectorSize / 2

	PrimaryBase    uint16 = 0x1f0
	PrimaryControl uint16 = 0x3f6
	PrimaryIRQ     uint8  = 14
)

const (
	regData = iota
	regError
	regCount
	regLBALow
	regLBAMid
	regLBAHigh
	regDriveHead
	regStatus
)

const (
	stERR  byte = 1 << 0
	stDRQ  byte = 1 << 3
	stDSC  byte = 1 << 4
	stDF   byte = 1 << 5
	stDRDY byte = 1 << 6
	stBSY  byte = 1 << 7

	ctlNIEN byte = 1 << 1
	ctlSRST byte = 1 << 2
	ctlHOB  byte = 1 << 7

	headLBA byte = 1 << 6
	headDrv byte = 1 << 4
)

// Error register bits.
const (
	ErrAMNF  byte = 1 << 0
	ErrTKZNF byte = 1 << 1
	ErrABRT  byte = 1 << 2
	ErrMCR   byte = 1 << 3
	ErrIDNF  byte = 1 << 4
	ErrMC    byte = 1 << 5
	ErrUNC   byte = 1 << 6
	ErrBBK   byte = 1 << 7
)

const (
	cmdReadSectors     = 0x20
	cmdReadSectorsExt  = 0x24
	cmdWriteSectors    = 0x30
	cmdWriteSectorsExt = 0x34
	cmdFlushCache      = 0xe7
	cmdFlushCacheExt   = 0xea
	cmdIdentify        = 0xec
)

// Backing stores a disk's sectors.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// MemoryBacking is a Backing over a byte slice that grows on write.
type MemoryBacking struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryBacking returns a backing holding a copy of data.
func NewMemoryBacking(data []byte) *MemoryBacking {
	return &MemoryBacking{data: append([]byte(nil), data...)}
}

func (m *MemoryBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		// Unwritten sectors read as zeros.
		clear(p)
		return len(p), nil
	}
	n := copy(p, m.data[off:])
	clear(p[n:])
	return len(p), nil
}

func (m *MemoryBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], p), nil
}

// Bytes returns a copy of the stored data.
func (m *MemoryBacking) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// DiskConfig describes one drive.
type DiskConfig struct {
	Backing  Backing
	Sectors  uint64
	Model    string
	Serial   string
	Firmware string
	LBA48    bool
	ReadOnly bool

	// ATAPI makes the drive answer IDENTIFY DEVICE with the packet
	// signature instead of data.
	ATAPI bool
}

func (c *DiskConfig) normalize() {
	if c.Model == "" {
		c.Model = "KCORE HARDDISK"
	}
	if c.Serial == "" {
		c.Serial = "KC0000000001"
	}
	if c.Firmware == "" {
		c.Firmware = "1.0"
	}
}

// DiskStats counts completed work.
type DiskStats struct {
	Commands     uint64
	SectorsRead  uint64
	SectorsWrite uint64
	Flushes      uint64
	Aborted      uint64
}

type disk struct {
	cfg    DiskConfig
	faults map[uint64]byte
	stats  DiskStats
}

type phase int

const (
	phaseIdle phase = iota
	phaseDataIn
	phaseDataOut
)

// Channel is one ATA channel: a shared task file in front of a master and
// an optional slave.
type Channel struct {
	mu sync.Mutex

	base    uint16
	control uint16
	log     *slog.Logger
	irq     cs.LineInterrupt

	drives [2]*disk

	// Register FIFOs: index 0 holds the latest write, index 1 the one before,
	// which a 48-bit command reads as the high-order byte.
	count, lbaLow, lbaMid, lbaHigh [2]byte
	features                       byte
	head                           byte
	devctl                         byte
	errReg                         byte
	status                         byte

	busyReads int
	busyLeft  int

	phase     phase
	buf       [sectorWords]uint16
	pos       int
	xferLBA   uint64
	xferLeft  int
	xferOp    byte
	irqRaised bool
}

// NewChannel returns a channel with its command block at base and its
// control block at control. Zero values select the primary channel.
func NewChannel(base, control uint16, log *slog.Logger) *Channel {
	if base == 0 {
		base = PrimaryBase
	}
	if control == 0 {
		control = base + 0x206
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		base:    base,
		control: control,
		log:     log.With("device", "ata", "channel", fmt.Sprintf("0x%03x", base)),
		irq:     cs.LineInterruptDetached(),
	}
	c.resetLocked()
	return c
}

// Attach places a drive at position 0 (master) or 1 (slave).
func (c *Channel) Attach(pos int, cfg DiskConfig) error {
	if pos < 0 || pos > 1 {
		return fmt.Errorf("ata: drive position %d", pos)
	}
	if cfg.Backing == nil {
		return errors.New("ata: drive has no backing")
	}
	cfg.normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drives[pos] != nil {
		return fmt.Errorf("ata: drive %d already attached", pos)
	}
	c.drives[pos] = &disk{cfg: cfg, faults: make(map[uint64]byte)}
	c.resetLocked()
	return nil
}

// SetIRQ connects the channel's interrupt line. The line is raised at the
// end of each command phase unless the host set nIEN.
func (c *Channel) SetIRQ(line cs.LineInterrupt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if line == nil {
		line = cs.LineInterruptDetached()
	}
	c.irq = line
}

// SetBusyReads makes the next commands report BSY for n status reads before
// progressing.
func (c *Channel) SetBusyReads(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busyReads = max(n, 0)
}

// InjectError makes any transfer touching lba on drive pos fail with reg in
// the error register.
func (c *Channel) InjectError(pos int, lba uint64, reg byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.drive(pos); d != nil {
		d.faults[lba] = reg
	}
}

// Stats returns the counters of drive pos.
func (c *Channel) Stats(pos int) DiskStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.drive(pos); d != nil {
		return d.stats
	}
	return DiskStats{}
}

func (c *Channel) drive(pos int) *disk {
	if pos < 0 || pos > 1 {
		return nil
	}
	return c.drives[pos]
}

func (c *Channel) selected() *disk {
	return c.drives[(c.head&headDrv)>>4]
}

func (c *Channel) Start() error { return nil }
func (c *Channel) Stop() error  { return nil }

func (c *Channel) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

func (c *Channel) SupportsPortIO() *cs.PortIOIntercept {
	ports := make([]uint16, 0, 10)
	for i := uint16(0); i < 8; i++ {
		ports = append(ports, c.base+i)
	}
	ports = append(ports, c.control, c.control+1)
	return &cs.PortIOIntercept{Ports: ports, Handler: c}
}

func (c *Channel) SupportsMmio() *cs.MmioIntercept { return nil }

// resetLocked performs the software reset: master selected, diagnostic code
// in the error register and the device signature in the task file.
func (c *Channel) resetLocked() {
	c.head = 0xa0
	c.features = 0
	c.phase = phaseIdle
	c.pos = 0
	c.busyLeft = 0
	c.errReg = 0x01
	c.setSignatureLocked()
	if c.selected() != nil {
		c.status = stDRDY | stDSC
	} else {
		c.status = 0
	}
}

func (c *Channel) setSignatureLocked() {
	c.count = [2]byte{1, 0}
	c.lbaLow = [2]byte{1, 0}
	c.lbaMid = [2]byte{}
	c.lbaHigh = [2]byte{}
	if d := c.selected(); d != nil && d.cfg.ATAPI {
		c.lbaMid[0], c.lbaHigh[0] = 0x14, 0xeb
	}
}

func (c *Channel) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case port == c.base+regData && len(data) == 2:
		w := c.readDataLocked()
		data[0], data[1] = byte(w), byte(w>>8)
		return nil
	case len(data) != 1:
		return fmt.Errorf("ata: %d byte read of port 0x%x", len(data), port)
	case port == c.control:
		data[0] = c.statusLocked()
	case port == c.control+1:
		data[0] = c.driveAddressLocked()
	case port > c.base && port < c.base+8:
		data[0] = c.readRegLocked(int(port - c.base))
	default:
		return fmt.Errorf("ata: read of port 0x%x", port)
	}
	return nil
}

func (c *Channel) WriteIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case port == c.base+regData && len(data) == 2:
		c.writeDataLocked(uint16(data[0]) | uint16(data[1])<<8)
		return nil
	case len(data) != 1:
		return fmt.Errorf("ata: %d byte write of port 0x%x", len(data), port)
	case port == c.control:
		c.writeControlLocked(data[0])
	case port == c.control+1:
		// Drive address is read only.
	case port > c.base && port < c.base+8:
		c.writeRegLocked(int(port-c.base), data[0])
	default:
		return fmt.Errorf("ata: write of port 0x%x", port)
	}
	return nil
}

func (c *Channel) statusLocked() byte {
	if c.selected() == nil {
		return 0
	}
	if c.busyLeft > 0 {
		c.busyLeft--
		return stBSY
	}
	return c.status
}

func (c *Channel) driveAddressLocked() byte {
	v := byte(0xc3) | (^c.head&0x0f)<<2
	if c.head&headDrv == 0 {
		return v &^ 0x01
	}
	return v &^ 0x02
}

func (c *Channel) readRegLocked(reg int) byte {
	hob := 0
	if c.devctl&ctlHOB != 0 {
		hob = 1
	}
	switch reg {
	case regError:
		return c.errReg
	case regCount:
		return c.count[hob]
	case regLBALow:
		return c.lbaLow[hob]
	case regLBAMid:
		return c.lbaMid[hob]
	case regLBAHigh:
		return c.lbaHigh[hob]
	case regDriveHead:
		return c.head
	case regStatus:
		st := c.statusLocked()
		if c.irqRaised {
			c.irqRaised = false
			c.irq.SetLevel(false)
		}
		return st
	}
	return 0
}

func push(fifo *[2]byte, v byte) {
	fifo[1], fifo[0] = fifo[0], v
}

func (c *Channel) writeRegLocked(reg int, v byte) {
	switch reg {
	case regError:
		c.features = v
	case regCount:
		push(&c.count, v)
	case regLBALow:
		push(&c.lbaLow, v)
	case regLBAMid:
		push(&c.lbaMid, v)
	case regLBAHigh:
		push(&c.lbaHigh, v)
	case regDriveHead:
		c.head = v | 0xa0
	case regStatus:
		c.commandLocked(v)
	}
}

func (c *Channel) writeControlLocked(v byte) {
	prev := c.devctl
	c.devctl = v
	if v&ctlSRST != 0 {
		c.status = stBSY
		c.phase = phaseIdle
		return
	}
	if prev&ctlSRST != 0 {
		c.resetLocked()
	}
	if v&ctlNIEN != 0 && c.irqRaised {
		c.irqRaised = false
		c.irq.SetLevel(false)
	}
}

func (c *Channel) raiseLocked() {
	if c.devctl&ctlNIEN != 0 {
		return
	}
	c.irqRaised = true
	c.irq.SetLevel(true)
}

func (c *Channel) abortLocked(reg byte) {
	c.phase = phaseIdle
	c.errReg = reg
	c.status = stDRDY | stDSC | stERR
	if d := c.selected(); d != nil {
		d.stats.Aborted++
	}
	c.raiseLocked()
}

func (c *Channel) completeLocked() {
	c.phase = phaseIdle
	c.errReg = 0
	c.status = stDRDY | stDSC
	c.raiseLocked()
}

func (c *Channel) commandLocked(cmd byte) {
	d := c.selected()
	if d == nil {
		return
	}
	d.stats.Commands++
	c.busyLeft = c.busyReads
	c.errReg = 0

	switch cmd {
	case cmdIdentify:
		if d.cfg.ATAPI {
			c.setSignatureLocked()
			c.abortLocked(ErrABRT)
			return
		}
		c.buf = identifyData(&d.cfg)
		c.pos = 0
		c.phase = phaseDataIn
		c.xferLeft = 1
		c.xferOp = cmd
		c.status = stDRDY | stDSC | stDRQ
		c.raiseLocked()

	case cmdReadSectors, cmdReadSectorsExt, cmdWriteSectors, cmdWriteSectorsExt:
		ext := cmd == cmdReadSectorsExt || cmd == cmdWriteSectorsExt
		if ext && !d.cfg.LBA48 || c.head&headLBA == 0 {
			c.abortLocked(ErrABRT)
			return
		}
		lba, n := c.taskFile(ext)
		if lba+uint64(n) > d.cfg.Sectors {
			c.abortLocked(ErrIDNF)
			return
		}
		write := cmd == cmdWriteSectors || cmd == cmdWriteSectorsExt
		if write && d.cfg.ReadOnly {
			c.abortLocked(ErrABRT)
			return
		}
		c.xferLBA, c.xferLeft, c.xferOp = lba, n, cmd
		if write {
			c.beginWriteLocked(d)
		} else {
			c.loadSectorLocked(d)
		}

	case cmdFlushCache, cmdFlushCacheExt:
		d.stats.Flushes++
		c.completeLocked()

	default:
		c.log.Debug("Unsupported ATA command", "command", fmt.Sprintf("0x%02x", cmd))
		c.abortLocked(ErrABRT)
	}
}

// taskFile decodes the address and sector count of a transfer.
func (c *Channel) taskFile(ext bool) (uint64, int) {
	if !ext {
		lba := uint64(c.head&0x0f)<<24 | uint64(c.lbaHigh[0])<<16 | uint64(c.lbaMid[0])<<8 | uint64(c.lbaLow[0])
		n := int(c.count[0])
		if n == 0 {
			n = 256
		}
		return lba, n
	}
	lba := uint64(c.lbaHigh[1])<<40 | uint64(c.lbaMid[1])<<32 | uint64(c.lbaLow[1])<<24 |
		uint64(c.lbaHigh[0])<<16 | uint64(c.lbaMid[0])<<8 | uint64(c.lbaLow[0])
	n := int(c.count[1])<<8 | int(c.count[0])
	if n == 0 {
		n = 65536
	}
	return lba, n
}

func (c *Channel) loadSectorLocked(d *disk) {
	if reg, ok := d.faults[c.xferLBA]; ok {
		c.abortLocked(reg)
		return
	}
	var raw [SectorSize]byte
	if _, err := d.cfg.Backing.ReadAt(raw[:], int64(c.xferLBA)*SectorSize); err != nil && !errors.Is(err, io.EOF) {
		c.log.Warn("ATA backing read failed", "lba", c.xferLBA, "err", err)
		c.abortLocked(ErrUNC)
		return
	}
	for i := range c.buf {
		c.buf[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	c.pos = 0
	c.phase = phaseDataIn
	c.status = stDRDY | stDSC | stDRQ
	c.raiseLocked()
}

func (c *Channel) beginWriteLocked(d *disk) {
	if reg, ok := d.faults[c.xferLBA]; ok {
		c.abortLocked(reg)
		return
	}
	c.pos = 0
	c.phase = phaseDataOut
	c.status = stDRDY | stDSC | stDRQ
}

func (c *Channel) readDataLocked() uint16 {
	if c.phase != phaseDataIn || c.busyLeft > 0 {
		return 0xffff
	}
	w := c.buf[c.pos]
	c.pos++
	if c.pos < sectorWords {
		return w
	}

	d := c.selected()
	if c.xferOp == cmdIdentify {
		c.completeLocked()
		return w
	}
	d.stats.SectorsRead++
	c.xferLBA++
	c.xferLeft--
	if c.xferLeft == 0 {
		c.completeLocked()
		return w
	}
	c.busyLeft = c.busyReads
	c.loadSectorLocked(d)
	return w
}

func (c *Channel) writeDataLocked(w uint16) {
	if c.phase != phaseDataOut || c.busyLeft > 0 {
		return
	}
	c.buf[c.pos] = w
	c.pos++
	if c.pos < sectorWords {
		return
	}

	d := c.selected()
	var raw [SectorSize]byte
	for i, v := range c.buf {
		raw[2*i], raw[2*i+1] = byte(v), byte(v>>8)
	}
	if _, err := d.cfg.Backing.WriteAt(raw[:], int64(c.xferLBA)*SectorSize); err != nil {
		c.log.Warn("ATA backing write failed", "lba", c.xferLBA, "err", err)
		c.status = stDRDY | stDF
		c.phase = phaseIdle
		c.raiseLocked()
		return
	}
	d.stats.SectorsWrite++
	c.xferLBA++
	c.xferLeft--
	c.busyLeft = c.busyReads
	if c.xferLeft == 0 {
		c.completeLocked()
		return
	}
	c.raiseLocked()
	c.beginWriteLocked(d)
}

// identifyData builds the IDENTIFY DEVICE response.
func identifyData(cfg *DiskConfig) [sectorWords]uint16 {
	var id [sectorWords]uint16
	id[0] = 0x0040 // fixed disk
	id[1], id[3], id[6] = 16383, 16, 63
	putASCII(id[10:20], cfg.Serial)
	putASCII(id[23:27], cfg.Firmware)
	putASCII(id[27:47], cfg.Model)
	id[47] = 0x8001
	id[49] = 1 << 9 // LBA
	id[53] = 0x0006

	lba28 := min(cfg.Sectors, 1<<28-1)
	id[60], id[61] = uint16(lba28), uint16(lba28>>16)
	id[80] = 0x007e

	id[83] = 1 << 14
	if cfg.LBA48 {
		id[83] |= 1 << 10
		id[86] |= 1 << 10
		for i := 0; i < 4; i++ {
			id[100+i] = uint16(cfg.Sectors >> (16 * i))
		}
	}
	return id
}

// putASCII stores s two characters per word, high byte first, space padded.
func putASCII(dst []uint16, s string) {
	b := make([]byte, 2*len(dst))
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	for i := range dst {
		dst[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
}

var _ cs.ChipsetDevice = (*Channel)(nil)
