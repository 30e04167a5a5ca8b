package ata

import (
	"encoding/binary"
	"fmt"
)

const (
	maxSectors28 = 256
	maxSectors48 = 65536
)

// ReadSectors reads count sectors starting at lba with READ SECTORS. A count
// of zero transfers 256 sectors, as the register encodes it.
func (b *Bus) ReadSectors(lba uint32, count uint8) ([]uint16, error) {
	n := int(count)
	if n == 0 {
		n = maxSectors28
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange("read", uint64(lba), n, false); err != nil {
		return nil, err
	}
	if err := b.setup28("read", lba, count, cmdReadSectors); err != nil {
		return nil, err
	}
	return b.readBlocks("read", uint64(lba), n)
}

// ReadSectorsExt reads with READ SECTORS EXT. A count of zero transfers
// 65536 sectors.
func (b *Bus) ReadSectorsExt(lba uint64, count uint16) ([]uint16, error) {
	n := int(count)
	if n == 0 {
		n = maxSectors48
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange("read ext", lba, n, true); err != nil {
		return nil, err
	}
	if err := b.setup48("read ext", lba, count, cmdReadSectorsExt); err != nil {
		return nil, err
	}
	return b.readBlocks("read ext", lba, n)
}

// WriteSectors writes words starting at lba with WRITE SECTORS and flushes
// the drive cache. A final partial sector is padded with zero words. At most
// 256 sectors may be written per call. Empty words is a no-op that touches no
// register; unlike a zero count register it never means 256 sectors.
func (b *Bus) WriteSectors(lba uint32, words []uint16) error {
	n := (len(words) + sectorWords - 1) / sectorWords
	if n == 0 {
		return nil
	}
	if n > maxSectors28 {
		return fmt.Errorf("ata: write %d sectors: at most %d per command", n, maxSectors28)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange("write", uint64(lba), n, false); err != nil {
		return err
	}
	if err := b.setup28("write", lba, uint8(n), cmdWriteSectors); err != nil {
		return err
	}
	if err := b.writeBlocks("write", uint64(lba), words, n); err != nil {
		return err
	}
	return b.flushLocked(false)
}

// WriteSectorsExt writes with WRITE SECTORS EXT and FLUSH CACHE EXT. Empty
// words is a no-op.
func (b *Bus) WriteSectorsExt(lba uint64, words []uint16) error {
	n := (len(words) + sectorWords - 1) / sectorWords
	if n == 0 {
		return nil
	}
	if n > maxSectors48 {
		return fmt.Errorf("ata: write ext %d sectors: at most %d per command", n, maxSectors48)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange("write ext", lba, n, true); err != nil {
		return err
	}
	if err := b.setup48("write ext", lba, uint16(n), cmdWriteSectorsExt); err != nil {
		return err
	}
	if err := b.writeBlocks("write ext", lba, words, n); err != nil {
		return err
	}
	return b.flushLocked(true)
}

// Flush issues FLUSH CACHE and waits for it to complete.
func (b *Bus) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(false)
}

// ReadBytes is ReadSectors with the words unpacked little-endian.
func (b *Bus) ReadBytes(lba uint32, count uint8) ([]byte, error) {
	words, err := b.ReadSectors(lba, count)
	if err != nil {
		return nil, err
	}
	return WordsToBytes(words), nil
}

// WriteBytes is WriteSectors for a byte buffer.
func (b *Bus) WriteBytes(lba uint32, data []byte) error {
	return b.WriteSectors(lba, BytesToWords(data))
}

// ReadRange reads sectors sectors from lba, splitting the transfer into as
// many commands as needed. 48-bit commands are used only for the part of
// the range at or beyond the 28-bit limit. A negative count is rejected with
// ErrOutOfRange.
func (b *Bus) ReadRange(lba uint64, sectors int) ([]byte, error) {
	if sectors < 0 {
		return nil, fmt.Errorf("ata: read %d sectors at %d: %w", sectors, lba, ErrOutOfRange)
	}
	out := make([]byte, 0, sectors*SectorSize)
	for sectors > 0 {
		var (
			words []uint16
			n     int
			err   error
		)
		if lba < MaxLBA28 {
			n = min(sectors, maxSectors28, int(MaxLBA28-lba))
			words, err = b.ReadSectors(uint32(lba), uint8(n))
		} else {
			n = min(sectors, maxSectors48)
			words, err = b.ReadSectorsExt(lba, uint16(n))
		}
		if err != nil {
			return out, err
		}
		out = append(out, WordsToBytes(words)...)
		lba += uint64(n)
		sectors -= n
	}
	return out, nil
}

// WriteRange writes data from lba on, splitting it into commands the same
// way ReadRange does. The tail of the last sector is zero filled.
func (b *Bus) WriteRange(lba uint64, data []byte) error {
	for len(data) > 0 {
		sectors := (len(data) + SectorSize - 1) / SectorSize
		short := lba < MaxLBA28
		n := min(sectors, maxSectors48)
		if short {
			n = min(sectors, maxSectors28, int(MaxLBA28-lba))
		}
		chunk := data[:min(len(data), n*SectorSize)]

		var err error
		if short {
			err = b.WriteSectors(uint32(lba), BytesToWords(chunk))
		} else {
			err = b.WriteSectorsExt(lba, BytesToWords(chunk))
		}
		if err != nil {
			return err
		}
		data = data[len(chunk):]
		lba += uint64(n)
	}
	return nil
}

func (b *Bus) checkRange(op string, lba uint64, n int, ext bool) error {
	end := lba + uint64(n)
	switch {
	case ext && !b.identify.SupportsLBA48():
		return fmt.Errorf("ata: %s: drive has no 48-bit addressing: %w", op, ErrOutOfRange)
	case !ext && end > MaxLBA28, ext && end > MaxLBA48:
		return fmt.Errorf("ata: %s sectors %d-%d: %w", op, lba, end-1, ErrOutOfRange)
	}
	if capacity := b.identify.Sectors(); capacity != 0 && end > capacity {
		return fmt.Errorf("ata: %s sectors %d-%d beyond capacity %d: %w", op, lba, end-1, capacity, ErrOutOfRange)
	}
	return nil
}

func (b *Bus) setup28(op string, lba uint32, count uint8, cmd uint8) error {
	if _, err := b.waitNotBusy(op, uint64(lba)); err != nil {
		return err
	}
	b.ports.DriveHead.Write(selectBase | selectLBA | uint8(b.drive)<<4 | uint8(lba>>24)&0x0f)
	b.settle()
	b.ports.SectorCount.Write(count)
	b.ports.LBALow.Write(uint8(lba))
	b.ports.LBAMid.Write(uint8(lba >> 8))
	b.ports.LBAHigh.Write(uint8(lba >> 16))
	b.ports.Command.Write(cmd)
	return nil
}

// setup48 loads the register FIFOs high-order byte first.
func (b *Bus) setup48(op string, lba uint64, count uint16, cmd uint8) error {
	if _, err := b.waitNotBusy(op, lba); err != nil {
		return err
	}
	b.ports.DriveHead.Write(selectLBA | uint8(b.drive)<<4)
	b.settle()
	b.ports.SectorCount.Write(uint8(count >> 8))
	b.ports.LBALow.Write(uint8(lba >> 24))
	b.ports.LBAMid.Write(uint8(lba >> 32))
	b.ports.LBAHigh.Write(uint8(lba >> 40))
	b.ports.SectorCount.Write(uint8(count))
	b.ports.LBALow.Write(uint8(lba))
	b.ports.LBAMid.Write(uint8(lba >> 8))
	b.ports.LBAHigh.Write(uint8(lba >> 16))
	b.ports.Command.Write(cmd)
	return nil
}

func (b *Bus) readBlocks(op string, lba uint64, n int) ([]uint16, error) {
	words := make([]uint16, 0, n*sectorWords)
	for i := 0; i < n; i++ {
		if err := b.waitData(op, lba+uint64(i)); err != nil {
			return nil, err
		}
		for j := 0; j < sectorWords; j++ {
			words = append(words, b.ports.Data.Read())
		}
	}
	return words, nil
}

func (b *Bus) writeBlocks(op string, lba uint64, words []uint16, n int) error {
	for i := 0; i < n; i++ {
		if err := b.waitData(op, lba+uint64(i)); err != nil {
			return err
		}
		for j := 0; j < sectorWords; j++ {
			var w uint16
			if k := i*sectorWords + j; k < len(words) {
				w = words[k]
			}
			b.ports.Data.Write(w)
		}
	}
	st, err := b.waitNotBusy(op, lba)
	if err != nil {
		return err
	}
	if st.Failed() {
		return b.statusError(op, lba, st)
	}
	return nil
}

func (b *Bus) flushLocked(ext bool) error {
	cmd := cmdFlushCache
	if ext {
		cmd = cmdFlushCacheExt
	}
	b.ports.Command.Write(cmd)
	st, err := b.waitNotBusy("flush", 0)
	if err != nil {
		return err
	}
	if st.Failed() {
		return b.statusError("flush", 0, st)
	}
	return nil
}

// WordsToBytes unpacks data words little-endian, the order the drive
// stores them in.
func WordsToBytes(words []uint16) []byte {
	out := make([]byte, 2*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint16(out[2*i:], w)
	}
	return out
}

// BytesToWords packs a byte buffer into data words; an odd trailing byte is
// zero extended.
func BytesToWords(data []byte) []uint16 {
	out := make([]uint16, (len(data)+1)/2)
	for i := range out {
		lo := data[2*i]
		var hi byte
		if 2*i+1 < len(data) {
			hi = data[2*i+1]
		}
		out[i] = uint16(lo) | uint16(hi)<<8
	}
	return out
}
