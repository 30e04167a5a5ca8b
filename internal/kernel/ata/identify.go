package ata

import (
	"encoding/binary"
	"strings"
)

// IdentifyBlock is the 256-word response to IDENTIFY DEVICE.
type IdentifyBlock [256]uint16

// Word offsets into the identify block.
const (
	idSerial       = 10 // 20 ASCII bytes
	idFirmware     = 23 // 8 ASCII bytes
	idModel        = 27 // 40 ASCII bytes
	idCapabilities = 49
	idSectors28    = 60 // two words
	idCommandSets  = 83
	idSectors48    = 100 // four words
)

// ascii decodes an identify string: two characters per word, high byte
// first, space padded.
func (b *IdentifyBlock) ascii(start, words int) string {
	buf := make([]byte, 0, 2*words)
	for _, w := range b[start : start+words] {
		buf = binary.BigEndian.AppendUint16(buf, w)
	}
	return strings.TrimRight(strings.TrimSpace(string(buf)), "\x00")
}

func (b *IdentifyBlock) Serial() string   { return b.ascii(idSerial, 10) }
func (b *IdentifyBlock) Firmware() string { return b.ascii(idFirmware, 4) }
func (b *IdentifyBlock) Model() string    { return b.ascii(idModel, 20) }

// SupportsLBA reports LBA addressing (word 49 bit 9).
func (b *IdentifyBlock) SupportsLBA() bool { return b[idCapabilities]&(1<<9) != 0 }

// SupportsLBA48 reports the 48-bit address feature set (word 83 bit 10).
func (b *IdentifyBlock) SupportsLBA48() bool { return b[idCommandSets]&(1<<10) != 0 }

// SectorsLBA28 is the number of sectors addressable with 28-bit commands.
func (b *IdentifyBlock) SectorsLBA28() uint32 {
	return uint32(b[idSectors28]) | uint32(b[idSectors28+1])<<16
}

// SectorsLBA48 is the number of sectors addressable with 48-bit commands.
func (b *IdentifyBlock) SectorsLBA48() uint64 {
	var n uint64
	for i := 3; i >= 0; i-- {
		n = n<<16 | uint64(b[idSectors48+i])
	}
	return n
}

// Sectors returns the addressable capacity in sectors.
func (b *IdentifyBlock) Sectors() uint64 {
	if b.SupportsLBA48() {
		if n := b.SectorsLBA48(); n != 0 {
			return n
		}
	}
	return uint64(b.SectorsLBA28())
}
