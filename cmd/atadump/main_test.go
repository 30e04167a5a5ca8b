package main

import (
	"bytes"
	"errors"
	"testing"

	atadev "github.com/tinyrange/kcore/internal/devices/ata"
	"github.com/tinyrange/kcore/internal/kernel/ata"
	"github.com/tinyrange/kcore/internal/sim"
)

func TestLoadThenDump(t *testing.T) {
	backing := atadev.NewMemoryBacking(nil)
	ports, err := sim.NewStorageBus(nil, sim.Disk{Backing: backing, Sectors: 4096})
	if err != nil {
		t.Fatalf("NewStorageBus: %v", err)
	}
	bus, err := ata.NewBus(ports, ata.Config{PollLimit: 10000})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	data := make([]byte, chunkSectors*ata.SectorSize+700)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var progress bytes.Buffer
	if err := load(bus, data, 10, &progress); err != nil {
		t.Fatalf("load: %v", err)
	}
	if progress.Len() != len(data) {
		t.Fatalf("progress saw %d bytes, want %d", progress.Len(), len(data))
	}

	var out bytes.Buffer
	sectors := chunkSectors + 2
	if err := dump(bus, &out, 10, sectors); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if out.Len() != sectors*ata.SectorSize {
		t.Fatalf("dumped %d bytes", out.Len())
	}
	if !bytes.Equal(out.Bytes()[:len(data)], data) {
		t.Fatalf("dump does not match the loaded data")
	}
	if tail := out.Bytes()[len(data):]; bytes.Count(tail, []byte{0}) != len(tail) {
		t.Fatalf("padding is not zero")
	}
	if got := backing.Bytes()[10*ata.SectorSize]; got != data[0] {
		t.Fatalf("backing byte 0x%x, want 0x%x", got, data[0])
	}
}

func TestDumpPastEndFails(t *testing.T) {
	ports, err := sim.NewStorageBus(nil, sim.Disk{Backing: atadev.NewMemoryBacking(nil), Sectors: 8})
	if err != nil {
		t.Fatalf("NewStorageBus: %v", err)
	}
	bus, err := ata.NewBus(ports, ata.Config{PollLimit: 10000})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	if err := dump(bus, &bytes.Buffer{}, 6, 4); err == nil {
		t.Fatalf("dump past the end succeeded")
	}
}

func TestDumpNegativeCountFails(t *testing.T) {
	ports, err := sim.NewStorageBus(nil, sim.Disk{Backing: atadev.NewMemoryBacking(nil), Sectors: 8})
	if err != nil {
		t.Fatalf("NewStorageBus: %v", err)
	}
	bus, err := ata.NewBus(ports, ata.Config{PollLimit: 10000})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	var out bytes.Buffer
	if err := dump(bus, &out, 0, -1); !errors.Is(err, ata.ErrOutOfRange) {
		t.Fatalf("dump(-1) = %v, want ErrOutOfRange", err)
	}
	if out.Len() != 0 {
		t.Fatalf("dump(-1) wrote %d bytes", out.Len())
	}
}
