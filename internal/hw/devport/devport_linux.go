//go:build linux

// Package devport drives real hardware from a Linux user-space process:
// port I/O through /dev/port and MMIO through a shared mapping of /dev/mem.
// Both need root and CAP_SYS_RAWIO, and /dev/mem must not be restricted by
// CONFIG_STRICT_DEVMEM for the windows being mapped.
package devport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	portDevice   = "/dev/port"
	memoryDevice = "/dev/mem"
	pageSize     = 0x1000
)

// Ports implements hw.PortIO on /dev/port. The first failed access is kept
// and reported by Err; failed reads return all ones.
type Ports struct {
	fd int

	mu  sync.Mutex
	err error
}

// OpenPorts opens /dev/port for reading and writing.
func OpenPorts() (*Ports, error) {
	fd, err := unix.Open(portDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("devport: open %s: %w", portDevice, err)
	}
	return &Ports{fd: fd}, nil
}

// Err returns the first access error, if any.
func (p *Ports) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close releases the device handle.
func (p *Ports) Close() error {
	return unix.Close(p.fd)
}

func (p *Ports) fail(op string, port uint16, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = fmt.Errorf("devport: %s port 0x%04x: %w", op, port, err)
	}
}

func (p *Ports) in(port uint16, buf []byte) {
	n, err := unix.Pread(p.fd, buf, int64(port))
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short read %d/%d", n, len(buf))
	}
	if err != nil {
		p.fail("read", port, err)
		for i := range buf {
			buf[i] = 0xff
		}
	}
}

func (p *Ports) out(port uint16, buf []byte) {
	n, err := unix.Pwrite(p.fd, buf, int64(port))
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short write %d/%d", n, len(buf))
	}
	if err != nil {
		p.fail("write", port, err)
	}
}

func (p *Ports) In8(port uint16) uint8 {
	var b [1]byte
	p.in(port, b[:])
	return b[0]
}

func (p *Ports) Out8(port uint16, value uint8) {
	p.out(port, []byte{value})
}

func (p *Ports) In16(port uint16) uint16 {
	var b [2]byte
	p.in(port, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (p *Ports) Out16(port uint16, value uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	p.out(port, b[:])
}

func (p *Ports) In32(port uint16) uint32 {
	var b [4]byte
	p.in(port, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (p *Ports) Out32(port uint16, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	p.out(port, b[:])
}

type window struct {
	phys uint64
	virt uint64
	mem  []byte
}

// Memory implements hw.PhysMapper and hw.MMIO over /dev/mem. Each
// MapPhysical call maps the page containing the requested address.
type Memory struct {
	fd int

	mu      sync.Mutex
	windows []window
}

// OpenMemory opens /dev/mem for synchronous shared mappings.
func OpenMemory() (*Memory, error) {
	fd, err := unix.Open(memoryDevice, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("devport: open %s: %w", memoryDevice, err)
	}
	return &Memory{fd: fd}, nil
}

// MapPhysical maps the page holding phys and returns the matching virtual
// address inside this process.
func (m *Memory) MapPhysical(phys uint64) (uint64, error) {
	base := phys &^ (pageSize - 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.windows {
		if w.phys == base {
			return w.virt + (phys - base), nil
		}
	}

	mem, err := unix.Mmap(m.fd, int64(base), pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("devport: map physical 0x%x: %w", base, err)
	}
	virt := uint64(uintptr(unsafe.Pointer(&mem[0])))
	m.windows = append(m.windows, window{phys: base, virt: virt, mem: mem})
	return virt + (phys - base), nil
}

func (m *Memory) word(addr uint64) *uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if addr >= w.virt && addr+4 <= w.virt+uint64(len(w.mem)) {
			return (*uint32)(unsafe.Pointer(&w.mem[addr-w.virt]))
		}
	}
	return nil
}

// Read32 reads a mapped register; unmapped addresses read as all ones.
func (m *Memory) Read32(addr uint64) uint32 {
	p := m.word(addr)
	if p == nil {
		return 0xffffffff
	}
	return atomic.LoadUint32(p)
}

// Write32 writes a mapped register; writes to unmapped addresses are dropped.
func (m *Memory) Write32(addr uint64, value uint32) {
	if p := m.word(addr); p != nil {
		atomic.StoreUint32(p, value)
	}
}

// Close unmaps every window and releases the device handle.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		_ = unix.Munmap(w.mem)
	}
	m.windows = nil
	return unix.Close(m.fd)
}
