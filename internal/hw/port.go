package hw

import "fmt"

// Port8 is an 8-bit I/O port at a fixed address.
type Port8 struct {
	io   PortIO
	addr uint16
}

// NewPort8 binds an 8-bit port.
func NewPort8(io PortIO, addr uint16) Port8 { return Port8{io: io, addr: addr} }

func (p Port8) Read() uint8       { return p.io.In8(p.addr) }
func (p Port8) Write(value uint8) { p.io.Out8(p.addr, value) }
func (p Port8) Addr() uint16      { return p.addr }
func (p Port8) String() string    { return fmt.Sprintf("port8(0x%04x)", p.addr) }

// Port16 is a 16-bit I/O port at a fixed address.
type Port16 struct {
	io   PortIO
	addr uint16
}

// NewPort16 binds a 16-bit port.
func NewPort16(io PortIO, addr uint16) Port16 { return Port16{io: io, addr: addr} }

func (p Port16) Read() uint16       { return p.io.In16(p.addr) }
func (p Port16) Write(value uint16) { p.io.Out16(p.addr, value) }
func (p Port16) Addr() uint16       { return p.addr }
func (p Port16) String() string     { return fmt.Sprintf("port16(0x%04x)", p.addr) }

// Port32 is a 32-bit I/O port at a fixed address.
type Port32 struct {
	io   PortIO
	addr uint16
}

// NewPort32 binds a 32-bit port.
func NewPort32(io PortIO, addr uint16) Port32 { return Port32{io: io, addr: addr} }

func (p Port32) Read() uint32       { return p.io.In32(p.addr) }
func (p Port32) Write(value uint32) { p.io.Out32(p.addr, value) }
func (p Port32) Addr() uint16       { return p.addr }
func (p Port32) String() string     { return fmt.Sprintf("port32(0x%04x)", p.addr) }

// Reg32 is a 32-bit memory-mapped register.
type Reg32 struct {
	mem  MMIO
	addr uint64
}

// NewReg32 binds a memory-mapped register at a virtual address.
func NewReg32(mem MMIO, addr uint64) Reg32 { return Reg32{mem: mem, addr: addr} }

func (r Reg32) Read() uint32       { return r.mem.Read32(r.addr) }
func (r Reg32) Write(value uint32) { r.mem.Write32(r.addr, value) }
func (r Reg32) Addr() uint64       { return r.addr }
