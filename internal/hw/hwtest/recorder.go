// Package hwtest provides a recording port bus for driver tests.
package hwtest

import (
	"fmt"
	"sync"
)

// Access is one recorded port access.
type Access struct {
	Write bool
	Width int
	Port  uint16
	Value uint32
}

func (a Access) String() string {
	dir := "in"
	if a.Write {
		dir = "out"
	}
	return fmt.Sprintf("%s%d(0x%04x)=0x%x", dir, a.Width, a.Port, a.Value)
}

// Recorder implements hw.PortIO, logging every access in order. Reads return
// the value produced by the registered reader for the port, or the last value
// written to it, or all ones.
type Recorder struct {
	mu      sync.Mutex
	log     []Access
	values  map[uint16]uint32
	readers map[uint16]func() uint32
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		values:  make(map[uint16]uint32),
		readers: make(map[uint16]func() uint32),
	}
}

// OnRead installs a value source for reads of port.
func (r *Recorder) OnRead(port uint16, fn func() uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[port] = fn
}

// Set fixes the value returned by reads of port.
func (r *Recorder) Set(port uint16, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[port] = value
}

// Accesses returns a copy of the access log.
func (r *Recorder) Accesses() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.log...)
}

// Writes returns the logged writes to port, in order.
func (r *Recorder) Writes(port uint16) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, a := range r.log {
		if a.Write && a.Port == port {
			out = append(out, a.Value)
		}
	}
	return out
}

// Reset clears the access log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = nil
}

func (r *Recorder) read(width int, port uint16, mask uint32) uint32 {
	r.mu.Lock()
	fn, hasFn := r.readers[port]
	v, hasV := r.values[port]
	r.mu.Unlock()

	var value uint32
	switch {
	case hasFn:
		value = fn()
	case hasV:
		value = v
	default:
		value = 0xffffffff
	}
	value &= mask

	r.mu.Lock()
	r.log = append(r.log, Access{Width: width, Port: port, Value: value})
	r.mu.Unlock()
	return value
}

func (r *Recorder) write(width int, port uint16, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, Access{Write: true, Width: width, Port: port, Value: value})
	r.values[port] = value
}

func (r *Recorder) In8(port uint16) uint8       { return uint8(r.read(8, port, 0xff)) }
func (r *Recorder) Out8(port uint16, v uint8)   { r.write(8, port, uint32(v)) }
func (r *Recorder) In16(port uint16) uint16     { return uint16(r.read(16, port, 0xffff)) }
func (r *Recorder) Out16(port uint16, v uint16) { r.write(16, port, uint32(v)) }
func (r *Recorder) In32(port uint16) uint32     { return r.read(32, port, 0xffffffff) }
func (r *Recorder) Out32(port uint16, v uint32) { r.write(32, port, v) }
