//go:build !linux

package devport

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("devport: raw port access requires linux, running on " + runtime.GOOS)

// Ports is unavailable outside Linux.
type Ports struct{}

func OpenPorts() (*Ports, error) { return nil, errUnsupported }

func (p *Ports) Err() error                  { return errUnsupported }
func (p *Ports) Close() error                { return nil }
func (p *Ports) In8(port uint16) uint8       { return 0xff }
func (p *Ports) Out8(port uint16, v uint8)   {}
func (p *Ports) In16(port uint16) uint16     { return 0xffff }
func (p *Ports) Out16(port uint16, v uint16) {}
func (p *Ports) In32(port uint16) uint32     { return 0xffffffff }
func (p *Ports) Out32(port uint16, v uint32) {}

// Memory is unavailable outside Linux.
type Memory struct{}

func OpenMemory() (*Memory, error) { return nil, errUnsupported }

func (m *Memory) MapPhysical(phys uint64) (uint64, error) { return 0, errUnsupported }
func (m *Memory) Read32(addr uint64) uint32               { return 0xffffffff }
func (m *Memory) Write32(addr uint64, value uint32)       {}
func (m *Memory) Close() error                            { return nil }
