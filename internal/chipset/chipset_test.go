package chipset

import (
	"encoding/binary"
	"errors"
	"testing"
)

type testRegisterDevice struct {
	ports   []uint16
	regions []MMIORegion
	values  map[uint64]uint32
	started bool
	fail    error
}

func newTestRegisterDevice() *testRegisterDevice {
	return &testRegisterDevice{values: make(map[uint64]uint32)}
}

func (d *testRegisterDevice) Start() error { d.started = true; return nil }
func (d *testRegisterDevice) Stop() error  { d.started = false; return nil }
func (d *testRegisterDevice) Reset() error { d.values = make(map[uint64]uint32); return nil }

func (d *testRegisterDevice) SupportsPortIO() *PortIOIntercept {
	if len(d.ports) == 0 {
		return nil
	}
	return &PortIOIntercept{Ports: d.ports, Handler: d}
}

func (d *testRegisterDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *testRegisterDevice) ReadIOPort(port uint16, data []byte) error {
	if d.fail != nil {
		return d.fail
	}
	v := d.values[uint64(port)]
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
	return nil
}

func (d *testRegisterDevice) WriteIOPort(port uint16, data []byte) error {
	var v uint32
	for i := range data {
		v |= uint32(data[i]) << (8 * i)
	}
	d.values[uint64(port)] = v
	return nil
}

func (d *testRegisterDevice) ReadMMIO(addr uint64, data []byte) error {
	binary.LittleEndian.PutUint32(data, d.values[addr])
	return nil
}

func (d *testRegisterDevice) WriteMMIO(addr uint64, data []byte) error {
	d.values[addr] = binary.LittleEndian.Uint32(data)
	return nil
}

func TestBuilderRejectsConflicts(t *testing.T) {
	b := NewBuilder()
	a := newTestRegisterDevice()
	a.ports = []uint16{0x60}
	a.regions = []MMIORegion{{Address: 0x1000, Size: 0x100}}
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatalf("register a: %v", err)
	}

	dup := newTestRegisterDevice()
	dup.ports = []uint16{0x60}
	if err := b.RegisterDevice("dup-port", dup); err == nil {
		t.Fatalf("duplicate port accepted")
	}

	overlap := newTestRegisterDevice()
	overlap.regions = []MMIORegion{{Address: 0x10f0, Size: 0x20}}
	if err := b.RegisterDevice("overlap", overlap); err == nil {
		t.Fatalf("overlapping MMIO region accepted")
	}

	if err := b.RegisterDevice("a", newTestRegisterDevice()); err == nil {
		t.Fatalf("duplicate device name accepted")
	}

	// The rejected devices claimed nothing.
	free := newTestRegisterDevice()
	free.regions = []MMIORegion{{Address: 0x1100, Size: 0x10}}
	if err := b.RegisterDevice("dup-port", free); err != nil {
		t.Fatalf("register after rejection: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if owner, ok := cs.PortOwner(0x60); !ok || owner != "a" {
		t.Fatalf("PortOwner(0x60) = %q, %v", owner, ok)
	}
	if _, ok := cs.PortOwner(0x64); ok {
		t.Fatalf("unclaimed port has an owner")
	}
}

type orderDevice struct {
	name string
	log  *[]string
	fail error
}

func (d *orderDevice) Start() error {
	if d.fail != nil {
		return d.fail
	}
	*d.log = append(*d.log, "start "+d.name)
	return nil
}

func (d *orderDevice) Stop() error {
	*d.log = append(*d.log, "stop "+d.name)
	return nil
}

func (d *orderDevice) Reset() error                     { return nil }
func (d *orderDevice) SupportsPortIO() *PortIOIntercept { return nil }
func (d *orderDevice) SupportsMmio() *MmioIntercept     { return nil }

func TestLifecycleFollowsRegistrationOrder(t *testing.T) {
	var log []string
	b := NewBuilder()
	for _, name := range []string{"pic", "ioapic", "pit"} {
		if err := b.RegisterDevice(name, &orderDevice{name: name, log: &log}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cs.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cs.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start pic", "start ioapic", "start pit", "stop pit", "stop ioapic", "stop pic"}
	if len(log) != len(want) {
		t.Fatalf("lifecycle = %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("lifecycle = %v, want %v", log, want)
		}
	}
	if names := cs.Devices(); len(names) != 3 || names[0] != "pic" || names[2] != "pit" {
		t.Fatalf("Devices = %v", names)
	}
}

func TestStartFailureStopsStartedDevices(t *testing.T) {
	var log []string
	b := NewBuilder()
	b.RegisterDevice("pic", &orderDevice{name: "pic", log: &log})
	b.RegisterDevice("ata", &orderDevice{name: "ata", log: &log, fail: errors.New("no media")})
	cs, _ := b.Build()
	if err := cs.Start(); err == nil {
		t.Fatalf("start succeeded")
	}
	if len(log) != 2 || log[1] != "stop pic" {
		t.Fatalf("lifecycle = %v", log)
	}
}

func TestBusDispatchAndFloatingReads(t *testing.T) {
	b := NewBuilder()
	dev := newTestRegisterDevice()
	dev.ports = []uint16{0x1f0}
	dev.regions = []MMIORegion{{Address: 0xfec00000, Size: 0x20}}
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cs.Start(); err != nil || !dev.started {
		t.Fatalf("start: %v", err)
	}
	bus := NewBus(cs)

	bus.Out16(0x1f0, 0xbeef)
	if got := bus.In16(0x1f0); got != 0xbeef {
		t.Fatalf("In16 = %#x", got)
	}
	if got := bus.In8(0x170); got != 0xff {
		t.Fatalf("unmapped port read %#x, want 0xff", got)
	}
	if got := bus.In32(0x170); got != 0xffffffff {
		t.Fatalf("unmapped 32-bit read %#x", got)
	}

	bus.Write32(0xfec00010, 0x12345678)
	if got := bus.Read32(0xfec00010); got != 0x12345678 {
		t.Fatalf("Read32 = %#x", got)
	}
	if got := bus.Read32(0xfee00000); got != 0xffffffff {
		t.Fatalf("unmapped MMIO read %#x", got)
	}
	if bus.Faults() != 0 {
		t.Fatalf("unmapped accesses counted as faults")
	}

	dev.fail = errors.New("wedged")
	if got := bus.In8(0x1f0); got != 0xff {
		t.Fatalf("failed read returned %#x", got)
	}
	if bus.Faults() != 1 {
		t.Fatalf("faults = %d, want 1", bus.Faults())
	}
}

func TestBusMapPhysical(t *testing.T) {
	b := NewBuilder()
	dev := newTestRegisterDevice()
	dev.regions = []MMIORegion{{Address: 0xfee00000, Size: 0x1000}}
	if err := b.RegisterDevice("lapic", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, _ := b.Build()
	bus := NewBus(cs)

	virt, err := bus.MapPhysical(0xfee00000)
	if err != nil || virt != 0xfee00000 {
		t.Fatalf("MapPhysical = %#x, %v", virt, err)
	}
	if _, err := bus.MapPhysical(0xfec00000); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("MapPhysical of empty window = %v", err)
	}
}

type testEOITarget struct{ vectors []uint32 }

func (t *testEOITarget) HandleEOI(v uint32) { t.vectors = append(t.vectors, v) }

func TestLineSetFanOut(t *testing.T) {
	type change struct {
		line  uint8
		level bool
	}
	var a, b []change
	ls := NewLineSet(
		InterruptSinkFunc(func(line uint8, level bool) { a = append(a, change{line, level}) }),
		InterruptSinkFunc(func(line uint8, level bool) { b = append(b, change{line, level}) }),
	)

	kbd := ls.AllocateLine(1)
	kbd.SetLevel(true)
	kbd.SetLevel(true)
	kbd.SetLevel(false)

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("sinks saw %v and %v, want two changes each", a, b)
	}
	if a[0] != (change{1, true}) || a[1] != (change{1, false}) {
		t.Fatalf("sink a saw %v", a)
	}

	target := &testEOITarget{}
	ls.AttachEOITarget(target)
	called := 0
	ls.RegisterEOICallback(0x21, func() { called++ })
	ls.BroadcastEOI(0x21)
	ls.BroadcastEOI(0x20)
	if len(target.vectors) != 2 || called != 1 {
		t.Fatalf("EOI target saw %v, callback ran %d times", target.vectors, called)
	}
}
