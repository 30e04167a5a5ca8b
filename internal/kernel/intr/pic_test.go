package intr

import (
	"testing"

	"github.com/tinyrange/kcore/internal/hw/hwtest"
)

func newTestPICs() (*ChainedPICs, *hwtest.Recorder) {
	rec := hwtest.NewRecorder()
	rec.Set(masterDataPort, 0xb8)
	rec.Set(slaveDataPort, 0x8e)
	return NewChainedPICs(rec, 0x20, 0x28), rec
}

func TestChainedPICsInitSequence(t *testing.T) {
	pics, rec := newTestPICs()
	if err := pics.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	var got []string
	for _, a := range rec.Accesses() {
		if a.Write && a.Port != waitPort {
			got = append(got, a.String())
		}
	}
	want := []string{
		"out8(0x0020)=0x11",
		"out8(0x00a0)=0x11",
		"out8(0x0021)=0x20",
		"out8(0x00a1)=0x28",
		"out8(0x0021)=0x4",
		"out8(0x00a1)=0x2",
		"out8(0x0021)=0x1",
		"out8(0x00a1)=0x1",
		"out8(0x0021)=0xb8",
		"out8(0x00a1)=0x8e",
	}
	if len(got) != len(want) {
		t.Fatalf("init writes:\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %s, want %s", i, got[i], want[i])
		}
	}
	if n := len(rec.Writes(waitPort)); n != 8 {
		t.Fatalf("wait port writes = %d, want 8", n)
	}
}

func TestChainedPICsSlaveEOIPrecedesMaster(t *testing.T) {
	pics, rec := newTestPICs()
	pics.EndOfInterrupt(VectorMouse)

	acc := rec.Accesses()
	if len(acc) != 2 {
		t.Fatalf("accesses = %v", acc)
	}
	if acc[0].Port != slaveCommandPort || acc[0].Value != 0x20 {
		t.Fatalf("first EOI = %v, want slave", acc[0])
	}
	if acc[1].Port != masterCommandPort || acc[1].Value != 0x20 {
		t.Fatalf("second EOI = %v, want master", acc[1])
	}
}

func TestChainedPICsMasterOnlyEOI(t *testing.T) {
	pics, rec := newTestPICs()
	pics.EndOfInterrupt(VectorKeyboard)

	if w := rec.Writes(slaveCommandPort); len(w) != 0 {
		t.Fatalf("slave received EOI for a master vector: %v", w)
	}
	if w := rec.Writes(masterCommandPort); len(w) != 1 || w[0] != 0x20 {
		t.Fatalf("master EOI writes = %v", w)
	}
}

func TestChainedPICsIgnoresForeignVectors(t *testing.T) {
	pics, rec := newTestPICs()
	pics.EndOfInterrupt(VectorPageFault)
	pics.EndOfInterrupt(VectorSpurious)
	if acc := rec.Accesses(); len(acc) != 0 {
		t.Fatalf("foreign vectors produced accesses: %v", acc)
	}
	if pics.Handles(0x30) {
		t.Fatalf("vector 0x30 reported as owned")
	}
	if !pics.Handles(0x2f) {
		t.Fatalf("vector 0x2f not reported as owned")
	}
}

func TestChainedPICsMasking(t *testing.T) {
	pics, _ := newTestPICs()

	pics.Unmask(LineTimer)
	pics.Unmask(LineMouse)
	if m := pics.Masks(); m[0] != 0xb8 || m[1] != 0x8e&^(1<<4) {
		t.Fatalf("masks after unmask = %#x %#x", m[0], m[1])
	}

	pics.Mask(LineKeyboard)
	if m := pics.Masks(); m[0] != 0xba {
		t.Fatalf("master mask = %#x, want 0xba", m[0])
	}

	pics.Disable()
	if m := pics.Masks(); m[0] != 0xff || m[1] != 0xff {
		t.Fatalf("masks after disable = %#x %#x", m[0], m[1])
	}
}
