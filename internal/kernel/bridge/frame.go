package bridge

import (
	"fmt"
	"strings"

	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel/intr"
)

// FormatFrame renders an interrupt stack frame, one register per line.
func FormatFrame(f *hw.Frame) string {
	return fmt.Sprintf("  vector %s\n  rip    0x%016x\n  cs     0x%04x\n  rflags 0x%016x\n  rsp    0x%016x\n  ss     0x%04x\n",
		intr.Vector(f.Vector), f.RIP, f.CS, f.RFlags, f.RSP, f.SS)
}

var pageFaultBits = [...]string{"present", "write", "user", "reserved", "fetch", "pkey", "shadow-stack"}

// PageFaultCode names the bits of a page fault error code.
type PageFaultCode uint64

func (c PageFaultCode) String() string {
	var names []string
	for i, name := range pageFaultBits {
		if c&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if c&(1<<15) != 0 {
		names = append(names, "sgx")
	}
	if len(names) == 0 {
		return "0x0 (not-present read)"
	}
	return fmt.Sprintf("0x%x (%s)", uint64(c), strings.Join(names, " "))
}
