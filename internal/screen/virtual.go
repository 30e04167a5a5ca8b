package screen

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Virtual is a headless character screen backed by a VT emulator. It is
// what the simulator renders to when no host terminal is attached, and what
// tests read back.
type Virtual struct {
	emu *vt.SafeEmulator

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewVirtual returns a cols x rows screen.
func NewVirtual(cols, rows int) *Virtual {
	emu := vt.NewSafeEmulator(cols, rows)
	silenceReplies(emu)
	v := &Virtual{emu: emu, done: make(chan struct{})}
	// The emulator answers queries through its input pipe; keep it drained
	// so a reply can never block Write.
	go func() {
		defer close(v.done)
		_, _ = io.Copy(io.Discard, emu)
	}()
	return v
}

// silenceReplies swallows the status and attribute queries a VT answers on
// its own. Kernel text never sends them on purpose.
func silenceReplies(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (v *Virtual) write(s string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if _, err := v.emu.Write([]byte(s)); err != nil {
		return fmt.Errorf("screen: virtual: %w", err)
	}
	return nil
}

// WriteText feeds s to the emulator. A bare line feed only moves down on a
// VT, so newlines are sent as CR LF.
func (v *Virtual) WriteText(s string) error {
	return v.write(strings.ReplaceAll(s, "\n", "\r\n"))
}

func (v *Virtual) Clear() error {
	return v.write(ansi.EraseEntireScreen + ansi.CursorHomePosition)
}

// Size returns the screen dimensions.
func (v *Virtual) Size() (cols, rows int) {
	return v.emu.Width(), v.emu.Height()
}

// Lines returns every row with trailing blanks removed.
func (v *Virtual) Lines() []string {
	cols, rows := v.Size()
	lines := make([]string, rows)
	var b strings.Builder
	for y := 0; y < rows; y++ {
		b.Reset()
		for x := 0; x < cols; {
			cell := v.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				b.WriteByte(' ')
				x++
				continue
			}
			b.WriteString(cell.Content)
			if cell.Width > 1 {
				x += cell.Width
			} else {
				x++
			}
		}
		lines[y] = strings.TrimRight(b.String(), " ")
	}
	return lines
}

// Text returns the visible screen, trailing empty rows dropped.
func (v *Virtual) Text() string {
	lines := v.Lines()
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Contains reports whether any row contains s.
func (v *Virtual) Contains(s string) bool {
	for _, line := range v.Lines() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// Close stops the emulator. Later writes fail with ErrClosed.
func (v *Virtual) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()
	err := v.emu.Close()
	<-v.done
	return err
}
