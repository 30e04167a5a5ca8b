package screen

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTerminalRawModeAndClear(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, WithRawMode(true))
	if err := term.WriteText("a\nb"); err != nil {
		t.Fatal(err)
	}
	if err := term.Clear(); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "a\r\nb\x1b[2J\x1b[H" {
		t.Fatalf("terminal bytes %q", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestTerminalWriteFailure(t *testing.T) {
	if err := NewTerminal(failingWriter{}).WriteText("x"); err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("err = %v", err)
	}
}

func TestTranscriptStripsEscapes(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf)
	tr.WriteText("\x1b[31mred\x1b[0m\n")
	tr.Clear()
	if got := buf.String(); got != "red\n\f" {
		t.Fatalf("transcript %q", got)
	}
}

func TestTeeWritesEverywhere(t *testing.T) {
	var a, b bytes.Buffer
	out := Tee(NewTerminal(&a), nil, NewTranscript(&b))
	out.WriteText("> help\n")
	if a.String() != "> help\n" || b.String() != "> help\n" {
		t.Fatalf("a %q b %q", a.String(), b.String())
	}
	single := NewTerminal(&a)
	if Tee(nil, single) != single {
		t.Fatalf("single output was wrapped")
	}
}

func TestVirtualScreen(t *testing.T) {
	v := NewVirtual(40, 5)
	defer v.Close()

	v.WriteText("> dbg\nRFLAGS: 0x2\n")
	lines := v.Lines()
	if lines[0] != "> dbg" || lines[1] != "RFLAGS: 0x2" {
		t.Fatalf("lines %q", lines)
	}
	if !v.Contains("RFLAGS") {
		t.Fatalf("Contains missed a row")
	}
	v.Clear()
	v.WriteText("x")
	if v.Text() != "x" {
		t.Fatalf("after clear %q", v.Text())
	}
	if cols, rows := v.Size(); cols != 40 || rows != 5 {
		t.Fatalf("size %dx%d", cols, rows)
	}
}

func TestVirtualScrollsAndCloses(t *testing.T) {
	v := NewVirtual(20, 3)
	for _, s := range []string{"one\n", "two\n", "three\n", "four"} {
		v.WriteText(s)
	}
	if v.Text() != "two\nthree\nfour" {
		t.Fatalf("screen %q", v.Text())
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := v.WriteText("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}
