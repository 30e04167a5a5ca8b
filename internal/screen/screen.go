// Package screen provides the text outputs the kernel writes to: a host
// terminal, a headless VT model and a plain-text transcript.
package screen

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/kcore/internal/hw"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("screen: closed")

// Terminal writes kernel text to a host terminal.
type Terminal struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithRawMode expands "\n" to "\r\n", which a terminal in raw mode needs.
func WithRawMode(raw bool) TerminalOption {
	return func(t *Terminal) { t.raw = raw }
}

// NewTerminal returns an output writing to w.
func NewTerminal(w io.Writer, opts ...TerminalOption) *Terminal {
	t := &Terminal{w: w}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Terminal) WriteText(s string) error {
	if t.raw {
		s = strings.ReplaceAll(s, "\n", "\r\n")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.w, s); err != nil {
		return fmt.Errorf("screen: write: %w", err)
	}
	return nil
}

func (t *Terminal) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.w, ansi.EraseEntireScreen+ansi.CursorHomePosition); err != nil {
		return fmt.Errorf("screen: clear: %w", err)
	}
	return nil
}

// Transcript records the text stream with escape sequences removed.
type Transcript struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTranscript returns a transcript writing to w.
func NewTranscript(w io.Writer) *Transcript {
	return &Transcript{w: w}
}

func (t *Transcript) WriteText(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.w, ansi.Strip(s)); err != nil {
		return fmt.Errorf("screen: transcript: %w", err)
	}
	return nil
}

// Clear is recorded as a form feed so page breaks survive in the file.
func (t *Transcript) Clear() error {
	return t.WriteText("\f")
}

// tee fans text out to several outputs.
type tee []hw.TextOutput

// Tee returns an output writing to every non-nil output in order. The
// first failure stops the write and is returned.
func Tee(outputs ...hw.TextOutput) hw.TextOutput {
	var t tee
	for _, o := range outputs {
		if o != nil {
			t = append(t, o)
		}
	}
	if len(t) == 1 {
		return t[0]
	}
	return t
}

func (t tee) WriteText(s string) error {
	for _, o := range t {
		if err := o.WriteText(s); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) Clear() error {
	for _, o := range t {
		if err := o.Clear(); err != nil {
			return err
		}
	}
	return nil
}
