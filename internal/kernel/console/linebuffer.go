package console

import (
	"log/slog"
	"strings"

	"github.com/tinyrange/kcore/internal/kernel/queue"
)

// DefaultLineCapacity is the number of complete lines the console queue
// holds.
const DefaultLineCapacity = 100

// LineBuffer assembles characters into lines. It is fed from task context
// only; the finished lines cross to the console task through an event
// queue.
//
// Backspace is not interpreted: '\b' is kept in the line like any other
// character.
type LineBuffer struct {
	partial strings.Builder
	lines   *queue.Events[string]
	log     *slog.Logger
}

// NewLineBuffer returns a buffer publishing to lines.
func NewLineBuffer(lines *queue.Events[string], log *slog.Logger) *LineBuffer {
	if log == nil {
		log = slog.Default()
	}
	return &LineBuffer{lines: lines, log: log}
}

// AddChar appends r to the pending line. A newline completes the line,
// which is queued without the newline and wakes the console.
func (b *LineBuffer) AddChar(r rune) {
	if r != '\n' {
		b.partial.WriteRune(r)
		return
	}
	line := b.partial.String()
	b.partial.Reset()
	if err := b.lines.Send(line); err != nil {
		b.log.Warn("Console queue full, dropping input", "line", line, "err", err)
	}
}

// Pending returns the characters typed since the last newline.
func (b *LineBuffer) Pending() string { return b.partial.String() }
