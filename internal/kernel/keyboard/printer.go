package keyboard

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel/async"
)

// LineSink receives every decoded character, Enter included.
type LineSink interface {
	AddChar(r rune)
}

// PrinterConfig wires the print-keys task.
type PrinterConfig struct {
	Output hw.TextOutput
	// Lines may be nil, in which case characters are only echoed.
	Lines LineSink
	// Fatal is called once if the text output fails; the task then
	// completes. Nil leaves the error for Err.
	Fatal  func(error)
	Logger *slog.Logger
}

// Printer is the print-keys task: it drains the scan code stream, echoes
// every character and forwards it to the console line buffer.
type Printer struct {
	scancodes *async.Stream[byte]
	dec       *Decoder
	cfg       PrinterConfig
	log       *slog.Logger

	reportedDrops uint64
	echoed        uint64
	err           error
}

// NewPrinter returns the task for scancodes.
func NewPrinter(scancodes *async.Stream[byte], cfg PrinterConfig) *Printer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Printer{
		scancodes: scancodes,
		dec:       NewDecoder(),
		cfg:       cfg,
		log:       log,
	}
}

// Poll implements async.Future. It only completes after a text output
// failure.
func (p *Printer) Poll(cx *async.Context) async.Poll {
	for {
		b, st := p.scancodes.PollNext(cx)
		if st == async.Pending {
			p.reportDrops()
			return async.Pending
		}
		r, ok := p.dec.Decode(b)
		if !ok {
			continue
		}
		if err := p.cfg.Output.WriteText(string(r)); err != nil {
			p.err = fmt.Errorf("keyboard: echo: %w", err)
			if p.cfg.Fatal != nil {
				p.cfg.Fatal(p.err)
			}
			return async.Ready
		}
		p.echoed++
		if p.cfg.Lines != nil {
			p.cfg.Lines.AddChar(r)
		}
	}
}

// reportDrops logs scan codes refused by a full queue since the last
// report. Handlers only count drops; logging happens here in task context.
func (p *Printer) reportDrops() {
	dropped := p.scancodes.Events().Dropped()
	if dropped == p.reportedDrops {
		return
	}
	p.log.Warn("Scancode queue full, dropped input",
		"dropped", dropped-p.reportedDrops,
		"total", dropped)
	p.reportedDrops = dropped
}

// Echoed returns the number of characters written to the output.
func (p *Printer) Echoed() uint64 { return p.echoed }

// Err returns the output error that ended the task.
func (p *Printer) Err() error { return p.err }
