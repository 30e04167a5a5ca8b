// Package console runs the line-oriented command task fed by the keyboard.
package console

import (
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/kernel/async"
)

const (
	// DefaultImageSectors is how many sectors the image command reads from
	// LBA 0.
	DefaultImageSectors = 1152
	// DefaultPrompt is written before every command.
	DefaultPrompt = "> "

	// ExitPort is the isa-debug-exit port written by qexit.
	ExitPort uint16 = 0xf4
	// ExitSuccess is the code qexit writes.
	ExitSuccess uint32 = 0x10
)

// Disk is the sector source of the image command. *ata.Bus satisfies it.
type Disk interface {
	ReadRange(lba uint64, sectors int) ([]byte, error)
}

// ImageSink displays a decoded image.
type ImageSink interface {
	ShowImage(img *image.RGBA) error
}

// Config wires the console task.
type Config struct {
	Output hw.TextOutput
	Ports  hw.PortIO
	// Registers backs dbg; nil makes dbg report that registers are
	// unavailable.
	Registers hw.Registers
	// Disk backs image; nil makes image report that no disk is attached.
	Disk         Disk
	ImageSectors int
	Images       ImageSink
	Prompt       string
	// Fatal is called once if the text output fails.
	Fatal  func(error)
	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.ImageSectors <= 0 {
		c.ImageSectors = DefaultImageSectors
	}
	if c.Prompt == "" {
		c.Prompt = DefaultPrompt
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type command struct {
	name string
	help string
	run  func(c *Console, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"image", "read the boot image from disk and display it", (*Console).cmdImage},
		{"dbg", "dump registers: dbg [all|rflags|cr|dr]", (*Console).cmdDebug},
		{"clear", "clear the screen", (*Console).cmdClear},
		{"help", "list commands", (*Console).cmdHelp},
		{"qexit", "exit the emulator", (*Console).cmdExit},
	}
}

// Console is the command task. It completes after qexit or a text output
// failure.
type Console struct {
	lines *async.Stream[string]
	cfg   Config
	log   *slog.Logger
	out   hw.Port32

	prompted bool
	exited   bool
	executed uint64
	err      error
}

// New returns the task reading lines.
func New(lines *async.Stream[string], cfg Config) *Console {
	cfg.normalize()
	c := &Console{lines: lines, cfg: cfg, log: cfg.Logger}
	if cfg.Ports != nil {
		c.out = hw.NewPort32(cfg.Ports, ExitPort)
	}
	return c
}

// Poll implements async.Future.
func (c *Console) Poll(cx *async.Context) async.Poll {
	for {
		if !c.prompted {
			if c.fail(c.write(c.cfg.Prompt)) {
				return async.Ready
			}
			c.prompted = true
		}
		line, st := c.lines.PollNext(cx)
		if st == async.Pending {
			return async.Pending
		}
		if c.fail(c.Execute(line)) || c.exited {
			return async.Ready
		}
		c.prompted = false
	}
}

// Execute runs one line. Lines whose first word is not a command are
// ignored. The returned error is a text output failure.
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == fields[0] {
			c.executed++
			c.log.Debug("Console command", "command", cmd.name, "args", fields[1:])
			return cmd.run(c, fields[1:])
		}
	}
	return nil
}

func (c *Console) fail(err error) bool {
	if err == nil {
		return false
	}
	c.err = fmt.Errorf("console: %w", err)
	if c.cfg.Fatal != nil {
		c.cfg.Fatal(c.err)
	}
	return true
}

func (c *Console) write(s string) error { return c.cfg.Output.WriteText(s) }

func (c *Console) printf(format string, args ...any) error {
	return c.write(fmt.Sprintf(format, args...))
}

func (c *Console) cmdImage(args []string) error {
	if c.cfg.Disk == nil {
		return c.write("image: no disk attached\n")
	}
	data, err := c.cfg.Disk.ReadRange(0, c.cfg.ImageSectors)
	if err != nil {
		c.log.Warn("Image read failed", "sectors", c.cfg.ImageSectors, "err", err)
		return c.printf("image: %v\n", err)
	}
	img, err := DecodePPM(data)
	if err != nil {
		return c.printf("image: %v\n", err)
	}
	if c.cfg.Images != nil {
		if err := c.cfg.Images.ShowImage(img); err != nil {
			return c.printf("image: display: %v\n", err)
		}
	}
	b := img.Bounds()
	return c.printf("image: %dx%d\n", b.Dx(), b.Dy())
}

func (c *Console) cmdDebug(args []string) error {
	if c.cfg.Registers == nil {
		return c.write("dbg: registers unavailable\n")
	}
	group := "all"
	if len(args) > 0 {
		group = args[0]
	}
	r := c.cfg.Registers
	var b strings.Builder
	switch group {
	case "all", "rflags", "cr", "dr":
	default:
		return c.printf("dbg: unknown group %q (all, rflags, cr, dr)\n", group)
	}
	b.WriteString("Register info:\n")
	if group == "all" || group == "rflags" {
		fmt.Fprintf(&b, "RFLAGS: 0x%016x %s\n", r.RFlags(), RFlags(r.RFlags()))
	}
	if group == "all" || group == "cr" {
		for _, n := range []int{0, 2, 3, 4} {
			fmt.Fprintf(&b, "CR%d: 0x%016x\n", n, r.ControlRegister(n))
		}
	}
	if group == "all" || group == "dr" {
		for _, n := range []int{0, 1, 2, 3, 6, 7} {
			fmt.Fprintf(&b, "DR%d: 0x%016x\n", n, r.DebugRegister(n))
		}
	}
	return c.write(b.String())
}

func (c *Console) cmdClear(args []string) error {
	return c.cfg.Output.Clear()
}

func (c *Console) cmdHelp(args []string) error {
	var b strings.Builder
	for _, cmd := range commands {
		fmt.Fprintf(&b, "  %-6s %s\n", cmd.name, cmd.help)
	}
	return c.write(b.String())
}

// cmdExit writes the success code to the debug exit port exactly once. The
// task ends whether or not the write stops the machine.
func (c *Console) cmdExit(args []string) error {
	c.exited = true
	if c.cfg.Ports == nil {
		return nil
	}
	c.out.Write(ExitSuccess)
	return nil
}

// Exited reports whether qexit ran.
func (c *Console) Exited() bool { return c.exited }

// Executed counts recognised commands.
func (c *Console) Executed() uint64 { return c.executed }

// Err returns the output error that ended the task.
func (c *Console) Err() error { return c.err }

var rflagsNames = []struct {
	bit  uint
	name string
}{
	{0, "CF"}, {2, "PF"}, {4, "AF"}, {6, "ZF"}, {7, "SF"},
	{8, "TF"}, {9, "IF"}, {10, "DF"}, {11, "OF"}, {14, "NT"},
	{16, "RF"}, {17, "VM"}, {18, "AC"}, {19, "VIF"}, {20, "VIP"}, {21, "ID"},
}

// RFlags names the set flags of an RFLAGS value.
type RFlags uint64

func (f RFlags) String() string {
	var names []string
	for _, n := range rflagsNames {
		if f&(1<<n.bit) != 0 {
			names = append(names, n.name)
		}
	}
	if iopl := f >> 12 & 3; iopl != 0 {
		names = append(names, fmt.Sprintf("IOPL=%d", iopl))
	}
	return "[" + strings.Join(names, " ") + "]"
}
