// Command kcore boots the interrupt core on the simulated PC. Keyboard
// input comes from the host terminal in raw mode; Ctrl-] stops the machine.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/kcore/internal/config"
	"github.com/tinyrange/kcore/internal/hw"
	"github.com/tinyrange/kcore/internal/screen"
	"github.com/tinyrange/kcore/internal/sim"
)

const escapeKey = 0x1d // Ctrl-]

func main() {
	if err := run(); err != nil {
		var exitErr *sim.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Success() {
				os.Exit(0)
			}
			os.Exit(exitErr.Status)
		}
		fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
		os.Exit(1)
	}
}

// fixCrlf turns line feeds into CR LF for a terminal in raw mode.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

func run() error {
	configPath := flag.String("config", "", "Machine description (default: ./"+config.DefaultFilename+" if present)")
	mode := flag.String("mode", "", "Interrupt controller: pic or apic (overrides the config)")
	disk := flag.String("disk", "", "Disk image attached as primary master (overrides the config)")
	headless := flag.Bool("headless", false, "Render to an in-memory screen and print it on exit")
	transcript := flag.String("transcript", "", "Also write console text, without escape codes, to this file")
	typeText := flag.String("type", "", `Text typed once the kernel is up; "\n" is Enter`)
	timeout := flag.Duration("timeout", 0, "Stop the machine after this long (0: no limit)")
	writeConfig := flag.String("write-config", "", "Write the effective machine description to this file and exit")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot the interrupt core on a simulated PC.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -disk boot.img\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -mode apic -headless -type 'dbg\\nqexit\\n'\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	fd := int(os.Stdin.Fd())
	raw := !*headless && term.IsTerminal(fd)

	var logOut io.Writer = os.Stderr
	if raw {
		logOut = &fixCrlf{w: os.Stderr}
	}
	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	c, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *mode != "" {
		c.Interrupts.Mode = strings.ToLower(*mode)
	}
	if *disk != "" {
		abs, err := filepath.Abs(*disk)
		if err != nil {
			return fmt.Errorf("disk path: %w", err)
		}
		if len(c.Disks) == 0 {
			c.Disks = append(c.Disks, config.DiskConfig{Channel: "primary", Drive: "master"})
		}
		c.Disks[0].Image = abs
	}
	if *transcript != "" {
		c.Console.Transcript = *transcript
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if *writeConfig != "" {
		return config.WriteTemplate(*writeConfig, c)
	}

	cfg, disks, err := sim.FromConfig(c)
	if err != nil {
		return err
	}
	defer disks.Close()

	var outputs []hw.TextOutput
	var virtual *screen.Virtual
	if *headless {
		virtual = screen.NewVirtual(c.Screen.Width, c.Screen.Height)
		defer virtual.Close()
		outputs = append(outputs, virtual)
	} else {
		outputs = append(outputs, screen.NewTerminal(os.Stdout, screen.WithRawMode(raw)))
	}
	if c.Console.Transcript != "" {
		f, err := os.Create(c.Console.Transcript)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		outputs = append(outputs, screen.NewTranscript(f))
	}
	cfg.Output = screen.Tee(outputs...)
	cfg.Logger = log

	m, err := sim.New(cfg)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if raw {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	if *typeText != "" {
		text := strings.ReplaceAll(*typeText, `\n`, "\n")
		go func() {
			if err := m.TypeText(ctx, text); err != nil && ctx.Err() == nil {
				log.Warn("Typing failed", "err", err)
			}
		}()
	}
	if !*headless {
		go pumpInput(ctx, m, os.Stdin, stop, log)
	}

	started := time.Now()
	err = m.Run(ctx)

	st := m.Stats()
	log.Debug("Machine stopped",
		"uptime", time.Since(started).Round(time.Millisecond),
		"ticks", st.Kernel.Ticks,
		"keys", st.Kernel.Keys,
		"dropped", st.Kernel.Dropped,
		"interrupts", st.CPU.Interrupts,
		"spurious", st.CPU.Spurious,
		"busFaults", st.BusFaults,
	)
	if virtual != nil {
		fmt.Println(virtual.Text())
	}
	return err
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(config.DefaultFilename); err == nil {
		return config.Load(config.DefaultFilename)
	}
	return config.Default(), nil
}

// pumpInput types host keystrokes into the machine. The reader is never
// interrupted; the goroutine ends with the process.
func pumpInput(ctx context.Context, m *sim.Machine, r io.Reader, stop func(), log *slog.Logger) {
	br := bufio.NewReader(r)
	for {
		ch, _, err := br.ReadRune()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("Reading input failed", "err", err)
			}
			return
		}
		switch ch {
		case escapeKey, 0x03:
			stop()
			return
		case '\r':
			ch = '\n'
		case 0x7f:
			ch = '\b'
		}
		if err := m.TypeText(ctx, string(ch)); err != nil {
			if ctx.Err() != nil || errors.Is(err, sim.ErrHalted) {
				return
			}
			log.Debug("Key not typed", "err", err)
		}
	}
}
