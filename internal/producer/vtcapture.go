package producer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
	"github.com/creack/pty"
)

// maxScrollbackLines bounds the ring of lines scrolled off the top of the
// pane, independent of the relay's own output-history ring (spec §4.1
// History retrieval covers emitted diff frames; this covers raw scrollback,
// read through vtCapturer.Scrollback() — no RPC command exposes it).
const maxScrollbackLines = 5000

// vtCapturer is the reference PaneCapturer: it spawns a local shell in a
// real PTY and feeds its bytes into a server-side virtual terminal to
// produce a rendered full-pane snapshot, the same technique as the
// teacher's internal/egg/vterm.go VTerm.
type vtCapturer struct {
	shell string
	cmd   *exec.Cmd
	ptmx  *os.File

	mu         sync.Mutex
	emu        *vt.Emulator
	cols       int
	rows       int
	altScreen  bool
	scrollback []string // ring buffer of rendered lines scrolled off the top
	sbHead     int
	sbLen      int
}

// NewVTCapturer creates a reference capturer that runs shell (or $SHELL if
// empty) in a cols×rows virtual terminal.
func NewVTCapturer(shell string, cols, rows int) *vtCapturer {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &vtCapturer{shell: shell, cols: cols, rows: rows}
}

func (c *vtCapturer) Start(ctx context.Context) error {
	c.mu.Lock()
	c.emu = vt.NewEmulator(c.cols, c.rows)
	c.scrollback = make([]string, maxScrollbackLines)
	c.emu.SetCallbacks(vt.Callbacks{
		// ScrollOut fires with mu already held, inside Write (grounded on the
		// teacher's internal/egg/vterm.go VTerm scrollback capture).
		ScrollOut: func(lines []uv.Line) {
			if c.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if c.sbLen == len(c.scrollback) {
					c.scrollback[c.sbHead] = ""
				}
				c.scrollback[c.sbHead] = rendered
				c.sbHead = (c.sbHead + 1) % len(c.scrollback)
				if c.sbLen < len(c.scrollback) {
					c.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range c.scrollback {
				c.scrollback[i] = ""
			}
			c.sbLen, c.sbHead = 0, 0
		},
		AltScreen: func(on bool) { c.altScreen = on },
	})
	c.mu.Unlock()

	c.cmd = exec.CommandContext(ctx, c.shell)
	ptmx, err := pty.StartWithSize(c.cmd, &pty.Winsize{Cols: uint16(c.cols), Rows: uint16(c.rows)})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	c.ptmx = ptmx

	go c.pump()
	return nil
}

func (c *vtCapturer) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.ptmx.Read(buf)
		if n > 0 {
			c.mu.Lock()
			_, _ = c.emu.Write(buf[:n])
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Snapshot renders the current grid plus a cursor-position escape; lines
// scrolled off the top are captured separately into Scrollback() rather
// than replayed here, since this capturer's consumer is a fresh-frame diff
// loop, not a reconnect payload.
func (c *vtCapturer) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emu == nil {
		return nil, fmt.Errorf("capturer not started")
	}
	var buf strings.Builder
	buf.WriteString("\x1b[H\x1b[2J")
	buf.WriteString(c.emu.Render())
	pos := c.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	return []byte(buf.String()), nil
}

// Scrollback returns up to maxScrollbackLines most-recently-scrolled pane
// lines, oldest first — a supplemental capability beyond the distilled
// spec's diff-frame history, grounded on the teacher's VTerm scrollback
// ring (internal/egg/vterm.go).
func (c *vtCapturer) Scrollback() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.sbLen)
	start := (c.sbHead - c.sbLen + len(c.scrollback)) % len(c.scrollback)
	for i := 0; i < c.sbLen; i++ {
		idx := (start + i) % len(c.scrollback)
		out = append(out, c.scrollback[idx])
	}
	return out
}

func (c *vtCapturer) Resize(cols, rows int) error {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	if c.emu != nil {
		c.emu.Resize(cols, rows)
	}
	c.mu.Unlock()
	if c.ptmx != nil {
		return pty.Setsize(c.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	}
	return nil
}

func (c *vtCapturer) Inject(data []byte) error {
	if c.ptmx == nil {
		return fmt.Errorf("capturer not started")
	}
	_, err := c.ptmx.Write(data)
	return err
}

// specialKeys maps the symbolic key names spec §4.2 names as examples
// (Enter, Tab, Up, C-c, ...) to the literal bytes a shell's line discipline
// or a raw-mode program expects.
var specialKeys = map[string][]byte{
	"Enter":     {'\r'},
	"Tab":       {'\t'},
	"Backspace": {0x7f},
	"Escape":    {0x1b},
	"Up":        []byte("\x1b[A"),
	"Down":      []byte("\x1b[B"),
	"Right":     []byte("\x1b[C"),
	"Left":      []byte("\x1b[D"),
	"C-c":       {0x03},
	"C-d":       {0x04},
	"C-z":       {0x1a},
}

func (c *vtCapturer) InjectSpecial(name string) error {
	bytes, ok := specialKeys[name]
	if !ok {
		return fmt.Errorf("unknown special key %q", name)
	}
	return c.Inject(bytes)
}

func (c *vtCapturer) Close() error {
	if c.ptmx != nil {
		_ = c.ptmx.Close()
	}
	c.mu.Lock()
	emu := c.emu
	c.mu.Unlock()
	if emu != nil {
		return emu.Close()
	}
	return nil
}
