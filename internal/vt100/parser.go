// Package vt100 provides headless terminal emulation for screen state
// tracking.
//
// This wraps github.com/charmbracelet/x/vt which properly handles
// alternate screen buffer (CSI ?1049h/l), carriage return for in-place
// updates (spinners, progress bars), and full VT100/xterm-256color escape
// sequences. The daemon keeps one emulator per session so state detection
// sees rendered rows, not raw byte soup.
package vt100

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// Parser wraps the charmbracelet/x/vt terminal emulator.
type Parser struct {
	mu sync.Mutex

	// term is the underlying terminal emulator (thread-safe).
	term vt.Terminal

	// rows and cols are the terminal dimensions.
	rows, cols int
}

// New creates a parser with the specified dimensions.
func New(rows, cols int) *Parser {
	// SafeEmulator handles its own locking for writes
	return &Parser{
		term: vt.NewSafeEmulator(cols, rows),
		rows: rows,
		cols: cols,
	}
}

// Process feeds raw PTY bytes to the terminal emulator.
func (p *Parser) Process(data []byte) {
	p.term.Write(data)
}

// Size returns the current terminal dimensions.
func (p *Parser) Size() (rows, cols int) {
	return p.term.Height(), p.term.Width()
}

// SetSize resizes the emulator viewport.
func (p *Parser) SetSize(rows, cols int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rows = rows
	p.cols = cols
	p.term.Resize(cols, rows)
}

// CursorPosition returns the current cursor position (row, col).
func (p *Parser) CursorPosition() (row, col int) {
	pos := p.term.CursorPosition()
	return pos.Y, pos.X
}

// GetScreen returns the visible screen as plain-text lines, one per row,
// space-padded to the terminal width.
func (p *Parser) GetScreen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	lines := make([]string, p.rows)
	for y := 0; y < p.rows; y++ {
		var line []rune
		for x := 0; x < p.cols; x++ {
			cell := p.term.CellAt(x, y)
			if cell != nil && cell.Content != "" {
				// Content is a grapheme cluster, take its first rune
				runes := []rune(cell.Content)
				if len(runes) > 0 {
					line = append(line, runes[0])
					continue
				}
			}
			line = append(line, ' ')
		}
		lines[y] = string(line)
	}
	return lines
}

// TailRows returns up to n of the bottom screen rows with trailing
// whitespace trimmed. This is the detection window: agent CLIs draw
// their status affordances near the cursor at the bottom.
func (p *Parser) TailRows(n int) []string {
	rows := p.GetScreen()
	if n > 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = strings.TrimRight(r, " ")
	}
	return out
}

// GetScreenHash computes an FNV-1a hash of the screen content and cursor
// position, used to skip work when nothing changed between samples.
func (p *Parser) GetScreenHash() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := fnv.New64a()
	for y := 0; y < p.rows; y++ {
		for x := 0; x < p.cols; x++ {
			cell := p.term.CellAt(x, y)
			if cell != nil && cell.Content != "" {
				h.Write([]byte(cell.Content))
			}
		}
	}
	pos := p.term.CursorPosition()
	h.Write([]byte{byte(pos.Y), byte(pos.X)})
	return h.Sum64()
}

// GetContents returns the visible screen as a single newline-joined string.
func (p *Parser) GetContents() string {
	return strings.Join(p.GetScreen(), "\n")
}
