package vt100

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	p := New(24, 80)

	rows, cols := p.Size()
	if rows != 24 {
		t.Errorf("rows = %d, want 24", rows)
	}
	if cols != 80 {
		t.Errorf("cols = %d, want 80", cols)
	}
}

func TestProcess(t *testing.T) {
	p := New(24, 80)

	p.Process([]byte("Hello, World!"))

	screen := p.GetScreen()
	if !strings.Contains(screen[0], "Hello, World!") {
		t.Errorf("screen[0] = %q, want to contain 'Hello, World!'", screen[0])
	}
}

func TestProcessMultipleLines(t *testing.T) {
	p := New(24, 80)

	p.Process([]byte("Line 1\r\nLine 2\r\nLine 3"))

	screen := p.GetScreen()
	if !strings.Contains(screen[0], "Line 1") {
		t.Errorf("screen[0] = %q, want to contain 'Line 1'", screen[0])
	}
	if !strings.Contains(screen[1], "Line 2") {
		t.Errorf("screen[1] = %q, want to contain 'Line 2'", screen[1])
	}
	if !strings.Contains(screen[2], "Line 3") {
		t.Errorf("screen[2] = %q, want to contain 'Line 3'", screen[2])
	}
}

func TestCarriageReturnOverwrites(t *testing.T) {
	p := New(24, 80)

	// Spinner-style in-place update
	p.Process([]byte("Working... 10%\rWorking... 99%"))

	screen := p.GetScreen()
	if !strings.Contains(screen[0], "Working... 99%") {
		t.Errorf("screen[0] = %q, want overwritten line", screen[0])
	}
	if strings.Contains(screen[0], "10%") {
		t.Errorf("screen[0] = %q, old content should be overwritten", screen[0])
	}
}

func TestSetSize(t *testing.T) {
	p := New(24, 80)
	p.SetSize(40, 120)

	rows, cols := p.Size()
	if rows != 40 {
		t.Errorf("rows = %d, want 40", rows)
	}
	if cols != 120 {
		t.Errorf("cols = %d, want 120", cols)
	}
}

func TestCursorPosition(t *testing.T) {
	p := New(24, 80)

	row, col := p.CursorPosition()
	if row != 0 {
		t.Errorf("initial row = %d, want 0", row)
	}
	if col != 0 {
		t.Errorf("initial col = %d, want 0", col)
	}

	p.Process([]byte("Hello"))
	row, col = p.CursorPosition()
	if col != 5 {
		t.Errorf("col after 'Hello' = %d, want 5", col)
	}
	_ = row
}

func TestCursorMovement(t *testing.T) {
	p := New(24, 80)

	// Move cursor to row 5, col 10 using ANSI sequence
	p.Process([]byte("\x1b[5;10H"))

	row, col := p.CursorPosition()
	if row != 4 { // 0-indexed
		t.Errorf("row = %d, want 4", row)
	}
	if col != 9 { // 0-indexed
		t.Errorf("col = %d, want 9", col)
	}
}

func TestTailRows(t *testing.T) {
	p := New(5, 20)
	p.Process([]byte("one\r\ntwo\r\nthree\r\nfour\r\nfive"))

	tail := p.TailRows(2)
	if len(tail) != 2 {
		t.Fatalf("TailRows(2) len = %d, want 2", len(tail))
	}
	if tail[0] != "four" {
		t.Errorf("tail[0] = %q, want %q", tail[0], "four")
	}
	if tail[1] != "five" {
		t.Errorf("tail[1] = %q, want %q", tail[1], "five")
	}
}

func TestTailRowsTrimsTrailingSpace(t *testing.T) {
	p := New(3, 10)
	p.Process([]byte("abc"))

	tail := p.TailRows(1)
	if len(tail) != 1 {
		t.Fatalf("TailRows(1) len = %d, want 1", len(tail))
	}
	if tail[0] != "" {
		t.Errorf("tail[0] = %q, want empty bottom row", tail[0])
	}
}

func TestTailRowsWindowLargerThanScreen(t *testing.T) {
	p := New(4, 20)
	p.Process([]byte("top"))

	tail := p.TailRows(50)
	if len(tail) != 4 {
		t.Errorf("TailRows(50) len = %d, want 4 (whole screen)", len(tail))
	}
	if tail[0] != "top" {
		t.Errorf("tail[0] = %q, want %q", tail[0], "top")
	}
}

func TestGetContents(t *testing.T) {
	p := New(24, 80)
	p.Process([]byte("Line 1\r\nLine 2"))

	contents := p.GetContents()
	if !strings.Contains(contents, "Line 1") {
		t.Errorf("contents should contain 'Line 1'")
	}
	if !strings.Contains(contents, "Line 2") {
		t.Errorf("contents should contain 'Line 2'")
	}
}

func TestGetScreenHash(t *testing.T) {
	p := New(24, 80)
	hash1 := p.GetScreenHash()

	p.Process([]byte("Some content"))
	hash2 := p.GetScreenHash()

	if hash1 == hash2 {
		t.Error("Hash should change after processing content")
	}
}

func TestGetScreenHashStable(t *testing.T) {
	p1 := New(24, 80)
	p2 := New(24, 80)

	p1.Process([]byte("Same content"))
	p2.Process([]byte("Same content"))

	hash1 := p1.GetScreenHash()
	hash2 := p2.GetScreenHash()

	if hash1 != hash2 {
		t.Error("Hash should be same for identical content")
	}
}

func TestANSIColors(t *testing.T) {
	p := New(24, 80)

	// Styled text still reads back as plain text
	p.Process([]byte("\x1b[31mRed text\x1b[0m"))

	screen := p.GetScreen()
	if !strings.Contains(screen[0], "Red text") {
		t.Errorf("screen should contain 'Red text'")
	}
}

func TestAlternateScreen(t *testing.T) {
	p := New(24, 80)

	p.Process([]byte("primary"))
	p.Process([]byte("\x1b[?1049h")) // enter alt screen
	p.Process([]byte("alternate"))

	screen := p.GetScreen()
	if !strings.Contains(strings.Join(screen, "\n"), "alternate") {
		t.Error("screen should show alternate buffer content")
	}
}
