package history

import (
	"bytes"
	"strings"
	"testing"
)

func TestAppendAndSnapshot(t *testing.T) {
	r := NewRing(100)
	r.Append([]byte("hello "))
	r.Append([]byte("world"))

	got := string(r.Snapshot())
	if got != "hello world" {
		t.Errorf("Snapshot() = %q, want %q", got, "hello world")
	}
	if r.Bytes() != 11 {
		t.Errorf("Bytes() = %d, want 11", r.Bytes())
	}
	if r.Chunks() != 2 {
		t.Errorf("Chunks() = %d, want 2", r.Chunks())
	}
}

func TestEvictsWholeChunksFromHead(t *testing.T) {
	r := NewRing(10)
	r.Append([]byte("aaaa")) // 4
	r.Append([]byte("bbbb")) // 8
	r.Append([]byte("cccc")) // 12 -> evict "aaaa"

	got := string(r.Snapshot())
	if got != "bbbbcccc" {
		t.Errorf("Snapshot() = %q, want %q", got, "bbbbcccc")
	}
	if r.Bytes() != 8 {
		t.Errorf("Bytes() = %d, want 8", r.Bytes())
	}
}

func TestNeverSplitsChunks(t *testing.T) {
	r := NewRing(10)
	r.Append([]byte("aaaaaaa")) // 7
	r.Append([]byte("bbbbb"))   // 12 -> evict all of "aaaaaaa", not part

	got := string(r.Snapshot())
	if got != "bbbbb" {
		t.Errorf("Snapshot() = %q, want %q", got, "bbbbb")
	}
}

func TestOversizeChunkKeptAlone(t *testing.T) {
	r := NewRing(4)
	r.Append([]byte("ab"))
	r.Append([]byte("cdefgh")) // larger than cap, must survive whole

	got := string(r.Snapshot())
	if got != "cdefgh" {
		t.Errorf("Snapshot() = %q, want %q", got, "cdefgh")
	}
	if r.Chunks() != 1 {
		t.Errorf("Chunks() = %d, want 1", r.Chunks())
	}
}

func TestSnapshotIsSuffixOfFullOutput(t *testing.T) {
	r := NewRing(64)
	var full bytes.Buffer
	for i := 0; i < 50; i++ {
		chunk := []byte(strings.Repeat(string(rune('a'+i%26)), 7))
		full.Write(chunk)
		r.Append(chunk)
	}

	snap := r.Snapshot()
	if !bytes.HasSuffix(full.Bytes(), snap) {
		t.Errorf("Snapshot() = %q is not a suffix of the full output", snap)
	}
	if r.Bytes() > 64 {
		t.Errorf("Bytes() = %d, want <= cap 64", r.Bytes())
	}
}

func TestAppendCopiesChunk(t *testing.T) {
	r := NewRing(100)
	chunk := []byte("original")
	r.Append(chunk)
	copy(chunk, "MUTATED!")

	if got := string(r.Snapshot()); got != "original" {
		t.Errorf("Snapshot() = %q, want %q (caller mutation leaked)", got, "original")
	}
}

func TestIgnoresEmptyChunks(t *testing.T) {
	r := NewRing(100)
	r.Append(nil)
	r.Append([]byte{})

	if r.Chunks() != 0 {
		t.Errorf("Chunks() = %d, want 0", r.Chunks())
	}
}

func TestReset(t *testing.T) {
	r := NewRing(100)
	r.Append([]byte("data"))
	r.Reset()

	if r.Bytes() != 0 || r.Chunks() != 0 {
		t.Errorf("after Reset: Bytes() = %d, Chunks() = %d, want 0, 0", r.Bytes(), r.Chunks())
	}
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after Reset = %q, want empty", got)
	}
}

func TestDefaultCap(t *testing.T) {
	r := NewRing(0)
	if r.Cap() != DefaultCap {
		t.Errorf("Cap() = %d, want %d", r.Cap(), DefaultCap)
	}
}
