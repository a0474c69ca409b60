// Package history retains the raw output of a session.
//
// Output arrives as PTY read chunks and is kept verbatim, oldest first,
// up to a total byte cap. Eviction removes whole chunks from the head so
// the retained bytes are always an exact suffix of everything the child
// ever wrote, starting on a chunk boundary.
package history

import "sync"

// DefaultCap is the default retention cap in bytes. At 80 columns this
// keeps several thousand rows of plain output.
const DefaultCap = 1 << 20

// Ring is a byte-capped list of output chunks.
type Ring struct {
	mu     sync.Mutex
	chunks [][]byte
	total  int
	cap    int
}

// NewRing creates a ring with the given byte cap. Non-positive caps fall
// back to DefaultCap.
func NewRing(capBytes int) *Ring {
	if capBytes <= 0 {
		capBytes = DefaultCap
	}
	return &Ring{cap: capBytes}
}

// Append copies chunk into the ring and evicts whole chunks from the
// head until the total fits the cap again. A single chunk larger than
// the cap is kept alone; chunks are never split. Empty chunks are
// ignored.
func (r *Ring) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	copied := make([]byte, len(chunk))
	copy(copied, chunk)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = append(r.chunks, copied)
	r.total += len(copied)
	for r.total > r.cap && len(r.chunks) > 1 {
		r.total -= len(r.chunks[0])
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
	}
}

// Snapshot returns the retained bytes as one concatenation.
func (r *Ring) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, 0, r.total)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

// Bytes returns the retained size in bytes.
func (r *Ring) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Chunks returns the number of retained chunks.
func (r *Ring) Chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Cap returns the configured byte cap.
func (r *Ring) Cap() int {
	return r.cap
}

// Reset drops all retained output.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = nil
	r.total = 0
}
