package server

import (
	"sync"
	"time"
)

// cprDebounce is the quiet window for collapsing duplicate cursor
// position reports from multiple attached terminals.
const cprDebounce = 100 * time.Millisecond

// Filter strips terminal query responses from a session's input stream.
//
// Agent CLIs probe their terminal with device queries (device
// attributes, status reports, cursor position). Every attached
// terminal answers, so with N viewers the child would read N copies of
// each response. The filter removes device attribute, status and mode
// reports outright. Cursor position reports are either forwarded
// verbatim or, when debouncing is on, collapsed so only the last
// report in a quiet window reaches the child.
//
// A response split across two input messages passes through
// unfiltered; real terminals write responses in a single burst.
type Filter struct {
	debounceCPR bool
	emit        func([]byte)

	mu      sync.Mutex
	pending []byte
	timer   *time.Timer
}

// NewFilter creates a filter. When debounceCPR is set, captured cursor
// position reports are delivered through emit after the debounce
// window.
func NewFilter(debounceCPR bool, emit func([]byte)) *Filter {
	return &Filter{debounceCPR: debounceCPR, emit: emit}
}

// Process returns data with terminal responses removed. Debounced
// cursor position reports surface later through the emit callback.
func (f *Filter) Process(data []byte) []byte {
	out := make([]byte, 0, len(data))

	i := 0
	for i < len(data) {
		// Check for CSI sequence start: ESC [
		if data[i] == 0x1b && i+1 < len(data) && data[i+1] == '[' {
			end, final := scanCSI(data, i+2)
			if end != -1 {
				seq := data[i : end+1]
				body := data[i+2 : end]

				switch {
				case isDeviceAttributes(final, body),
					isStatusReport(final, body),
					isModeReport(final, body):
					// Dropped: the headless screen never asked.

				case final == 'R':
					if f.debounceCPR {
						f.capture(seq)
					} else {
						out = append(out, seq...)
					}

				default:
					out = append(out, seq...)
				}

				i = end + 1
				continue
			}
		}

		out = append(out, data[i])
		i++
	}

	return out
}

// Close drops any pending cursor position report.
func (f *Filter) Close() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.pending = nil
	f.mu.Unlock()
}

// capture remembers the latest cursor position report and (re)arms the
// debounce timer. Last report wins.
func (f *Filter) capture(seq []byte) {
	cp := append([]byte(nil), seq...)

	f.mu.Lock()
	f.pending = cp
	if f.timer == nil {
		f.timer = time.AfterFunc(cprDebounce, f.flush)
	} else {
		f.timer.Reset(cprDebounce)
	}
	f.mu.Unlock()
}

func (f *Filter) flush() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.timer = nil
	f.mu.Unlock()

	if len(pending) > 0 && f.emit != nil {
		f.emit(pending)
	}
}

// scanCSI finds the final byte of a CSI sequence whose parameters
// start at data[start]. Returns the final byte's index, or -1 when the
// sequence is unterminated or malformed in this chunk.
func scanCSI(data []byte, start int) (int, byte) {
	for j := start; j < len(data); j++ {
		b := data[j]
		if b >= 0x40 && b <= 0x7e {
			return j, b
		}
		// Parameter bytes 0x30-0x3f, intermediate bytes 0x20-0x2f.
		if b < 0x20 || b > 0x3f {
			return -1, 0
		}
	}
	return -1, 0
}

// isDeviceAttributes matches primary (ESC[?...c) and secondary
// (ESC[>...c) device attribute responses.
func isDeviceAttributes(final byte, body []byte) bool {
	if final != 'c' || len(body) == 0 {
		return false
	}
	return body[0] == '?' || body[0] == '>'
}

// isStatusReport matches device status reports: ESC[0n (ready),
// ESC[3n (malfunction) and DEC-private ESC[?...n reports.
func isStatusReport(final byte, body []byte) bool {
	if final != 'n' || len(body) == 0 {
		return false
	}
	if body[0] == '?' {
		return true
	}
	return len(body) == 1 && (body[0] == '0' || body[0] == '3')
}

// isModeReport matches DECRPM mode reports: ESC[?<mode>;<value>$y.
func isModeReport(final byte, body []byte) bool {
	if final != 'y' || len(body) < 2 {
		return false
	}
	return body[0] == '?' && body[len(body)-1] == '$'
}
