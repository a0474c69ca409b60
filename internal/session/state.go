package session

import (
	"context"
	"strings"

	"github.com/Helmi/cacd/internal/detect"
	"github.com/Helmi/cacd/internal/events"
)

// State is the session's detected activity state, spelled exactly as it
// travels on the wire.
type State string

const (
	StateIdle            State = "idle"
	StateBusy            State = "busy"
	StateWaitingInput    State = "waiting_input"
	StatePendingApproval State = "pending_auto_approval"
)

// StateExited is the terminal marker broadcast once after teardown. It
// is a wire-only value: no live session ever holds it.
const StateExited State = "exited"

// State returns the current detected state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ApprovalFailed reports whether auto-approval is latched off until the
// next time the session leaves waiting_input.
func (s *Session) ApprovalFailed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.approvalFailed
}

// setStateLocked commits a transition and publishes it. Callers hold
// stateMu. Publish is non-blocking, so holding the lock here is what
// makes update and notification one atomic step.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	if s.state == StateWaitingInput && next != StateWaitingInput {
		// Leaving the prompt re-arms auto-approval for the next one.
		s.approvalFailed = false
	}
	s.logger.Debug("state", "from", string(s.state), "to", string(next))
	s.state = next
	if s.bus != nil {
		s.bus.Publish(events.SessionStateChanged{ID: s.ID, State: string(next)})
	}
}

// applyDetected commits a dwell-confirmed detector verdict. A verdict
// that lost the race against the approval controller is discarded.
func (s *Session) applyDetected(c detect.Candidate) {
	next := stateFromCandidate(c)

	s.stateMu.Lock()
	if s.closed || s.state == StatePendingApproval {
		s.stateMu.Unlock()
		return
	}
	if s.state == next {
		s.stateMu.Unlock()
		return
	}
	s.setStateLocked(next)
	notify := next == StateWaitingInput && !s.approvalFailed && s.approver != nil
	s.stateMu.Unlock()

	if notify {
		s.approver.Consider(s)
	}
}

func stateFromCandidate(c detect.Candidate) State {
	switch c {
	case detect.Busy:
		return StateBusy
	case detect.Waiting:
		return StateWaitingInput
	default:
		return StateIdle
	}
}

// BeginApproval attempts the waiting_input -> pending_auto_approval
// transition for the approval controller. It succeeds only while the
// session still waits for input, approval has not already failed for
// this prompt, and no verification is in flight. On success it returns
// the prompt text (the rendered screen tail) and a context that input
// injection or teardown cancels.
func (s *Session) BeginApproval() (text string, ctx context.Context, ok bool) {
	rows := s.TailRows(detect.WindowRows)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed || s.state != StateWaitingInput || s.approvalFailed || s.cancelVerify != nil {
		return "", nil, false
	}

	vctx, cancel := context.WithCancel(s.ctx)
	s.cancelVerify = cancel
	s.setStateLocked(StatePendingApproval)

	return strings.Join(rows, "\n"), vctx, true
}

// ResolveApprovalSafe finishes a pending approval the happy way: inject
// the answer directly at the PTY and force busy in the same locked step.
// The direct write bypasses WriteInput so the injection cannot cancel
// its own verification, and the forced busy keeps the detector from
// re-reading the still-rendered prompt as waiting_input and looping.
// Returns false if the approval was no longer pending.
func (s *Session) ResolveApprovalSafe(answer []byte) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed || s.state != StatePendingApproval {
		return false
	}

	if _, err := s.proc.Write(answer); err != nil {
		// Child is gone; teardown will finish the bookkeeping.
		s.logger.Debug("approval write after exit", "error", err)
		return false
	}

	s.cancelVerify = nil
	s.setStateLocked(StateBusy)
	return true
}

// ResolveApprovalDenied finishes a pending approval the conservative
// way: back to waiting_input with approval latched off so the prompt is
// left for a human. Covers needs-permission verdicts, verifier errors,
// and timeouts alike.
func (s *Session) ResolveApprovalDenied(reason string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state != StatePendingApproval {
		return false
	}

	s.logger.Info("auto-approval declined", "reason", reason)
	s.cancelVerify = nil
	s.approvalFailed = true
	s.setStateLocked(StateWaitingInput)
	return true
}

// detectTarget adapts the session to the sampler without widening the
// session's own API surface.
type detectTarget struct {
	s *Session
}

func (t detectTarget) Rows(n int) []string {
	return t.s.TailRows(n)
}

func (t detectTarget) ScreenHash() uint64 {
	return t.s.ScreenHash()
}

// Committed reports the candidate equivalent of the current state, with
// ok=false while detection is suspended (approval pending or session
// closed).
func (t detectTarget) Committed() (detect.Candidate, bool) {
	t.s.stateMu.Lock()
	defer t.s.stateMu.Unlock()

	if t.s.closed || t.s.state == StatePendingApproval {
		return detect.Idle, false
	}
	switch t.s.state {
	case StateBusy:
		return detect.Busy, true
	case StateWaitingInput:
		return detect.Waiting, true
	default:
		return detect.Idle, true
	}
}

func (t detectTarget) Commit(c detect.Candidate) {
	t.s.applyDetected(c)
}
