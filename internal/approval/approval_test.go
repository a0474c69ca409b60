package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedTarget plays the session's role in controller tests.
type scriptedTarget struct {
	mu         sync.Mutex
	beginOK    bool
	text       string
	ctx        context.Context
	cancel     context.CancelFunc
	beginCalls int

	resolved chan string // "safe" or "denied:<reason>"
}

func newScriptedTarget(text string, ok bool) *scriptedTarget {
	ctx, cancel := context.WithCancel(context.Background())
	return &scriptedTarget{
		beginOK:  ok,
		text:     text,
		ctx:      ctx,
		cancel:   cancel,
		resolved: make(chan string, 4),
	}
}

func (t *scriptedTarget) BeginApproval() (string, context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beginCalls++
	if !t.beginOK {
		return "", nil, false
	}
	return t.text, t.ctx, true
}

func (t *scriptedTarget) ResolveApprovalSafe(answer []byte) bool {
	t.resolved <- "safe:" + string(answer)
	return true
}

func (t *scriptedTarget) ResolveApprovalDenied(reason string) bool {
	t.resolved <- "denied:" + reason
	return true
}

func (t *scriptedTarget) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beginCalls
}

func waitResolved(t *testing.T, st *scriptedTarget) string {
	t.Helper()
	select {
	case r := <-st.resolved:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("approval never resolved")
		return ""
	}
}

func TestDisabledControllerNeverBegins(t *testing.T) {
	st := newScriptedTarget("Proceed? (y/n)", true)
	c := NewController(ControllerConfig{
		Verifier: StaticVerifier{},
		Enabled:  false,
	})

	c.consider(st)

	if st.calls() != 0 {
		t.Errorf("BeginApproval calls = %d, want 0 while disabled", st.calls())
	}
}

func TestSafeVerdictInjectsEnter(t *testing.T) {
	st := newScriptedTarget("Proceed? (y/n)", true)
	c := NewController(ControllerConfig{
		Verifier: StaticVerifier{Decision: Decision{Reason: "looks harmless"}},
		Enabled:  true,
	})

	c.consider(st)

	got := waitResolved(t, st)
	if got != "safe:\r" {
		t.Errorf("resolution = %q, want %q", got, "safe:\r")
	}
}

func TestNeedsPermissionDenies(t *testing.T) {
	st := newScriptedTarget("rm -rf / ? (y/n)", true)
	c := NewController(ControllerConfig{
		Verifier: StaticVerifier{Decision: Decision{NeedsPermission: true, Reason: "destructive"}},
		Enabled:  true,
	})

	c.consider(st)

	got := waitResolved(t, st)
	if got != "denied:destructive" {
		t.Errorf("resolution = %q, want %q", got, "denied:destructive")
	}
}

func TestVerifierErrorDenies(t *testing.T) {
	st := newScriptedTarget("Proceed?", true)
	c := NewController(ControllerConfig{
		Verifier: StaticVerifier{Err: errors.New("judge melted")},
		Enabled:  true,
	})

	c.consider(st)

	got := waitResolved(t, st)
	if !strings.HasPrefix(got, "denied:verifier failed") {
		t.Errorf("resolution = %q, want denied with verifier failure", got)
	}
}

func TestTimeoutDenies(t *testing.T) {
	st := newScriptedTarget("Proceed?", true)
	c := NewController(ControllerConfig{
		Verifier: StaticVerifier{Delay: time.Second},
		Enabled:  true,
		Timeout:  50 * time.Millisecond,
	})

	c.consider(st)

	got := waitResolved(t, st)
	if !strings.HasPrefix(got, "denied:verification timed out") {
		t.Errorf("resolution = %q, want denied with timeout", got)
	}
}

func TestUserCancellationResolvesNothing(t *testing.T) {
	st := newScriptedTarget("Proceed?", true)
	c := NewController(ControllerConfig{
		Verifier: StaticVerifier{Delay: time.Second},
		Enabled:  true,
	})

	c.consider(st)
	// The human answers first.
	st.cancel()

	select {
	case r := <-st.resolved:
		t.Errorf("got resolution %q, want none after user cancellation", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRefusedBeginSpawnsNothing(t *testing.T) {
	st := newScriptedTarget("", false)
	c := NewController(ControllerConfig{
		Verifier: StaticVerifier{},
		Enabled:  true,
	})

	c.consider(st)

	select {
	case r := <-st.resolved:
		t.Errorf("got resolution %q, want none when begin is refused", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetEnabled(t *testing.T) {
	c := NewController(ControllerConfig{Enabled: false})
	if c.Enabled() {
		t.Error("Enabled() = true, want false")
	}
	c.SetEnabled(true)
	if !c.Enabled() {
		t.Error("Enabled() = false, want true after SetEnabled")
	}
}

func TestChainFallsThroughUndecided(t *testing.T) {
	ch := Chain{
		undecided{},
		StaticVerifier{Decision: Decision{Reason: "second verifier"}},
	}

	d, err := ch.Verify(context.Background(), "Proceed?")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if d.NeedsPermission {
		t.Error("NeedsPermission = true, want false")
	}
	if d.Reason != "second verifier" {
		t.Errorf("Reason = %q, want %q", d.Reason, "second verifier")
	}
}

func TestChainAllUndecidedNeedsPermission(t *testing.T) {
	ch := Chain{undecided{}, undecided{}}

	d, err := ch.Verify(context.Background(), "Proceed?")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !d.NeedsPermission {
		t.Error("NeedsPermission = false, want true for a fully undecided chain")
	}
}

func TestChainStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	ch := Chain{
		StaticVerifier{Err: boom},
		StaticVerifier{Decision: Decision{Reason: "never reached"}},
	}

	_, err := ch.Verify(context.Background(), "Proceed?")
	if !errors.Is(err, boom) {
		t.Errorf("Verify() error = %v, want %v", err, boom)
	}
}
