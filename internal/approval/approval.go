// Package approval decides whether a prompt an agent CLI is showing can
// be answered automatically.
//
// The controller owns the pending_auto_approval window: it asks the
// session to enter it, runs a verifier against the prompt text, and
// resolves with either an injected Enter or a hand-back to the human.
// Everything conservative lands on the human: verifier errors, timeouts,
// and undecided chains all surface the prompt instead of answering it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Helmi/cacd/internal/session"
)

// DefaultTimeout caps one verification round trip.
const DefaultTimeout = 30 * time.Second

// enterKey is the injected answer for a safe prompt.
var enterKey = []byte("\r")

// ErrUndecided is returned by a verifier that has no opinion, letting a
// Chain fall through to the next one.
var ErrUndecided = errors.New("verifier undecided")

// Decision is a verifier verdict.
type Decision struct {
	// NeedsPermission means a human has to answer this prompt.
	NeedsPermission bool

	// Reason explains the verdict for logs and hooks.
	Reason string
}

// Verifier judges a prompt. Implementations must honor ctx: the daemon
// cancels verification the moment a human answers first.
type Verifier interface {
	Verify(ctx context.Context, text string) (Decision, error)
}

// target is the session surface the controller drives, split out so
// tests can script it.
type target interface {
	BeginApproval() (text string, ctx context.Context, ok bool)
	ResolveApprovalSafe(answer []byte) bool
	ResolveApprovalDenied(reason string) bool
}

// Controller runs verifications for sessions that settle into
// waiting_input.
type Controller struct {
	verifier Verifier
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	enabled bool
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Verifier Verifier
	Enabled  bool

	// Timeout caps one verification. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewController creates a controller. A nil verifier behaves as a
// permanently undecided one.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = undecided{}
	}
	return &Controller{
		verifier: cfg.Verifier,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		enabled:  cfg.Enabled,
	}
}

// Enabled reports whether auto-approval runs at all.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled flips the feature at runtime (config reload). Disabling
// does not touch verifications already in flight; sessions resolve those
// normally.
func (c *Controller) SetEnabled(v bool) {
	c.mu.Lock()
	c.enabled = v
	c.mu.Unlock()
}

// Consider implements session.Approver: called when a session enters
// waiting_input with approval still eligible.
func (c *Controller) Consider(s *session.Session) {
	c.consider(s)
}

func (c *Controller) consider(t target) {
	if !c.Enabled() {
		return
	}
	text, ctx, ok := t.BeginApproval()
	if !ok {
		return
	}
	go c.verify(t, text, ctx)
}

// verify runs one verification and resolves the pending approval. The
// session guarantees at most one of these per session at a time.
func (c *Controller) verify(t target, text string, ctx context.Context) {
	vctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	decision, err := c.verifier.Verify(vctx, text)

	if ctx.Err() != nil {
		// A human answered first or the session is gone. The session
		// already moved on; resolving now would race a dead window.
		c.logger.Debug("verification cancelled", "cause", ctx.Err())
		return
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || vctx.Err() == context.DeadlineExceeded:
		t.ResolveApprovalDenied(fmt.Sprintf("verification timed out after %s", c.timeout))
	case err != nil:
		t.ResolveApprovalDenied(fmt.Sprintf("verifier failed: %v", err))
	case decision.NeedsPermission:
		reason := decision.Reason
		if reason == "" {
			reason = "verifier requires human permission"
		}
		t.ResolveApprovalDenied(reason)
	default:
		if t.ResolveApprovalSafe(enterKey) {
			c.logger.Info("auto-approved prompt", "reason", decision.Reason)
		}
	}
}

// undecided is the nil-verifier stand-in.
type undecided struct{}

func (undecided) Verify(ctx context.Context, text string) (Decision, error) {
	return Decision{}, ErrUndecided
}

// Chain tries verifiers in order, falling through on ErrUndecided. A
// fully undecided chain requires permission.
type Chain []Verifier

// Verify implements Verifier.
func (ch Chain) Verify(ctx context.Context, text string) (Decision, error) {
	for _, v := range ch {
		d, err := v.Verify(ctx, text)
		if errors.Is(err, ErrUndecided) {
			continue
		}
		return d, err
	}
	return Decision{NeedsPermission: true, Reason: "no verifier decided"}, nil
}
