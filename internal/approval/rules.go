package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
)

// RuleVerifier answers from local glob patterns, the fast path that
// avoids a judge round trip for prompts the operator has already ruled
// on. Deny patterns win over allow patterns; a prompt matching neither
// is undecided.
type RuleVerifier struct {
	mu    sync.Mutex
	allow []compiledRule
	deny  []compiledRule

	logger *slog.Logger
}

type compiledRule struct {
	pattern string
	g       glob.Glob
}

// NewRuleVerifier compiles the given patterns. Invalid patterns are
// logged and skipped rather than failing the whole set.
func NewRuleVerifier(allow, deny []string, logger *slog.Logger) *RuleVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &RuleVerifier{logger: logger}
	v.SetRules(allow, deny)
	return v
}

// SetRules swaps the pattern sets at runtime (config reload).
func (v *RuleVerifier) SetRules(allow, deny []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allow = compileRules(allow, v.logger)
	v.deny = compileRules(deny, v.logger)
}

func compileRules(patterns []string, logger *slog.Logger) []compiledRule {
	out := make([]compiledRule, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			logger.Warn("skipping invalid approval pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, compiledRule{pattern: p, g: g})
	}
	return out
}

// Verify implements Verifier. Patterns are globbed against the whole
// prompt text, so most rules look like "*rm -rf*".
func (v *RuleVerifier) Verify(ctx context.Context, text string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, r := range v.deny {
		if r.g.Match(text) {
			return Decision{
				NeedsPermission: true,
				Reason:          fmt.Sprintf("matched deny pattern %q", r.pattern),
			}, nil
		}
	}
	for _, r := range v.allow {
		if r.g.Match(text) {
			return Decision{
				Reason: fmt.Sprintf("matched allow pattern %q", r.pattern),
			}, nil
		}
	}
	return Decision{}, ErrUndecided
}
