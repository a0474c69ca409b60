// Package detect classifies what an agent CLI is doing from its rendered
// screen.
//
// Each supported agent gets a strategy: a pure function over the bottom
// rows of the visible screen that answers idle, busy, or waiting for
// input. Strategies never see raw bytes or timing; the Sampler owns
// cadence and hysteresis. Heuristics live entirely in this package so a
// misbehaving pattern is a one-file fix with a fixture test.
package detect

import "strings"

// WindowRows is how many bottom screen rows a strategy inspects. Agent
// CLIs draw their status affordances near the cursor, so the tail of the
// screen carries the signal.
const WindowRows = 50

// Candidate is a strategy verdict. It deliberately excludes the
// approval-pending state, which only the approval controller can enter.
type Candidate int

const (
	Idle Candidate = iota
	Busy
	Waiting
)

// String returns the wire spelling of the candidate.
func (c Candidate) String() string {
	switch c {
	case Busy:
		return "busy"
	case Waiting:
		return "waiting_input"
	default:
		return "idle"
	}
}

// ClassifyFunc inspects the tail of the visible screen, newest row last.
type ClassifyFunc func(rows []string) Candidate

// Known strategy names, as stored in session specs.
const (
	StrategyClaude  = "claude"
	StrategyCodex   = "codex"
	StrategyGemini  = "gemini"
	StrategyPi      = "pi"
	StrategyCursor  = "cursor"
	StrategyDroid   = "droid"
	StrategyGeneric = "generic"
)

// strategies maps names to classifiers. Unknown names fall back to
// generic.
var strategies = map[string]ClassifyFunc{
	StrategyClaude:  classifyClaude,
	StrategyCodex:   classifyCodex,
	StrategyGemini:  classifyGemini,
	StrategyPi:      classifyPi,
	StrategyCursor:  classifyCursor,
	StrategyDroid:   classifyDroid,
	StrategyGeneric: classifyGeneric,
}

// ForStrategy returns the classifier registered under name, or the
// generic classifier for unknown names.
func ForStrategy(name string) ClassifyFunc {
	if fn, ok := strategies[name]; ok {
		return fn
	}
	return classifyGeneric
}

// Known reports whether name is a registered strategy.
func Known(name string) bool {
	_, ok := strategies[name]
	return ok
}

// Strategies returns the registered strategy names, generic last.
func Strategies() []string {
	return []string{
		StrategyClaude, StrategyCodex, StrategyGemini,
		StrategyPi, StrategyCursor, StrategyDroid,
		StrategyGeneric,
	}
}

// containsAny reports whether any row contains any of the substrings,
// scanning bottom-up so the newest output wins ties.
func containsAny(rows []string, subs []string) bool {
	for i := len(rows) - 1; i >= 0; i-- {
		for _, s := range subs {
			if strings.Contains(rows[i], s) {
				return true
			}
		}
	}
	return false
}

// lastNonEmpty returns the bottom-most row with visible content.
func lastNonEmpty(rows []string) string {
	for i := len(rows) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(rows[i]); t != "" {
			return t
		}
	}
	return ""
}

// promptGlyphs are shell-style prompt terminators for the generic
// strategy.
var promptGlyphs = []rune{'$', '%', '#', '>', '❯', ':', '?'}

// endsWithPromptGlyph reports whether line looks like a prompt awaiting
// input.
func endsWithPromptGlyph(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	runes := []rune(line)
	last := runes[len(runes)-1]
	for _, g := range promptGlyphs {
		if last == g {
			return true
		}
	}
	return false
}

// --- Claude Code ---

var claudeWaiting = []string{
	"Do you want",
	"Would you like",
	"(y/n)",
	"(Y/n)",
	"❯ 1.",
	"│ ❯",
	"Press Enter to continue",
	"tab to amend",
}

var claudeBusy = []string{
	"esc to interrupt",
	"ctrl+b to run in background",
}

// claudeSpinners are the glyphs Claude Code animates while working.
var claudeSpinners = "✻✽✶✢·✳*+"

func classifyClaude(rows []string) Candidate {
	// Permission prompts outrank the spinner: both can be on screen when
	// a confirmation interrupts a running task.
	if containsAny(rows, claudeWaiting) {
		return Waiting
	}
	if containsAny(rows, claudeBusy) {
		return Busy
	}
	for i := len(rows) - 1; i >= 0; i-- {
		t := strings.TrimSpace(rows[i])
		if t == "" {
			continue
		}
		if strings.ContainsRune(claudeSpinners, []rune(t)[0]) && strings.Contains(t, "…") {
			return Busy
		}
	}
	return Idle
}

// --- OpenAI Codex CLI ---

var codexWaiting = []string{
	"Allow command?",
	"Approve this",
	"Yes (y)",
	"y/N",
	"1. Yes",
	"press enter to approve",
}

var codexBusy = []string{
	"Esc to interrupt",
	"Working",
	"Thinking",
}

func classifyCodex(rows []string) Candidate {
	if containsAny(rows, codexWaiting) {
		return Waiting
	}
	if containsAny(rows, codexBusy) {
		return Busy
	}
	return Idle
}

// --- Google Gemini CLI ---

var geminiWaiting = []string{
	"Apply this change?",
	"Allow execution",
	"Yes, allow",
	"(Y/n)",
	"1. Yes",
}

var geminiBusy = []string{
	"esc to cancel",
	"Loading",
	"(esc to",
}

// geminiSpinners are braille-animation frames.
var geminiSpinners = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏"

func classifyGemini(rows []string) Candidate {
	if containsAny(rows, geminiWaiting) {
		return Waiting
	}
	if containsAny(rows, geminiBusy) {
		return Busy
	}
	for i := len(rows) - 1; i >= 0; i-- {
		t := strings.TrimSpace(rows[i])
		if t == "" {
			continue
		}
		if strings.ContainsRune(geminiSpinners, []rune(t)[0]) {
			return Busy
		}
	}
	return Idle
}

// --- Pi coding agent ---

var piWaiting = []string{
	"(y/n)",
	"[y/N]",
	"[Y/n]",
	"Continue?",
	"Proceed?",
}

var piBusy = []string{
	"working",
	"ctrl+c to cancel",
}

func classifyPi(rows []string) Candidate {
	if containsAny(rows, piWaiting) {
		return Waiting
	}
	if containsAny(rows, piBusy) {
		return Busy
	}
	if endsWithPromptGlyph(lastNonEmpty(rows)) {
		return Waiting
	}
	return Idle
}

// --- Cursor agent CLI ---

var cursorWaiting = []string{
	"Accept",
	"Reject",
	"(y/n)",
	"Run this command?",
}

var cursorBusy = []string{
	"Generating",
	"Thinking",
	"esc to stop",
}

func classifyCursor(rows []string) Candidate {
	if containsAny(rows, cursorWaiting) {
		return Waiting
	}
	if containsAny(rows, cursorBusy) {
		return Busy
	}
	return Idle
}

// --- Factory droid CLI ---

var droidWaiting = []string{
	"Allow",
	"Proceed?",
	"(y/n)",
	"approve",
}

var droidBusy = []string{
	"Working",
	"Running",
	"esc to interrupt",
}

func classifyDroid(rows []string) Candidate {
	if containsAny(rows, droidWaiting) {
		return Waiting
	}
	if containsAny(rows, droidBusy) {
		return Busy
	}
	return Idle
}

// --- Generic fallback ---

// classifyGeneric covers plain shells and unknown CLIs: a trailing
// prompt glyph means the program wants input, anything else reads as
// idle. It never reports busy, so unknown agents lean on the caller's
// own judgement.
func classifyGeneric(rows []string) Candidate {
	if endsWithPromptGlyph(lastNonEmpty(rows)) {
		return Waiting
	}
	return Idle
}
