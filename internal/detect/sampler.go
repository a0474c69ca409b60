package detect

import (
	"context"
	"log/slog"
	"time"
)

// Default cadence and hysteresis. A sample every 100ms keeps detection
// under human latency; a candidate must hold for 500ms before it
// commits, which rides out spinner flicker and partial redraws.
const (
	DefaultSampleInterval = 100 * time.Millisecond
	DefaultDwell          = 500 * time.Millisecond
)

// Target is the session surface a Sampler drives. Implementations keep
// Commit atomic with their own state lock and may refuse a commit that
// lost a race with the approval controller.
type Target interface {
	// Rows returns up to n bottom rows of the rendered screen.
	Rows(n int) []string

	// ScreenHash identifies the current screen content. Equal hashes
	// let the sampler skip reclassification.
	ScreenHash() uint64

	// Committed returns the candidate equivalent of the current state.
	// ok is false while detection is suspended (approval in flight).
	Committed() (c Candidate, ok bool)

	// Commit applies a dwell-confirmed candidate.
	Commit(c Candidate)
}

// Sampler runs one strategy against one session on a fixed cadence with
// dwell hysteresis.
type Sampler struct {
	target   Target
	classify ClassifyFunc
	interval time.Duration
	dwell    time.Duration
	window   int

	// screen-hash classification cache
	seeded   bool
	lastHash uint64
	lastCand Candidate

	// dwell bookkeeping
	hasPending bool
	pending    Candidate
	pendingAt  time.Time

	logger *slog.Logger
}

// SamplerConfig configures a Sampler. Zero durations fall back to the
// defaults; zero Window falls back to WindowRows.
type SamplerConfig struct {
	Target   Target
	Classify ClassifyFunc
	Interval time.Duration
	Dwell    time.Duration
	Window   int
	Logger   *slog.Logger
}

// NewSampler creates a sampler. Call Run to start it.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.Dwell <= 0 {
		cfg.Dwell = DefaultDwell
	}
	if cfg.Window <= 0 {
		cfg.Window = WindowRows
	}
	if cfg.Classify == nil {
		cfg.Classify = classifyGeneric
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sampler{
		target:   cfg.Target,
		classify: cfg.Classify,
		interval: cfg.Interval,
		dwell:    cfg.Dwell,
		window:   cfg.Window,
		logger:   cfg.Logger,
	}
}

// Run ticks the sampler until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick performs one detector pass: classify the screen, track the dwell
// window, and commit a candidate that has held long enough. Run calls
// this on every ticker fire; tests call it directly with a synthetic
// clock.
func (s *Sampler) Tick(now time.Time) {
	committed, ok := s.target.Committed()
	if !ok {
		// Detection is suspended. Drop any half-dwelled candidate so a
		// stale verdict cannot commit the instant detection resumes.
		s.hasPending = false
		return
	}

	cand := s.observe()
	if cand == committed {
		s.hasPending = false
		return
	}

	if s.hasPending && cand == s.pending {
		if now.Sub(s.pendingAt) >= s.dwell {
			s.hasPending = false
			s.logger.Debug("state dwell satisfied", "candidate", cand.String())
			s.target.Commit(cand)
		}
		return
	}

	s.pending = cand
	s.pendingAt = now
	s.hasPending = true
}

// observe classifies the current screen, reusing the previous verdict
// when the screen has not changed.
func (s *Sampler) observe() Candidate {
	h := s.target.ScreenHash()
	if s.seeded && h == s.lastHash {
		return s.lastCand
	}
	cand := s.classify(s.target.Rows(s.window))
	s.seeded = true
	s.lastHash = h
	s.lastCand = cand
	return cand
}
