package detect

import (
	"testing"
	"time"
)

// fakeTarget scripts the screen and records commits.
type fakeTarget struct {
	rows      []string
	hash      uint64
	committed Candidate
	suspended bool
	commits   []Candidate
}

func (f *fakeTarget) Rows(n int) []string { return f.rows }
func (f *fakeTarget) ScreenHash() uint64  { return f.hash }

func (f *fakeTarget) Committed() (Candidate, bool) {
	return f.committed, !f.suspended
}

func (f *fakeTarget) Commit(c Candidate) {
	f.commits = append(f.commits, c)
	f.committed = c
}

// show changes the scripted screen. The hash changes with it.
func (f *fakeTarget) show(row string) {
	f.rows = []string{row}
	f.hash++
}

// rowClassify maps the scripted row directly to a candidate.
func rowClassify(rows []string) Candidate {
	if len(rows) == 0 {
		return Idle
	}
	switch rows[0] {
	case "busy":
		return Busy
	case "waiting":
		return Waiting
	default:
		return Idle
	}
}

func newTestSampler(ft *fakeTarget) *Sampler {
	return NewSampler(SamplerConfig{
		Target:   ft,
		Classify: rowClassify,
		Interval: 100 * time.Millisecond,
		Dwell:    500 * time.Millisecond,
	})
}

func TestCommitAfterDwell(t *testing.T) {
	ft := &fakeTarget{committed: Busy}
	ft.show("waiting")
	s := newTestSampler(ft)

	base := time.Now()
	for i := 0; i <= 5; i++ {
		s.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	if len(ft.commits) != 1 {
		t.Fatalf("commits = %v, want exactly one", ft.commits)
	}
	if ft.commits[0] != Waiting {
		t.Errorf("committed %v, want %v", ft.commits[0], Waiting)
	}
}

func TestNoCommitBeforeDwell(t *testing.T) {
	ft := &fakeTarget{committed: Busy}
	ft.show("waiting")
	s := newTestSampler(ft)

	base := time.Now()
	for i := 0; i <= 4; i++ {
		s.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	if len(ft.commits) != 0 {
		t.Errorf("commits = %v, want none before dwell elapses", ft.commits)
	}
}

func TestFlappingNeverCommits(t *testing.T) {
	ft := &fakeTarget{committed: Idle}
	s := newTestSampler(ft)

	base := time.Now()
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			ft.show("busy")
		} else {
			ft.show("waiting")
		}
		s.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	if len(ft.commits) != 0 {
		t.Errorf("commits = %v, want none while the screen flaps", ft.commits)
	}
}

func TestReturnToCommittedClearsDwell(t *testing.T) {
	ft := &fakeTarget{committed: Busy}
	s := newTestSampler(ft)
	base := time.Now()

	ft.show("waiting")
	s.Tick(base)
	s.Tick(base.Add(200 * time.Millisecond))

	// Screen goes back to the committed state; pending must reset.
	ft.show("busy")
	s.Tick(base.Add(300 * time.Millisecond))

	// New waiting stretch has to earn a fresh dwell window.
	ft.show("waiting")
	s.Tick(base.Add(400 * time.Millisecond))
	s.Tick(base.Add(850 * time.Millisecond))
	if len(ft.commits) != 0 {
		t.Fatalf("commits = %v, want none 450ms into the fresh window", ft.commits)
	}

	s.Tick(base.Add(900 * time.Millisecond))
	if len(ft.commits) != 1 || ft.commits[0] != Waiting {
		t.Errorf("commits = %v, want [waiting_input]", ft.commits)
	}
}

func TestSuspendedProducesNoCommits(t *testing.T) {
	ft := &fakeTarget{committed: Busy, suspended: true}
	ft.show("waiting")
	s := newTestSampler(ft)

	base := time.Now()
	for i := 0; i < 10; i++ {
		s.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if len(ft.commits) != 0 {
		t.Fatalf("commits = %v, want none while suspended", ft.commits)
	}

	// Resuming must not inherit dwell accumulated during suspension.
	ft.suspended = false
	resume := base.Add(time.Second)
	s.Tick(resume)
	s.Tick(resume.Add(400 * time.Millisecond))
	if len(ft.commits) != 0 {
		t.Fatalf("commits = %v, want none before a fresh dwell", ft.commits)
	}
	s.Tick(resume.Add(500 * time.Millisecond))
	if len(ft.commits) != 1 {
		t.Errorf("commits = %v, want one after fresh dwell", ft.commits)
	}
}

func TestUnchangedScreenSkipsReclassification(t *testing.T) {
	calls := 0
	ft := &fakeTarget{committed: Idle}
	ft.show("idle")
	s := NewSampler(SamplerConfig{
		Target: ft,
		Classify: func(rows []string) Candidate {
			calls++
			return rowClassify(rows)
		},
		Interval: 100 * time.Millisecond,
		Dwell:    500 * time.Millisecond,
	})

	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if calls != 1 {
		t.Errorf("classify calls = %d, want 1 for an unchanged screen", calls)
	}

	ft.show("busy")
	s.Tick(base.Add(600 * time.Millisecond))
	if calls != 2 {
		t.Errorf("classify calls = %d, want 2 after the screen changed", calls)
	}
}

func TestDefaultsApplied(t *testing.T) {
	s := NewSampler(SamplerConfig{Target: &fakeTarget{}})
	if s.interval != DefaultSampleInterval {
		t.Errorf("interval = %v, want %v", s.interval, DefaultSampleInterval)
	}
	if s.dwell != DefaultDwell {
		t.Errorf("dwell = %v, want %v", s.dwell, DefaultDwell)
	}
	if s.window != WindowRows {
		t.Errorf("window = %d, want %d", s.window, WindowRows)
	}
}
