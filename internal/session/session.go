// Package session supervises one agent CLI per session: the PTY child,
// the retained output history, the headless screen, subscriber fan-out,
// and the detected-state record every other component keys off.
//
// Output flows one way. The reader goroutine takes each PTY chunk and,
// under the output lock, appends it to history, feeds the screen
// emulator, and hands it to subscribers. Attach joins that path
// atomically: the returned snapshot ends exactly where the live chunks
// begin, so a late subscriber replays history without gaps or overlap.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Helmi/cacd/internal/detect"
	"github.com/Helmi/cacd/internal/events"
	"github.com/Helmi/cacd/internal/history"
	"github.com/Helmi/cacd/internal/pty"
	"github.com/Helmi/cacd/internal/vt100"
)

// Default initial window for freshly spawned sessions.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Approver is notified when a session settles into waiting_input and
// auto-approval is still eligible. Implementations re-validate
// eligibility via BeginApproval before doing anything.
type Approver interface {
	Consider(s *Session)
}

// Spec describes a session to create.
type Spec struct {
	// Name is a human label. Empty derives one from the worktree.
	Name string

	// WorktreePath is the working directory for the child. Must exist.
	WorktreePath string

	// AgentID identifies the agent CLI (claude, codex, ...).
	AgentID string

	// Strategy selects the state detection heuristics. Empty falls back
	// to AgentID, unknown names to generic.
	Strategy string

	// Command and Args form the child command line.
	Command string
	Args    []string

	// Cols and Rows override the default 80x24 initial window.
	Cols uint16
	Rows uint16
}

// Options carries the daemon-level collaborators and tunables.
type Options struct {
	Bus      *events.Bus
	Logger   *slog.Logger
	Approver Approver

	// HistoryCap bounds retained output bytes. Zero means the history
	// package default.
	HistoryCap int

	// SampleInterval and Dwell tune the detector. Zero means the detect
	// package defaults.
	SampleInterval time.Duration
	Dwell          time.Duration

	// Grace is the SIGTERM-to-SIGKILL window on stop.
	Grace time.Duration

	// OnExit runs after teardown completes, before SessionDestroyed is
	// published. The registry uses it to drop its entry.
	OnExit func(*Session)
}

// Session is one supervised agent CLI.
type Session struct {
	ID           string
	Name         string
	WorktreePath string
	AgentID      string
	Strategy     string
	Command      string
	Args         []string
	CreatedAt    time.Time

	proc    *pty.Proc
	history *history.Ring
	bus     *events.Bus
	logger  *slog.Logger

	approver Approver
	grace    time.Duration
	onExit   func(*Session)

	// outMu serializes the output path: history append, screen feed,
	// fan-out, attach, and screen replacement on resize.
	outMu   sync.Mutex
	screen  *vt100.Parser
	subs    map[uint64]func([]byte)
	nextSub uint64

	// stateMu guards the detected-state record and the approval fields.
	stateMu        sync.Mutex
	state          State
	approvalFailed bool
	cancelVerify   context.CancelFunc
	closed         bool

	// ctx cancels session-scoped goroutines (sampler, verifier).
	ctx    context.Context
	cancel context.CancelFunc

	finalOnce sync.Once
	exitCode  int
	exitSig   bool
}

// New validates spec, spawns the child in a PTY, and starts the reader,
// reaper, and detector goroutines. The session starts busy: agent CLIs
// boot noisily and the detector settles the truth within one dwell.
func New(spec Spec, opts Options) (*Session, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: command must not be empty", ErrInvalidArgument)
	}
	if spec.WorktreePath == "" {
		return nil, fmt.Errorf("%w: worktree path must not be empty", ErrInvalidArgument)
	}
	info, err := os.Stat(spec.WorktreePath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: worktree %q is not a directory", ErrInvalidArgument, spec.WorktreePath)
	}

	if spec.Cols == 0 {
		spec.Cols = DefaultCols
	}
	if spec.Rows == 0 {
		spec.Rows = DefaultRows
	}
	strategy := spec.Strategy
	if strategy == "" {
		strategy = spec.AgentID
	}
	if !detect.Known(strategy) {
		strategy = detect.StrategyGeneric
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	name := spec.Name
	if name == "" {
		name = deriveName(spec.WorktreePath, spec.AgentID)
	}

	proc, err := pty.Start(pty.SpawnConfig{
		Command: spec.Command,
		Args:    spec.Args,
		Dir:     spec.WorktreePath,
		Cols:    spec.Cols,
		Rows:    spec.Rows,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           id,
		Name:         name,
		WorktreePath: spec.WorktreePath,
		AgentID:      spec.AgentID,
		Strategy:     strategy,
		Command:      spec.Command,
		Args:         spec.Args,
		CreatedAt:    time.Now(),

		proc:    proc,
		history: history.NewRing(opts.HistoryCap),
		bus:     opts.Bus,
		logger:  logger.With("session", id[:8]),

		approver: opts.Approver,
		grace:    opts.Grace,
		onExit:   opts.OnExit,

		screen: vt100.New(int(spec.Rows), int(spec.Cols)),
		subs:   make(map[uint64]func([]byte)),

		state:  StateBusy,
		ctx:    ctx,
		cancel: cancel,
	}

	go s.readLoop()
	go s.reap()

	sampler := detect.NewSampler(detect.SamplerConfig{
		Target:   detectTarget{s},
		Classify: detect.ForStrategy(strategy),
		Interval: opts.SampleInterval,
		Dwell:    opts.Dwell,
		Logger:   s.logger,
	})
	go sampler.Run(ctx)

	s.logger.Info("session created",
		"name", name, "agent", spec.AgentID, "strategy", strategy,
		"command", spec.Command, "worktree", spec.WorktreePath, "pid", proc.Pid())
	if s.bus != nil {
		s.bus.Publish(events.SessionCreated{ID: id, Name: name, AgentID: spec.AgentID})
	}
	return s, nil
}

// deriveName labels a session after its worktree directory and agent.
func deriveName(worktree, agentID string) string {
	base := filepath.Base(strings.TrimRight(worktree, "/"))
	if agentID == "" {
		return base
	}
	return base + "-" + agentID
}

// readLoop pumps PTY output through the history, screen, and fan-out
// stages in that order, one chunk at a time.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.outMu.Lock()
			s.history.Append(chunk)
			s.screen.Process(chunk)
			for _, cb := range s.subs {
				cb(chunk)
			}
			s.outMu.Unlock()
		}
		if err != nil {
			// Child exit closes the slave side; the reaper owns cleanup.
			return
		}
	}
}

// reap waits for the child and finalizes the session, covering both
// requested stops and children exiting on their own.
func (s *Session) reap() {
	<-s.proc.Done()
	s.finalize()
}

func (s *Session) finalize() {
	s.finalOnce.Do(func() {
		code, sig := s.proc.ExitStatus()
		s.exitCode, s.exitSig = code, sig

		s.stateMu.Lock()
		s.closed = true
		if s.cancelVerify != nil {
			s.cancelVerify()
			s.cancelVerify = nil
		}
		s.stateMu.Unlock()

		s.cancel()
		s.proc.Close()

		s.logger.Info("session ended", "exit_code", code, "signaled", sig)
		if s.onExit != nil {
			s.onExit(s)
		}
		if s.bus != nil {
			s.bus.Publish(events.SessionDestroyed{ID: s.ID, ExitCode: code, Signaled: sig})
		}
	})
}

// Stop tears the session down: SIGTERM, grace, SIGKILL. Blocks until the
// child is reaped. Idempotent, and a no-op beyond cleanup if the child
// already exited.
func (s *Session) Stop() {
	s.proc.Stop(s.grace)
	s.finalize()
}

// Done closes once the session is fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// ExitStatus reports the child's exit once Done has closed.
func (s *Session) ExitStatus() (code int, signaled bool) {
	return s.proc.ExitStatus()
}

// WriteInput forwards raw bytes to the child verbatim. Input during a
// pending auto-approval cancels the in-flight verification first, so a
// human answer always outranks the machine's; the prompt is then latched
// against re-approval until the session leaves waiting_input. Writes
// after exit are silently ignored.
func (s *Session) WriteInput(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	s.stateMu.Lock()
	if s.cancelVerify != nil {
		s.cancelVerify()
		s.cancelVerify = nil
	}
	if s.state == StatePendingApproval {
		// The user reclaimed the prompt.
		s.approvalFailed = true
		s.setStateLocked(StateWaitingInput)
	}
	s.stateMu.Unlock()

	if _, err := s.proc.Write(data); err != nil {
		if err == pty.ErrClosed {
			s.logger.Debug("dropping input after exit", "bytes", len(data))
			return nil
		}
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// WriteReply forwards a terminal auto-reply, such as a debounced cursor
// position report, to the child. Unlike WriteInput this is not a human
// keystroke: it neither cancels an in-flight verification nor reclaims a
// pending approval. Writes after exit are silently ignored.
func (s *Session) WriteReply(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := s.proc.Write(data); err != nil {
		if err == pty.ErrClosed {
			return nil
		}
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Resize changes the PTY window and rebuilds the screen from retained
// history so detection sees properly reflowed rows. Resizes after exit
// are silently ignored.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 1000 || rows > 1000 {
		return fmt.Errorf("%w: resize %dx%d out of range", ErrInvalidArgument, cols, rows)
	}

	if err := s.proc.Resize(uint16(cols), uint16(rows)); err != nil {
		if err == pty.ErrClosed {
			s.logger.Debug("dropping resize after exit")
			return nil
		}
		return fmt.Errorf("resize pty: %w", err)
	}

	s.outMu.Lock()
	fresh := vt100.New(rows, cols)
	fresh.Process(s.history.Snapshot())
	s.screen = fresh
	s.outMu.Unlock()

	s.logger.Debug("resized", "cols", cols, "rows", rows)
	return nil
}

// Attach atomically snapshots retained history and subscribes cb to
// every subsequent output chunk. The snapshot ends exactly where cb's
// first chunk begins. cb runs on the reader goroutine and must not
// block; the returned cancel detaches it.
func (s *Session) Attach(cb func(chunk []byte)) (snapshot []byte, cancel func()) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	snapshot = s.history.Snapshot()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = cb

	return snapshot, func() {
		s.outMu.Lock()
		delete(s.subs, id)
		s.outMu.Unlock()
	}
}

// Snapshot returns the retained output without subscribing.
func (s *Session) Snapshot() []byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.history.Snapshot()
}

// SubscriberCount returns how many callbacks are attached.
func (s *Session) SubscriberCount() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.subs)
}

// TailRows returns the bottom n rendered screen rows.
func (s *Session) TailRows(n int) []string {
	s.outMu.Lock()
	screen := s.screen
	s.outMu.Unlock()
	return screen.TailRows(n)
}

// ScreenHash identifies the current rendered screen.
func (s *Session) ScreenHash() uint64 {
	s.outMu.Lock()
	screen := s.screen
	s.outMu.Unlock()
	return screen.GetScreenHash()
}

// ScreenContents returns the rendered screen as text, for debugging
// endpoints.
func (s *Session) ScreenContents() string {
	s.outMu.Lock()
	screen := s.screen
	s.outMu.Unlock()
	return screen.GetContents()
}
