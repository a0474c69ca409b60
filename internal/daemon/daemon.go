// Package daemon wires the subsystems into one process: session
// registry, event bus, subscription broker, approval controller, hook
// runner, and the HTTP, SSH, and tailnet frontends.
//
// The daemon is the server.Controller: transports call in, sessions
// publish lifecycle events on the bus, and the daemon routes those to
// the broker (session_update frames) and the hook runner.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Helmi/cacd/internal/approval"
	"github.com/Helmi/cacd/internal/auth"
	"github.com/Helmi/cacd/internal/broker"
	"github.com/Helmi/cacd/internal/config"
	"github.com/Helmi/cacd/internal/detect"
	"github.com/Helmi/cacd/internal/events"
	"github.com/Helmi/cacd/internal/git"
	"github.com/Helmi/cacd/internal/hooks"
	"github.com/Helmi/cacd/internal/server"
	"github.com/Helmi/cacd/internal/session"
	"github.com/Helmi/cacd/internal/sshserver"
	"github.com/Helmi/cacd/internal/tailnet"
)

const shutdownTimeout = 5 * time.Second

// Daemon is the assembled control plane.
type Daemon struct {
	logger  *slog.Logger
	version string

	bus      *events.Bus
	registry *session.Registry
	broker   *broker.Broker
	hooks    *hooks.Runner
	rules    *approval.RuleVerifier
	approver *approval.Controller
	server   *server.Server
	unsub    func()

	mu       sync.Mutex
	cfg      *config.Config
	filters  map[string]*server.Filter // session id -> input response filter
	branches map[string]string         // session id -> git branch at creation

	closeOnce sync.Once
}

// New assembles a daemon from configuration. Nothing listens until Run.
func New(cfg *config.Config, version string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		logger:   logger,
		version:  version,
		cfg:      cfg,
		filters:  make(map[string]*server.Filter),
		branches: make(map[string]string),
	}

	d.bus = events.NewBus(logger.With("component", "events"))
	d.registry = session.NewRegistry()
	d.broker = broker.New(d.registry, logger.With("component", "broker"))
	d.hooks = hooks.NewRunner(cfg.Hooks.Commands(), logger.With("component", "hooks"))

	d.rules = approval.NewRuleVerifier(
		cfg.AutoApproval.AllowPatterns,
		cfg.AutoApproval.DenyPatterns,
		logger.With("component", "approval"),
	)
	chain := approval.Chain{d.rules}
	if cfg.AutoApproval.JudgeURL != "" {
		chain = append(chain, approval.NewJudgeVerifier(
			cfg.AutoApproval.JudgeURL,
			auth.LoadToken,
			logger.With("component", "judge"),
		))
	}
	d.approver = approval.NewController(approval.ControllerConfig{
		Verifier: chain,
		Enabled:  cfg.AutoApproval.Enabled,
		Timeout:  cfg.ApprovalTimeout(),
		Logger:   logger.With("component", "approval"),
	})

	d.server = server.New(server.Config{
		Controller:     d,
		Broker:         d.broker,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
		Logger:         logger.With("component", "http"),
	})

	d.unsub = d.bus.Subscribe(d.handleEvent)
	return d
}

// Server exposes the HTTP frontend, mainly so tests can mount its
// router without binding a port.
func (d *Daemon) Server() *server.Server {
	return d.server
}

// Broker exposes the subscription broker.
func (d *Daemon) Broker() *broker.Broker {
	return d.broker
}

func (d *Daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// CreateSession implements server.Controller. A missing name is derived
// from the worktree's repository, falling back to the directory name.
func (d *Daemon) CreateSession(ctx context.Context, req server.CreateSessionRequest) (session.Info, error) {
	cfg := d.config()

	if req.Cols < 0 || req.Cols > 1000 || req.Rows < 0 || req.Rows > 1000 {
		return session.Info{}, fmt.Errorf("%w: size %dx%d out of range", session.ErrInvalidArgument, req.Cols, req.Rows)
	}

	name := req.Name
	if name == "" && req.WorktreePath != "" {
		if repo, err := git.RepoName(req.WorktreePath); err == nil {
			name = filepath.Base(repo)
			if req.AgentID != "" {
				name += "-" + req.AgentID
			}
		}
	}

	sess, err := session.New(session.Spec{
		Name:         name,
		WorktreePath: req.WorktreePath,
		AgentID:      req.AgentID,
		Strategy:     req.Strategy,
		Command:      req.Command,
		Args:         req.Args,
		Cols:         uint16(req.Cols),
		Rows:         uint16(req.Rows),
	}, session.Options{
		Bus:            d.bus,
		Logger:         d.logger,
		Approver:       d.approver,
		HistoryCap:     cfg.HistoryCapBytes,
		SampleInterval: cfg.SampleInterval(),
		Dwell:          cfg.Dwell(),
		OnExit:         func(s *session.Session) { d.registry.Remove(s.ID) },
	})
	if err != nil {
		return session.Info{}, err
	}

	branch := ""
	if b, berr := git.CurrentBranch(sess.WorktreePath); berr == nil {
		branch = b
	}

	// Claude probes the terminal with cursor position requests, so its
	// sessions get the CPR debounce; everyone else gets plain stripping.
	// Debounced reports go out as replies, not input: an emulator answering
	// a probe must never cancel a pending approval.
	filter := server.NewFilter(sess.Strategy == detect.StrategyClaude, func(seq []byte) {
		_ = sess.WriteReply(seq)
	})

	d.mu.Lock()
	d.filters[sess.ID] = filter
	d.branches[sess.ID] = branch
	d.mu.Unlock()
	d.registry.Add(sess)

	if len(req.Hooks) > 0 {
		d.hooks.SetOverrides(sess.ID, req.Hooks)
	}

	// A child that dies instantly can be reaped before the bookkeeping
	// above lands, in which case the teardown path already ran against
	// empty tables. Unwind here so a dead session never lingers.
	select {
	case <-sess.Done():
		d.registry.Remove(sess.ID)
		d.hooks.DropOverrides(sess.ID)
		d.mu.Lock()
		delete(d.filters, sess.ID)
		delete(d.branches, sess.ID)
		d.mu.Unlock()
		filter.Close()
	default:
	}

	return d.infoFor(sess), nil
}

// StopSession implements server.Controller. Blocks until the child is
// reaped.
func (d *Daemon) StopSession(id string) error {
	sess, err := d.registry.Get(id)
	if err != nil {
		return err
	}
	sess.Stop()
	return nil
}

// ListSessions implements server.Controller.
func (d *Daemon) ListSessions() []session.Info {
	return d.registry.List()
}

// Snapshot implements server.Controller.
func (d *Daemon) Snapshot(id string) ([]byte, error) {
	sess, err := d.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

// Input implements server.Controller. Viewer bytes pass through the
// session's response filter first, so terminal auto-replies from the
// viewer's emulator never reach the child as phantom keystrokes. Input
// that was nothing but auto-replies is dropped entirely.
func (d *Daemon) Input(id string, data []byte) error {
	d.mu.Lock()
	filter := d.filters[id]
	d.mu.Unlock()

	if filter != nil {
		data = filter.Process(data)
		if len(data) == 0 {
			return nil
		}
	}
	return d.broker.Input(id, data)
}

// Resize implements server.Controller.
func (d *Daemon) Resize(id string, cols, rows int) error {
	return d.broker.Resize(id, cols, rows)
}

func (d *Daemon) infoFor(s *session.Session) session.Info {
	return session.Info{
		ID:           s.ID,
		Name:         s.Name,
		WorktreePath: s.WorktreePath,
		AgentID:      s.AgentID,
		Strategy:     s.Strategy,
		State:        string(s.State()),
		IsActive:     d.registry.ActiveID() == s.ID,
		CreatedAt:    s.CreatedAt,
	}
}

// handleEvent routes bus events to the broker and the hook runner. Runs
// on the bus dispatcher goroutine, so everything here must be quick.
func (d *Daemon) handleEvent(e events.Event) {
	switch ev := e.(type) {
	case events.SessionCreated:
		// Transitions only fire on change, so the initial busy state is
		// announced here.
		d.broker.BroadcastState(ev.ID, string(session.StateBusy))

	case events.SessionStateChanged:
		d.broker.BroadcastState(ev.ID, ev.State)
		d.fireHook(ev.ID, ev.State)

	case events.SessionDestroyed:
		d.broker.BroadcastState(ev.ID, string(session.StateExited))
		d.broker.SessionClosed(ev.ID)
		d.hooks.DropOverrides(ev.ID)

		d.mu.Lock()
		filter := d.filters[ev.ID]
		delete(d.filters, ev.ID)
		delete(d.branches, ev.ID)
		d.mu.Unlock()
		if filter != nil {
			filter.Close()
		}
	}
}

func (d *Daemon) fireHook(id, state string) {
	sess, err := d.registry.Get(id)
	if err != nil {
		return
	}
	d.mu.Lock()
	branch := d.branches[id]
	d.mu.Unlock()

	d.hooks.Fire(state, hooks.Meta{
		SessionID:   id,
		SessionName: sess.Name,
		Worktree:    sess.WorktreePath,
		Branch:      branch,
		AgentID:     sess.AgentID,
		State:       state,
	})
}

// applyConfig hot-applies a reloaded configuration. Listen addresses
// and the judge endpoint are fixed for the process lifetime.
func (d *Daemon) applyConfig(next *config.Config) {
	d.mu.Lock()
	prev := d.cfg
	d.cfg = next
	d.mu.Unlock()

	d.approver.SetEnabled(next.AutoApproval.Enabled)
	d.rules.SetRules(next.AutoApproval.AllowPatterns, next.AutoApproval.DenyPatterns)
	d.hooks.SetCommands(next.Hooks.Commands())

	d.logger.Info("config reloaded",
		"auto_approval", next.AutoApproval.Enabled,
		"sample_ms", next.SampleMs,
		"dwell_ms", next.DwellMs,
	)
	if next.Listen != prev.Listen {
		d.logger.Warn("listen address change requires a restart",
			"current", prev.Listen, "configured", next.Listen)
	}
	if next.AutoApproval.JudgeURL != prev.AutoApproval.JudgeURL {
		d.logger.Warn("judge_url change requires a restart")
	}
}

// Run serves until ctx is cancelled, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.config()

	httpLn, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	d.logger.Info("api listening", "addr", httpLn.Addr())

	var sshLn net.Listener
	if cfg.SSH.Enabled {
		sshLn, err = net.Listen("tcp", cfg.SSH.Listen)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", cfg.SSH.Listen, err)
		}
	}

	var (
		tn   *tailnet.Client
		tsLn net.Listener
	)
	if cfg.Tailscale.Enabled {
		tn, err = tailnet.New(cfg.Tailscale, d.logger.With("component", "tailnet"))
		if err == nil {
			err = tn.Start(ctx)
		}
		if err == nil {
			_, port, perr := net.SplitHostPort(cfg.Listen)
			if perr != nil {
				port = "8700"
			}
			tsLn, err = tn.Listen("tcp", ":"+port)
		}
		if err != nil {
			httpLn.Close()
			if sshLn != nil {
				sshLn.Close()
			}
			return fmt.Errorf("tailnet: %w", err)
		}
		d.logger.Info("api reachable on tailnet", "hostname", tn.Hostname(), "ips", tn.TailscaleIPs())
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.server.Serve(httpLn) })
	if tsLn != nil {
		g.Go(func() error { return d.server.Serve(tsLn) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutCtx)
	})

	if sshLn != nil {
		sshSrv := sshserver.New(sshLn, d.broker, d, d.logger.With("component", "ssh"))
		g.Go(func() error { return sshSrv.Serve(ctx) })
	}

	g.Go(func() error {
		return config.Watch(ctx, d.logger.With("component", "config"), d.applyConfig)
	})

	err = g.Wait()

	if tn != nil {
		tn.Close()
	}
	d.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close stops all sessions and the event bus. Run calls this on the way
// out; tests driving the daemon without Run call it directly.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		d.logger.Info("shutting down", "sessions", d.registry.Len())
		d.registry.StopAll()
		d.bus.Close()
		d.unsub()

		d.mu.Lock()
		filters := d.filters
		d.filters = make(map[string]*server.Filter)
		d.mu.Unlock()
		for _, f := range filters {
			f.Close()
		}
	})
}
