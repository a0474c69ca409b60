// Package hooks runs user-configured shell commands when sessions
// change state.
//
// Hooks are fire-and-forget: output is discarded and callers never
// wait. For each (session, kind) pair at most one instance runs at a
// time; triggers that arrive while one is running collapse into a
// single rerun with the latest metadata.
package hooks

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Meta is the session context exported to a hook's environment.
type Meta struct {
	SessionID   string
	SessionName string
	Worktree    string
	Branch      string
	AgentID     string
	State       string
}

type runKey struct {
	sessionID string
	kind      string
}

type runState struct {
	rerun bool
	meta  Meta
}

// Runner resolves hook commands and executes them.
type Runner struct {
	logger *slog.Logger

	mu        sync.Mutex
	commands  map[string]string            // kind -> command
	overrides map[string]map[string]string // session id -> kind -> command
	running   map[runKey]*runState
}

// NewRunner creates a runner with the global kind -> command table.
func NewRunner(commands map[string]string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		logger:    logger,
		commands:  make(map[string]string),
		overrides: make(map[string]map[string]string),
		running:   make(map[runKey]*runState),
	}
	r.SetCommands(commands)
	return r
}

// SetCommands replaces the global command table. Used on config reload.
func (r *Runner) SetCommands(commands map[string]string) {
	next := make(map[string]string, len(commands))
	for kind, cmd := range commands {
		if cmd != "" {
			next[kind] = cmd
		}
	}
	r.mu.Lock()
	r.commands = next
	r.mu.Unlock()
}

// SetOverrides installs per-session commands that shadow the global
// table for that session.
func (r *Runner) SetOverrides(sessionID string, commands map[string]string) {
	next := make(map[string]string, len(commands))
	for kind, cmd := range commands {
		if cmd != "" {
			next[kind] = cmd
		}
	}
	r.mu.Lock()
	if len(next) == 0 {
		delete(r.overrides, sessionID)
	} else {
		r.overrides[sessionID] = next
	}
	r.mu.Unlock()
}

// DropOverrides forgets a session's overrides after it is destroyed.
func (r *Runner) DropOverrides(sessionID string) {
	r.mu.Lock()
	delete(r.overrides, sessionID)
	r.mu.Unlock()
}

func (r *Runner) commandFor(kind, sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if per, ok := r.overrides[sessionID]; ok {
		if cmd, ok := per[kind]; ok {
			return cmd
		}
	}
	return r.commands[kind]
}

// Fire triggers the hook for kind with the given session metadata.
// Returns immediately; the command runs in the background.
func (r *Runner) Fire(kind string, meta Meta) {
	command := r.commandFor(kind, meta.SessionID)
	if command == "" {
		return
	}

	key := runKey{sessionID: meta.SessionID, kind: kind}
	r.mu.Lock()
	if st, ok := r.running[key]; ok {
		st.rerun = true
		st.meta = meta
		r.mu.Unlock()
		return
	}
	r.running[key] = &runState{}
	r.mu.Unlock()

	go r.run(key, command, meta)
}

func (r *Runner) run(key runKey, command string, meta Meta) {
	for {
		r.exec(key.kind, command, meta)

		r.mu.Lock()
		st := r.running[key]
		if st == nil || !st.rerun {
			delete(r.running, key)
			r.mu.Unlock()
			return
		}
		st.rerun = false
		meta = st.meta
		r.mu.Unlock()

		// Re-resolve: config may have changed while we ran.
		command = r.commandFor(key.kind, key.sessionID)
		if command == "" {
			r.mu.Lock()
			delete(r.running, key)
			r.mu.Unlock()
			return
		}
	}
}

func (r *Runner) exec(kind, command string, meta Meta) {
	cmd := exec.Command("sh", "-c", command)
	if meta.Worktree != "" {
		cmd.Dir = meta.Worktree
	}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CACD_SESSION_ID=%s", meta.SessionID),
		fmt.Sprintf("CACD_SESSION_NAME=%s", meta.SessionName),
		fmt.Sprintf("CACD_WORKTREE=%s", meta.Worktree),
		fmt.Sprintf("CACD_BRANCH=%s", meta.Branch),
		fmt.Sprintf("CACD_AGENT_ID=%s", meta.AgentID),
		fmt.Sprintf("CACD_STATE=%s", meta.State),
	)

	if err := cmd.Run(); err != nil {
		r.logger.Warn("hook command failed", "kind", kind, "session", meta.SessionID, "error", err)
	}
}

// Running reports how many hook instances are currently executing.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
