// Package pty owns the pseudo-terminal side of a session.
//
// Each supervised agent CLI runs inside one Proc: a child process attached
// to a PTY master. The package handles spawning with an initial window
// size, raw I/O, resizing, and graceful teardown with signal escalation.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DefaultGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultGrace = 3 * time.Second

// ErrClosed is returned by Write and Resize after the PTY is closed.
// Callers that race against child exit treat it as a no-op.
var ErrClosed = errors.New("pty: closed")

// SpawnConfig holds everything needed to start a child in a PTY.
type SpawnConfig struct {
	// Command is the program to run.
	Command string

	// Args are the program arguments.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env are extra environment variables (key=value format),
	// appended to the daemon's environment.
	Env []string

	// Cols and Rows are the initial window size.
	Cols uint16
	Rows uint16
}

// Proc is a child process attached to a PTY master.
type Proc struct {
	file *os.File
	cmd  *exec.Cmd

	// mu guards file lifecycle and the stop sequence.
	mu       sync.Mutex
	closed   bool
	stopping bool

	// done closes once the child is reaped.
	done     chan struct{}
	exitCode int
	signaled bool

	logger *slog.Logger
}

// Start spawns cfg.Command in a new PTY with the given window size.
// TERM is forced to xterm-256color so agent CLIs render full-featured UIs.
func Start(cfg SpawnConfig, logger *slog.Logger) (*Proc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("pty: empty command")
	}
	if cfg.Cols == 0 || cfg.Rows == 0 {
		return nil, fmt.Errorf("pty: invalid window %dx%d", cfg.Cols, cfg.Rows)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: cfg.Rows,
		Cols: cfg.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", cfg.Command, err)
	}

	p := &Proc{
		file:   ptmx,
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.reap()

	logger.Debug("PTY spawned", "command", cfg.Command, "pid", cmd.Process.Pid, "dir", cfg.Dir)
	return p, nil
}

// reap waits for the child and records its exit status.
func (p *Proc) reap() {
	err := p.cmd.Wait()

	code := 0
	signaled := false
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					signaled = true
					code = 128 + int(ws.Signal())
				} else {
					code = ws.ExitStatus()
				}
			} else {
				code = exitErr.ExitCode()
			}
		} else {
			// Wait itself failed; treat as abnormal exit.
			code = -1
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.signaled = signaled
	p.mu.Unlock()
	close(p.done)
}

// Read reads raw output from the PTY master. The read unblocks with an
// error once the child exits and the slave side closes.
func (p *Proc) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

// Write forwards raw input bytes to the PTY master.
func (p *Proc) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	f := p.file
	p.mu.Unlock()
	return f.Write(b)
}

// Resize changes the PTY window size.
func (p *Proc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	f := p.file
	p.mu.Unlock()
	return pty.Setsize(f, &pty.Winsize{Rows: rows, Cols: cols})
}

// Pid returns the child process id, or 0 if it never started.
func (p *Proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done closes once the child has exited and been reaped.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the child has exited.
func (p *Proc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitStatus returns the child's exit code and whether it died from a
// signal. Only valid after Done has closed; signal deaths report
// 128+signal in the code.
func (p *Proc) ExitStatus() (code int, signaled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.signaled
}

// Stop terminates the child: SIGTERM, then SIGKILL after grace if it is
// still running. Blocks until the child is reaped and the PTY is closed.
// Safe to call multiple times and after the child exited on its own.
func (p *Proc) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGrace
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.stopping = true
	p.mu.Unlock()

	if !p.Exited() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Debug("SIGTERM failed", "pid", p.Pid(), "error", err)
		}
		select {
		case <-p.done:
		case <-time.After(grace):
			p.logger.Warn("child ignored SIGTERM, killing", "pid", p.Pid())
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Debug("SIGKILL failed", "pid", p.Pid(), "error", err)
			}
			<-p.done
		}
	}

	p.Close()
}

// Close closes the PTY master. Subsequent Write and Resize calls return
// ErrClosed; an in-flight Read unblocks with an error.
func (p *Proc) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}
