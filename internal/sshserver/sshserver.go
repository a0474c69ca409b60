// Package sshserver exposes running sessions over SSH so any plain
// terminal can attach without the web client.
//
// ssh session-<id>@host attaches to that session; any other user name
// prints the session list. Attach goes through the subscription broker,
// so the scrollback snapshot always arrives before live output. The
// listener can be a local TCP socket or a tsnet listener, the server
// does not care which.
package sshserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/gliderlabs/ssh"

	"github.com/Helmi/cacd/internal/broker"
	"github.com/Helmi/cacd/internal/session"
)

const userPrefix = "session-"

// Controller is what an SSH attach needs from the daemon. Input and
// Resize route through the daemon so terminal response filtering
// applies to SSH clients the same as WebSocket ones.
type Controller interface {
	ListSessions() []session.Info
	Input(id string, data []byte) error
	Resize(id string, cols, rows int) error
}

// Server serves terminal attach over SSH.
type Server struct {
	listener   net.Listener
	broker     *broker.Broker
	controller Controller
	logger     *slog.Logger
}

// New creates an SSH server on the given listener.
func New(listener net.Listener, b *broker.Broker, controller Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listener:   listener,
		broker:     b,
		controller: controller,
		logger:     logger,
	}
}

// Serve accepts SSH connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	server := &ssh.Server{
		Handler: s.handleSession,
		PtyCallback: func(ctx ssh.Context, pty ssh.Pty) bool {
			return true
		},
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.logger.Info("ssh server listening", "addr", s.listener.Addr())

	// server.Serve generates the host key and installs the default
	// channel handlers; calling HandleConn directly would skip both.
	if err := server.Serve(s.listener); err != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return err
		}
	}
	return nil
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleSession(sess ssh.Session) {
	user := sess.User()
	s.logger.Info("ssh session started", "user", user)
	defer s.logger.Info("ssh session ended", "user", user)

	if id, ok := strings.CutPrefix(user, userPrefix); ok && id != "" {
		s.attach(sess, id)
		return
	}
	s.listSessions(sess)
}

func (s *Server) listSessions(sess ssh.Session) {
	infos := s.controller.ListSessions()
	if len(infos) == 0 {
		fmt.Fprintln(sess, "No active sessions")
		sess.Exit(0)
		return
	}

	fmt.Fprintln(sess, "Active sessions:")
	for _, info := range infos {
		fmt.Fprintf(sess, "  %s  %s  [%s]\n", info.ID, info.Name, info.State)
		fmt.Fprintf(sess, "      ssh %s%s@<hostname>\n", userPrefix, info.ID)
	}
	sess.Exit(0)
}

func (s *Server) attach(sess ssh.Session, id string) {
	ptyReq, winCh, isPty := sess.Pty()
	if !isPty {
		fmt.Fprintln(sess, "interactive attach needs a PTY, use ssh -t")
		sess.Exit(1)
		return
	}

	sub := s.broker.Connect()
	defer s.broker.Disconnect(sub)

	if err := s.broker.Join(sub, id); err != nil {
		fmt.Fprintf(sess, "unknown session %s\r\n", id)
		sess.Exit(1)
		return
	}

	// The viewer's window drives the PTY size from here on.
	if ptyReq.Window.Width > 0 && ptyReq.Window.Height > 0 {
		if err := s.controller.Resize(id, ptyReq.Window.Width, ptyReq.Window.Height); err != nil {
			s.logger.Warn("initial resize failed", "session", id, "error", err)
		}
	}
	go func() {
		for win := range winCh {
			if err := s.controller.Resize(id, win.Width, win.Height); err != nil {
				s.logger.Warn("resize failed", "session", id, "error", err)
			}
		}
	}()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	go func() {
		defer finish()
		for {
			select {
			case frame := <-sub.Frames():
				if frame.State != "" {
					if frame.SessionID == id && frame.State == string(session.StateExited) {
						fmt.Fprintf(sess, "\r\n[session %s exited]\r\n", id)
						return
					}
					continue
				}
				if _, err := sess.Write(frame.Data); err != nil {
					return
				}
			case <-sub.Done():
				return
			case <-sess.Context().Done():
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if werr := s.controller.Input(id, data); werr != nil {
					s.logger.Debug("ssh input rejected", "session", id, "error", werr)
				}
			}
			if err != nil {
				finish()
				return
			}
		}
	}()

	<-done
	sess.Exit(0)
}
