package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Helmi/cacd/internal/server"
	"github.com/Helmi/cacd/internal/session"
)

// detachKey is Ctrl-], the same key telnet uses.
const detachKey = 0x1d

// wsSender serializes writes to the WebSocket. Input, resize and
// unsubscribe events come from different goroutines.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) send(cmd server.ClientCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(cmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	id := args[0]

	base, err := apiBase(cmd)
	if err != nil {
		return err
	}
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return fmt.Errorf("attach requires a terminal")
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer conn.Close()

	sender := &wsSender{conn: conn}

	fmt.Printf("Attached to session %s. Press Ctrl-] to detach.\n", id)

	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer term.Restore(stdin, oldState)

	var (
		once    sync.Once
		done    = make(chan struct{})
		exitErr error
	)
	finish := func(err error) {
		once.Do(func() {
			exitErr = err
			close(done)
		})
	}

	// Render server frames. The snapshot arrives first, then live
	// output and state updates.
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				finish(fmt.Errorf("connection closed: %w", err))
				return
			}
			var msg server.ServerMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case server.MessageTerminalData:
				if msg.SessionID == id {
					os.Stdout.Write([]byte(msg.Data))
				}
			case server.MessageSessionUpdate:
				if msg.ID == id && msg.State == string(session.StateExited) {
					fmt.Printf("\r\n[session %s exited]\r\n", id)
					finish(nil)
					return
				}
			case server.MessageError:
				fmt.Fprintf(os.Stderr, "\r\n%s\r\n", msg.Message)
				finish(fmt.Errorf("%s", msg.Message))
				return
			}
		}
	}()

	if err := sender.send(server.ClientCommand{Type: server.EventSubscribe, SessionID: id}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if w, h, err := term.GetSize(stdin); err == nil {
		_ = sender.send(server.ClientCommand{Type: server.EventResize, SessionID: id, Cols: w, Rows: h})
	}

	// Follow local terminal resizes.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer func() {
		signal.Stop(winch)
		close(winch)
	}()
	go func() {
		for range winch {
			if w, h, err := term.GetSize(stdin); err == nil {
				_ = sender.send(server.ClientCommand{Type: server.EventResize, SessionID: id, Cols: w, Rows: h})
			}
		}
	}()

	// Forward keystrokes until the detach key shows up.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						_ = sender.send(server.ClientCommand{Type: server.EventInput, SessionID: id, Data: string(chunk[:i])})
					}
					fmt.Printf("\r\n[detached from %s]\r\n", id)
					finish(nil)
					return
				}
				if err := sender.send(server.ClientCommand{Type: server.EventInput, SessionID: id, Data: string(chunk)}); err != nil {
					finish(err)
					return
				}
			}
			if err != nil {
				finish(nil)
				return
			}
		}
	}()

	<-done
	_ = sender.send(server.ClientCommand{Type: server.EventUnsubscribe, SessionID: id})
	conn.Close()
	return exitErr
}
