package server

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Helmi/cacd/internal/broker"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// wsClient couples one WebSocket connection to a broker subscriber.
type wsClient struct {
	conn   *websocket.Conn
	sub    *broker.Subscriber
	server *Server
	logger *slog.Logger

	// errs carries protocol error messages from the read side to the
	// single writer goroutine.
	errs chan ServerMessage
}

func newWSClient(conn *websocket.Conn, srv *Server) *wsClient {
	sub := srv.broker.Connect()
	return &wsClient{
		conn:   conn,
		sub:    sub,
		server: srv,
		logger: srv.logger.With("subscriber", sub.ID()[:8]),
		errs:   make(chan ServerMessage, 8),
	}
}

// readPump reads client commands until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.server.broker.Disconnect(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		cmd, err := ParseClientCommand(data)
		if err != nil {
			c.logger.Debug("invalid client command", "error", err)
			c.sendError("invalid command")
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *wsClient) handleCommand(cmd *ClientCommand) {
	switch cmd.Type {
	case EventSubscribe:
		if err := c.server.broker.Join(c.sub, cmd.SessionID); err != nil {
			c.logger.Debug("subscribe failed", "session", cmd.SessionID, "error", err)
			c.sendError("unknown session")
		}

	case EventUnsubscribe:
		c.server.broker.Leave(c.sub)

	case EventInput:
		if err := c.server.controller.Input(cmd.SessionID, []byte(cmd.Data)); err != nil {
			c.logger.Debug("input failed", "session", cmd.SessionID, "error", err)
		}

	case EventResize:
		if err := c.server.controller.Resize(cmd.SessionID, cmd.Cols, cmd.Rows); err != nil {
			c.logger.Debug("resize failed", "session", cmd.SessionID, "error", err)
		}

	default:
		c.logger.Debug("unknown command type", "type", cmd.Type)
		c.sendError("unknown command type")
	}
}

func (c *wsClient) sendError(msg string) {
	select {
	case c.errs <- ErrorMessage(msg):
	default:
	}
}

// writePump is the connection's only writer: broker frames, protocol
// errors and keepalive pings all funnel through it.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.sub.Frames():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			var msg ServerMessage
			if f.State != "" {
				msg = SessionUpdateMessage(f.SessionID, f.State)
			} else {
				msg = TerminalDataMessage(f.SessionID, f.Data)
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case msg := <-c.errs:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-c.sub.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
