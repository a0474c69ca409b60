// Package server exposes the daemon over HTTP and WebSocket.
//
// The REST surface manages session lifecycle; the WebSocket surface
// streams terminal bytes and state updates:
//   - POST /api/sessions            create a session
//   - GET /api/sessions             list sessions
//   - DELETE /api/sessions/{id}     stop a session
//   - GET /api/sessions/{id}/snapshot  retained output bytes
//   - POST /api/sessions/{id}/resize   change the window
//   - GET /api/status               daemon status
//   - GET /ws                       subscribe/input/resize event stream
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gobwas/glob"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Helmi/cacd/internal/broker"
	"github.com/Helmi/cacd/internal/session"
)

// CreateSessionRequest is the POST /api/sessions body.
type CreateSessionRequest struct {
	Name         string            `json:"name,omitempty"`
	WorktreePath string            `json:"worktreePath"`
	AgentID      string            `json:"agentId"`
	Strategy     string            `json:"strategy,omitempty"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Cols         int               `json:"cols,omitempty"`
	Rows         int               `json:"rows,omitempty"`
	Hooks        map[string]string `json:"hooks,omitempty"`
}

// ResizeRequest is the POST /api/sessions/{id}/resize body.
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// StatusResponse is the GET /api/status body.
type StatusResponse struct {
	Version     string `json:"version"`
	UptimeS     int64  `json:"uptime_s"`
	Sessions    int    `json:"sessions"`
	Subscribers int    `json:"subscribers"`
}

// Controller is what the transport needs from the daemon.
type Controller interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (session.Info, error)
	StopSession(id string) error
	ListSessions() []session.Info
	Snapshot(id string) ([]byte, error)
	Input(id string, data []byte) error
	Resize(id string, cols, rows int) error
}

// Config holds the server's collaborators.
type Config struct {
	Controller     Controller
	Broker         *broker.Broker
	AllowedOrigins []string
	Version        string
	Logger         *slog.Logger
}

// Server is the HTTP/WebSocket frontend.
type Server struct {
	controller Controller
	broker     *broker.Broker
	logger     *slog.Logger
	version    string
	started    time.Time

	allowedOrigins []glob.Glob
	upgrader       websocket.Upgrader
	httpServer     *http.Server
}

// New creates a server. Call Serve with a listener to start it.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		controller: cfg.Controller,
		broker:     cfg.Broker,
		logger:     logger,
		version:    cfg.Version,
		started:    time.Now(),
	}

	for _, origin := range cfg.AllowedOrigins {
		g, err := glob.Compile(origin)
		if err != nil {
			logger.Warn("invalid allowed origin, skipping", "origin", origin, "error", err)
			continue
		}
		s.allowedOrigins = append(s.allowedOrigins, g)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpServer = &http.Server{Handler: s.Router()}

	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware)
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/api/sessions", s.handleCreateSession).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{id}", s.handleStopSession).Methods(http.MethodDelete)
	router.HandleFunc("/api/sessions/{id}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{id}/resize", s.handleResize).Methods(http.MethodPost)
	router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	return router
}

// Serve accepts connections on l until Shutdown or a listener error.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("server listening", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// checkOrigin admits non-browser clients (no Origin header), localhost
// origins, and anything matching the configured origin patterns.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	for _, g := range s.allowedOrigins {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic in handler", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusInternalServerError, fmt.Errorf("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response code for request logging.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the wrapped writer so the WebSocket upgrade still
// works on routes behind the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	info, err := s.controller.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.controller.ListSessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.controller.StopSession(id); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snapshot, err := s.controller.Snapshot(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(snapshot)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.controller.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:     s.version,
		UptimeS:     int64(time.Since(s.started).Seconds()),
		Sessions:    len(s.controller.ListSessions()),
		Subscribers: s.broker.SubscriberCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn, s)
	go client.readPump()
	go client.writePump()
}

// statusForError maps daemon errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSpawnFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
