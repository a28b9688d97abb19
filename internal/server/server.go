// Package server exposes the agent pipeline over HTTP and streams session
// events over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"appforge/internal/agent"
	"appforge/internal/bus"
	"appforge/internal/fault"
	"appforge/internal/parse"
	"appforge/internal/project"
	"appforge/internal/sandbox"
)

// defaultOwner is the identity used when the caller sends no X-Owner-ID.
const defaultOwner = "anonymous"

// Sandboxer is the sandbox surface the server manages directly, beyond
// what flows through the agent.
type Sandboxer interface {
	sandbox.Runner
	Reinitialize(ctx context.Context) error
	SessionID() string
	Status() sandbox.Status
}

// Server is the HTTP gateway.
type Server struct {
	agent    *agent.Agent
	bus      *bus.Bus
	store    *project.Store
	sandbox  Sandboxer
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New builds the gateway.
func New(a *agent.Agent, b *bus.Bus, store *project.Store, sb Sandboxer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		agent:   a,
		bus:     b,
		store:   store,
		sandbox: sb,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The gateway sits behind the caller's own origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/chat", s.handleChat)
	mux.HandleFunc("POST /agent/generate-app", s.handleGenerateApp)
	mux.HandleFunc("POST /agent/debug", s.handleDebug)
	mux.HandleFunc("POST /agent/docs", s.handleDocs)
	mux.HandleFunc("POST /agent/tool", s.handleTool)
	mux.HandleFunc("POST /agent/browse", s.handleBrowse)
	mux.HandleFunc("GET /agent/events/{session}", s.handleEvents)
	mux.HandleFunc("GET /agent/status/{session}", s.handleStatus)
	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("GET /projects/{id}", s.handleGetProject)
	mux.HandleFunc("GET /sandbox/screenshot", s.handleScreenshot)
	mux.HandleFunc("POST /sandbox/reinit", s.handleReinit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.logged(mux)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func owner(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Owner-ID")); id != "" {
		return id
	}
	return defaultOwner
}

// sessionOf resolves the session id for a request, minting one when the
// caller did not supply it. The id is echoed back in every response.
func sessionOf(supplied string) string {
	if s := strings.TrimSpace(supplied); s != "" {
		return s
	}
	return uuid.NewString()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps fault kinds onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := fault.KindOf(err); ok {
		switch kind {
		case fault.KindValidation:
			status = http.StatusBadRequest
		case fault.KindBusy:
			status = http.StatusTooManyRequests
		case fault.KindConflict:
			status = http.StatusConflict
		case fault.KindTransient, fault.KindSandboxCrash:
			status = http.StatusServiceUnavailable
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"retryable": fault.Retryable(err),
	})
}

func decode(w http.ResponseWriter, r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fault.New(fault.KindValidation, "server.decode", fmt.Errorf("bad request body: %w", err))
	}
	return nil
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sessionID := sessionOf(req.SessionID)
	reply, err := s.agent.HandleChat(r.Context(), sessionID, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"reply":      reply,
	})
}

type generateAppRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	Description string `json:"description"`
}

func (s *Server) handleGenerateApp(w http.ResponseWriter, r *http.Request) {
	var req generateAppRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sessionID := sessionOf(req.SessionID)
	res, err := s.agent.HandleGenerateApp(r.Context(), sessionID, owner(r), req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}

	files := make([]map[string]string, len(res.Files))
	for i, f := range res.Files {
		files[i] = map[string]string{"path": f.Path, "content": f.Content}
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"project_id": res.Project.ID,
		"name":       res.Project.Name,
		"cached":     res.Cached,
		"files":      files,
	})
}

type debugRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	var req debugRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sessionID := sessionOf(req.SessionID)
	reply, err := s.agent.HandleDebug(r.Context(), sessionID, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"analysis":   reply,
	})
}

type docsRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Files     []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	var req docsRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	files := make([]parse.File, len(req.Files))
	for i, f := range req.Files {
		files[i] = parse.File{Path: f.Path, Content: f.Content}
	}
	sessionID := sessionOf(req.SessionID)
	reply, err := s.agent.HandleDocs(r.Context(), sessionID, files)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    sessionID,
		"documentation": reply,
	})
}

type toolRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sessionID := sessionOf(req.SessionID)
	output, err := s.agent.HandleToolAction(r.Context(), sessionID, req.Tool, req.Args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"output":     output,
	})
}

type browseRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Task      string `json:"task"`
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	var req browseRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sessionID := sessionOf(req.SessionID)
	summary, err := s.agent.HandleBrowseTask(r.Context(), sessionID, req.Task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"summary":    summary,
	})
}

// handleEvents streams a session's ordered events over WebSocket.
// ?from_seq=N replays the retained history from N before going live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if sessionID == "" {
		s.writeError(w, fault.Newf(fault.KindValidation, "server.events", "missing session id"))
		return
	}

	var opts []bus.Option
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, fault.Newf(fault.KindValidation, "server.events", "bad from_seq: %s", raw))
			return
		}
		opts = append(opts, bus.FromSeq(from))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(sessionID, opts...)
	defer sub.Cancel()

	// Reader goroutine: the client sends nothing meaningful, but reads
	// are required to notice disconnects and service pong frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				reason := "session closed"
				if sub.Lagged() {
					reason = "subscriber lagged, reconnect with from_seq to resync"
				}
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event write failed, dropping subscriber",
					zap.String("session", sessionID), zap.Error(err))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleStatus reports whether the session is mid-task: the busy flag is
// a pure projection of the last event type.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	last, ok := s.bus.LastEvent(sessionID)
	body := map[string]any{
		"session_id": sessionID,
		"busy":       ok && bus.Thinking(last),
	}
	if ok {
		body["last_seq"] = last.Seq
		body["last_type"] = string(last.Type)
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context(), owner(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleGetProject returns a project with the latest version of each of
// its files.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	proj, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.sandbox.Screenshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleReinit(w http.ResponseWriter, r *http.Request) {
	if err := s.sandbox.Reinitialize(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sandbox_session": s.sandbox.SessionID(),
		"status":          string(s.sandbox.Status()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
