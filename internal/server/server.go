// Package server exposes the turn engine over HTTP: plain streaming chat,
// websocket chat, history reads, the consent callback, and runtime stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jackkroninger/agent-api/internal/agent"
	"github.com/jackkroninger/agent-api/internal/auth"
	"github.com/jackkroninger/agent-api/internal/llm"
	"github.com/jackkroninger/agent-api/internal/metrics"
	"github.com/jackkroninger/agent-api/internal/models"
)

// HistoryReader serves the read-only thread endpoints.
type HistoryReader interface {
	GetChat(ctx context.Context, threadID string, limit int) ([]models.Message, error)
	ListThreads(ctx context.Context) ([]string, error)
}

// ConsentCompleter finishes an out-of-band authorization round trip.
type ConsentCompleter interface {
	HandleCallback(ctx context.Context, state, code string) error
}

// Server is the HTTP surface. It holds no turn state of its own; sessions
// and serialization live in the agent package.
type Server struct {
	engine   *agent.Engine
	sessions *agent.Sessions
	history  HistoryReader
	consent  ConsentCompleter
	verifier auth.Verifier
	stats    *metrics.Collector
	version  string
	logger   *slog.Logger

	upgrader websocket.Upgrader
	http     *http.Server
}

// Config wires the server's collaborators.
type Config struct {
	Addr     string
	Engine   *agent.Engine
	Sessions *agent.Sessions
	History  HistoryReader
	Consent  ConsentCompleter
	Verifier auth.Verifier
	Stats    *metrics.Collector
	Version  string
	Logger   *slog.Logger
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:   cfg.Engine,
		sessions: cfg.Sessions,
		history:  cfg.History,
		consent:  cfg.Consent,
		verifier: cfg.Verifier,
		stats:    cfg.Stats,
		version:  cfg.Version,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.Handle("GET /chat", s.requireAuth(s.handleChat))
	mux.Handle("GET /ws/chat", s.requireAuth(s.handleChatWS))
	mux.Handle("GET /history", s.requireAuth(s.handleHistory))
	mux.Handle("GET /threads", s.requireAuth(s.handleThreads))
	mux.Handle("GET /stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /oauth2/callback", s.handleOAuthCallback)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.logging(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// handleChat streams one turn's text over a chunked plain-text response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		httpError(w, http.StatusBadRequest, "prompt query parameter is required")
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		threadID = uuid.NewString()
	}

	session, release, err := s.sessions.Acquire(r.Context(), threadID, userID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Thread-Id", threadID)

	flusher, _ := w.(http.Flusher)
	wrote := false
	turnCtx, cancelTurn := context.WithCancel(r.Context())
	events := s.engine.RunTurn(turnCtx, session, prompt)
	_, err = agent.Stream(turnCtx, events, func(_ context.Context, fragment string) error {
		if _, err := fmt.Fprint(w, fragment); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		wrote = true
		return nil
	})
	// Stop the engine if it is still running and wait for it to finish with
	// the session (rollback included) before freeing the thread. Releasing
	// earlier would let the next turn mutate the session concurrently.
	cancelTurn()
	for range events {
	}
	release()

	if err != nil {
		if wrote {
			// Headers are gone; the broken stream is all we can signal.
			s.logger.Warn("chat stream aborted", "thread_id", threadID, "error", err)
			return
		}
		if errors.Is(err, llm.ErrFatalAPI) {
			httpError(w, http.StatusBadGateway, "model rejected the request")
			return
		}
		httpError(w, http.StatusServiceUnavailable, "turn failed, retry shortly")
	}
}

// wsRequest is one turn request on a websocket chat connection.
type wsRequest struct {
	Prompt   string `json:"prompt"`
	ThreadID string `json:"thread_id"`
}

// wsFrame is one server-to-client websocket message.
type wsFrame struct {
	Type     string `json:"type"` // "text", "done", "error"
	Content  string `json:"content,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleChatWS runs turns over a websocket: one JSON request per turn,
// fragments streamed back as they arrive.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if req.Prompt == "" {
			_ = conn.WriteJSON(wsFrame{Type: "error", Error: "prompt is required"})
			continue
		}
		if req.ThreadID == "" {
			req.ThreadID = uuid.NewString()
		}

		if err := s.runTurnWS(r.Context(), conn, userID, req); err != nil {
			return
		}
	}
}

func (s *Server) runTurnWS(ctx context.Context, conn *websocket.Conn, userID string, req wsRequest) error {
	session, release, err := s.sessions.Acquire(ctx, req.ThreadID, userID)
	if err != nil {
		return conn.WriteJSON(wsFrame{Type: "error", ThreadID: req.ThreadID, Error: err.Error()})
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	events := s.engine.RunTurn(turnCtx, session, req.Prompt)
	_, err = agent.Stream(turnCtx, events, func(_ context.Context, fragment string) error {
		return conn.WriteJSON(wsFrame{Type: "text", Content: fragment, ThreadID: req.ThreadID})
	})
	cancelTurn()
	for range events {
	}
	release()

	if err != nil {
		s.logger.Warn("websocket turn failed", "thread_id", req.ThreadID, "error", err)
		return conn.WriteJSON(wsFrame{Type: "error", ThreadID: req.ThreadID, Error: "turn failed"})
	}
	return conn.WriteJSON(wsFrame{Type: "done", ThreadID: req.ThreadID})
}

// historyEntry is the wire shape of one logged message.
type historyEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// handleHistory returns a thread's messages oldest-first. num bounds the
// result to the most recent N; 0 or absent returns everything.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		httpError(w, http.StatusBadRequest, "thread_id query parameter is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("num"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 0 {
			httpError(w, http.StatusBadRequest, "num must be a non-negative integer")
			return
		}
	}

	msgs, err := s.history.GetChat(r.Context(), threadID, limit)
	if err != nil {
		s.logger.Error("history read failed", "thread_id", threadID, "error", err)
		httpError(w, http.StatusInternalServerError, "history read failed")
		return
	}

	entries := make([]historyEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = historyEntry{Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "messages": entries})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	ids, err := s.history.ListThreads(r.Context())
	if err != nil {
		s.logger.Error("thread list failed", "error", err)
		httpError(w, http.StatusInternalServerError, "thread list failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": ids})
}

// handleOAuthCallback completes a pending consent. The provider redirects
// the user's browser here; no bearer token is present, correlation is by
// the opaque state value alone.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httpError(w, http.StatusBadRequest, "state and code query parameters are required")
		return
	}

	if err := s.consent.HandleCallback(r.Context(), state, code); err != nil {
		if errors.Is(err, auth.ErrConsentMismatch) {
			httpError(w, http.StatusBadRequest, "unknown or expired authorization state")
			return
		}
		s.logger.Error("consent callback failed", "error", err)
		httpError(w, http.StatusBadGateway, "authorization could not be completed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><p>Authorization complete. You can close this window and retry your request.</p></body></html>")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, agent.ErrThreadOwned) {
		httpError(w, http.StatusForbidden, "thread belongs to another user")
		return
	}
	s.logger.Error("session acquire failed", "error", err)
	httpError(w, http.StatusInternalServerError, "session unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
