package server

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// slowRequestThreshold is the duration above which requests are logged at
// WARN level. Streaming chat requests legitimately exceed it and are
// exempt.
const slowRequestThreshold = 100 * time.Millisecond

type contextKey string

const userIDKey contextKey = "user_id"

// userFrom returns the verified user id placed by requireAuth. Handlers
// behind the middleware can rely on it being non-empty.
func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// requireAuth verifies the bearer token and injects the resolved user id
// into the request context. There is no anonymous fallback.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.logger.Debug("token rejected", "path", r.URL.Path, "error", err)
			httpError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// logging wraps the router with request logging. Slow requests are logged
// at WARN level, except the streaming endpoints whose duration is bounded
// by the model, not the server.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
		}

		switch {
		case rec.status >= http.StatusInternalServerError:
			s.logger.Error("request failed", attrs...)
		case duration > slowRequestThreshold && !isStreamingPath(r.URL.Path):
			s.logger.Warn("slow request", attrs...)
		default:
			s.logger.Debug("request completed", attrs...)
		}
	})
}

func isStreamingPath(path string) bool {
	return path == "/chat" || path == "/ws/chat"
}
