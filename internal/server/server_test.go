package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackkroninger/agent-api/internal/agent"
	"github.com/jackkroninger/agent-api/internal/auth"
	"github.com/jackkroninger/agent-api/internal/config"
	"github.com/jackkroninger/agent-api/internal/db"
	"github.com/jackkroninger/agent-api/internal/llm"
	"github.com/jackkroninger/agent-api/internal/metrics"
	"github.com/jackkroninger/agent-api/internal/models"
)

type echoModel struct{}

func (echoModel) Generate(ctx context.Context, history []models.Message, _ []llm.ToolDef, stream llm.StreamFunc) (*llm.Reply, error) {
	last := history[len(history)-1]
	text := "echo: " + last.Content
	if stream != nil {
		if err := stream(ctx, text); err != nil {
			return nil, err
		}
	}
	return &llm.Reply{Text: text}, nil
}

type noTools struct{}

func (noTools) Catalog() []llm.ToolDef { return nil }
func (noTools) Dispatch(context.Context, models.ToolCallRequest, string) (models.ToolResult, error) {
	return models.ToolResult{}, errors.New("no tools registered")
}

type nullLog struct{}

func (nullLog) AppendTurn(context.Context, string, ...models.Message) error { return nil }

type nullCkpt struct{}

func (nullCkpt) UpsertSessionCheckpoint(context.Context, string, string, time.Time) error {
	return nil
}

type emptySessionStore struct{}

func (emptySessionStore) GetSessionCheckpoint(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, db.ErrNotFound
}

func (emptySessionStore) GetChat(context.Context, string, int) ([]models.Message, error) {
	return nil, nil
}

type fakeHistory struct {
	msgs      []models.Message
	threads   []string
	lastLimit int
	err       error
}

func (h *fakeHistory) GetChat(_ context.Context, _ string, limit int) ([]models.Message, error) {
	h.lastLimit = limit
	return h.msgs, h.err
}

func (h *fakeHistory) ListThreads(context.Context) ([]string, error) {
	return h.threads, h.err
}

type fakeConsent struct {
	state, code string
	err         error
}

func (c *fakeConsent) HandleCallback(_ context.Context, state, code string) error {
	c.state, c.code = state, code
	return c.err
}

func newTestServer(t *testing.T, history *fakeHistory, consent *fakeConsent) *Server {
	t.Helper()
	return newTestServerWithModel(t, echoModel{}, history, consent)
}

func newTestServerWithModel(t *testing.T, model agent.Model, history *fakeHistory, consent *fakeConsent) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	engine := agent.NewEngine(model, noTools{}, nullLog{}, nullCkpt{}, nil, nil,
		config.AgentConfig{MaxToolIterations: 5, PersistTimeout: time.Second}, logger)
	sessions := agent.NewSessions(emptySessionStore{}, 0, logger)

	return New(Config{
		Addr:     ":0",
		Engine:   engine,
		Sessions: sessions,
		History:  history,
		Consent:  consent,
		Verifier: &auth.StaticVerifier{Token: "secret", UserID: "u1"},
		Stats:    metrics.NewCollector(),
		Version:  "test",
		Logger:   logger,
	})
}

func get(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})

	for _, path := range []string{"/chat?prompt=hi", "/history?thread_id=t1", "/threads", "/stats"} {
		t.Run(path, func(t *testing.T) {
			rec := get(t, srv.Handler(), path, "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			rec = get(t, srv.Handler(), path, "wrong")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestChatStreamsReply(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})

	rec := get(t, srv.Handler(), "/chat?prompt=hello&thread_id=t1", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo: hello", rec.Body.String())
	assert.Equal(t, "t1", rec.Header().Get("X-Thread-Id"))
}

func TestChatGeneratesThreadID(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})

	rec := get(t, srv.Handler(), "/chat?prompt=hello", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Thread-Id"))
}

type failingModel struct{ err error }

func (m failingModel) Generate(context.Context, []models.Message, []llm.ToolDef, llm.StreamFunc) (*llm.Reply, error) {
	return nil, m.err
}

func TestChatModelFailureStatusCodes(t *testing.T) {
	// Fatal provider rejections are not worth retrying; everything else is
	// reported as transient.
	srv := newTestServerWithModel(t,
		failingModel{err: fmt.Errorf("%w: invalid model id", llm.ErrFatalAPI)},
		&fakeHistory{}, &fakeConsent{})
	rec := get(t, srv.Handler(), "/chat?prompt=hi&thread_id=t1", "secret")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	srv = newTestServerWithModel(t,
		failingModel{err: errors.New("upstream timeout")},
		&fakeHistory{}, &fakeConsent{})
	rec = get(t, srv.Handler(), "/chat?prompt=hi&thread_id=t1", "secret")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatRequiresPrompt(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})

	rec := get(t, srv.Handler(), "/chat", "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	history := &fakeHistory{msgs: []models.Message{
		models.UserMessage("hi", now.Add(-time.Minute)),
		models.AssistantMessage("hello", now),
	}}
	srv := newTestServer(t, history, &fakeConsent{})

	rec := get(t, srv.Handler(), "/history?thread_id=t1&num=5", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.lastLimit)
	assert.Contains(t, rec.Body.String(), `"role":"user"`)
	assert.Contains(t, rec.Body.String(), `"content":"hello"`)
}

func TestHistoryValidation(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})

	rec := get(t, srv.Handler(), "/history", "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, srv.Handler(), "/history?thread_id=t1&num=abc", "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, srv.Handler(), "/history?thread_id=t1&num=-1", "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreadsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{threads: []string{"t2", "t1"}}, &fakeConsent{})

	rec := get(t, srv.Handler(), "/threads", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"threads":["t2","t1"]}`, rec.Body.String())
}

func TestOAuthCallback(t *testing.T) {
	consent := &fakeConsent{}
	srv := newTestServer(t, &fakeHistory{}, consent)

	rec := get(t, srv.Handler(), "/oauth2/callback?state=abc&code=xyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", consent.state)
	assert.Equal(t, "xyz", consent.code)
	assert.Contains(t, rec.Body.String(), "Authorization complete")
}

func TestOAuthCallbackValidation(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})

	rec := get(t, srv.Handler(), "/oauth2/callback?state=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	srv = newTestServer(t, &fakeHistory{}, &fakeConsent{err: auth.ErrConsentMismatch})
	rec = get(t, srv.Handler(), "/oauth2/callback?state=stale&code=xyz", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})

	rec := get(t, srv.Handler(), "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = get(t, srv.Handler(), "/stats", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uptime_seconds")
}

func TestWebsocketChat(t *testing.T) {
	srv := newTestServer(t, &fakeHistory{}, &fakeConsent{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	header := http.Header{"Authorization": {"Bearer secret"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteJSON(wsRequest{Prompt: "hello", ThreadID: "t1"}))

	var text strings.Builder
	for {
		var frame wsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == "error" {
			t.Fatalf("unexpected error frame: %s", frame.Error)
		}
		if frame.Type == "done" {
			break
		}
		text.WriteString(frame.Content)
	}
	assert.Equal(t, "echo: hello", text.String())
}
