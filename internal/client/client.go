// Package client provides the HTTP/websocket client for the agent server,
// used by the CLI.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jackkroninger/agent-api/internal/metrics"
)

// Client talks to one agent server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client.
// If baseURL is empty, uses AGENT_API_SERVER_URL or defaults to localhost:8686.
// The bearer token comes from token or the AGENT_API_TOKEN env var.
// Timeout can be configured via AGENT_API_CLIENT_TIMEOUT (default 10m, turns
// can be slow).
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("AGENT_API_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8686"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if token == "" {
		token = os.Getenv("AGENT_API_TOKEN")
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("AGENT_API_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, result any) error {
	resp, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Chat runs one turn and streams the reply through onFragment. It returns
// the thread id (server-assigned when threadID was empty) and the complete
// reply text.
func (c *Client) Chat(ctx context.Context, threadID, prompt string, onFragment func(fragment string) error) (string, string, error) {
	query := url.Values{"prompt": {prompt}}
	if threadID != "" {
		query.Set("thread_id", threadID)
	}

	resp, err := c.get(ctx, "/chat", query)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	threadID = resp.Header.Get("X-Thread-Id")

	var full strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			fragment := string(buf[:n])
			full.WriteString(fragment)
			if onFragment != nil {
				if cbErr := onFragment(fragment); cbErr != nil {
					return threadID, full.String(), cbErr
				}
			}
		}
		if err == io.EOF {
			return threadID, full.String(), nil
		}
		if err != nil {
			return threadID, full.String(), fmt.Errorf("read stream: %w", err)
		}
	}
}

// HistoryMessage is one logged message as served by /history.
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// History returns a thread's messages oldest-first. num 0 returns the full
// thread, num > 0 the most recent N.
func (c *Client) History(ctx context.Context, threadID string, num int) ([]HistoryMessage, error) {
	query := url.Values{"thread_id": {threadID}}
	if num > 0 {
		query.Set("num", strconv.Itoa(num))
	}

	var result struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, "/history", query, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// Threads lists known thread ids, most recently active first.
func (c *Client) Threads(ctx context.Context) ([]string, error) {
	var result struct {
		Threads []string `json:"threads"`
	}
	if err := c.getJSON(ctx, "/threads", nil, &result); err != nil {
		return nil, err
	}
	return result.Threads, nil
}

// Stats returns the server's runtime statistics snapshot.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.getJSON(ctx, "/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Health checks server liveness and returns the reported version.
func (c *Client) Health(ctx context.Context) (string, error) {
	var result struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/health", nil, &result); err != nil {
		return "", err
	}
	if result.Status != "ok" {
		return result.Version, fmt.Errorf("server reported status %q", result.Status)
	}
	return result.Version, nil
}

// wsRequest and wsFrame mirror the server's websocket chat protocol.
type wsRequest struct {
	Prompt   string `json:"prompt"`
	ThreadID string `json:"thread_id"`
}

type wsFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Conn is a persistent websocket chat connection carrying multiple turns.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a websocket chat connection.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	wsURL := c.baseURL + "/ws/chat"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return &Conn{ws: conn}, nil
}

// Chat runs one turn over the connection, streaming fragments through
// onFragment, and returns the thread id and full reply.
func (conn *Conn) Chat(ctx context.Context, threadID, prompt string, onFragment func(fragment string) error) (string, string, error) {
	if err := conn.ws.WriteJSON(wsRequest{Prompt: prompt, ThreadID: threadID}); err != nil {
		return threadID, "", fmt.Errorf("send turn request: %w", err)
	}

	var full strings.Builder
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.ws.SetReadDeadline(deadline)
		}

		var frame wsFrame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return threadID, full.String(), ctx.Err()
			}
			return threadID, full.String(), fmt.Errorf("read frame: %w", err)
		}
		if frame.ThreadID != "" {
			threadID = frame.ThreadID
		}

		switch frame.Type {
		case "text":
			full.WriteString(frame.Content)
			if onFragment != nil {
				if err := onFragment(frame.Content); err != nil {
					return threadID, full.String(), err
				}
			}
		case "done":
			return threadID, full.String(), nil
		case "error":
			return threadID, full.String(), fmt.Errorf("turn failed: %s", frame.Error)
		}
	}
}

// Close shuts the connection down.
func (conn *Conn) Close() error {
	_ = conn.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.ws.Close()
}
