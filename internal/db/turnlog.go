// Package db provides SurrealDB query functions for the turn log,
// credential store, and session checkpoints.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackkroninger/agent-api/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// chatRow is the stored shape of one turn-log message.
type chatRow struct {
	ThreadID   string    `json:"thread_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r chatRow) message() models.Message {
	return models.Message{
		Role:       models.Role(r.Role),
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
		CreatedAt:  r.CreatedAt,
	}
}

// AppendMessage appends one message to a thread's log.
func (c *Client) AppendMessage(ctx context.Context, threadID string, msg models.Message) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE chat_message CONTENT {
			thread_id: $thread_id,
			role: $role,
			content: $content,
			tool_call_id: $tool_call_id,
			tool_name: $tool_name,
			created_at: <datetime> $created_at
		}
	`, map[string]any{
		"thread_id":    threadID,
		"role":         string(msg.Role),
		"content":      msg.Content,
		"tool_call_id": msg.ToolCallID,
		"tool_name":    msg.ToolName,
		"created_at":   msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// AppendTurn appends a completed exchange (user message plus final assistant
// message) in order. Appends are independent; a partial failure leaves the
// earlier rows in place, matching append-only semantics.
func (c *Client) AppendTurn(ctx context.Context, threadID string, msgs ...models.Message) error {
	for _, msg := range msgs {
		if err := c.AppendMessage(ctx, threadID, msg); err != nil {
			return err
		}
	}
	return nil
}

// GetChat returns a thread's messages. limit 0 means all messages
// oldest-first; limit > 0 means the most recent N, still returned
// oldest-first.
func (c *Client) GetChat(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	var (
		results *[]surrealdb.QueryResult[[]chatRow]
		err     error
	)

	if limit > 0 {
		results, err = surrealdb.Query[[]chatRow](ctx, c.db, `
			SELECT * FROM chat_message
			WHERE thread_id = $thread_id
			ORDER BY created_at DESC
			LIMIT $limit
		`, map[string]any{"thread_id": threadID, "limit": limit})
	} else {
		results, err = surrealdb.Query[[]chatRow](ctx, c.db, `
			SELECT * FROM chat_message
			WHERE thread_id = $thread_id
			ORDER BY created_at ASC
		`, map[string]any{"thread_id": threadID})
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}

	var rows []chatRow
	if results != nil && len(*results) > 0 {
		rows = (*results)[0].Result
	}

	msgs := make([]models.Message, len(rows))
	if limit > 0 {
		// Rows arrive newest-first; reverse for oldest-first.
		for i, row := range rows {
			msgs[len(rows)-1-i] = row.message()
		}
	} else {
		for i, row := range rows {
			msgs[i] = row.message()
		}
	}
	return msgs, nil
}

// ListThreads returns the distinct thread ids with messages, most recently
// active first.
func (c *Client) ListThreads(ctx context.Context) ([]string, error) {
	type threadRow struct {
		ThreadID string    `json:"thread_id"`
		Latest   time.Time `json:"latest"`
	}

	results, err := surrealdb.Query[[]threadRow](ctx, c.db, `
		SELECT thread_id, math::max(created_at) AS latest FROM chat_message
		GROUP BY thread_id ORDER BY latest DESC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	var ids []string
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			ids = append(ids, row.ThreadID)
		}
	}
	return ids, nil
}
