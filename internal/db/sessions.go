package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// sessionRow is the stored per-thread checkpoint marker. Message history is
// not duplicated here; it lives in the turn log.
type sessionRow struct {
	ThreadID       string    `json:"thread_id"`
	UserID         string    `json:"user_id"`
	CheckpointedAt time.Time `json:"checkpointed_at"`
}

// GetSessionCheckpoint returns the stored user id and checkpoint marker for
// a thread, or ErrNotFound for a thread that has never checkpointed.
func (c *Client) GetSessionCheckpoint(ctx context.Context, threadID string) (userID string, checkpointedAt time.Time, err error) {
	results, err := surrealdb.Query[[]sessionRow](ctx, c.db, `
		SELECT * FROM type::thing("session", $thread_id)
	`, map[string]any{"thread_id": threadID})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get session: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return "", time.Time{}, ErrNotFound
	}
	row := (*results)[0].Result[0]
	return row.UserID, row.CheckpointedAt, nil
}

// UpsertSessionCheckpoint records the durable checkpoint for a thread after
// a turn completes. Idempotent; keyed by thread id.
func (c *Client) UpsertSessionCheckpoint(ctx context.Context, threadID, userID string, checkpointedAt time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::thing("session", $thread_id) CONTENT {
			thread_id: $thread_id,
			user_id: $user_id,
			checkpointed_at: <datetime> $checkpointed_at
		}
	`, map[string]any{
		"thread_id":       threadID,
		"user_id":         userID,
		"checkpointed_at": checkpointedAt,
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}
