package models

import "time"

// Session is the per-thread working set: ordered message history, the
// owning user, and the last durable checkpoint marker. A session is created
// on the first turn for a thread and mutated at the start and end of every
// turn; it is never destroyed automatically.
type Session struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id"`
	History  []Message `json:"history"`

	// CheckpointedAt is the CreatedAt of the newest message covered by the
	// last durable checkpoint. Zero for a session that has never been
	// persisted.
	CheckpointedAt time.Time `json:"checkpointed_at"`
}

// Append adds a message to the in-memory history.
func (s *Session) Append(msg Message) {
	s.History = append(s.History, msg)
}

// Last returns the most recent message, or nil for an empty history.
func (s *Session) Last() *Message {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}
