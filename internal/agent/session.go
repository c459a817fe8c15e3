package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackkroninger/agent-api/internal/db"
	"github.com/jackkroninger/agent-api/internal/models"
)

// ErrThreadOwned is returned when a user addresses a thread created by a
// different user.
var ErrThreadOwned = errors.New("thread belongs to another user")

// SessionStore reads durable session state for load-or-seed.
type SessionStore interface {
	GetSessionCheckpoint(ctx context.Context, threadID string) (userID string, checkpointedAt time.Time, err error)
	GetChat(ctx context.Context, threadID string, limit int) ([]models.Message, error)
}

// Sessions owns the in-memory working set per thread and serializes turns:
// at most one turn runs on a thread at a time, callers on the same thread
// queue behind it.
type Sessions struct {
	store        SessionStore
	historyLimit int
	logger       *slog.Logger

	mu      sync.Mutex
	threads map[string]*threadState
}

type threadState struct {
	mu      sync.Mutex
	session *models.Session
}

// NewSessions creates a session manager. historyLimit bounds how many
// persisted messages seed a fresh session; zero loads the full thread.
func NewSessions(store SessionStore, historyLimit int, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		store:        store,
		historyLimit: historyLimit,
		logger:       logger,
		threads:      make(map[string]*threadState),
	}
}

// Acquire locks the thread and returns its session, loading or seeding it
// on first use. The returned release function must be called after the
// turn's event channel has closed.
func (s *Sessions) Acquire(ctx context.Context, threadID, userID string) (*models.Session, func(), error) {
	state := s.state(threadID)
	state.mu.Lock()

	if state.session == nil {
		session, err := s.load(ctx, threadID, userID)
		if err != nil {
			state.mu.Unlock()
			return nil, nil, err
		}
		state.session = session
	}

	if state.session.UserID != userID {
		state.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: thread %s", ErrThreadOwned, threadID)
	}

	return state.session, state.mu.Unlock, nil
}

func (s *Sessions) state(threadID string) *threadState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.threads[threadID]
	if !ok {
		state = &threadState{}
		s.threads[threadID] = state
	}
	return state
}

// load seeds a session from the durable checkpoint and turn log. A thread
// never seen before starts empty, owned by the requesting user.
func (s *Sessions) load(ctx context.Context, threadID, userID string) (*models.Session, error) {
	owner, checkpointedAt, err := s.store.GetSessionCheckpoint(ctx, threadID)
	if errors.Is(err, db.ErrNotFound) {
		s.logger.Debug("seeding new session", "thread_id", threadID, "user_id", userID)
		return &models.Session{ThreadID: threadID, UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", threadID, err)
	}

	history, err := s.store.GetChat(ctx, threadID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", threadID, err)
	}

	s.logger.Debug("restored session",
		"thread_id", threadID, "user_id", owner, "messages", len(history))
	return &models.Session{
		ThreadID:       threadID,
		UserID:         owner,
		History:        history,
		CheckpointedAt: checkpointedAt,
	}, nil
}
