package agent

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackkroninger/agent-api/internal/db"
	"github.com/jackkroninger/agent-api/internal/models"
)

type fakeSessionStore struct {
	owner       string
	checkpoint  time.Time
	history     []models.Message
	chatLimit   int
	loads       int
	checkpointE error
}

func (s *fakeSessionStore) GetSessionCheckpoint(_ context.Context, _ string) (string, time.Time, error) {
	s.loads++
	if s.checkpointE != nil {
		return "", time.Time{}, s.checkpointE
	}
	if s.owner == "" {
		return "", time.Time{}, db.ErrNotFound
	}
	return s.owner, s.checkpoint, nil
}

func (s *fakeSessionStore) GetChat(_ context.Context, _ string, limit int) ([]models.Message, error) {
	s.chatLimit = limit
	return s.history, nil
}

func TestSessionsSeedsUnknownThread(t *testing.T) {
	store := &fakeSessionStore{}
	sessions := NewSessions(store, 0, slog.New(slog.DiscardHandler))

	session, release, err := sessions.Acquire(context.Background(), "t1", "u1")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "t1", session.ThreadID)
	assert.Equal(t, "u1", session.UserID)
	assert.Empty(t, session.History)
	assert.True(t, session.CheckpointedAt.IsZero())
}

func TestSessionsRestoresFromStore(t *testing.T) {
	checkpoint := time.Now().Add(-time.Hour).UTC()
	store := &fakeSessionStore{
		owner:      "u1",
		checkpoint: checkpoint,
		history: []models.Message{
			models.UserMessage("hi", checkpoint.Add(-time.Minute)),
			models.AssistantMessage("hello", checkpoint),
		},
	}
	sessions := NewSessions(store, 40, slog.New(slog.DiscardHandler))

	session, release, err := sessions.Acquire(context.Background(), "t1", "u1")
	require.NoError(t, err)
	defer release()

	assert.Len(t, session.History, 2)
	assert.Equal(t, checkpoint, session.CheckpointedAt)
	assert.Equal(t, 40, store.chatLimit)
}

func TestSessionsLoadsOnce(t *testing.T) {
	store := &fakeSessionStore{owner: "u1"}
	sessions := NewSessions(store, 0, slog.New(slog.DiscardHandler))

	for i := 0; i < 3; i++ {
		_, release, err := sessions.Acquire(context.Background(), "t1", "u1")
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 1, store.loads)
}

func TestSessionsRejectsForeignUser(t *testing.T) {
	store := &fakeSessionStore{owner: "u1"}
	sessions := NewSessions(store, 0, slog.New(slog.DiscardHandler))

	_, _, err := sessions.Acquire(context.Background(), "t1", "u2")
	require.ErrorIs(t, err, ErrThreadOwned)
}

func TestSessionsSerializesTurnsPerThread(t *testing.T) {
	store := &fakeSessionStore{}
	sessions := NewSessions(store, 0, slog.New(slog.DiscardHandler))

	session, release, err := sessions.Acquire(context.Background(), "t1", "u1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other, otherRelease, err := sessions.Acquire(context.Background(), "t1", "u1")
		assert.NoError(t, err)
		assert.Same(t, session, other)
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		otherRelease()
	}()

	// The second acquirer must queue behind the held lock.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	release()
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSessionsIndependentThreadsDoNotBlock(t *testing.T) {
	store := &fakeSessionStore{}
	sessions := NewSessions(store, 0, slog.New(slog.DiscardHandler))

	_, releaseA, err := sessions.Acquire(context.Background(), "ta", "u1")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		_, releaseB, err := sessions.Acquire(context.Background(), "tb", "u1")
		assert.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on an independent thread blocked")
	}
}
