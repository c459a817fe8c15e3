// Package db provides integration tests for SurrealDB operations.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jackkroninger/agent-api/internal/models"
)

var testDB *Client
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)
	os.Exit(code)
}

func newThreadID() string {
	return "thread-" + uuid.NewString()
}

func seedThread(t *testing.T, threadID string, n int) []models.Message {
	t.Helper()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Duration(n) * time.Second)
	msgs := make([]models.Message, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs[i] = models.Message{
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	require.NoError(t, testDB.AppendTurn(ctx, threadID, msgs...))
	return msgs
}

func TestGetChatFullHistory(t *testing.T) {
	ctx := context.Background()
	threadID := newThreadID()
	seeded := seedThread(t, threadID, 6)

	got, err := testDB.GetChat(ctx, threadID, 0)
	require.NoError(t, err)
	require.Len(t, got, 6)
	for i, msg := range got {
		assert.Equal(t, seeded[i].Content, msg.Content)
		assert.Equal(t, seeded[i].Role, msg.Role)
		if i > 0 {
			assert.True(t, msg.CreatedAt.After(got[i-1].CreatedAt))
		}
	}
}

func TestGetChatLimitReturnsRecentOldestFirst(t *testing.T) {
	ctx := context.Background()
	threadID := newThreadID()
	seeded := seedThread(t, threadID, 6)

	got, err := testDB.GetChat(ctx, threadID, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)

	// The most recent 4, still in chronological order.
	for i, msg := range got {
		assert.Equal(t, seeded[i+2].Content, msg.Content)
	}
}

func TestGetChatLimitLargerThanThread(t *testing.T) {
	ctx := context.Background()
	threadID := newThreadID()
	seedThread(t, threadID, 2)

	got, err := testDB.GetChat(ctx, threadID, 50)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetChatEmptyThread(t *testing.T) {
	got, err := testDB.GetChat(context.Background(), newThreadID(), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetChatPreservesToolFields(t *testing.T) {
	ctx := context.Background()
	threadID := newThreadID()

	msg := models.Message{
		Role:       models.RoleTool,
		Content:    "Sunny",
		ToolCallID: "call-1",
		ToolName:   "get_weather",
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, testDB.AppendMessage(ctx, threadID, msg))

	got, err := testDB.GetChat(ctx, threadID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "call-1", got[0].ToolCallID)
	assert.Equal(t, "get_weather", got[0].ToolName)
}

func TestListThreadsMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	older := newThreadID()
	newer := newThreadID()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, testDB.AppendMessage(ctx, older,
		models.UserMessage("old", now.Add(-time.Hour))))
	require.NoError(t, testDB.AppendMessage(ctx, newer,
		models.UserMessage("new", now)))

	ids, err := testDB.ListThreads(ctx)
	require.NoError(t, err)

	var olderIdx, newerIdx = -1, -1
	for i, id := range ids {
		switch id {
		case older:
			olderIdx = i
		case newer:
			newerIdx = i
		}
	}
	require.GreaterOrEqual(t, olderIdx, 0)
	require.GreaterOrEqual(t, newerIdx, 0)
	assert.Less(t, newerIdx, olderIdx)
}

func TestCredentialUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	userID := "user-" + uuid.NewString()

	rec := models.CredentialRecord{
		UserID:       userID,
		Provider:     "google_calendar",
		State:        models.CredentialValid,
		Payload:      `{"access_token":"at-1"}`,
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond),
		Version:      1,
		UpdatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, testDB.UpsertCredential(ctx, rec))
	require.NoError(t, testDB.UpsertCredential(ctx, rec))

	got, err := testDB.GetCredential(ctx, userID, "google_calendar")
	require.NoError(t, err)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, rec.RefreshToken, got.RefreshToken)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, rec.ExpiresAt, got.ExpiresAt.UTC())

	// A later write replaces, never duplicates.
	rec.Version = 2
	rec.Payload = `{"access_token":"at-2"}`
	require.NoError(t, testDB.UpsertCredential(ctx, rec))

	got, err = testDB.GetCredential(ctx, userID, "google_calendar")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, `{"access_token":"at-2"}`, got.Payload)
}

func TestCredentialNotFound(t *testing.T) {
	_, err := testDB.GetCredential(context.Background(), "nobody-"+uuid.NewString(), "google_calendar")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCredentialWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	userID := "user-" + uuid.NewString()

	rec := models.CredentialRecord{
		UserID:    userID,
		Provider:  "google_calendar",
		State:     models.CredentialPendingConsent,
		Version:   1,
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, testDB.UpsertCredential(ctx, rec))

	got, err := testDB.GetCredential(ctx, userID, "google_calendar")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestCredentialLookupByConsentState(t *testing.T) {
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	state := uuid.NewString()

	rec := models.CredentialRecord{
		UserID:       userID,
		Provider:     "google_calendar",
		State:        models.CredentialPendingConsent,
		ConsentState: state,
		Version:      1,
		UpdatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, testDB.UpsertCredential(ctx, rec))

	got, err := testDB.GetCredentialByConsentState(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)

	_, err = testDB.GetCredentialByConsentState(ctx, "stale-"+uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	threadID := newThreadID()

	_, _, err := testDB.GetSessionCheckpoint(ctx, threadID)
	require.ErrorIs(t, err, ErrNotFound)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, testDB.UpsertSessionCheckpoint(ctx, threadID, "u1", at))

	userID, got, err := testDB.GetSessionCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, at, got.UTC())

	// Checkpoints advance in place.
	later := at.Add(time.Minute)
	require.NoError(t, testDB.UpsertSessionCheckpoint(ctx, threadID, "u1", later))

	_, got, err = testDB.GetSessionCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, later, got.UTC())
}
