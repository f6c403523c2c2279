package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"StudyChat/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := telemetry.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func turn(question, answer string) []Message {
	return []Message{
		Greeting(),
		NewUserMessage(question),
		NewAssistantMessage(answer),
	}
}

func TestSaveCreatesSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "alice", turn("q1", "a1")))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	// Greeting is filtered; the real turn survives in order.
	require.Len(t, sessions[0].Messages, 2)
	assert.Equal(t, "q1", sessions[0].Messages[0].Content)
	assert.Equal(t, "a1", sessions[0].Messages[1].Content)
	assert.Equal(t, sessions[0].CreatedAt, sessions[0].LastUpdated)
}

func TestSaveWithinWindowContinuesSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	require.NoError(t, store.Save(ctx, "alice", turn("q1", "a1")))

	first, err := store.MostRecent(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, first)

	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	msgs := append(turn("q1", "a1"), NewUserMessage("q2"), NewAssistantMessage("a2"))
	require.NoError(t, store.Save(ctx, "alice", msgs))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, first.CreatedAt, sessions[0].CreatedAt)
	assert.True(t, sessions[0].LastUpdated.After(first.LastUpdated))
	require.Len(t, sessions[0].Messages, 4)
}

func TestSaveAfterWindowStartsNewSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	require.NoError(t, store.Save(ctx, "alice", turn("q1", "a1")))

	first, err := store.MostRecent(ctx, "alice")
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(25 * time.Hour) }
	require.NoError(t, store.Save(ctx, "alice", turn("q2", "a2")))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	// Most recent first, with a fresh identity at the front.
	assert.NotEqual(t, first.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
	assert.Equal(t, "q2", sessions[0].Messages[0].Content)
}

func TestSaveEvictsOldestBeyondCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		day := i
		store.now = func() time.Time { return base.Add(time.Duration(day) * 25 * time.Hour) }
		require.NoError(t, store.Save(ctx, "alice", turn("question", "answer")))
	}

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, MaxSessions)
	// The first session (created at base) is gone.
	for _, sess := range sessions {
		assert.True(t, sess.CreatedAt.After(base))
	}
	// Ordering invariant: most recent first.
	for i := 1; i < len(sessions); i++ {
		assert.True(t, !sessions[i-1].LastUpdated.Before(sessions[i].LastUpdated))
	}
}

func TestSaveGreetingOnlyIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "alice", []Message{Greeting()}))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSaveWithoutUserMessageIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs := []Message{Greeting(), NewAssistantMessage("unprompted")}
	require.NoError(t, store.Save(ctx, "alice", msgs))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestUpdateSkipsWindowCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	require.NoError(t, store.Save(ctx, "alice", turn("q1", "a1")))

	first, err := store.MostRecent(ctx, "alice")
	require.NoError(t, err)

	// Well past the continuation window, but Update still targets the
	// existing session.
	store.now = func() time.Time { return base.Add(48 * time.Hour) }
	require.NoError(t, store.Update(ctx, "alice", turn("q1", "a1 edited")))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, "a1 edited", sessions[0].Messages[1].Content)
}

func TestUpdateCreatesSessionWhenNoneExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "alice", turn("q1", "a1")))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestMostRecentEmpty(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.MostRecent(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestClearRemovesAllSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	require.NoError(t, store.Save(ctx, "alice", turn("q1", "a1")))
	store.now = func() time.Time { return base.Add(25 * time.Hour) }
	require.NoError(t, store.Save(ctx, "alice", turn("q2", "a2")))

	require.NoError(t, store.Clear(ctx, "alice"))

	sessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestUsersAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "alice", turn("alice q", "alice a")))
	require.NoError(t, store.Save(ctx, "bob", turn("bob q", "bob a")))
	require.NoError(t, store.Clear(ctx, "bob"))

	aliceSessions, err := store.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, aliceSessions, 1)

	bobSessions, err := store.LoadAll(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobSessions)
}
