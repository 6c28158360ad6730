// ABOUTME: Tests for the stale-task janitor
// ABOUTME: Verifies sweep cutoffs against a real store and schedule validation

package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/attune/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createInProgressTask(t *testing.T, st *store.SQLiteStore, startedAgo time.Duration) string {
	t.Helper()
	ctx := context.Background()

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    "user-1",
		Title:     "sweep test",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateConversation(ctx, conv))

	started := time.Now().UTC().Add(-startedAgo)
	task := &store.Task{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         "user-1",
		UserMessage:    "hello",
		Status:         store.TaskStatusInProgress,
		Priority:       store.TaskPriorityMedium,
		StartedAt:      &started,
		CreatedAt:      started,
		UpdatedAt:      started,
	}
	require.NoError(t, st.CreateTask(ctx, task))
	return task.ID
}

func TestSweep_FailsOnlyStaleTasks(t *testing.T) {
	st := newTestStore(t)
	staleID := createInProgressTask(t, st, 2*time.Hour)
	freshID := createInProgressTask(t, st, time.Minute)

	j := New(st, "*/5 * * * *", 30*time.Minute, nil)
	j.Sweep()

	ctx := context.Background()
	stale, err := st.GetTask(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, stale.Status)
	assert.Equal(t, staleErrorMessage, stale.ErrorMessage)
	assert.NotNil(t, stale.CompletedAt)

	fresh, err := st.GetTask(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusInProgress, fresh.Status)
}

func TestStart_SweepsImmediately(t *testing.T) {
	st := newTestStore(t)
	staleID := createInProgressTask(t, st, 2*time.Hour)

	j := New(st, "*/5 * * * *", 30*time.Minute, nil)
	require.NoError(t, j.Start())
	defer j.Stop()

	got, err := st.GetTask(context.Background(), staleID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, got.Status)
}

func TestStart_InvalidSchedule(t *testing.T) {
	st := newTestStore(t)
	j := New(st, "not a cron expression", 30*time.Minute, nil)
	assert.Error(t, j.Start())
}
