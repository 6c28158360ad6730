// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation/task CRUD, pagination clamps, atomic appends, and stale sweeps

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConversation(userID string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     "test conversation",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestTask(conversationID, userID string) *Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &Task{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		UserMessage:    "hello there",
		Status:         TaskStatusPending,
		Priority:       TaskPriorityMedium,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	conv.Description = "a place to talk"
	conv.Metadata = map[string]any{"source": "test"}

	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}

	if got.ID != conv.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, conv.ID)
	}
	if got.UserID != conv.UserID {
		t.Errorf("UserID mismatch: got %q, want %q", got.UserID, conv.UserID)
	}
	if got.Title != conv.Title {
		t.Errorf("Title mismatch: got %q, want %q", got.Title, conv.Title)
	}
	if got.Description != conv.Description {
		t.Errorf("Description mismatch: got %q, want %q", got.Description, conv.Description)
	}
	if !got.IsActive {
		t.Error("IsActive should be true")
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("Metadata mismatch: got %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, conv.CreatedAt)
	}
	if len(got.TaskIDs) != 0 {
		t.Errorf("expected no task IDs, got %v", got.TaskIDs)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUserConversation_WrongUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// Owner sees it
	if _, err := s.GetUserConversation(ctx, conv.ID, "user-1"); err != nil {
		t.Fatalf("GetUserConversation failed for owner: %v", err)
	}

	// Another user gets ErrNotFound, same as a missing row
	_, err := s.GetUserConversation(ctx, conv.ID, "user-2")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound for wrong user, got %v", err)
	}
}

func TestConversationTaskIDs_InsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	var want []string
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		task := newTestTask(conv.ID, "user-1")
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		want = append(want, task.ID)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}

	if len(got.TaskIDs) != 3 {
		t.Fatalf("expected 3 task IDs, got %d", len(got.TaskIDs))
	}
	for i := range want {
		if got.TaskIDs[i] != want[i] {
			t.Errorf("TaskIDs[%d] = %q, want %q", i, got.TaskIDs[i], want[i])
		}
	}
}

func TestUpdateConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	newTitle := "renamed"
	inactive := false
	got, err := s.UpdateConversation(ctx, conv.ID, ConversationUpdate{
		Title:    &newTitle,
		IsActive: &inactive,
	})
	if err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}

	if got.Title != "renamed" {
		t.Errorf("Title not updated: got %q", got.Title)
	}
	if got.IsActive {
		t.Error("IsActive should be false after update")
	}
}

func TestUpdateConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	title := "x"
	_, err := s.UpdateConversation(context.Background(), "nonexistent", ConversationUpdate{Title: &title})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListConversations_FilterAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conv := newTestConversation("user-1")
		conv.IsActive = i != 0
		if err := s.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}
	// A different user's conversation must not appear
	other := newTestConversation("user-2")
	if err := s.CreateConversation(ctx, other); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	convs, total, err := s.ListConversations(ctx, ConversationFilter{UserID: "user-1"}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(convs) != 3 {
		t.Errorf("expected 3 conversations, got %d", len(convs))
	}

	active := true
	convs, total, err = s.ListConversations(ctx, ConversationFilter{UserID: "user-1", IsActive: &active}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if total != 2 || len(convs) != 2 {
		t.Errorf("expected 2 active conversations, got total=%d len=%d", total, len(convs))
	}
}

func TestListConversations_PaginationClamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.CreateConversation(ctx, newTestConversation("user-1")); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}

	tests := []struct {
		name    string
		page    Page
		wantLen int
	}{
		{"zero limit clamps to 1", Page{Limit: 0}, 1},
		{"negative limit clamps to 1", Page{Limit: -7}, 1},
		{"huge limit clamps to 100", Page{Limit: 500}, 5},
		{"negative skip clamps to 0", Page{Skip: -5, Limit: 10}, 5},
		{"skip past end", Page{Skip: 10, Limit: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			convs, total, err := s.ListConversations(ctx, ConversationFilter{UserID: "user-1"}, tt.page)
			if err != nil {
				t.Fatalf("ListConversations failed: %v", err)
			}
			if total != 5 {
				t.Errorf("expected total 5, got %d", total)
			}
			if len(convs) != tt.wantLen {
				t.Errorf("expected %d conversations, got %d", tt.wantLen, len(convs))
			}
		})
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	task := newTestTask(conv.ID, "user-1")
	task.Status = TaskStatusInProgress
	task.Category = "care"
	task.Tags = []string{"care", "life-advice"}
	task.AgentType = "care_team"
	task.StartedAt = &started
	task.Messages = []*ChatMessage{{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Role:      RoleUser,
		Content:   "hello there",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}}

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}

	if got.Status != TaskStatusInProgress {
		t.Errorf("Status mismatch: got %q", got.Status)
	}
	if got.Category != "care" {
		t.Errorf("Category mismatch: got %q", got.Category)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "care" {
		t.Errorf("Tags mismatch: got %v", got.Tags)
	}
	if got.AgentType != "care_team" {
		t.Errorf("AgentType mismatch: got %q", got.AgentType)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt mismatch: got %v", got.StartedAt)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != RoleUser || got.Messages[0].Content != "hello there" {
		t.Errorf("message mismatch: %+v", got.Messages[0])
	}
}

func TestGetUserTask_WrongUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	task := newTestTask(conv.ID, "user-1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	_, err := s.GetUserTask(ctx, task.ID, "user-2")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound for wrong user, got %v", err)
	}
}

func TestUpdateTask_PartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	task := newTestTask(conv.ID, "user-1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	status := TaskStatusCompleted
	pct := 100
	completed := time.Now().UTC().Truncate(time.Second)
	state := json.RawMessage(`{"turn":"user-turn"}`)

	got, err := s.UpdateTask(ctx, task.ID, TaskUpdate{
		Status:               &status,
		CompletionPercentage: &pct,
		CompletedAt:          &completed,
		AgentState:           state,
	})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	if got.Status != TaskStatusCompleted {
		t.Errorf("Status not updated: got %q", got.Status)
	}
	if got.CompletionPercentage != 100 {
		t.Errorf("CompletionPercentage not updated: got %d", got.CompletionPercentage)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt not updated: got %v", got.CompletedAt)
	}
	if string(got.AgentState) != `{"turn":"user-turn"}` {
		t.Errorf("AgentState not updated: got %s", got.AgentState)
	}
	// Untouched fields survive
	if got.Priority != TaskPriorityMedium {
		t.Errorf("Priority should be untouched: got %q", got.Priority)
	}
	if got.UserMessage != task.UserMessage {
		t.Errorf("UserMessage should be untouched: got %q", got.UserMessage)
	}
}

func TestListTasks_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	statuses := []string{TaskStatusPending, TaskStatusPending, TaskStatusCompleted}
	for _, st := range statuses {
		task := newTestTask(conv.ID, "user-1")
		task.Status = st
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	tasks, total, err := s.ListTasks(ctx, TaskFilter{UserID: "user-1", Status: TaskStatusPending}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if total != 2 || len(tasks) != 2 {
		t.Errorf("expected 2 pending tasks, got total=%d len=%d", total, len(tasks))
	}
	for _, task := range tasks {
		if task.Status != TaskStatusPending {
			t.Errorf("unexpected status %q in filtered list", task.Status)
		}
	}
}

func TestListTasks_SortOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	var ids []string
	for i := 0; i < 3; i++ {
		task := newTestTask(conv.ID, "user-1")
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		ids = append(ids, task.ID)
	}

	// Default sort is created_at descending
	tasks, _, err := s.ListTasks(ctx, TaskFilter{UserID: "user-1"}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if tasks[0].ID != ids[2] {
		t.Errorf("expected newest task first, got %q", tasks[0].ID)
	}

	// Ascending puts the oldest first
	tasks, _, err = s.ListTasks(ctx, TaskFilter{UserID: "user-1"}, Page{Limit: 10, SortOrder: SortAsc})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if tasks[0].ID != ids[0] {
		t.Errorf("expected oldest task first, got %q", tasks[0].ID)
	}
}

func TestListTasks_UnknownSortColumnFallsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if err := s.CreateTask(ctx, newTestTask(conv.ID, "user-1")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	// A hostile sort column must not reach the SQL string
	tasks, _, err := s.ListTasks(ctx, TaskFilter{UserID: "user-1"},
		Page{Limit: 10, SortBy: "created_at; DROP TABLE tasks"})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(tasks))
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	task := newTestTask(conv.ID, "user-1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteConversationTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.CreateTask(ctx, newTestTask(conv.ID, "user-1")); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	n, err := s.DeleteConversationTasks(ctx, conv.ID)
	if err != nil {
		t.Fatalf("DeleteConversationTasks failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted tasks, got %d", n)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(got.TaskIDs) != 0 {
		t.Errorf("expected no remaining task IDs, got %v", got.TaskIDs)
	}
}

func TestAppendMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	task := newTestTask(conv.ID, "user-1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	msg := &ChatMessage{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Role:      RoleAssistant,
		Content:   "here is my advice",
		Metadata:  map[string]any{"agent": "advisor"},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	got, err := s.AppendMessage(ctx, task.ID, msg)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	if got.Messages[0].Content != "here is my advice" {
		t.Errorf("content mismatch: %q", got.Messages[0].Content)
	}
	if got.Messages[0].Metadata["agent"] != "advisor" {
		t.Errorf("metadata mismatch: %v", got.Messages[0].Metadata)
	}
}

func TestAppendMessage_TaskNotFound(t *testing.T) {
	s := newTestStore(t)

	msg := &ChatMessage{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   "orphan",
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.AppendMessage(context.Background(), "nonexistent", msg)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessage_ConcurrentNoLostWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	task := newTestTask(conv.ID, "user-1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &ChatMessage{
				ID:        uuid.New().String(),
				TaskID:    task.ID,
				Role:      RoleAssistant,
				Content:   fmt.Sprintf("message %d", i),
				CreatedAt: time.Now().UTC(),
			}
			if _, err := s.AppendMessage(ctx, task.ID, msg); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent append failed: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if len(got.Messages) != n {
		t.Errorf("expected %d messages, got %d", n, len(got.Messages))
	}
}

func TestLatestAgentState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// No completed tasks yet
	if _, err := s.LatestAgentState(ctx, conv.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound with no completed tasks, got %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i, state := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		completed := base.Add(time.Duration(i) * time.Minute)
		task := newTestTask(conv.ID, "user-1")
		task.Status = TaskStatusCompleted
		task.AgentState = json.RawMessage(state)
		task.CompletedAt = &completed
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	// A newer in-progress task without state must not shadow the completed one
	running := newTestTask(conv.ID, "user-1")
	running.Status = TaskStatusInProgress
	if err := s.CreateTask(ctx, running); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	state, err := s.LatestAgentState(ctx, conv.ID)
	if err != nil {
		t.Fatalf("LatestAgentState failed: %v", err)
	}
	if string(state) != `{"n":3}` {
		t.Errorf("expected latest state {\"n\":3}, got %s", state)
	}
}

func TestFailStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	old := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	fresh := time.Now().UTC().Truncate(time.Second)

	stale := newTestTask(conv.ID, "user-1")
	stale.Status = TaskStatusInProgress
	stale.StartedAt = &old
	if err := s.CreateTask(ctx, stale); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	recent := newTestTask(conv.ID, "user-1")
	recent.Status = TaskStatusInProgress
	recent.StartedAt = &fresh
	if err := s.CreateTask(ctx, recent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	done := newTestTask(conv.ID, "user-1")
	done.Status = TaskStatusCompleted
	done.CompletedAt = &fresh
	if err := s.CreateTask(ctx, done); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	n, err := s.FailStale(ctx, time.Now().UTC().Add(-time.Hour), "task timed out")
	if err != nil {
		t.Fatalf("FailStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale task, got %d", n)
	}

	got, err := s.GetTask(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != TaskStatusFailed {
		t.Errorf("stale task status: got %q, want failed", got.Status)
	}
	if got.ErrorMessage != "task timed out" {
		t.Errorf("stale task error: got %q", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("stale task should have completed_at set")
	}

	got, err = s.GetTask(ctx, recent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != TaskStatusInProgress {
		t.Errorf("recent task should stay in_progress, got %q", got.Status)
	}
}
