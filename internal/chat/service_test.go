// ABOUTME: Tests for chat orchestration
// ABOUTME: Verifies task creation, full engine runs, state resumption, and emitted events

package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/attune/internal/engine"
	"github.com/2389/attune/internal/store"
	"github.com/2389/attune/internal/task"
)

// recordingEmitter captures emitted events for assertions
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	room  string // "user:<id>" or "conversation:<id>"
	event string
	data  any
}

func (e *recordingEmitter) EmitToUser(userID, event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{room: "user:" + userID, event: event, data: data})
}

func (e *recordingEmitter) EmitToConversation(conversationID, event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{room: "conversation:" + conversationID, event: event, data: data})
}

func (e *recordingEmitter) byEvent(name string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, ev := range e.events {
		if ev.event == name {
			out = append(out, ev)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *task.Service, *recordingEmitter) {
	return newTestServiceWithEngine(t, engine.NewTeam(nil, nil))
}

func newTestServiceWithEngine(t *testing.T, eng engine.Engine) (*Service, *task.Service, *recordingEmitter) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tasks := task.New(st, nil)
	runner := engine.NewRunner(time.Second, 30*time.Second, nil)
	emitter := &recordingEmitter{}
	return New(tasks, runner, eng, emitter, nil), tasks, emitter
}

func TestProcessMessage(t *testing.T) {
	svc, tasks, emitter := newTestService(t)
	ctx := context.Background()

	resp, err := svc.ProcessMessage(ctx, "user-1", "", "hello there", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, resp.TaskID)
	assert.NotEmpty(t, resp.ConversationID)
	require.NotNil(t, resp.UserMessage)
	assert.Equal(t, "hello there", resp.UserMessage.Content)
	assert.Empty(t, resp.AssistantResponses)

	// The task sits pending for background processing
	got, err := tasks.GetTask(ctx, "user-1", resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, got.Status)

	created := emitter.byEvent("task_created")
	require.Len(t, created, 1)
	assert.Equal(t, "user:user-1", created[0].room)
}

func TestProcessAgentMessage_FullRun(t *testing.T) {
	svc, tasks, emitter := newTestService(t)
	ctx := context.Background()

	resp, err := svc.ProcessAgentMessage(ctx, "user-1", "", "my job is stressing me out", nil)
	require.NoError(t, err)

	// The run finished: task completed with resumable state
	got, err := tasks.GetTask(ctx, "user-1", resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.CompletionPercentage)
	assert.NotEmpty(t, got.AgentState)
	require.NotNil(t, got.CompletedAt)

	// User message + advisor + responder persisted in order
	require.Len(t, got.Messages, 3)
	assert.Equal(t, store.RoleUser, got.Messages[0].Role)
	assert.Equal(t, store.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "advisor", got.Messages[1].Metadata["agent"])
	assert.Equal(t, store.RoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "responder", got.Messages[2].Metadata["agent"])

	// Response carries the assistant messages
	assert.Len(t, resp.AssistantResponses, 2)

	// Stream lifecycle events went out: start, streams, complete
	msgs := emitter.byEvent("task_message")
	require.NotEmpty(t, msgs)
	first := msgs[0].data.(map[string]any)
	assert.Equal(t, MessageStart, first["type"])
	last := msgs[len(msgs)-1].data.(map[string]any)
	assert.Equal(t, MessageComplete, last["type"])

	updated := emitter.byEvent("task_updated")
	assert.NotEmpty(t, updated)
}

// failingEngine ends every run with a terminal failure
type failingEngine struct{}

func (failingEngine) Name() string { return "failing" }

func (failingEngine) Run(context.Context, *engine.RunRequest) (<-chan *engine.Event, error) {
	out := make(chan *engine.Event, 1)
	out <- &engine.Event{Type: engine.EventTerminal, Success: false, Error: "model blew up"}
	close(out)
	return out, nil
}

func TestProcessAgentMessage_EngineFailureFailsTask(t *testing.T) {
	svc, tasks, emitter := newTestServiceWithEngine(t, failingEngine{})
	ctx := context.Background()

	resp, err := svc.ProcessAgentMessage(ctx, "user-1", "", "hello", nil)
	require.NoError(t, err)

	got, err := tasks.GetTask(ctx, "user-1", resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, got.Status)
	assert.Equal(t, "model blew up", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	// Exactly one error task_message per room: the user's and the conversation's
	var errs []emitted
	for _, ev := range emitter.byEvent("task_message") {
		if ev.data.(map[string]any)["type"] == MessageError {
			errs = append(errs, ev)
		}
	}
	require.Len(t, errs, 2)
	assert.Equal(t, "user:user-1", errs[0].room)
	assert.Equal(t, "conversation:"+resp.ConversationID, errs[1].room)

	updated := emitter.byEvent("task_updated")
	assert.NotEmpty(t, updated)
}

// gatedEngine holds its run open until the test releases it
type gatedEngine struct {
	running chan *engine.RunRequest
	proceed chan struct{}
}

func (e *gatedEngine) Name() string { return "gated" }

func (e *gatedEngine) Run(_ context.Context, req *engine.RunRequest) (<-chan *engine.Event, error) {
	out := make(chan *engine.Event, 1)
	go func() {
		defer close(out)
		e.running <- req
		<-e.proceed
		out <- &engine.Event{Type: engine.EventTerminal, Success: true}
	}()
	return out, nil
}

func TestProcessAgentMessage_TerminalWriteFailureSurfaces(t *testing.T) {
	eng := &gatedEngine{running: make(chan *engine.RunRequest, 1), proceed: make(chan struct{})}
	svc, tasks, emitter := newTestServiceWithEngine(t, eng)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.ProcessAgentMessage(ctx, "user-1", "", "hello", nil)
		errCh <- err
	}()

	// Yank the task out from under the run so the terminal write cannot land
	req := <-eng.running
	require.NoError(t, tasks.DeleteTask(ctx, "user-1", req.TaskID))
	close(eng.proceed)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the run to finish")
	}

	// The failure also went out as an error task_message
	var sawError bool
	for _, ev := range emitter.byEvent("task_message") {
		if ev.data.(map[string]any)["type"] == MessageError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestProcessAgentMessage_ResumesState(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.ProcessAgentMessage(ctx, "user-1", "", "hello", nil)
	require.NoError(t, err)

	second, err := svc.ProcessAgentMessage(ctx, "user-1", first.ConversationID, "more thoughts", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	// The second run continued the dialogue: its state counts both messages
	state, err := tasks.ResumableState(ctx, "user-1", first.ConversationID)
	require.NoError(t, err)
	assert.Contains(t, string(state), `"user_messages":2`)
}

func TestProcessAgentMessage_ConversationOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.ProcessAgentMessage(ctx, "user-1", "", "hello", nil)
	require.NoError(t, err)

	_, err = svc.ProcessAgentMessage(ctx, "user-2", first.ConversationID, "intruding", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessMessage_EmptyRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ProcessMessage(context.Background(), "user-1", "", "  ", nil)
	assert.ErrorIs(t, err, task.ErrEmptyMessage)
}

func TestCancelTask(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	ctx := context.Background()

	// No active run: cancel is a no-op, not an error
	created, err := tasks.CreateAgentTask(ctx, "user-1", "", "hello", "care_team", nil)
	require.NoError(t, err)
	require.NoError(t, svc.CancelTask(ctx, "user-1", created.ID))

	// Unknown task or wrong owner is indistinguishable
	err = svc.CancelTask(ctx, "user-2", created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConversationAccessible(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	ctx := context.Background()

	conv, err := tasks.CreateConversation(ctx, "user-1", "mine", "")
	require.NoError(t, err)

	assert.NoError(t, svc.ConversationAccessible(ctx, "user-1", conv.ID))
	assert.ErrorIs(t, svc.ConversationAccessible(ctx, "user-2", conv.ID), store.ErrNotFound)
}
