// ABOUTME: Tests for the run supervisor
// ABOUTME: Covers single-run enforcement, cancellation grace, and panic containment

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedEngine plays back a fixed event sequence
type scriptedEngine struct {
	events []*Event
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Run(ctx context.Context, req *RunRequest) (<-chan *Event, error) {
	out := make(chan *Event, len(e.events))
	for _, ev := range e.events {
		out <- ev
	}
	close(out)
	return out, nil
}

// blockingEngine streams nothing and ignores cancellation until released
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Name() string { return "blocking" }

func (e *blockingEngine) Run(ctx context.Context, req *RunRequest) (<-chan *Event, error) {
	out := make(chan *Event, 1)
	go func() {
		defer close(out)
		close(e.started)
		<-e.release
	}()
	return out, nil
}

// politeEngine terminates promptly when its context is cancelled
type politeEngine struct {
	started chan struct{}
}

func (e *politeEngine) Name() string { return "polite" }

func (e *politeEngine) Run(ctx context.Context, req *RunRequest) (<-chan *Event, error) {
	out := make(chan *Event, 1)
	go func() {
		defer close(out)
		close(e.started)
		<-ctx.Done()
		out <- &Event{Type: EventTerminal, Success: false, Error: "run cancelled"}
	}()
	return out, nil
}

// panickyEngine panics when started
type panickyEngine struct{}

func (panickyEngine) Name() string { return "panicky" }

func (panickyEngine) Run(ctx context.Context, req *RunRequest) (<-chan *Event, error) {
	panic("engine bug")
}

func collect(t *testing.T, ch <-chan *Event) []*Event {
	t.Helper()
	var events []*Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out collecting events")
		}
	}
}

func TestRunner_ForwardsEvents(t *testing.T) {
	runner := NewRunner(time.Second, 0, nil)
	eng := &scriptedEngine{events: []*Event{
		{Type: EventStream, Agent: "advisor", Text: "thinking"},
		{Type: EventTerminal, Success: true},
	}}

	ch, err := runner.Start(context.Background(), eng, &RunRequest{TaskID: "t1"})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventStream, events[0].Type)
	assert.Equal(t, EventTerminal, events[1].Type)
	assert.True(t, events[1].Success)
	assert.False(t, runner.Active("t1"))
}

func TestRunner_OneRunPerTask(t *testing.T) {
	runner := NewRunner(time.Second, 0, nil)
	eng := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}

	ch, err := runner.Start(context.Background(), eng, &RunRequest{TaskID: "t1"})
	require.NoError(t, err)
	<-eng.started
	assert.True(t, runner.Active("t1"))

	_, err = runner.Start(context.Background(), &scriptedEngine{}, &RunRequest{TaskID: "t1"})
	assert.ErrorIs(t, err, ErrRunActive)

	// A different task is unaffected
	ch2, err := runner.Start(context.Background(), &scriptedEngine{
		events: []*Event{{Type: EventTerminal, Success: true}},
	}, &RunRequest{TaskID: "t2"})
	require.NoError(t, err)
	collect(t, ch2)

	close(eng.release)
	events := collect(t, ch)
	// Channel closed without a terminal event: runner synthesizes the failure
	require.Len(t, events, 1)
	assert.Equal(t, EventTerminal, events[0].Type)
	assert.False(t, events[0].Success)
}

func TestRunner_CancelPoliteEngine(t *testing.T) {
	runner := NewRunner(5*time.Second, 0, nil)
	eng := &politeEngine{started: make(chan struct{})}

	ch, err := runner.Start(context.Background(), eng, &RunRequest{TaskID: "t1"})
	require.NoError(t, err)
	<-eng.started

	runner.Cancel("t1")
	// Cancel is idempotent
	runner.Cancel("t1")

	events := collect(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventTerminal, last.Type)
	assert.False(t, last.Success)
	assert.False(t, runner.Active("t1"))
}

func TestRunner_CancelStubbornEngineHitsGrace(t *testing.T) {
	runner := NewRunner(50*time.Millisecond, 0, nil)
	eng := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	defer close(eng.release)

	ch, err := runner.Start(context.Background(), eng, &RunRequest{TaskID: "t1"})
	require.NoError(t, err)
	<-eng.started

	runner.Cancel("t1")

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventTerminal, events[0].Type)
	assert.False(t, events[0].Success)
	assert.Equal(t, "run cancelled", events[0].Error)
}

func TestRunner_CancelUnknownTaskIsNoop(t *testing.T) {
	runner := NewRunner(time.Second, 0, nil)
	runner.Cancel("nope")
}

func TestRunner_PanicOnStart(t *testing.T) {
	runner := NewRunner(time.Second, 0, nil)

	_, err := runner.Start(context.Background(), panickyEngine{}, &RunRequest{TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, runner.Active("t1"))

	// The slot is free again
	ch, err := runner.Start(context.Background(), &scriptedEngine{
		events: []*Event{{Type: EventTerminal, Success: true}},
	}, &RunRequest{TaskID: "t1"})
	require.NoError(t, err)
	collect(t, ch)
}

func TestRunner_RunTimeout(t *testing.T) {
	runner := NewRunner(50*time.Millisecond, 50*time.Millisecond, nil)
	eng := &politeEngine{started: make(chan struct{})}

	ch, err := runner.Start(context.Background(), eng, &RunRequest{TaskID: "t1"})
	require.NoError(t, err)
	<-eng.started

	// No explicit cancel: the run deadline fires on its own
	events := collect(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventTerminal, last.Type)
	assert.False(t, last.Success)
}
