// ABOUTME: Runner supervises engine runs - one per task, cancellable, panic-safe
// ABOUTME: Guarantees every started run delivers exactly one terminal event

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner supervises engine runs. It enforces one active run per task,
// provides idempotent cancellation with a bounded grace period, and turns
// engine panics and silent channel closes into terminal failure events so
// downstream consumers always see a run finish.
type Runner struct {
	mu   sync.Mutex
	runs map[string]*run

	grace   time.Duration // how long a cancelled run may take to terminate
	timeout time.Duration // overall run deadline; 0 means none
	logger  *slog.Logger
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{} // closed when the forwarder exits
	force  chan struct{} // closed when the cancellation grace expires
	once   sync.Once     // cancellation idempotency
}

// NewRunner creates a Runner. grace bounds how long a cancelled run may keep
// streaming before the runner cuts it off with a synthesized failure;
// timeout, when non-zero, bounds the whole run.
func NewRunner(grace, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Runner{
		runs:    make(map[string]*run),
		grace:   grace,
		timeout: timeout,
		logger:  logger.With("component", "runner"),
	}
}

// Start begins an engine run for a task. Returns ErrRunActive if the task
// already has a run in flight. The returned channel delivers the engine's
// events and always ends with exactly one terminal event before closing.
func (r *Runner) Start(ctx context.Context, eng Engine, req *RunRequest) (<-chan *Event, error) {
	r.mu.Lock()
	if _, exists := r.runs[req.TaskID]; exists {
		r.mu.Unlock()
		return nil, ErrRunActive
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	rn := &run{
		cancel: cancel,
		done:   make(chan struct{}),
		force:  make(chan struct{}),
	}
	r.runs[req.TaskID] = rn
	r.mu.Unlock()

	in, err := r.startEngine(runCtx, eng, req)
	if err != nil {
		r.finish(req.TaskID, rn)
		return nil, err
	}

	out := make(chan *Event, 16)
	go r.forward(req.TaskID, rn, in, out)

	r.logger.Debug("run started", "task_id", req.TaskID, "engine", eng.Name())
	return out, nil
}

// startEngine invokes Engine.Run with panic containment
func (r *Runner) startEngine(ctx context.Context, eng Engine, req *RunRequest) (ch <-chan *Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("engine panicked on start", "engine", eng.Name(), "panic", p)
			err = fmt.Errorf("engine %s panicked: %v", eng.Name(), p)
		}
	}()
	return eng.Run(ctx, req)
}

// forward relays engine events to the consumer, synthesizing a terminal
// failure if the engine stops without one or overstays a cancellation.
func (r *Runner) forward(taskID string, rn *run, in <-chan *Event, out chan<- *Event) {
	defer close(out)
	defer r.finish(taskID, rn)

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				// Engine closed its channel without a terminal event
				r.logger.Warn("engine stream ended without terminal event", "task_id", taskID)
				out <- failure("engine stopped without a result")
				return
			}
			out <- ev
			if ev.Type == EventTerminal {
				go drain(in)
				return
			}

		case <-rn.force:
			r.logger.Warn("cancelled run exceeded grace period", "task_id", taskID)
			out <- failure("run cancelled")
			go drain(in)
			return
		}
	}
}

// Cancel requests cancellation of the task's run. It is idempotent and a
// no-op when no run is active. The run gets the configured grace period to
// terminate on its own; after that the runner synthesizes the failure.
func (r *Runner) Cancel(taskID string) {
	r.mu.Lock()
	rn := r.runs[taskID]
	r.mu.Unlock()
	if rn == nil {
		return
	}

	rn.once.Do(func() {
		r.logger.Info("cancelling run", "task_id", taskID)
		rn.cancel()
		go func() {
			select {
			case <-rn.done:
			case <-time.After(r.grace):
				close(rn.force)
			}
		}()
	})
}

// Active reports whether the task currently has a run in flight
func (r *Runner) Active(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[taskID]
	return ok
}

// finish releases the run slot and its context
func (r *Runner) finish(taskID string, rn *run) {
	r.mu.Lock()
	delete(r.runs, taskID)
	r.mu.Unlock()
	close(rn.done)
	rn.cancel()
}

// drain keeps a stalled engine goroutine from blocking on sends forever
func drain(in <-chan *Event) {
	for range in {
	}
}
