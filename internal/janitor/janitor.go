// ABOUTME: Scheduled sweep that fails tasks stuck in_progress past a timeout
// ABOUTME: Covers crashed runs and restarts so no task stays in_progress forever

package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// staleErrorMessage is recorded on every task the sweep fails
const staleErrorMessage = "task timed out"

// Store defines what the janitor needs from storage
type Store interface {
	FailStale(ctx context.Context, cutoff time.Time, errorMessage string) (int, error)
}

// Janitor periodically fails in_progress tasks whose run started longer ago
// than the stale timeout. The runner already guarantees terminal events for
// runs in this process; the janitor covers the runs that died with a crash
// or never reported back.
type Janitor struct {
	store        Store
	schedule     string
	staleTimeout time.Duration
	cron         *cron.Cron
	logger       *slog.Logger
}

// New creates a janitor. schedule is a standard five-field cron expression.
func New(st Store, schedule string, staleTimeout time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:        st,
		schedule:     schedule,
		staleTimeout: staleTimeout,
		logger:       logger.With("component", "janitor"),
	}
}

// Start runs one immediate sweep, then schedules recurring ones.
func (j *Janitor) Start() error {
	j.Sweep()

	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, j.Sweep); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()

	j.logger.Info("janitor started", "schedule", j.schedule, "stale_timeout", j.staleTimeout)
	return nil
}

// Stop halts the schedule. A sweep already in flight finishes.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	j.logger.Info("janitor stopped")
}

// Sweep fails every in_progress task older than the stale timeout.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.staleTimeout)
	n, err := j.store.FailStale(ctx, cutoff, staleErrorMessage)
	if err != nil {
		j.logger.Error("stale sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Warn("swept stale tasks", "count", n, "cutoff", cutoff)
	}
}
