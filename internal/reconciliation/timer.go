package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer is given a non-positive interval.
const DefaultInterval = 15 * time.Minute

// Timer runs the reconciliation runner on a fixed interval. The first pass
// happens one interval after Start.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	runs     atomic.Int64
}

func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{runner: runner, interval: interval, logger: logger, done: make(chan struct{})}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool { return t.running.Load() }

// Runs returns how many reconciliation passes the loop has attempted.
func (t *Timer) Runs() int64 { return t.runs.Load() }

// Start blocks until ctx is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Timer) tick(ctx context.Context) {
	t.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation pass panicked", "panic", fmt.Sprint(r))
		}
	}()
	report, err := t.runner.RunAll(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		t.logger.Warn("reconciliation pass failed", "error", err)
	case err == nil && !report.Healthy:
		t.logger.Warn("reconciliation pass unhealthy", "mismatches", len(report.Mismatches))
	}
}
