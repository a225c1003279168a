package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authgate/authgate/instrumentation"
	"github.com/authgate/authgate/storage"
)

// CleanupTask periodically sweeps expired rows. The first sweep runs one
// full period after Start, not immediately, so a fleet restart does not
// stampede the store. A failed sweep is reported on the fault channel and
// logged; the task keeps running and the process never crashes over it.
type CleanupTask struct {
	name     string
	interval time.Duration
	sweep    func(ctx context.Context, now time.Time) (int, error)

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	faults  chan<- error
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

// NewTokenCleanup builds the expired-token sweep, which also reclaims
// expired authenticator states since both ride the same period.
func NewTokenCleanup(store storage.Store, interval time.Duration, logger *slog.Logger, faults chan<- error) *CleanupTask {
	return newCleanupTask("tokens", interval, logger, faults,
		func(ctx context.Context, now time.Time) (int, error) {
			deleted, err := store.DeleteExpiredTokens(ctx, now)
			if err != nil {
				return deleted, err
			}
			states, err := store.DeleteExpiredStates(ctx, now)
			return deleted + states, err
		})
}

// NewSessionCleanup builds the expired-session sweep.
func NewSessionCleanup(store storage.SessionStore, interval time.Duration, logger *slog.Logger, faults chan<- error) *CleanupTask {
	return newCleanupTask("sessions", interval, logger, faults, store.DeleteExpiredSessions)
}

func newCleanupTask(name string, interval time.Duration, logger *slog.Logger, faults chan<- error, sweep func(context.Context, time.Time) (int, error)) *CleanupTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupTask{
		name:     name,
		interval: interval,
		sweep:    sweep,
		logger:   logger,
		faults:   faults,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetMetrics wires instrumentation counters into the task.
func (t *CleanupTask) SetMetrics(m *instrumentation.Metrics) {
	t.metrics = m
}

// SetClock overrides the task's time source for tests.
func (t *CleanupTask) SetClock(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// Start launches the sweep loop in its own goroutine. Starting twice is a
// no-op.
func (t *CleanupTask) Start(ctx context.Context) {
	if t.started.CompareAndSwap(false, true) {
		go t.loop(ctx)
	}
}

// Stop terminates the loop and waits for it to exit. Safe to call more than
// once, and before Start.
func (t *CleanupTask) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if t.started.Load() {
		<-t.done
	}
}

func (t *CleanupTask) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.RunOnce(ctx)
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep. Exposed so tests and operators can force
// a sweep without waiting out the period.
func (t *CleanupTask) RunOnce(ctx context.Context) {
	deleted, err := t.sweep(ctx, t.now())
	if t.metrics != nil {
		t.metrics.RecordCleanupRun(ctx, t.name, deleted, err)
	}
	if err != nil {
		t.logger.Error("cleanup sweep failed", "task", t.name, "error", err)
		if t.faults != nil {
			select {
			case t.faults <- err:
			default:
				// Fault channel full; the error is already logged.
			}
		}
		return
	}
	if deleted > 0 {
		t.logger.Info("cleanup sweep completed", "task", t.name, "deleted", deleted)
	}
}
