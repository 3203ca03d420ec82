/*
scheduler.go - Stale pending purchase sweeper

PURPOSE:
  Periodically reverses purchases that stayed pending longer than the
  configured age because the provider never answered. A lost outcome is
  treated as a timeout, so the user gets their money back.

DESIGN:
  - robfig/cron schedule, e.g. "@every 1m" or "0/5 * * * *" (every five minutes)
  - A run that is still going when the next one is due is skipped
  - A panicking run is recovered and logged
  - Reversal is idempotent, so overlapping with a callback is safe

USAGE:
  sweeper, err := NewPendingSweeper(orch, "@every 1m", 15*time.Minute, log)
  sweeper.Start()
  // ... later
  <-sweeper.Stop().Done()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual sweep)
  - purchase/reconcile.go: ReconcileStale
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Reconciler reverses stale pending purchases.
type Reconciler interface {
	ReconcileStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// PendingSweeper runs the stale pending sweep on a cron schedule.
type PendingSweeper struct {
	reconciler Reconciler
	maxAge     time.Duration
	timeout    time.Duration
	log        logrus.FieldLogger

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
}

// NewPendingSweeper validates the schedule and registers the sweep job.
func NewPendingSweeper(rec Reconciler, schedule string, maxAge time.Duration, log logrus.FieldLogger) (*PendingSweeper, error) {
	cronLogger := cron.PrintfLogger(log)
	s := &PendingSweeper{
		reconciler: rec,
		maxAge:     maxAge,
		timeout:    time.Minute,
		log:        log.WithField("component", "pending_sweeper"),
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule. Calling it twice is a no-op.
func (s *PendingSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.WithField("max_age", s.maxAge).Info("pending sweeper started")
}

// Stop halts the schedule. The returned context is done when a running
// sweep has finished.
func (s *PendingSweeper) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return s.cron.Stop()
}

// RunOnce runs a single sweep and returns how many purchases it reversed.
func (s *PendingSweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.reconciler.ReconcileStale(ctx, s.maxAge)
	log := s.log.WithFields(logrus.Fields{"reversed": n, "duration": time.Since(start).Round(time.Millisecond)})
	if err != nil {
		log.WithError(err).Error("pending sweep finished with errors")
		return n, err
	}
	if n > 0 {
		log.Info("pending sweep reversed stale purchases")
	}
	return n, nil
}

func (s *PendingSweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}
