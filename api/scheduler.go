/*
scheduler.go - Automated top-up scheduler

PURPOSE:
  Periodically runs AutoGrant for every employee so statutory grants and
  expiries are materialized without anyone opening the app.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Fans out over employees with errgroup, at most Concurrency at a time
  - A failure for one employee is logged and counted, never fatal

CONFIGURATION:
  - Interval: How often to run (default: 24 hours)
  - Concurrency: Parallel employees per run (default: 4)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewTopUpScheduler(store, svc, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: AutoGrant endpoint (manual trigger)
  - accrual/service.go: AutoGrant
*/
package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/ledger"
)

// ProfileLister lists the employees a run covers.
type ProfileLister interface {
	ListProfiles(ctx context.Context) ([]ledger.Profile, error)
}

// AutoGranter is the part of accrual.Service the scheduler drives.
type AutoGranter interface {
	AutoGrant(ctx context.Context, userID ledger.UserID, now time.Time) (accrual.AutoGrantResult, error)
}

// RunSummary counts the outcomes of one run.
type RunSummary struct {
	Processed int
	ToppedUp  int // employees with a positive top-up
	Skipped   int // no start date
	Failed    int
}

// TopUpScheduler handles automated top-ups.
type TopUpScheduler struct {
	Profiles    ProfileLister
	Granter     AutoGranter
	Interval    time.Duration
	Concurrency int
	Enabled     bool

	log    logrus.FieldLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewTopUpScheduler creates a new scheduler.
func NewTopUpScheduler(profiles ProfileLister, granter AutoGranter, log logrus.FieldLogger) *TopUpScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TopUpScheduler{
		Profiles:    profiles,
		Granter:     granter,
		Interval:    24 * time.Hour,
		Concurrency: 4,
		Enabled:     true,
		log:         log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *TopUpScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.log.WithField("interval", s.Interval.String()).Info("started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *TopUpScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
		s.log.Info("stopped")
	}
}

func (s *TopUpScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one top-up pass over every employee.
func (s *TopUpScheduler) RunNow(ctx context.Context) RunSummary {
	started := time.Now()

	profiles, err := s.Profiles.ListProfiles(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to list employees")
		return RunSummary{}
	}

	var toppedUp, skipped, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Concurrency))

	for _, p := range profiles {
		userID := p.UserID
		g.Go(func() error {
			res, err := s.Granter.AutoGrant(gctx, userID, time.Time{})
			switch {
			case err != nil:
				atomic.AddInt64(&failed, 1)
				s.log.WithError(err).WithField("user_id", userID).Warn("top-up failed")
			case !res.OK:
				atomic.AddInt64(&skipped, 1)
			case res.Granted.IsPositive():
				atomic.AddInt64(&toppedUp, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := RunSummary{
		Processed: len(profiles),
		ToppedUp:  int(toppedUp),
		Skipped:   int(skipped),
		Failed:    int(failed),
	}
	s.log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"topped_up": summary.ToppedUp,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
		"took":      time.Since(started).String(),
	}).Info("run complete")
	return summary
}
