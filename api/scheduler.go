/*
scheduler.go - Automated hold expiry scheduler

PURPOSE:
  Periodically cancels submitted tasks that nobody picked up within the
  configured window, releasing the credits held for them. Opt-in: the
  server only starts it when holds.expire_after is positive.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Delegates each sweep to lifecycle.Controller.ExpireStale, which
    cancels as the system actor through the normal transition path
  - Tasks that move while a sweep runs are skipped, not failed

CONFIGURATION:
  - ExpireAfter:   Age of a submitted task before its hold expires
  - CheckInterval: How often to sweep (default: 1 hour)

USAGE:
  scheduler := NewHoldExpiryScheduler(controller, 72*time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ExpireHolds endpoint (manual sweep)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/campfire-engine/lifecycle"
)

// sweepTimeout bounds one sweep.
const sweepTimeout = 5 * time.Minute

// HoldExpiryScheduler runs ExpireStale on a ticker.
type HoldExpiryScheduler struct {
	Tasks         *lifecycle.Controller
	ExpireAfter   time.Duration
	CheckInterval time.Duration

	log    *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	statsMu     sync.Mutex
	lastRun     time.Time
	lastExpired int
}

// NewHoldExpiryScheduler creates a new scheduler.
func NewHoldExpiryScheduler(tasks *lifecycle.Controller, expireAfter time.Duration, log *slog.Logger) *HoldExpiryScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &HoldExpiryScheduler{
		Tasks:         tasks,
		ExpireAfter:   expireAfter,
		CheckInterval: 1 * time.Hour,
		log:           log.With("component", "hold-expiry"),
	}
}

// Start begins the scheduler. It does nothing when expiry is disabled.
func (s *HoldExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ExpireAfter <= 0 {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info("started", "interval", s.CheckInterval, "expire_after", s.ExpireAfter)
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *HoldExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *HoldExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many holds expired.
func (s *HoldExpiryScheduler) RunNow(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := s.Tasks.ExpireStale(ctx, s.ExpireAfter)
	if err != nil {
		s.log.Error("sweep failed", "expired", n, "error", err)
	} else if n > 0 {
		s.log.Info("sweep completed", "expired", n)
	}

	s.statsMu.Lock()
	s.lastRun = time.Now()
	s.lastExpired = n
	s.statsMu.Unlock()
	return n
}

// LastRun reports when the last sweep finished and how many holds it expired.
func (s *HoldExpiryScheduler) LastRun() (time.Time, int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lastRun, s.lastExpired
}
