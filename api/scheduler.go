/*
scheduler.go - Automated period archiving

PURPOSE:
  Periodically archives closed periods whose retention window has elapsed.
  Archived periods reject every further mutation, so this is what eventually
  freezes old payroll history.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each pass is one engine transaction (engine.ArchiveDue); a failed pass
    changes nothing and is retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Retention: How long after its end a closed period stays editable
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewArchiveScheduler(eng, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunArchive endpoint (manual trigger)
  - lifecycle/lifecycle.go: DueForArchive
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/payroll-engine/engine"
	"github.com/warp/payroll-engine/payroll"
)

const schedulerActor = "scheduler"

// ArchiveScheduler handles automated archiving of closed periods.
type ArchiveScheduler struct {
	Engine        *engine.Engine
	Logger        *slog.Logger
	CheckInterval time.Duration
	Retention     time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	// pass serializes scheduled and manual runs.
	pass sync.Mutex
}

// NewArchiveScheduler creates a scheduler with a one hour interval and a 90
// day retention.
func NewArchiveScheduler(eng *engine.Engine, logger *slog.Logger) *ArchiveScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveScheduler{
		Engine:        eng,
		Logger:        logger.With(slog.String("component", "archive_scheduler")),
		CheckInterval: time.Hour,
		Retention:     90 * 24 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling it twice is a no-op.
func (s *ArchiveScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("started", slog.Duration("check_interval", s.CheckInterval), slog.Duration("retention", s.Retention))
}

// Stop stops the scheduler and waits for an in-flight pass.
func (s *ArchiveScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("stopped")
}

func (s *ArchiveScheduler) run() {
	defer s.wg.Done()

	s.checkAndProcess()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess()
		case <-s.stop:
			return
		}
	}
}

func (s *ArchiveScheduler) checkAndProcess() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.RunNow(ctx); err != nil {
		s.Logger.Error("archive pass failed", slog.Any("error", err))
	}
}

// RunNow archives everything that is due and returns the archived ids.
func (s *ArchiveScheduler) RunNow(ctx context.Context) ([]payroll.PeriodID, error) {
	s.pass.Lock()
	defer s.pass.Unlock()

	archived, err := s.Engine.ArchiveDue(ctx, s.Retention, schedulerActor)
	if err != nil {
		return nil, err
	}
	if len(archived) > 0 {
		s.Logger.Info("archive pass completed", slog.Int("archived", len(archived)))
	}
	return archived, nil
}

// NextRunTime returns when the next scheduled check will occur.
func (s *ArchiveScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
