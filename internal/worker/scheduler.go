package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pong-tournament/internal/config"
)

// Starter starts registration tournaments whose start date has passed
type Starter interface {
	StartDue(ctx context.Context, now time.Time) (int, error)
}

// Scheduler periodically starts tournaments that reached their start date
type Scheduler struct {
	starter Starter
	config  *config.SchedulerConfig
	logger  *slog.Logger
	now     func() time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new start-date scheduler
func NewScheduler(starter Starter, cfg *config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		starter: starter,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("tournament scheduler started", "interval", s.config.Interval)

	go s.run(ctx)
	return nil
}

// Stop stops the background loop and waits for the current cycle
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("tournament scheduler stopped")
	return nil
}

// run is the main worker loop
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// IsRunning returns whether the scheduler loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce runs a single cycle and returns how many tournaments started
func (s *Scheduler) RunOnce(ctx context.Context) int {
	startTime := s.now()
	started, err := s.starter.StartDue(ctx, startTime)
	if err != nil {
		s.logger.Error("scheduled start cycle failed", "error", err, "started", started)
		return started
	}
	if started > 0 {
		s.logger.Info("scheduled tournaments started",
			"started", started,
			"duration", time.Since(startTime),
		)
	}
	return started
}
