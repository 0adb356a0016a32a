package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper abandons stale sessions; implemented by SessionService.
type Sweeper interface {
	SweepExpired(ctx context.Context) (SweepResult, error)
}

// RecordingCleaner deletes recordings past retention; implemented by RecordingService.
type RecordingCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// CleanupService handles background cleanup tasks
type CleanupService struct {
	sessions   Sweeper
	recordings RecordingCleaner
	interval   time.Duration
	log        *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewCleanupService creates a new cleanup service. recordings may be nil.
func NewCleanupService(sessions Sweeper, recordings RecordingCleaner, interval time.Duration, log *slog.Logger) *CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &CleanupService{
		sessions:   sessions,
		recordings: recordings,
		interval:   interval,
		log:        log,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start starts the cleanup service background goroutine
func (s *CleanupService) Start(ctx context.Context) {
	s.log.Info("Starting cleanup service", "interval", s.interval)

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run immediately on start
		s.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stopCh:
				s.log.Info("Cleanup service stopped")
				return
			case <-ctx.Done():
				s.log.Info("Cleanup service context cancelled")
				return
			}
		}
	}()
}

// Stop stops the cleanup service and waits for a running pass to finish.
func (s *CleanupService) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// RunOnce runs one session sweep and one recording cleanup pass concurrently. Both
// write recordings: the sweep finalizes transcripts of the sessions it ends, and the
// cleanup deletes only finalized ones past retention. A failure in one does not stop
// the other.
func (s *CleanupService) RunOnce(ctx context.Context) {
	start := time.Now()
	var g errgroup.Group

	g.Go(func() error {
		res, err := s.sessions.SweepExpired(ctx)
		if err != nil {
			s.log.Error("Session sweep failed", "error", err)
			return err
		}
		if res.Abandoned+res.Ended+res.Released > 0 || res.ChallengesDeleted > 0 {
			s.log.Info("Session sweep completed",
				"abandoned", res.Abandoned, "ended", res.Ended,
				"challenges_deleted", res.ChallengesDeleted, "released", res.Released)
		}
		return nil
	})

	if s.recordings != nil {
		g.Go(func() error {
			deleted, err := s.recordings.CleanupExpired(ctx)
			switch {
			case errors.Is(err, ErrRecordingUnavailable):
				return nil
			case err != nil:
				s.log.Error("Recording cleanup failed", "error", err)
				return err
			case deleted > 0:
				s.log.Info("Recording cleanup completed", "deleted", deleted)
			}
			return nil
		})
	}

	err := g.Wait()
	s.log.Debug("Cleanup pass finished", "duration_ms", time.Since(start).Milliseconds(), "failed", err != nil)
}
