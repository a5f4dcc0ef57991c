// Package eviction runs the periodic sweep that removes expired sessions,
// refresh tokens, verification codes, and abandoned OAuth flow rows. It
// wraps gocron; the actual deletion logic lives in the auth service.
package eviction

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/auth"
	"github.com/gatehouse-io/gatehouse/internal/metrics"
)

const sweepTimeout = 30 * time.Second

// Sweeper schedules the eviction sweep. The zero value is not usable —
// create instances with New.
type Sweeper struct {
	cron     gocron.Scheduler
	svc      *auth.Service
	interval time.Duration
	logger   *zap.Logger
}

// New creates a Sweeper that runs every interval. Call Start to begin.
func New(svc *auth.Service, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Sweeper{
		cron:     s,
		svc:      svc,
		interval: interval,
		logger:   logger.Named("eviction"),
	}, nil
}

// Start registers the sweep job and starts the scheduler. The job runs in
// singleton mode: a slow sweep is never overlapped by the next tick.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for eviction sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("eviction sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for a running sweep to
// complete.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("eviction sweeper shutdown error: %w", err)
	}
	s.logger.Info("eviction sweeper stopped")
	return nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	stats, err := s.svc.EvictExpired(ctx)
	if err != nil {
		s.logger.Error("eviction sweep failed", zap.Error(err))
		return
	}

	metrics.EvictedRows.WithLabelValues("sessions").Add(float64(stats.Sessions))
	metrics.EvictedRows.WithLabelValues("refresh_tokens").Add(float64(stats.RefreshTokens))
	metrics.EvictedRows.WithLabelValues("verification_codes").Add(float64(stats.VerificationCodes))
	metrics.EvictedRows.WithLabelValues("verifiers").Add(float64(stats.Verifiers))
}
