package auth

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// The rate limiter is a per-identifier token bucket persisted in the store.
// The bucket holds cfg.MaxFailedAttempts tokens and refills continuously at
// MAX per rateLimitRefillPeriod. Failed verification attempts spend a
// token; an empty bucket rejects the attempt before the secret is even
// checked, and a successful verification resets the bucket.

// checkRateLimit returns ErrRateLimited when the identifier's bucket is
// empty at now. It does not spend a token — recordFailedAttempt does that,
// and only on failure. Two racing bad attempts can both pass this check;
// that is acceptable.
func (s *Service) checkRateLimit(ctx context.Context, tx *repository.Tx, identifier string) error {
	row, err := tx.RateLimits.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	if s.attemptsLeft(row) < 1 {
		s.logger.Warn("rate limit exceeded", zap.String("identifier", Redact(identifier)))
		return ErrRateLimited
	}
	return nil
}

// recordFailedAttempt spends one token from the identifier's bucket,
// creating the bucket on first failure.
func (s *Service) recordFailedAttempt(ctx context.Context, tx *repository.Tx, identifier string) error {
	now := s.clock.Now()

	row, err := tx.RateLimits.GetByIdentifier(ctx, identifier)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return tx.RateLimits.Create(ctx, &db.RateLimit{
			Identifier:      identifier,
			LastAttemptTime: now,
			AttemptsLeft:    s.cfg.MaxFailedAttempts - 1,
		})
	}

	remaining := math.Max(0, s.attemptsLeft(row)-1)
	_, err = tx.RateLimits.Patch(ctx, row.ID, map[string]any{
		"last_attempt_time": now,
		"attempts_left":     remaining,
	})
	return err
}

// resetRateLimit clears the identifier's bucket after a successful
// verification.
func (s *Service) resetRateLimit(ctx context.Context, tx *repository.Tx, identifier string) error {
	return tx.RateLimits.DeleteByIdentifier(ctx, identifier)
}

// attemptsLeft computes the refilled balance of a bucket as of now.
// Refill is continuous: elapsed / period * MAX, capped at MAX.
func (s *Service) attemptsLeft(row *db.RateLimit) float64 {
	elapsed := s.clock.Now().Sub(row.LastAttemptTime)
	if elapsed < 0 {
		elapsed = 0
	}
	refill := elapsed.Seconds() / rateLimitRefillPeriod.Seconds() * s.cfg.MaxFailedAttempts
	return math.Min(s.cfg.MaxFailedAttempts, row.AttemptsLeft+refill)
}
