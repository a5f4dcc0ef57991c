package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/repository"
)

const (
	// evictionBatchSize bounds how many expired sessions one sweep destroys,
	// so a backlog cannot hold the transaction open indefinitely.
	evictionBatchSize = 500

	// verifierMaxAge is how long an unconsumed OAuth flow row is kept before
	// the sweep removes it. Completed flows delete their row at the callback;
	// only abandoned flows age out.
	verifierMaxAge = 24 * time.Hour
)

// EvictionStats reports how many rows one sweep removed per table.
type EvictionStats struct {
	Sessions          int64
	RefreshTokens     int64
	VerificationCodes int64
	Verifiers         int64
}

// EvictExpired removes expired sessions (with their refresh-token trees),
// expired refresh tokens, expired verification codes, and abandoned OAuth
// flow rows. It runs in a single transaction and is safe to call on a
// schedule.
func (s *Service) EvictExpired(ctx context.Context) (EvictionStats, error) {
	now := s.clock.Now()
	var stats EvictionStats

	err := s.store.InTx(ctx, func(tx *repository.Tx) error {
		sessions, err := tx.Sessions.ListExpiredBefore(ctx, now, evictionBatchSize)
		if err != nil {
			return err
		}
		for i := range sessions {
			if err := s.deleteSession(ctx, tx, sessions[i].ID); err != nil {
				return err
			}
		}
		stats.Sessions = int64(len(sessions))

		// Tokens of surviving sessions expire individually once past their
		// inactive window.
		if stats.RefreshTokens, err = tx.RefreshTokens.DeleteExpiredBefore(ctx, now); err != nil {
			return err
		}
		if stats.VerificationCodes, err = tx.VerificationCodes.DeleteExpiredBefore(ctx, now); err != nil {
			return err
		}
		if stats.Verifiers, err = tx.Verifiers.DeleteCreatedBefore(ctx, now.Add(-verifierMaxAge)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return EvictionStats{}, err
	}

	if stats.Sessions+stats.RefreshTokens+stats.VerificationCodes+stats.Verifiers > 0 {
		s.logger.Info("evicted expired rows",
			zap.Int64("sessions", stats.Sessions),
			zap.Int64("refresh_tokens", stats.RefreshTokens),
			zap.Int64("verification_codes", stats.VerificationCodes),
			zap.Int64("verifiers", stats.Verifiers),
		)
	}
	return stats, nil
}
