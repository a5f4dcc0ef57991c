package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatehouse-io/gatehouse/internal/db"
)

// gormRefreshTokenRepository is the GORM implementation of RefreshTokenRepository.
type gormRefreshTokenRepository struct {
	t *Tx
}

// Create inserts a new refresh token record and fires onCreate triggers.
func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.t.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh_tokens: create: %w", err)
	}
	return r.t.fireCreate(ctx, TableRefreshTokens, token)
}

// GetByID retrieves a refresh token by its UUID. Returns ErrNotFound if no
// record exists.
func (r *gormRefreshTokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.t.db.WithContext(ctx).First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh_tokens: get by id: %w", err)
	}
	return &token, nil
}

// Patch applies a partial update and fires onUpdate triggers.
func (r *gormRefreshTokenRepository) Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.RefreshToken, error) {
	old, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.t.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("id = ?", id).
		Updates(fields).Error; err != nil {
		return nil, fmt.Errorf("refresh_tokens: patch: %w", err)
	}

	updated, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.t.fireUpdate(ctx, TableRefreshTokens, updated, old); err != nil {
		return nil, err
	}
	return updated, nil
}

// ListBySession returns every refresh token in the session's tree in
// creation order. UUIDv7 primary keys are time-ordered, so ordering by id
// is ordering by creation.
func (r *gormRefreshTokenRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]db.RefreshToken, error) {
	var tokens []db.RefreshToken
	err := r.t.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("refresh_tokens: list by session: %w", err)
	}
	return tokens, nil
}

// DeleteAllForSession removes every refresh token belonging to the session,
// firing onDelete triggers per row. Used on sign-out, on session expiry,
// and when destroying the remnants of a hostile exchange.
func (r *gormRefreshTokenRepository) DeleteAllForSession(ctx context.Context, sessionID uuid.UUID) error {
	tokens, err := r.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := r.t.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("refresh_tokens: delete all for session: %w", err)
	}

	for i := range tokens {
		if err := r.t.fireDelete(ctx, TableRefreshTokens, tokens[i].ID, &tokens[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpiredBefore permanently removes refresh tokens that expired before
// t. Intended for the background eviction job; triggers are not fired for
// bulk eviction.
func (r *gormRefreshTokenRepository) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.t.db.WithContext(ctx).
		Where("expiration_time < ?", t).
		Delete(&db.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_tokens: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
