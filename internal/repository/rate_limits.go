package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatehouse-io/gatehouse/internal/db"
)

// gormRateLimitRepository is the GORM implementation of RateLimitRepository.
type gormRateLimitRepository struct {
	t *Tx
}

// Create inserts a new rate limit record and fires onCreate triggers.
func (r *gormRateLimitRepository) Create(ctx context.Context, limit *db.RateLimit) error {
	if err := r.t.db.WithContext(ctx).Create(limit).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("rate_limits: create: %w", err)
	}
	return r.t.fireCreate(ctx, TableRateLimits, limit)
}

// GetByIdentifier retrieves a rate limit state row by its identifier.
// Returns ErrNotFound if no record exists.
func (r *gormRateLimitRepository) GetByIdentifier(ctx context.Context, identifier string) (*db.RateLimit, error) {
	var limit db.RateLimit
	err := r.t.db.WithContext(ctx).First(&limit, "identifier = ?", identifier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rate_limits: get by identifier: %w", err)
	}
	return &limit, nil
}

// Patch applies a partial update and fires onUpdate triggers.
func (r *gormRateLimitRepository) Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.RateLimit, error) {
	var old db.RateLimit
	err := r.t.db.WithContext(ctx).First(&old, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rate_limits: patch: %w", err)
	}

	if err := r.t.db.WithContext(ctx).
		Model(&db.RateLimit{}).
		Where("id = ?", id).
		Updates(fields).Error; err != nil {
		return nil, fmt.Errorf("rate_limits: patch: %w", err)
	}

	var updated db.RateLimit
	if err := r.t.db.WithContext(ctx).First(&updated, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("rate_limits: patch: %w", err)
	}

	if err := r.t.fireUpdate(ctx, TableRateLimits, &updated, &old); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteByIdentifier removes the rate limit state for an identifier,
// resetting its budget. A missing row is a no-op.
func (r *gormRateLimitRepository) DeleteByIdentifier(ctx context.Context, identifier string) error {
	var limit db.RateLimit
	err := r.t.db.WithContext(ctx).First(&limit, "identifier = ?", identifier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("rate_limits: delete by identifier: %w", err)
	}

	if err := r.t.db.WithContext(ctx).
		Where("identifier = ?", identifier).
		Delete(&db.RateLimit{}).Error; err != nil {
		return fmt.Errorf("rate_limits: delete by identifier: %w", err)
	}
	return r.t.fireDelete(ctx, TableRateLimits, limit.ID, &limit)
}
