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

// gormVerifierRepository is the GORM implementation of VerifierRepository.
type gormVerifierRepository struct {
	t *Tx
}

// Create inserts a new verifier record and fires onCreate triggers.
func (r *gormVerifierRepository) Create(ctx context.Context, verifier *db.Verifier) error {
	if err := r.t.db.WithContext(ctx).Create(verifier).Error; err != nil {
		return fmt.Errorf("verifiers: create: %w", err)
	}
	return r.t.fireCreate(ctx, TableVerifiers, verifier)
}

// GetBySignature retrieves a verifier by its signature. Returns ErrNotFound
// if no record exists.
func (r *gormVerifierRepository) GetBySignature(ctx context.Context, signature string) (*db.Verifier, error) {
	var verifier db.Verifier
	err := r.t.db.WithContext(ctx).First(&verifier, "signature = ?", signature).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verifiers: get by signature: %w", err)
	}
	return &verifier, nil
}

// Patch applies a partial update and fires onUpdate triggers.
func (r *gormVerifierRepository) Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.Verifier, error) {
	var old db.Verifier
	err := r.t.db.WithContext(ctx).First(&old, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verifiers: patch: %w", err)
	}

	if err := r.t.db.WithContext(ctx).
		Model(&db.Verifier{}).
		Where("id = ?", id).
		Updates(fields).Error; err != nil {
		return nil, fmt.Errorf("verifiers: patch: %w", err)
	}

	var updated db.Verifier
	if err := r.t.db.WithContext(ctx).First(&updated, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("verifiers: patch: %w", err)
	}

	if err := r.t.fireUpdate(ctx, TableVerifiers, &updated, &old); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a verifier row and fires onDelete triggers. Deleting a
// verifier that does not exist is a no-op.
func (r *gormVerifierRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var verifier db.Verifier
	err := r.t.db.WithContext(ctx).First(&verifier, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("verifiers: delete: %w", err)
	}

	if err := r.t.db.WithContext(ctx).Delete(&db.Verifier{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("verifiers: delete: %w", err)
	}
	return r.t.fireDelete(ctx, TableVerifiers, id, &verifier)
}

// DeleteCreatedBefore removes verifiers created before t. Abandoned OAuth
// flows leave their verifier rows behind, so the eviction job sweeps them by
// age. Triggers are not fired for bulk eviction.
func (r *gormVerifierRepository) DeleteCreatedBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.t.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.Verifier{})
	if result.Error != nil {
		return 0, fmt.Errorf("verifiers: delete created before: %w", result.Error)
	}
	return result.RowsAffected, nil
}
