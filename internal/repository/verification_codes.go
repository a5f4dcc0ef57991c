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

// gormVerificationCodeRepository is the GORM implementation of
// VerificationCodeRepository.
type gormVerificationCodeRepository struct {
	t *Tx
}

// Create inserts a new verification code record and fires onCreate triggers.
func (r *gormVerificationCodeRepository) Create(ctx context.Context, code *db.VerificationCode) error {
	if err := r.t.db.WithContext(ctx).Create(code).Error; err != nil {
		return fmt.Errorf("verification_codes: create: %w", err)
	}
	return r.t.fireCreate(ctx, TableVerificationCodes, code)
}

// GetByCodeHash retrieves a code by its hashed value. Returns ErrNotFound if
// no record exists.
func (r *gormVerificationCodeRepository) GetByCodeHash(ctx context.Context, hash string) (*db.VerificationCode, error) {
	var code db.VerificationCode
	err := r.t.db.WithContext(ctx).First(&code, "code_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("verification_codes: get by code hash: %w", err)
	}
	return &code, nil
}

// Delete removes a code row and fires onDelete triggers. Deleting a code
// that does not exist is a no-op.
func (r *gormVerificationCodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var code db.VerificationCode
	err := r.t.db.WithContext(ctx).First(&code, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("verification_codes: delete: %w", err)
	}

	if err := r.t.db.WithContext(ctx).Delete(&db.VerificationCode{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("verification_codes: delete: %w", err)
	}
	return r.t.fireDelete(ctx, TableVerificationCodes, id, &code)
}

// DeleteByAccount removes any outstanding code for the account. An account
// has at most one active code, so issuing a new one supersedes the old.
func (r *gormVerificationCodeRepository) DeleteByAccount(ctx context.Context, accountID uuid.UUID) error {
	var codes []db.VerificationCode
	err := r.t.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Find(&codes).Error
	if err != nil {
		return fmt.Errorf("verification_codes: delete by account: %w", err)
	}
	if len(codes) == 0 {
		return nil
	}

	if err := r.t.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&db.VerificationCode{}).Error; err != nil {
		return fmt.Errorf("verification_codes: delete by account: %w", err)
	}

	for i := range codes {
		if err := r.t.fireDelete(ctx, TableVerificationCodes, codes[i].ID, &codes[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpiredBefore permanently removes codes that expired before t.
// Intended for the background eviction job; triggers are not fired for bulk
// eviction.
func (r *gormVerificationCodeRepository) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.t.db.WithContext(ctx).
		Where("expiration_time < ?", t).
		Delete(&db.VerificationCode{})
	if result.Error != nil {
		return 0, fmt.Errorf("verification_codes: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
