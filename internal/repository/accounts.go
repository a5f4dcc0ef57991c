package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatehouse-io/gatehouse/internal/db"
)

// gormAccountRepository is the GORM implementation of AccountRepository.
type gormAccountRepository struct {
	t *Tx
}

// Create inserts a new account record. A unique-index violation on
// (provider, provider_account_id) is surfaced as ErrConflict.
func (r *gormAccountRepository) Create(ctx context.Context, account *db.Account) error {
	if err := r.t.db.WithContext(ctx).Create(account).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("accounts: create: %w", err)
	}
	return r.t.fireCreate(ctx, TableAccounts, account)
}

// GetByID retrieves an account by its UUID. Returns ErrNotFound if no record exists.
func (r *gormAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error) {
	var account db.Account
	err := r.t.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by id: %w", err)
	}
	return &account, nil
}

// GetByProviderAccount retrieves an account by the unique
// (provider, providerAccountID) pair. Returns ErrNotFound if no record exists.
func (r *gormAccountRepository) GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*db.Account, error) {
	var account db.Account
	err := r.t.db.WithContext(ctx).
		First(&account, "provider = ? AND provider_account_id = ?", provider, providerAccountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by provider account: %w", err)
	}
	return &account, nil
}

// Patch applies a partial update and fires onUpdate triggers.
func (r *gormAccountRepository) Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.Account, error) {
	old, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.t.db.WithContext(ctx).
		Model(&db.Account{}).
		Where("id = ?", id).
		Updates(fields).Error; err != nil {
		return nil, fmt.Errorf("accounts: patch: %w", err)
	}

	updated, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.t.fireUpdate(ctx, TableAccounts, updated, old); err != nil {
		return nil, err
	}
	return updated, nil
}

// isUniqueViolation recognizes unique-constraint errors from both drivers:
// gorm's translated ErrDuplicatedKey (postgres) and the raw sqlite message.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
