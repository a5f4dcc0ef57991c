package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatehouse-io/gatehouse/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	t *Tx
}

// Create inserts a new user record and fires onCreate triggers.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.t.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return r.t.fireCreate(ctx, TableUsers, user)
}

// GetByID retrieves a user by its UUID. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.t.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// Patch applies a partial update and fires onUpdate triggers with the new
// and previous versions of the row.
func (r *gormUserRepository) Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.User, error) {
	old, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.t.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", id).
		Updates(fields).Error; err != nil {
		return nil, fmt.Errorf("users: patch: %w", err)
	}

	updated, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.t.fireUpdate(ctx, TableUsers, updated, old); err != nil {
		return nil, err
	}
	return updated, nil
}

// FindVerifiedByEmail returns users with a matching email (case-insensitive)
// and a non-null email verification time, at most limit rows.
func (r *gormUserRepository) FindVerifiedByEmail(ctx context.Context, email string, limit int) ([]db.User, error) {
	var users []db.User
	err := r.t.db.WithContext(ctx).
		Where("LOWER(email) = LOWER(?) AND email_verification_time IS NOT NULL", email).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("users: find verified by email: %w", err)
	}
	return users, nil
}

// FindVerifiedByPhone returns users with a matching phone (exact) and a
// non-null phone verification time, at most limit rows.
func (r *gormUserRepository) FindVerifiedByPhone(ctx context.Context, phone string, limit int) ([]db.User, error) {
	var users []db.User
	err := r.t.db.WithContext(ctx).
		Where("phone = ? AND phone_verification_time IS NOT NULL", phone).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("users: find verified by phone: %w", err)
	}
	return users, nil
}
