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

// gormSessionRepository is the GORM implementation of SessionRepository.
type gormSessionRepository struct {
	t *Tx
}

// Create inserts a new session record and fires onCreate triggers.
func (r *gormSessionRepository) Create(ctx context.Context, session *db.Session) error {
	if err := r.t.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return r.t.fireCreate(ctx, TableSessions, session)
}

// GetByID retrieves a session by its UUID. Returns ErrNotFound if no record exists.
func (r *gormSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Session, error) {
	var session db.Session
	err := r.t.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &session, nil
}

// Delete removes a session row and fires onDelete triggers. Deleting a
// session that does not exist is a no-op.
func (r *gormSessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if err := r.t.db.WithContext(ctx).Delete(&db.Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return r.t.fireDelete(ctx, TableSessions, id, session)
}

// ListExpiredBefore returns up to limit sessions whose expiration time is
// before t. Used by the background eviction job.
func (r *gormSessionRepository) ListExpiredBefore(ctx context.Context, t time.Time, limit int) ([]db.Session, error) {
	var sessions []db.Session
	err := r.t.db.WithContext(ctx).
		Where("expiration_time < ?", t).
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: list expired: %w", err)
	}
	return sessions, nil
}
