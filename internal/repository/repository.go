// Package repository provides the transactional datastore layer for the
// auth engine: one repository per auth table, a per-request transaction
// runner, and the trigger dispatcher that observes writes to those tables.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatehouse-io/gatehouse/internal/db"
)

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)

	// Patch applies a partial update and returns the new version of the row.
	// fields uses database column names.
	Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.User, error)

	// FindVerifiedByEmail returns users whose email matches (case-insensitive)
	// and whose EmailVerificationTime is set, at most limit rows. The linker
	// uses limit 2: one candidate links, more than one never does.
	FindVerifiedByEmail(ctx context.Context, email string, limit int) ([]db.User, error)
	FindVerifiedByPhone(ctx context.Context, phone string, limit int) ([]db.User, error)
}

type AccountRepository interface {
	Create(ctx context.Context, account *db.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error)
	GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*db.Account, error)
	Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.Account, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session *db.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListExpiredBefore(ctx context.Context, t time.Time, limit int) ([]db.Session, error)
}

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.RefreshToken, error)
	Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.RefreshToken, error)

	// ListBySession returns every token in the session's tree in creation
	// order (UUIDv7 primary keys are time-ordered).
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]db.RefreshToken, error)

	DeleteAllForSession(ctx context.Context, sessionID uuid.UUID) error
	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)
}

type VerificationCodeRepository interface {
	Create(ctx context.Context, code *db.VerificationCode) error
	GetByCodeHash(ctx context.Context, hash string) (*db.VerificationCode, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteByAccount removes any unconsumed code for the account — issuing
	// a new code supersedes the previous one.
	DeleteByAccount(ctx context.Context, accountID uuid.UUID) error

	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)
}

type VerifierRepository interface {
	Create(ctx context.Context, verifier *db.Verifier) error
	GetBySignature(ctx context.Context, signature string) (*db.Verifier, error)
	Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.Verifier, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteCreatedBefore(ctx context.Context, t time.Time) (int64, error)
}

type RateLimitRepository interface {
	Create(ctx context.Context, limit *db.RateLimit) error
	GetByIdentifier(ctx context.Context, identifier string) (*db.RateLimit, error)
	Patch(ctx context.Context, id uuid.UUID, fields map[string]any) (*db.RateLimit, error)
	DeleteByIdentifier(ctx context.Context, identifier string) error
}

// -----------------------------------------------------------------------------
// Store & Tx
// -----------------------------------------------------------------------------

// Store wraps the database handle and the trigger registry. All access to
// the auth tables goes through a Tx obtained from InTx so that every
// mutation is transactional and observable.
type Store struct {
	db       *gorm.DB
	triggers *Triggers
}

// NewStore creates a Store. triggers may be nil when no hooks are needed.
func NewStore(database *gorm.DB, triggers *Triggers) *Store {
	return &Store{db: database, triggers: triggers}
}

// InTx runs fn inside a single transaction. Reads and writes through the
// provided Tx see a consistent snapshot and commit atomically; an error
// from fn (or any trigger) rolls the whole transaction back.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(newTx(g, s.triggers))
	})
}

// Tx is a repository bundle bound to one transaction.
type Tx struct {
	Users             UserRepository
	Accounts          AccountRepository
	Sessions          SessionRepository
	RefreshTokens     RefreshTokenRepository
	VerificationCodes VerificationCodeRepository
	Verifiers         VerifierRepository
	RateLimits        RateLimitRepository

	db       *gorm.DB
	triggers *Triggers
}

func newTx(g *gorm.DB, triggers *Triggers) *Tx {
	t := &Tx{db: g, triggers: triggers}
	t.Users = &gormUserRepository{t}
	t.Accounts = &gormAccountRepository{t}
	t.Sessions = &gormSessionRepository{t}
	t.RefreshTokens = &gormRefreshTokenRepository{t}
	t.VerificationCodes = &gormVerificationCodeRepository{t}
	t.Verifiers = &gormVerifierRepository{t}
	t.RateLimits = &gormRateLimitRepository{t}
	return t
}

// bare returns a Tx on the same transaction with no trigger registry.
// Hooks receive this handle, so their writes cannot fire further hooks.
func (t *Tx) bare() *Tx {
	if t.triggers == nil {
		return t
	}
	return newTx(t.db, nil)
}

func (t *Tx) fireCreate(ctx context.Context, table Table, doc any) error {
	if t.triggers == nil {
		return nil
	}
	return t.triggers.fireCreate(ctx, t.bare(), table, doc)
}

func (t *Tx) fireUpdate(ctx context.Context, table Table, newDoc, oldDoc any) error {
	if t.triggers == nil {
		return nil
	}
	return t.triggers.fireUpdate(ctx, t.bare(), table, newDoc, oldDoc)
}

func (t *Tx) fireDelete(ctx context.Context, table Table, id uuid.UUID, doc any) error {
	if t.triggers == nil {
		return nil
	}
	return t.triggers.fireDelete(ctx, t.bare(), table, id, doc)
}
