package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) so that "youngest row" queries can order by
// primary key and creation order survives clock-identical inserts. CreatedAt
// and UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Accounts
// -----------------------------------------------------------------------------

// User is the application identity. Email and Phone are both optional — a
// user created through an anonymous sign-in has neither. The verification
// timestamps are set when the matching identifier is confirmed through a
// verification flow or asserted verified by an OAuth provider.
type User struct {
	Base
	Email                 string `gorm:"index;default:''"`
	Phone                 string `gorm:"index;default:''"`
	EmailVerificationTime *time.Time
	PhoneVerificationTime *time.Time
	Name                  string `gorm:"default:''"`
	Image                 string `gorm:"default:''"`
	IsAnonymous           bool   `gorm:"not null;default:false"`
}

// Account binds an external identity (provider + provider account ID) to a
// user. ProviderAccountID is the provider-side unique identifier: an email
// address for email and password providers, the OAuth subject for oauth/oidc.
// For email-type identifiers it is stored lower-cased so identification is
// case-insensitive.
type Account struct {
	Base
	UserID            uuid.UUID `gorm:"type:text;not null;index:idx_accounts_user_provider,priority:1"`
	Provider          string    `gorm:"not null;index:idx_accounts_user_provider,priority:2;uniqueIndex:idx_accounts_provider_account,priority:1"`
	ProviderAccountID string    `gorm:"not null;uniqueIndex:idx_accounts_provider_account,priority:2"`
	Secret            string    `gorm:"default:''"` // KDF hash for credentials providers, empty otherwise
	EmailVerified     string    `gorm:"default:''"` // the verified email value, set on verification
	PhoneVerified     string    `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Sessions & Refresh tokens
// -----------------------------------------------------------------------------

// Session is a long-lived authentication grant owned by one user. Every
// session owns a tree of refresh tokens rooted at the token minted when the
// session was created. ExpirationTime is absolute — sessions are not
// extended on use.
type Session struct {
	Base
	UserID         uuid.UUID `gorm:"type:text;not null;index"`
	ExpirationTime time.Time `gorm:"not null"`
}

// RefreshToken is a node in a per-session tree. ParentRefreshTokenID points
// at the token that was exchanged to create this one; the root has no parent.
// FirstUsedTime is nil until the token is exchanged for the first time. A
// token is active iff FirstUsedTime is nil and it has not expired.
type RefreshToken struct {
	Base
	SessionID            uuid.UUID `gorm:"type:text;not null;index;index:idx_refresh_session_parent,priority:1"`
	ExpirationTime       time.Time `gorm:"not null"`
	FirstUsedTime        *time.Time
	ParentRefreshTokenID *uuid.UUID `gorm:"type:text;index:idx_refresh_session_parent,priority:2"`
}

// -----------------------------------------------------------------------------
// Verification codes & OAuth verifiers
// -----------------------------------------------------------------------------

// VerificationCode is a single-use challenge bound to an account: an OTP, a
// magic-link token, or the handoff code minted after an OAuth callback.
// CodeHash is the keyed-HMAC digest of the code material, so a dump of the
// store does not disclose usable codes. At most one unconsumed code exists
// per account — issuing a new one deletes the previous.
type VerificationCode struct {
	Base
	AccountID      uuid.UUID `gorm:"type:text;not null;index"`
	Provider       string    `gorm:"not null"`
	CodeHash       string    `gorm:"not null;index"`
	ExpirationTime time.Time `gorm:"not null"`
	Verifier       string    `gorm:"default:''"` // client-held verifier that must accompany consumption
	EmailVerified  string    `gorm:"default:''"` // identifier this code verifies, if any
	PhoneVerified  string    `gorm:"default:''"`
	Profile        EncryptedString `gorm:"type:text;default:''"` // JSON profile captured from an OAuth callback
}

// Verifier holds the PKCE verifier, state and nonce for an in-flight OAuth
// redirect. It is created before the 302 to the provider and consumed at the
// callback. SessionID is set when an already signed-in user links a new
// account, so the linker can attach the new identity to the same user.
type Verifier struct {
	Base
	SessionID *uuid.UUID      `gorm:"type:text"`
	Signature string          `gorm:"not null;index"`
	Payload   EncryptedString `gorm:"type:text;default:''"` // state, nonce and PKCE verifier, JSON
}

// -----------------------------------------------------------------------------
// Rate limits
// -----------------------------------------------------------------------------

// RateLimit is a token bucket tracking failed verification attempts for one
// identifier (an account ID or a composite key). The bucket refills
// continuously; AttemptsLeft is the fractional balance as of LastAttemptTime.
type RateLimit struct {
	Base
	Identifier      string    `gorm:"not null;uniqueIndex"`
	LastAttemptTime time.Time `gorm:"not null"`
	AttemptsLeft    float64   `gorm:"not null"`
}
