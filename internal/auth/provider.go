package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// ProviderType distinguishes the five flows a provider can drive.
type ProviderType string

const (
	ProviderTypeOAuth       ProviderType = "oauth"
	ProviderTypeOIDC        ProviderType = "oidc"
	ProviderTypeEmail       ProviderType = "email"
	ProviderTypePhone       ProviderType = "phone"
	ProviderTypeCredentials ProviderType = "credentials"
)

// OAuth check names a provider can request on the authorization round trip.
const (
	CheckPKCE  = "pkce"
	CheckState = "state"
	CheckNonce = "nonce"
)

// Params carries the caller-supplied sign-in parameters: credentials,
// identifiers, verification codes, flow selectors.
type Params map[string]string

// Get returns the named parameter or empty string.
func (p Params) Get(key string) string {
	if p == nil {
		return ""
	}
	return p[key]
}

// Tokens is the result of a successful sign-in or refresh exchange.
type Tokens struct {
	// Token is the signed access JWT.
	Token string

	// RefreshToken is the opaque signed envelope exchangeable for the next
	// pair. The HTTP layer decides how to transport it; this struct carries
	// no cookie metadata.
	RefreshToken string
}

// Result is the outcome of a SignIn call. Exactly one shape is populated:
// Tokens on a completed sign-in, Started for a delivered verification code,
// Redirect+Verifier for an OAuth handoff. A nil Tokens with nothing else set
// is the silent "please sign in again" outcome.
type Result struct {
	Tokens   *Tokens
	Started  bool
	Redirect string
	Verifier string
}

// VerificationRequest is handed to an email/phone provider's delivery
// function after the code row has committed.
type VerificationRequest struct {
	// Identifier is the address the code should be delivered to.
	Identifier string

	// URL is an absolute link embedding the code, for magic-link delivery.
	URL string

	// Token is the raw code, for OTP delivery.
	Token string

	// Expires is when the code stops being consumable.
	Expires time.Time

	Provider *ProviderConfig
}

// ProfileResult is a provider-normalized external identity. ID is the
// provider-side unique identifier and is required; everything else is
// optional profile data merged into the user row.
type ProfileResult struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"emailVerified,omitempty"`
	Phone         string `json:"phone,omitempty"`
	PhoneVerified bool   `json:"phoneVerified,omitempty"`
	Name          string `json:"name,omitempty"`
	Image         string `json:"image,omitempty"`
}

// AuthorizeContext gives a credentials provider's Authorize callback access
// to the engine within the sign-in transaction.
type AuthorizeContext struct {
	Tx      *repository.Tx
	Service *Service
}

// AuthorizeResult is returned by a credentials provider on success. When
// SessionID is set, tokens are minted on that existing session instead of
// creating a new one.
type AuthorizeResult struct {
	UserID    uuid.UUID
	SessionID *uuid.UUID
}

// ProviderConfig describes one configured authentication provider. Which
// fields apply depends on Type; the zero value of the rest is ignored.
type ProviderConfig struct {
	// ID is the provider's route segment and the Account.Provider value,
	// e.g. "password", "github", "resend-otp".
	ID   string
	Type ProviderType

	// Email / phone providers.

	// SendVerificationRequest delivers the code to the identifier. It runs
	// after the issuing transaction commits, best-effort.
	SendVerificationRequest func(ctx context.Context, req VerificationRequest) error

	// GenerateVerificationToken overrides the default code generator
	// (32 random bytes, base64url). OTP providers typically return a short
	// numeric code here.
	GenerateVerificationToken func() (string, error)

	// NormalizeIdentifier canonicalizes the raw identifier. The default
	// lower-cases emails and leaves phone numbers untouched.
	NormalizeIdentifier func(raw string) string

	// MaxAge is how long an issued code stays consumable.
	MaxAge time.Duration

	// OAuth / OIDC providers.

	ClientID     string
	ClientSecret string

	// Issuer enables endpoint discovery. Explicit endpoints below override
	// discovered ones.
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string

	// Scopes defaults to "openid profile email" for OIDC.
	Scopes []string

	// Checks is the subset of {pkce, state, nonce} this provider requires
	// on the round trip. Defaults to {pkce, state}.
	Checks []string

	// Profile normalizes the raw claims or userinfo document. Defaults to
	// reading the standard OIDC claims.
	Profile func(raw map[string]any) (ProfileResult, error)

	// AllowDangerousEmailAccountLinking controls whether a verified email
	// asserted by this provider may link to an existing user with the same
	// verified email. Defaults to true for oauth/oidc; nil means default.
	AllowDangerousEmailAccountLinking *bool

	// AuthorizationParams are extra query parameters for the authorization
	// URL.
	AuthorizationParams map[string]string

	// Credentials providers.

	// Authorize validates the params and returns the signed-in user, or
	// nil for a silent failure. Typed errors propagate to the caller.
	Authorize func(ctx context.Context, params Params, actx *AuthorizeContext) (*AuthorizeResult, error)

	// HashSecret and VerifySecret override the default argon2id KDF.
	HashSecret   func(secret string) (string, error)
	VerifySecret func(secret, hash string) bool
}

// normalizeIdentifier applies the provider's normalizer, defaulting to
// lower-casing for email providers. Emails are case-insensitive for
// identification throughout the engine.
func (p *ProviderConfig) normalizeIdentifier(raw string) string {
	if p.NormalizeIdentifier != nil {
		return p.NormalizeIdentifier(raw)
	}
	if p.Type == ProviderTypeEmail {
		return strings.ToLower(raw)
	}
	return raw
}

// linkByVerifiedEmail reports whether a verified email from this provider
// may be used to link to an existing user. For oauth/oidc the default is
// true; setting AllowDangerousEmailAccountLinking to false opts out.
func (p *ProviderConfig) linkByVerifiedEmail() bool {
	if p.AllowDangerousEmailAccountLinking != nil {
		return *p.AllowDangerousEmailAccountLinking
	}
	return true
}

// checks returns the provider's round-trip checks, defaulting to
// {pkce, state}.
func (p *ProviderConfig) checks() []string {
	if len(p.Checks) > 0 {
		return p.Checks
	}
	return []string{CheckPKCE, CheckState}
}

// hasCheck reports whether name is among the provider's checks.
func (p *ProviderConfig) hasCheck(name string) bool {
	for _, c := range p.checks() {
		if c == name {
			return true
		}
	}
	return false
}
