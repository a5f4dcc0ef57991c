package auth

import (
	"errors"
	"time"
)

const (
	// defaultSessionTotalDuration is the absolute lifetime of a session.
	defaultSessionTotalDuration = 30 * 24 * time.Hour

	// defaultSessionInactiveDuration is the lifetime of a single refresh
	// token. A session whose tokens are never exchanged goes stale after
	// this long even if the session row itself has not expired.
	defaultSessionInactiveDuration = 30 * 24 * time.Hour

	// defaultAccessTokenDuration is the lifetime of a minted access JWT.
	defaultAccessTokenDuration = time.Hour

	// defaultMaxFailedAttempts is the rate-limit bucket size: failed
	// verification attempts per identifier per refill period.
	defaultMaxFailedAttempts = 10

	// rateLimitRefillPeriod is the time it takes an empty bucket to refill
	// completely. Refill is continuous, not stepped.
	rateLimitRefillPeriod = time.Hour

	// reuseWindow is how long after a refresh token's first use it may be
	// exchanged again without being treated as stolen.
	reuseWindow = 10 * time.Second
)

// Config carries the environment-derived settings the auth engine needs.
// cmd/server populates it from env; tests populate it directly.
type Config struct {
	// IssuerURL is the base URL this deployment is reachable at. It becomes
	// the JWT iss claim and the base of the OAuth redirect/callback URLs.
	IssuerURL string

	// SiteURL is the application origin users are redirected back to after
	// an OAuth round trip. redirectTo overrides are validated against it.
	SiteURL string

	// SigningSecret keys the HMAC used for verification-code hashes and
	// refresh-token envelopes.
	SigningSecret string

	// JWKS, when set, is served verbatim on /.well-known/jwks.json.
	// When empty the key set is derived from the signing key.
	JWKS string

	SessionTotalDuration    time.Duration
	SessionInactiveDuration time.Duration
	AccessTokenDuration     time.Duration

	// MaxFailedAttempts is the rate-limit bucket size. Zero means default.
	MaxFailedAttempts float64
}

// WithDefaults fills zero-valued durations and limits.
func (c Config) WithDefaults() Config {
	if c.SessionTotalDuration == 0 {
		c.SessionTotalDuration = defaultSessionTotalDuration
	}
	if c.SessionInactiveDuration == 0 {
		c.SessionInactiveDuration = defaultSessionInactiveDuration
	}
	if c.AccessTokenDuration == 0 {
		c.AccessTokenDuration = defaultAccessTokenDuration
	}
	if c.MaxFailedAttempts == 0 {
		c.MaxFailedAttempts = defaultMaxFailedAttempts
	}
	return c
}

// validate rejects configurations that cannot work at all.
func (c Config) validate() error {
	if c.IssuerURL == "" {
		return errors.New("auth: issuer URL is required")
	}
	if c.SiteURL == "" {
		return errors.New("auth: site URL is required")
	}
	if c.SigningSecret == "" {
		return errors.New("auth: signing secret is required")
	}
	return nil
}
