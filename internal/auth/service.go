// Package auth implements the authentication engine: the sign-in
// orchestrator, verification codes, the refresh-token tree, session
// management, account/user linking, the OAuth state machine, and rate
// limiting. All mutating operations run inside a single database
// transaction per request.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// CreateOrUpdateUserFunc replaces the engine's default linking logic when
// configured. It runs inside the sign-in transaction and returns the user
// the new account should attach to.
type CreateOrUpdateUserFunc func(ctx context.Context, tx *repository.Tx, args LinkArgs) (uuid.UUID, error)

// AfterUserCreatedOrUpdatedFunc observes the outcome of every link/upsert,
// inside the same transaction.
type AfterUserCreatedOrUpdatedFunc func(ctx context.Context, tx *repository.Tx, userID uuid.UUID, args LinkArgs) error

// Options configures a Service.
type Options struct {
	Store     *repository.Store
	Config    Config
	JWT       *JWTManager
	Providers []*ProviderConfig

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clockwork.Clock

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// HTTPClient is used for OAuth token exchange and discovery. Defaults
	// to a client with a 10 second timeout.
	HTTPClient *http.Client

	CreateOrUpdateUser        CreateOrUpdateUserFunc
	AfterUserCreatedOrUpdated AfterUserCreatedOrUpdatedFunc
}

// Service is the entry point for all authentication operations. The HTTP
// layer depends on Service, never on individual flows directly.
type Service struct {
	store     *repository.Store
	cfg       Config
	jwt       *JWTManager
	providers map[string]*ProviderConfig
	clock     clockwork.Clock
	logger    *zap.Logger
	client    *http.Client

	createOrUpdateUser        CreateOrUpdateUserFunc
	afterUserCreatedOrUpdated AfterUserCreatedOrUpdatedFunc
}

// NewService validates the configuration and builds a Service.
func NewService(opts Options) (*Service, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("auth: store is required")
	}
	if opts.JWT == nil {
		return nil, fmt.Errorf("auth: jwt manager is required")
	}

	providers := make(map[string]*ProviderConfig, len(opts.Providers))
	for _, p := range opts.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("auth: provider with empty ID")
		}
		if _, dup := providers[p.ID]; dup {
			return nil, fmt.Errorf("auth: duplicate provider %q", p.ID)
		}
		providers[p.ID] = p
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Service{
		store:                     opts.Store,
		cfg:                       cfg,
		jwt:                       opts.JWT,
		providers:                 providers,
		clock:                     clock,
		logger:                    logger.Named("auth"),
		client:                    client,
		createOrUpdateUser:        opts.CreateOrUpdateUser,
		afterUserCreatedOrUpdated: opts.AfterUserCreatedOrUpdated,
	}, nil
}

// Provider returns the provider registered under id, or nil.
func (s *Service) Provider(id string) *ProviderConfig {
	return s.providers[id]
}

// JWTManager exposes the underlying manager so the HTTP layer can serve
// the JWKS and discovery endpoints.
func (s *Service) JWTManager() *JWTManager {
	return s.jwt
}

// Config returns the engine configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// -----------------------------------------------------------------------------
// Request identity
// -----------------------------------------------------------------------------

type identityKey struct{}

// Identity is the authenticated caller attached to a request context by the
// bearer-token middleware.
type Identity struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
}

// WithIdentity attaches a validated identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the authenticating
// layer, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// CurrentSession returns the session ID of the authenticated caller, or
// uuid.Nil when the request carries no identity.
func (s *Service) CurrentSession(ctx context.Context) uuid.UUID {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return uuid.Nil
	}
	return id.SessionID
}

// sessionExpired reports whether the session is past its expiration at now.
func sessionExpired(session *db.Session, now time.Time) bool {
	return !session.ExpirationTime.After(now)
}
