package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized.
type RouterConfig struct {
	Service *auth.Service
	Logger  *zap.Logger

	// Secure controls whether flow cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path and status.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// Authenticate attaches the caller's identity when a valid Bearer token
	// is present and passes unauthenticated requests through. Sign-in must
	// work without a token; sign-out needs the identity when there is one.
	r.Use(Authenticate(cfg.Service.JWTManager()))

	authHandler := NewAuthHandler(cfg.Service, cfg.Logger, cfg.Secure)
	wellKnownHandler := NewWellKnownHandler(cfg.Service, cfg.Logger)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signin", authHandler.SignIn)
		r.Post("/signout", authHandler.SignOut)

		// OAuth flow — the browser is bounced from /signin/{provider} to
		// the identity provider and back to /callback/{provider}.
		r.Get("/signin/{provider}", authHandler.OAuthSignIn)
		r.Get("/callback/{provider}", authHandler.OAuthCallback)
		r.Post("/callback/{provider}", authHandler.OAuthCallback)
	})

	// Discovery documents for token verifiers.
	r.Get("/.well-known/openid-configuration", wellKnownHandler.OpenIDConfiguration)
	r.Get("/.well-known/jwks.json", wellKnownHandler.JWKS)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
