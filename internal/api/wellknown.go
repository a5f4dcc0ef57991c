package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// wellKnownCacheControl allows short client-side caching so token verifiers
// polling the discovery documents do not hammer the server, while still
// picking up key rotations quickly.
const wellKnownCacheControl = "public, max-age=15, stale-while-revalidate=15"

// WellKnownHandler serves the OIDC discovery document and the JWKS used to
// verify access tokens issued by this server.
type WellKnownHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

func NewWellKnownHandler(svc *auth.Service, logger *zap.Logger) *WellKnownHandler {
	return &WellKnownHandler{
		svc:    svc,
		logger: logger.Named("wellknown_handler"),
	}
}

// OpenIDConfiguration handles GET /.well-known/openid-configuration.
func (h *WellKnownHandler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	issuer := h.svc.Config().IssuerURL
	doc := map[string]any{
		"issuer":                 issuer,
		"jwks_uri":               issuer + "/.well-known/jwks.json",
		"authorization_endpoint": issuer + "/oauth/authorize",
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", wellKnownCacheControl)
	_ = json.NewEncoder(w).Encode(doc)
}

// JWKS handles GET /.well-known/jwks.json. When a key set was supplied
// through configuration it is served verbatim; otherwise the set is derived
// from the signing key.
func (h *WellKnownHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", wellKnownCacheControl)

	if jwks := h.svc.Config().JWKS; jwks != "" {
		_, _ = w.Write([]byte(jwks))
		return
	}

	set, err := h.svc.JWTManager().JWKS()
	if err != nil {
		h.logger.Error("building jwks", zap.Error(err))
		ErrInternal(w)
		return
	}
	_, _ = w.Write(set)
}
