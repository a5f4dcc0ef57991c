package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/auth"
	"github.com/gatehouse-io/gatehouse/internal/metrics"
)

const (
	// Cookie names for the values stashed between the authorization
	// redirect and the provider callback. All are scoped to the provider's
	// callback path and expire after oauthCookieTTL.
	stateCookie        = "gatehouse_state"
	nonceCookie        = "gatehouse_nonce"
	codeVerifierCookie = "gatehouse_pkce"
	verifierCookie     = "gatehouse_verifier"

	// oauthCookieTTL must outlast the identity provider's authorization
	// timeout.
	oauthCookieTTL = 10 * time.Minute
)

// AuthHandler groups the authentication HTTP handlers. It depends on
// auth.Service as the single entry point for all auth operations.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
	secure bool
}

// NewAuthHandler creates an AuthHandler. secure controls the cookie Secure
// flag — true in production, false in local development over HTTP.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
		secure: secure,
	}
}

// -----------------------------------------------------------------------------
// JSON sign-in / sign-out
// -----------------------------------------------------------------------------

// signInRequest is the JSON body for POST /api/auth/signin.
type signInRequest struct {
	Provider     string            `json:"provider,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Verifier     string            `json:"verifier,omitempty"`
	RefreshToken string            `json:"refreshToken,omitempty"`
}

// tokensResponse mirrors auth.Tokens in the response body. A completed
// sign-in carries both tokens; a null tokens object tells the client to
// sign in again.
type tokensResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type signInResponse struct {
	Tokens   *tokensResponse `json:"tokens"`
	Started  bool            `json:"started,omitempty"`
	Redirect string          `json:"redirect,omitempty"`
	Verifier string          `json:"verifier,omitempty"`
}

// SignIn handles POST /api/auth/signin — the single JSON entry point for
// every flow: refresh exchange, code verification, credentials, and
// starting email/phone or OAuth flows.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.svc.SignIn(r.Context(), auth.SignInArgs{
		Provider:     req.Provider,
		Params:       auth.Params(req.Params),
		Verifier:     req.Verifier,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		metrics.SignIns.WithLabelValues(providerLabel(req.Provider), errOutcome(err)).Inc()
		if writeAuthError(w, err) {
			return
		}
		h.logger.Error("sign-in failed",
			zap.String("provider", req.Provider),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	metrics.SignIns.WithLabelValues(providerLabel(req.Provider), resultOutcome(result)).Inc()

	resp := signInResponse{
		Started:  result.Started,
		Redirect: result.Redirect,
		Verifier: result.Verifier,
	}
	if result.Tokens != nil {
		resp.Tokens = &tokensResponse{
			Token:        result.Tokens.Token,
			RefreshToken: result.Tokens.RefreshToken,
		}
	}
	Ok(w, resp)
}

// SignOut handles POST /api/auth/signout. Destroys the caller's session;
// without a valid bearer token the call is a no-op.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.SignOut(r.Context()); err != nil {
		h.logger.Error("sign-out failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// -----------------------------------------------------------------------------
// OAuth redirect flow
// -----------------------------------------------------------------------------

// OAuthSignIn handles GET /api/auth/signin/{provider}. The client arrives
// here following the redirect returned by the JSON sign-in call, carrying
// its verifier in ?code. The handler builds the provider's authorization
// URL, stashes the check values as cookies on the callback path, and 302s.
func (h *AuthHandler) OAuthSignIn(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	clientVerifier := r.URL.Query().Get("code")
	if clientVerifier == "" {
		ErrBadRequest(w, "missing verifier code")
		return
	}
	redirectTo := r.URL.Query().Get("redirectTo")

	redirect, err := h.svc.AuthorizationURL(r.Context(), providerID, clientVerifier, redirectTo)
	if err != nil {
		if writeAuthError(w, err) {
			return
		}
		h.logger.Error("building authorization url",
			zap.String("provider", providerID),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	callbackPath := "/api/auth/callback/" + providerID
	h.setFlowCookie(w, stateCookie, redirect.State, callbackPath)
	h.setFlowCookie(w, nonceCookie, redirect.Nonce, callbackPath)
	h.setFlowCookie(w, codeVerifierCookie, redirect.CodeVerifier, callbackPath)
	h.setFlowCookie(w, verifierCookie, clientVerifier, callbackPath)

	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// OAuthCallback handles GET and POST /api/auth/callback/{provider}. On
// success the user lands on the site with ?code={verificationCode}; any
// failure logs at ERROR and redirects to the same site without a code.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			if code == "" {
				code = r.PostForm.Get("code")
			}
			if state == "" {
				state = r.PostForm.Get("state")
			}
		}
	}

	in := auth.CallbackInput{
		ProviderID:         providerID,
		Code:               code,
		State:              state,
		CookieState:        cookieValue(r, stateCookie),
		CookieNonce:        cookieValue(r, nonceCookie),
		CookieCodeVerifier: cookieValue(r, codeVerifierCookie),
		ClientVerifier:     cookieValue(r, verifierCookie),
	}

	h.clearFlowCookies(w, "/api/auth/callback/"+providerID)

	target, err := h.svc.HandleCallback(r.Context(), in)
	if err != nil {
		metrics.OAuthCallbacks.WithLabelValues(providerID, "failure").Inc()
		h.logger.Error("oauth callback failed",
			zap.String("provider", providerID),
			zap.Error(err))
		http.Redirect(w, r, h.svc.CallbackFailureURL(""), http.StatusFound)
		return
	}

	metrics.OAuthCallbacks.WithLabelValues(providerID, "success").Inc()
	http.Redirect(w, r, target, http.StatusFound)
}

// -----------------------------------------------------------------------------
// Cookie helpers
// -----------------------------------------------------------------------------

func (h *AuthHandler) setFlowCookie(w http.ResponseWriter, name, value, path string) {
	if value == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Expires:  time.Now().Add(oauthCookieTTL),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		Path:     path,
	})
}

func (h *AuthHandler) clearFlowCookies(w http.ResponseWriter, path string) {
	for _, name := range []string{stateCookie, nonceCookie, codeVerifierCookie, verifierCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.secure,
			SameSite: http.SameSiteLaxMode,
			Path:     path,
		})
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func providerLabel(provider string) string {
	if provider == "" {
		return "none"
	}
	return provider
}

func resultOutcome(result *auth.Result) string {
	switch {
	case result.Tokens != nil:
		return "success"
	case result.Started:
		return "started"
	case result.Redirect != "":
		return "redirect"
	default:
		return "silent"
	}
}

func errOutcome(err error) string {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return string(authErr.Code)
	}
	return "error"
}
