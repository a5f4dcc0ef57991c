package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

const (
	// oauthStateBytes is the entropy of the state parameter.
	oauthStateBytes = 16

	// oauthNonceBytes is the entropy of the OIDC nonce.
	oauthNonceBytes = 16

	// oauthCodeMaxAge is how long the post-callback handoff code stays
	// consumable. The client exchanges it immediately, so this is short.
	oauthCodeMaxAge = 10 * time.Minute
)

// verifierPayload is the JSON persisted (encrypted) on a Verifier row
// between the authorization redirect and the callback.
type verifierPayload struct {
	State        string `json:"state,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
	RedirectTo   string `json:"redirectTo,omitempty"`
}

// AuthorizationRedirect is everything the sign-in HTTP handler needs to
// send the user to the provider: the URL plus the check values to set as
// short-lived cookies on the callback path.
type AuthorizationRedirect struct {
	URL          string
	State        string
	Nonce        string
	CodeVerifier string
}

// CallbackInput carries the provider callback's query parameters and the
// cookies set during the authorization redirect.
type CallbackInput struct {
	ProviderID string
	Code       string
	State      string

	CookieState        string
	CookieNonce        string
	CookieCodeVerifier string

	// ClientVerifier is the verifier handed to the client when the flow
	// started; it binds the final handoff code to that client.
	ClientVerifier string
}

// AuthorizationURL builds the provider's authorization URL, generating the
// state / nonce / PKCE values the provider's checks call for, and stashes
// them on the Verifier row created when the flow started.
func (s *Service) AuthorizationURL(ctx context.Context, providerID, clientVerifier, redirectTo string) (*AuthorizationRedirect, error) {
	provider := s.providers[providerID]
	if provider == nil || (provider.Type != ProviderTypeOAuth && provider.Type != ProviderTypeOIDC) {
		return nil, fmt.Errorf("auth: %q is not a configured oauth provider", providerID)
	}

	oauthCfg, s256Supported, err := s.oauthConfig(ctx, provider)
	if err != nil {
		return nil, err
	}

	usePKCE := provider.hasCheck(CheckPKCE) && s256Supported
	useNonce := provider.hasCheck(CheckNonce) ||
		(provider.hasCheck(CheckPKCE) && !s256Supported && provider.Type == ProviderTypeOIDC)

	redirect := &AuthorizationRedirect{}
	var opts []oauth2.AuthCodeOption

	if provider.hasCheck(CheckState) {
		redirect.State, err = generateRandomBase64(oauthStateBytes)
		if err != nil {
			return nil, fmt.Errorf("auth: generating oauth state: %w", err)
		}
	}
	if usePKCE {
		redirect.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(redirect.CodeVerifier))
	}
	if useNonce {
		redirect.Nonce, err = generateRandomBase64(oauthNonceBytes)
		if err != nil {
			return nil, fmt.Errorf("auth: generating oidc nonce: %w", err)
		}
		opts = append(opts, oauth2.SetAuthURLParam("nonce", redirect.Nonce))
	}
	for k, v := range provider.AuthorizationParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	payload, err := json.Marshal(verifierPayload{
		State:        redirect.State,
		Nonce:        redirect.Nonce,
		CodeVerifier: redirect.CodeVerifier,
		RedirectTo:   redirectTo,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: encoding verifier payload: %w", err)
	}

	err = s.store.InTx(ctx, func(tx *repository.Tx) error {
		row, err := tx.Verifiers.GetBySignature(ctx, hashCode(s.cfg.SigningSecret, clientVerifier))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInvalidVerifier
			}
			return err
		}
		_, err = tx.Verifiers.Patch(ctx, row.ID, map[string]any{
			"payload": db.EncryptedString(payload),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	redirect.URL = oauthCfg.AuthCodeURL(redirect.State, opts...)
	return redirect, nil
}

// HandleCallback completes the OAuth round trip: validates the checks,
// exchanges the authorization code, normalizes the external profile, links
// the account, and mints the handoff verification code. It returns the URL
// to redirect the user to. Callers treat any error as a silent failure and
// redirect to CallbackFailureURL instead.
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) (string, error) {
	provider := s.providers[in.ProviderID]
	if provider == nil || (provider.Type != ProviderTypeOAuth && provider.Type != ProviderTypeOIDC) {
		return "", fmt.Errorf("auth: %q is not a configured oauth provider", in.ProviderID)
	}

	// Load and consume the stashed verifier first: it holds the server-side
	// copy of the checks.
	var payload verifierPayload
	var linkSessionID *uuid.UUID
	err := s.store.InTx(ctx, func(tx *repository.Tx) error {
		row, err := tx.Verifiers.GetBySignature(ctx, hashCode(s.cfg.SigningSecret, in.ClientVerifier))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInvalidVerifier
			}
			return err
		}
		if row.Payload != "" {
			if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
				return fmt.Errorf("auth: decoding verifier payload: %w", err)
			}
		}
		linkSessionID = row.SessionID
		return tx.Verifiers.Delete(ctx, row.ID)
	})
	if err != nil {
		return "", err
	}

	if provider.hasCheck(CheckState) {
		if in.State == "" || in.State != in.CookieState || in.State != payload.State {
			return "", WrapError(CodeOAuthFailed, "state mismatch", nil)
		}
	}

	codeVerifier := payload.CodeVerifier
	if codeVerifier == "" {
		codeVerifier = in.CookieCodeVerifier
	}

	oauthCfg, _, err := s.oauthConfig(ctx, provider)
	if err != nil {
		return "", err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)

	var exchangeOpts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(codeVerifier))
	}
	token, err := oauthCfg.Exchange(ctx, in.Code, exchangeOpts...)
	if err != nil {
		return "", WrapError(CodeOAuthFailed, "exchanging authorization code", err)
	}

	raw, err := s.fetchIdentity(ctx, provider, token, payload.Nonce)
	if err != nil {
		return "", err
	}

	profile, err := s.normalizeProfile(provider, raw)
	if err != nil {
		return "", err
	}

	handoff, err := generateRandomBase64(verificationTokenBytes)
	if err != nil {
		return "", fmt.Errorf("auth: generating handoff code: %w", err)
	}

	err = s.store.InTx(ctx, func(tx *repository.Tx) error {
		existing, err := tx.Accounts.GetByProviderAccount(ctx, provider.ID, profile.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		args := LinkArgs{
			Provider:        provider,
			Account:         AccountSeed{ProviderAccountID: profile.ID},
			Profile:         profile,
			ExistingAccount: existing,
		}
		if linkSessionID != nil {
			if session, err := tx.Sessions.GetByID(ctx, *linkSessionID); err == nil {
				args.TargetUserID = session.UserID
			}
		}

		_, accountID, err := s.upsertUserAndAccount(ctx, tx, args)
		if err != nil {
			return err
		}
		account, err := tx.Accounts.GetByID(ctx, accountID)
		if err != nil {
			return err
		}

		issueArgs := issueCodeArgs{
			account:  account,
			provider: provider,
			code:     handoff,
			expires:  s.clock.Now().Add(oauthCodeMaxAge),
			verifier: in.ClientVerifier,
			profile:  &profile,
		}
		if args.emailTreatedVerified() {
			issueArgs.emailVerified = profile.Email
		}
		if args.phoneTreatedVerified() {
			issueArgs.phoneVerified = profile.Phone
		}
		return s.issueCode(ctx, tx, issueArgs)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("oauth callback completed",
		zap.String("provider", provider.ID),
		zap.String("subject", Redact(profile.ID)))

	return s.validateRedirect(payload.RedirectTo) + "?code=" + url.QueryEscape(handoff), nil
}

// CallbackFailureURL is where failed callbacks land: the validated site
// origin with no code parameter. Nothing about the failure leaks into the
// redirect.
func (s *Service) CallbackFailureURL(redirectTo string) string {
	return s.validateRedirect(redirectTo)
}

// oauthConfig resolves the provider's endpoints, through discovery when an
// issuer is configured, and reports whether the server advertises S256.
func (s *Service) oauthConfig(ctx context.Context, provider *ProviderConfig) (*oauth2.Config, bool, error) {
	endpoint := oauth2.Endpoint{
		AuthURL:  provider.AuthorizationEndpoint,
		TokenURL: provider.TokenEndpoint,
	}
	s256Supported := true

	if provider.Issuer != "" && (endpoint.AuthURL == "" || endpoint.TokenURL == "") {
		discovered, err := gooidc.NewProvider(gooidc.ClientContext(ctx, s.client), provider.Issuer)
		if err != nil {
			return nil, false, WrapError(CodeOAuthFailed, "discovering issuer metadata", err)
		}
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.Endpoint().AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.Endpoint().TokenURL
		}

		var meta struct {
			CodeChallengeMethods []string `json:"code_challenge_methods_supported"`
		}
		if err := discovered.Claims(&meta); err == nil && len(meta.CodeChallengeMethods) > 0 {
			s256Supported = false
			for _, m := range meta.CodeChallengeMethods {
				if m == "S256" {
					s256Supported = true
				}
			}
		}
	}

	scopes := provider.Scopes
	if len(scopes) == 0 && provider.Type == ProviderTypeOIDC {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}

	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RedirectURL:  s.cfg.IssuerURL + "/api/auth/callback/" + provider.ID,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}, s256Supported, nil
}

// fetchIdentity obtains the raw external identity: validated ID-token
// claims for OIDC, the userinfo document for plain OAuth2.
func (s *Service) fetchIdentity(ctx context.Context, provider *ProviderConfig, token *oauth2.Token, nonce string) (map[string]any, error) {
	if provider.Type == ProviderTypeOIDC {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, NewError(CodeOAuthFailed, "token response missing id_token")
		}

		discovered, err := gooidc.NewProvider(gooidc.ClientContext(ctx, s.client), provider.Issuer)
		if err != nil {
			return nil, WrapError(CodeOAuthFailed, "discovering issuer metadata", err)
		}
		idToken, err := discovered.Verifier(&gooidc.Config{ClientID: provider.ClientID}).Verify(ctx, rawIDToken)
		if err != nil {
			return nil, WrapError(CodeOAuthFailed, "verifying id_token", err)
		}
		if nonce != "" && idToken.Nonce != nonce {
			return nil, NewError(CodeOAuthFailed, "nonce mismatch")
		}

		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return nil, WrapError(CodeOAuthFailed, "decoding id_token claims", err)
		}
		return claims, nil
	}

	userinfo := provider.UserinfoEndpoint
	if userinfo == "" {
		return nil, NewError(CodeOAuthFailed, "oauth provider has no userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfo, nil)
	if err != nil {
		return nil, WrapError(CodeOAuthFailed, "building userinfo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, WrapError(CodeOAuthFailed, "calling userinfo", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, WrapError(CodeOAuthFailed, "userinfo returned non-200", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, WrapError(CodeOAuthFailed, "decoding userinfo", err)
	}
	return doc, nil
}

// normalizeProfile runs the provider's Profile callback, defaulting to the
// standard OIDC claim names, and rejects identities without a usable ID.
func (s *Service) normalizeProfile(provider *ProviderConfig, raw map[string]any) (ProfileResult, error) {
	var profile ProfileResult
	var err error
	if provider.Profile != nil {
		profile, err = provider.Profile(raw)
		if err != nil {
			return ProfileResult{}, WrapError(CodeOAuthFailed, "normalizing profile", err)
		}
	} else {
		profile = defaultProfile(raw)
	}

	if profile.ID == "" {
		return ProfileResult{}, NewError(CodeOAuthFailed, "profile has no id")
	}
	return profile, nil
}

// defaultProfile reads the standard OIDC claims, tolerating numeric IDs
// from plain OAuth providers.
func defaultProfile(raw map[string]any) ProfileResult {
	profile := ProfileResult{}

	switch id := raw["sub"].(type) {
	case string:
		profile.ID = id
	}
	if profile.ID == "" {
		switch id := raw["id"].(type) {
		case string:
			profile.ID = id
		case float64:
			profile.ID = strconv.FormatInt(int64(id), 10)
		}
	}

	if email, ok := raw["email"].(string); ok {
		profile.Email = email
	}
	if verified, ok := raw["email_verified"].(bool); ok {
		profile.EmailVerified = verified
	}
	if name, ok := raw["name"].(string); ok {
		profile.Name = name
	}
	if picture, ok := raw["picture"].(string); ok {
		profile.Image = picture
	}
	return profile
}

// validateRedirect resolves a redirectTo override against the configured
// site origin. Anything cross-origin falls back to the site URL.
func (s *Service) validateRedirect(redirectTo string) string {
	if redirectTo == "" {
		return s.cfg.SiteURL
	}

	site, err := url.Parse(s.cfg.SiteURL)
	if err != nil {
		return s.cfg.SiteURL
	}
	target, err := url.Parse(redirectTo)
	if err != nil {
		return s.cfg.SiteURL
	}

	if target.Scheme == "" && target.Host == "" {
		// Relative path: resolve against the site origin.
		return site.ResolveReference(target).String()
	}
	if target.Scheme == site.Scheme && target.Host == site.Host {
		return redirectTo
	}

	s.logger.Warn("rejecting cross-origin redirect", zap.String("redirectTo", redirectTo))
	return s.cfg.SiteURL
}
