package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// defaultVerificationMaxAge is how long an issued email/phone code stays
// consumable when the provider does not set MaxAge.
const defaultVerificationMaxAge = 24 * time.Hour

// SignInArgs is the single entry point's input. Provider may be empty for
// the refresh and bare-code flows.
type SignInArgs struct {
	Provider     string
	Params       Params
	Verifier     string
	RefreshToken string
}

// SignIn dispatches to one of the five flows:
//
//  1. no provider + refresh token: refresh exchange
//  2. no provider + code: verify a previously issued code
//  3. email/phone provider: verify a code, or issue and deliver one
//  4. credentials provider: authorize directly
//  5. oauth/oidc provider: verify the handoff code, or start the redirect
//
// Expired sessions, expired refresh tokens and failed credentials checks
// come back as a Result with nil Tokens rather than an error — those states
// are indistinguishable from "please sign in again".
func (s *Service) SignIn(ctx context.Context, args SignInArgs) (*Result, error) {
	if args.Provider == "" {
		if args.RefreshToken != "" {
			tokens, err := s.ExchangeRefreshToken(ctx, args.RefreshToken)
			if err != nil {
				return nil, err
			}
			return &Result{Tokens: tokens}, nil
		}
		if args.Params.Get("code") != "" {
			return s.signInWithCode(ctx, nil, args.Params, args.Verifier)
		}
		return nil, fmt.Errorf("auth: sign-in requires a provider, a code, or a refresh token")
	}

	provider := s.providers[args.Provider]
	if provider == nil {
		return nil, fmt.Errorf("auth: unknown provider %q", args.Provider)
	}

	switch provider.Type {
	case ProviderTypeEmail, ProviderTypePhone:
		if args.Params.Get("code") != "" {
			return s.signInWithCode(ctx, provider, args.Params, args.Verifier)
		}
		return s.startVerification(ctx, provider, args.Params)

	case ProviderTypeCredentials:
		return s.signInWithCredentials(ctx, provider, args.Params)

	case ProviderTypeOAuth, ProviderTypeOIDC:
		if args.Params.Get("code") != "" {
			return s.signInWithCode(ctx, provider, args.Params, args.Verifier)
		}
		return s.startOAuth(ctx, provider, args.Params)

	default:
		return nil, fmt.Errorf("auth: provider %q has unsupported type %q", provider.ID, provider.Type)
	}
}

// signInWithCode consumes a verification code and completes the sign-in for
// the account it was issued to. This is the shared tail of the OTP,
// magic-link and OAuth flows.
func (s *Service) signInWithCode(ctx context.Context, provider *ProviderConfig, params Params, verifier string) (*Result, error) {
	var tokens *Tokens
	err := s.store.InTx(ctx, func(tx *repository.Tx) error {
		account, row, err := s.consumeCode(ctx, tx, provider, params.Get("code"), verifier, params)
		if err != nil {
			return err
		}

		rowProvider := provider
		if rowProvider == nil {
			rowProvider = s.providers[row.Provider]
			if rowProvider == nil {
				return WrapError(CodeInternalError, "code issued by unconfigured provider", fmt.Errorf("provider %q", row.Provider))
			}
		}

		profile, err := codeProfile(row)
		if err != nil {
			return err
		}
		if profile == nil {
			profile = &ProfileResult{
				ID:            account.ProviderAccountID,
				Email:         row.EmailVerified,
				EmailVerified: row.EmailVerified != "",
				Phone:         row.PhoneVerified,
				PhoneVerified: row.PhoneVerified != "",
			}
		}

		userID, _, err := s.upsertUserAndAccount(ctx, tx, LinkArgs{
			Provider:        rowProvider,
			Account:         AccountSeed{ProviderAccountID: account.ProviderAccountID},
			Profile:         *profile,
			ExistingAccount: account,
		})
		if err != nil {
			return err
		}

		session, err := s.createSession(ctx, tx, userID)
		if err != nil {
			return err
		}
		tokens, err = s.mintTokens(ctx, tx, userID, session.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Tokens: tokens}, nil
}

// startVerification issues a code for an email/phone identifier and invokes
// the provider's delivery function after the row has committed.
func (s *Service) startVerification(ctx context.Context, provider *ProviderConfig, params Params) (*Result, error) {
	raw := params.Get("email")
	if provider.Type == ProviderTypePhone {
		raw = params.Get("phone")
	}
	if raw == "" {
		return nil, fmt.Errorf("auth: provider %q requires an identifier", provider.ID)
	}
	identifier := provider.normalizeIdentifier(raw)

	token, err := s.generateVerificationToken(provider)
	if err != nil {
		return nil, err
	}

	maxAge := provider.MaxAge
	if maxAge == 0 {
		maxAge = defaultVerificationMaxAge
	}
	expires := s.clock.Now().Add(maxAge)

	err = s.store.InTx(ctx, func(tx *repository.Tx) error {
		account, err := tx.Accounts.GetByProviderAccount(ctx, provider.ID, identifier)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		profile := ProfileResult{ID: identifier}
		var verifiedEmail, verifiedPhone string
		if provider.Type == ProviderTypePhone {
			profile.Phone = identifier
			verifiedPhone = identifier
		} else {
			profile.Email = identifier
			verifiedEmail = identifier
		}

		_, accountID, err := s.upsertUserAndAccount(ctx, tx, LinkArgs{
			Provider:        provider,
			Account:         AccountSeed{ProviderAccountID: identifier},
			Profile:         profile,
			ExistingAccount: account,
		})
		if err != nil {
			return err
		}

		account, err = tx.Accounts.GetByID(ctx, accountID)
		if err != nil {
			return err
		}

		return s.issueCode(ctx, tx, issueCodeArgs{
			account:       account,
			provider:      provider,
			code:          token,
			expires:       expires,
			emailVerified: verifiedEmail,
			phoneVerified: verifiedPhone,
		})
	})
	if err != nil {
		return nil, err
	}

	// Delivery happens after commit: a crash here leaves an unconsumed code
	// that expires naturally.
	if provider.SendVerificationRequest != nil {
		req := VerificationRequest{
			Identifier: identifier,
			Token:      token,
			Expires:    expires,
			Provider:   provider,
		}
		// Only full-entropy default tokens are safe to embed in a link;
		// short OTPs are typed by the user instead.
		if provider.GenerateVerificationToken == nil {
			req.URL = s.cfg.SiteURL + "?code=" + url.QueryEscape(token)
		}
		if err := provider.SendVerificationRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("auth: delivering verification code: %w", err)
		}
	}

	s.logger.Info("verification started",
		zap.String("provider", provider.ID),
		zap.String("identifier", Redact(identifier)))
	return &Result{Started: true}, nil
}

// signInWithCredentials runs the provider's Authorize callback inside the
// sign-in transaction. A nil result is the silent failure; typed errors
// propagate.
func (s *Service) signInWithCredentials(ctx context.Context, provider *ProviderConfig, params Params) (*Result, error) {
	if provider.Authorize == nil {
		return nil, fmt.Errorf("auth: credentials provider %q has no authorize callback", provider.ID)
	}

	var tokens *Tokens
	err := s.store.InTx(ctx, func(tx *repository.Tx) error {
		res, err := provider.Authorize(ctx, params, &AuthorizeContext{Tx: tx, Service: s})
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}

		sessionID := res.SessionID
		if sessionID == nil {
			session, err := s.createSession(ctx, tx, res.UserID)
			if err != nil {
				return err
			}
			sessionID = &session.ID
		}
		tokens, err = s.mintTokens(ctx, tx, res.UserID, *sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Tokens: tokens}, nil
}

// startOAuth stashes a fresh client verifier and hands back the redirect
// into this deployment's sign-in route. The HTTP layer then builds the
// provider's authorization URL and 302s onward.
func (s *Service) startOAuth(ctx context.Context, provider *ProviderConfig, params Params) (*Result, error) {
	verifier, err := generateRandomBase64(verificationTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: generating oauth verifier: %w", err)
	}

	err = s.store.InTx(ctx, func(tx *repository.Tx) error {
		row := &db.Verifier{
			Signature: hashCode(s.cfg.SigningSecret, verifier),
		}
		if current := s.CurrentSession(ctx); current != uuid.Nil {
			id := current
			row.SessionID = &id
		}
		return tx.Verifiers.Create(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	redirect := s.cfg.IssuerURL + "/api/auth/signin/" + provider.ID + "?code=" + url.QueryEscape(verifier)
	if redirectTo := params.Get("redirectTo"); redirectTo != "" {
		redirect += "&redirectTo=" + url.QueryEscape(redirectTo)
	}

	return &Result{Redirect: redirect, Verifier: verifier}, nil
}

// generateVerificationToken uses the provider's generator when configured,
// falling back to 32 random base64url bytes (magic-link length).
func (s *Service) generateVerificationToken(provider *ProviderConfig) (string, error) {
	if provider.GenerateVerificationToken != nil {
		return provider.GenerateVerificationToken()
	}
	return generateRandomBase64(verificationTokenBytes)
}
