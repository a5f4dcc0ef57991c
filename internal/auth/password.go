package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// ErrAccountExists is returned when a signUp flow hits an email that
// already has a password account.
var ErrAccountExists = errors.New("auth: account already exists")

// minPasswordLength is the floor applied before hashing. Providers wanting
// stricter policy wrap Authorize.
const minPasswordLength = 8

// PasswordProvider returns the built-in email/password credentials
// provider. The params contract: email, password, and flow ("signUp" or
// "signIn", defaulting to signIn). Secrets are hashed with argon2id unless
// the returned config's HashSecret/VerifySecret are overridden.
func PasswordProvider() *ProviderConfig {
	p := &ProviderConfig{
		ID:   "password",
		Type: ProviderTypeCredentials,
	}
	p.Authorize = func(ctx context.Context, params Params, actx *AuthorizeContext) (*AuthorizeResult, error) {
		return passwordAuthorize(ctx, p, params, actx)
	}
	return p
}

func passwordAuthorize(ctx context.Context, provider *ProviderConfig, params Params, actx *AuthorizeContext) (*AuthorizeResult, error) {
	email := strings.ToLower(strings.TrimSpace(params.Get("email")))
	password := params.Get("password")
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	tx, svc := actx.Tx, actx.Service

	account, err := tx.Accounts.GetByProviderAccount(ctx, provider.ID, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	switch params.Get("flow") {
	case "signUp":
		if account != nil {
			return nil, ErrAccountExists
		}
		return passwordSignUp(ctx, provider, email, password, actx)

	case "signIn", "":
		if account == nil {
			return nil, ErrAccountNotFound
		}
		return passwordSignIn(ctx, provider, account, password, tx, svc)

	default:
		return nil, fmt.Errorf("auth: unknown password flow %q", params.Get("flow"))
	}
}

func passwordSignUp(ctx context.Context, provider *ProviderConfig, email, password string, actx *AuthorizeContext) (*AuthorizeResult, error) {
	if len(password) < minPasswordLength {
		return nil, NewError(CodeInvalidCredentials, "password too short")
	}

	hasher := provider.HashSecret
	if hasher == nil {
		hasher = HashSecret
	}
	hash, err := hasher(password)
	if err != nil {
		return nil, err
	}

	userID, _, err := actx.Service.upsertUserAndAccount(ctx, actx.Tx, LinkArgs{
		Provider: provider,
		Account:  AccountSeed{ProviderAccountID: email, Secret: hash},
		Profile:  ProfileResult{ID: email, Email: email},
	})
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{UserID: userID}, nil
}

func passwordSignIn(ctx context.Context, provider *ProviderConfig, account *db.Account, password string, tx *repository.Tx, svc *Service) (*AuthorizeResult, error) {
	// The bucket is consulted before the secret: an empty bucket rejects
	// even a correct password.
	if err := svc.checkRateLimit(ctx, tx, account.ID.String()); err != nil {
		return nil, err
	}

	verify := provider.VerifySecret
	if verify == nil {
		verify = VerifySecret
	}
	if !verify(password, account.Secret) {
		if err := svc.recordFailedAttempt(ctx, tx, account.ID.String()); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	if err := svc.resetRateLimit(ctx, tx, account.ID.String()); err != nil {
		return nil, err
	}
	return &AuthorizeResult{UserID: account.UserID}, nil
}
