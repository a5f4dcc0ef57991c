package auth

import (
	"context"

	"github.com/gatehouse-io/gatehouse/internal/db"
)

// AnonymousProvider returns a credentials provider that signs in a brand
// new anonymous user on every call. The account's providerAccountID is
// random, so repeated calls never collide.
func AnonymousProvider() *ProviderConfig {
	p := &ProviderConfig{
		ID:   "anonymous",
		Type: ProviderTypeCredentials,
	}
	p.Authorize = func(ctx context.Context, _ Params, actx *AuthorizeContext) (*AuthorizeResult, error) {
		user := &db.User{IsAnonymous: true}
		if err := actx.Tx.Users.Create(ctx, user); err != nil {
			return nil, err
		}

		id, err := generateRandomBase64(verificationTokenBytes)
		if err != nil {
			return nil, err
		}
		account := &db.Account{
			UserID:            user.ID,
			Provider:          p.ID,
			ProviderAccountID: id,
		}
		if err := actx.Tx.Accounts.Create(ctx, account); err != nil {
			return nil, err
		}

		return &AuthorizeResult{UserID: user.ID}, nil
	}
	return p
}
