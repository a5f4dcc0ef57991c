package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/gatehouse-io/gatehouse/internal/repository"
)

func TestPasswordSignUpAndSignIn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	signUpPassword(t, svc, "sarah@example.com", "correct horse battery staple")

	result, err := svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "sarah@example.com", "password": "correct horse battery staple"},
	})
	if err != nil {
		t.Fatalf("sign-in: %v", err)
	}
	if result.Tokens == nil {
		t.Fatal("sign-in returned no tokens")
	}

	// The stored secret is a KDF hash, never the plaintext.
	err = svc.store.InTx(ctx, func(tx *repository.Tx) error {
		account, err := tx.Accounts.GetByProviderAccount(ctx, "password", "sarah@example.com")
		if err != nil {
			return err
		}
		if account.Secret == "correct horse battery staple" || account.Secret == "" {
			t.Errorf("secret stored as %q", account.Secret)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspecting account: %v", err)
	}
}

func TestPasswordSignUpDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	signUpPassword(t, svc, "sarah@example.com", "correct horse battery staple")

	_, err := svc.SignIn(context.Background(), SignInArgs{
		Provider: "password",
		Params:   Params{"email": "sarah@example.com", "password": "another password", "flow": "signUp"},
	})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("got %v, want ErrAccountExists", err)
	}
}

func TestPasswordSignUpRejectsShortPassword(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SignIn(context.Background(), SignInArgs{
		Provider: "password",
		Params:   Params{"email": "sarah@example.com", "password": "short", "flow": "signUp"},
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want invalid-credentials", err)
	}
}

func TestPasswordSignInFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	signUpPassword(t, svc, "sarah@example.com", "correct horse battery staple")

	_, err := svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "sarah@example.com", "password": "wrong password"},
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", err)
	}

	_, err = svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "nobody@example.com", "password": "whatever"},
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("unknown email: got %v, want ErrAccountNotFound", err)
	}
}

func TestPasswordEmailNormalization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	signUpPassword(t, svc, "Sarah@Example.COM ", "correct horse battery staple")

	result, err := svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "sarah@example.com", "password": "correct horse battery staple"},
	})
	if err != nil {
		t.Fatalf("sign-in with canonical email: %v", err)
	}
	if result.Tokens == nil {
		t.Fatal("no tokens")
	}
}

func TestAnonymousSignIn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.SignIn(ctx, SignInArgs{Provider: "anonymous"})
	if err != nil {
		t.Fatalf("anonymous sign-in: %v", err)
	}
	if first.Tokens == nil {
		t.Fatal("no tokens")
	}

	second, err := svc.SignIn(ctx, SignInArgs{Provider: "anonymous"})
	if err != nil {
		t.Fatalf("second anonymous sign-in: %v", err)
	}

	u1, _, err := svc.jwt.Validate(first.Tokens.Token)
	if err != nil {
		t.Fatalf("validating first token: %v", err)
	}
	u2, _, err := svc.jwt.Validate(second.Tokens.Token)
	if err != nil {
		t.Fatalf("validating second token: %v", err)
	}
	if u1 == u2 {
		t.Fatal("anonymous sign-ins shared a user")
	}

	err = svc.store.InTx(ctx, func(tx *repository.Tx) error {
		user, err := tx.Users.GetByID(ctx, u1)
		if err != nil {
			return err
		}
		if !user.IsAnonymous {
			t.Error("user not marked anonymous")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspecting user: %v", err)
	}
}
