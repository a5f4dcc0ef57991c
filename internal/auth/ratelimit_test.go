package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitBucketEmptiesAndRefills(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	signUpPassword(t, svc, "alice@example.com", "correct horse")

	badSignIn := func() error {
		_, err := svc.SignIn(ctx, SignInArgs{
			Provider: "password",
			Params:   Params{"email": "alice@example.com", "password": "wrong"},
		})
		return err
	}

	for i := 0; i < int(defaultMaxFailedAttempts); i++ {
		if err := badSignIn(); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i, err)
		}
	}

	// The bucket is empty: even the correct password is rejected.
	_, err := svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "alice@example.com", "password": "correct horse"},
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	// Refill is continuous: one token comes back per six minutes at the
	// default rate of ten per hour.
	clock.Advance(6*time.Minute + time.Second)
	result, err := svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "alice@example.com", "password": "correct horse"},
	})
	if err != nil {
		t.Fatalf("after refill: %v", err)
	}
	if result.Tokens == nil {
		t.Fatal("no tokens after refill")
	}

	// Success resets the bucket: a full run of failures is needed to empty
	// it again.
	for i := 0; i < int(defaultMaxFailedAttempts); i++ {
		if err := badSignIn(); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("post-reset attempt %d: got %v, want ErrInvalidCredentials", i, err)
		}
	}
	if err := badSignIn(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestRateLimitCoversWrongCodes(t *testing.T) {
	sender := &captureSender{}
	svc, _ := newTestService(t, EmailOTPProvider("email-otp", sender.send))
	ctx := context.Background()

	if _, err := svc.SignIn(ctx, SignInArgs{
		Provider: "email-otp",
		Params:   Params{"email": "tom@example.com"},
	}); err != nil {
		t.Fatalf("starting verification: %v", err)
	}
	code := sender.last(t).Token

	// Wrong guesses carrying the identifier drain the bucket even though
	// they match no code row.
	for i := 0; i < int(defaultMaxFailedAttempts); i++ {
		_, err := svc.SignIn(ctx, SignInArgs{
			Provider: "email-otp",
			Params:   Params{"email": "tom@example.com", "code": "000000"},
		})
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("guess %d: got %v, want ErrInvalidCode", i, err)
		}
	}

	_, err := svc.SignIn(ctx, SignInArgs{
		Provider: "email-otp",
		Params:   Params{"email": "tom@example.com", "code": code},
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestAttemptsLeftRefillIsCapped(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	signUpPassword(t, svc, "alice@example.com", "correct horse")

	_, _ = svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "alice@example.com", "password": "wrong"},
	})

	// A long idle period refills to MAX, never beyond: MAX+1 failures must
	// still empty the bucket.
	clock.Advance(48 * time.Hour)
	for i := 0; i < int(defaultMaxFailedAttempts); i++ {
		_, err := svc.SignIn(ctx, SignInArgs{
			Provider: "password",
			Params:   Params{"email": "alice@example.com", "password": "wrong"},
		})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i, err)
		}
	}
	_, err := svc.SignIn(ctx, SignInArgs{
		Provider: "password",
		Params:   Params{"email": "alice@example.com", "password": "wrong"},
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}
