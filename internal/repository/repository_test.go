package repository

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
)

func testStore(t *testing.T, triggers *Triggers) *Store {
	t.Helper()

	key := sha256.Sum256([]byte("repository-test-secret"))
	if err := db.InitEncryption(key[:]); err != nil {
		t.Fatalf("initializing encryption: %v", err)
	}
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	return NewStore(database, triggers)
}

func TestTriggersFireWithoutReentrancy(t *testing.T) {
	triggers := NewTriggers()
	var created, updated, deleted int
	var shadowID uuid.UUID

	// The hook's own write must not fire this hook again: the Tx a hook
	// receives carries no trigger registry.
	triggers.OnCreate(TableUsers, func(ctx context.Context, tx *Tx, doc any) error {
		created++
		shadow := &db.User{Name: "shadow"}
		if err := tx.Users.Create(ctx, shadow); err != nil {
			return err
		}
		shadowID = shadow.ID
		return nil
	})
	triggers.OnUpdate(TableUsers, func(ctx context.Context, tx *Tx, newDoc, oldDoc any) error {
		updated++
		if oldDoc.(*db.User).Name != "origin" {
			t.Errorf("old doc name = %q", oldDoc.(*db.User).Name)
		}
		if newDoc.(*db.User).Name != "renamed" {
			t.Errorf("new doc name = %q", newDoc.(*db.User).Name)
		}
		return nil
	})
	triggers.OnDelete(TableSessions, func(ctx context.Context, tx *Tx, id uuid.UUID, doc any) error {
		deleted++
		return nil
	})

	store := testStore(t, triggers)
	ctx := context.Background()

	user := &db.User{Name: "origin"}
	err := store.InTx(ctx, func(tx *Tx) error {
		if err := tx.Users.Create(ctx, user); err != nil {
			return err
		}
		if _, err := tx.Users.Patch(ctx, user.ID, map[string]any{"name": "renamed"}); err != nil {
			return err
		}
		session := &db.Session{UserID: user.ID, ExpirationTime: time.Now().Add(time.Hour)}
		if err := tx.Sessions.Create(ctx, session); err != nil {
			return err
		}
		return tx.Sessions.Delete(ctx, session.ID)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if created != 1 {
		t.Errorf("create hook fired %d times, want 1", created)
	}
	if updated != 1 {
		t.Errorf("update hook fired %d times, want 1", updated)
	}
	if deleted != 1 {
		t.Errorf("delete hook fired %d times, want 1", deleted)
	}

	// The shadow user written by the hook committed alongside the origin.
	err = store.InTx(ctx, func(tx *Tx) error {
		shadow, err := tx.Users.GetByID(ctx, shadowID)
		if err != nil {
			return err
		}
		if shadow.Name != "shadow" {
			t.Errorf("shadow user name = %q", shadow.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("follow-up transaction: %v", err)
	}
}

func TestTriggerErrorRollsBackTransaction(t *testing.T) {
	triggers := NewTriggers()
	boom := errors.New("boom")
	triggers.OnCreate(TableUsers, func(ctx context.Context, tx *Tx, doc any) error {
		return boom
	})

	store := testStore(t, triggers)
	ctx := context.Background()

	user := &db.User{Name: "casualty"}
	err := store.InTx(ctx, func(tx *Tx) error {
		return tx.Users.Create(ctx, user)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the hook error", err)
	}

	err = store.InTx(ctx, func(tx *Tx) error {
		_, err := tx.Users.GetByID(ctx, user.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("rolled-back user still present: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("follow-up transaction: %v", err)
	}
}

func TestGetMissingRowsReturnErrNotFound(t *testing.T) {
	store := testStore(t, nil)
	ctx := context.Background()
	missing := uuid.Must(uuid.NewV7())

	err := store.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.Users.GetByID(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("users: got %v", err)
		}
		if _, err := tx.Accounts.GetByProviderAccount(ctx, "password", "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("accounts: got %v", err)
		}
		if _, err := tx.Sessions.GetByID(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("sessions: got %v", err)
		}
		if _, err := tx.VerificationCodes.GetByCodeHash(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("codes: got %v", err)
		}
		if _, err := tx.Verifiers.GetBySignature(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("verifiers: got %v", err)
		}
		if _, err := tx.RateLimits.GetByIdentifier(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("rate limits: got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestAccountUniqueConstraint(t *testing.T) {
	store := testStore(t, nil)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx *Tx) error {
		user := &db.User{}
		if err := tx.Users.Create(ctx, user); err != nil {
			return err
		}
		if err := tx.Accounts.Create(ctx, &db.Account{
			UserID: user.ID, Provider: "password", ProviderAccountID: "sarah@example.com",
		}); err != nil {
			return err
		}
		err := tx.Accounts.Create(ctx, &db.Account{
			UserID: user.ID, Provider: "password", ProviderAccountID: "sarah@example.com",
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("duplicate account: got %v, want ErrConflict", err)
		}
		// The same identifier under a different provider is a distinct
		// account.
		return tx.Accounts.Create(ctx, &db.Account{
			UserID: user.ID, Provider: "email", ProviderAccountID: "sarah@example.com",
		})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestRateLimitIdentifierUniqueness(t *testing.T) {
	store := testStore(t, nil)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx *Tx) error {
		if err := tx.RateLimits.Create(ctx, &db.RateLimit{
			Identifier: "bucket-1", LastAttemptTime: time.Now(), AttemptsLeft: 9,
		}); err != nil {
			return err
		}
		err := tx.RateLimits.Create(ctx, &db.RateLimit{
			Identifier: "bucket-1", LastAttemptTime: time.Now(), AttemptsLeft: 9,
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("duplicate bucket: got %v, want ErrConflict", err)
		}

		if err := tx.RateLimits.DeleteByIdentifier(ctx, "bucket-1"); err != nil {
			return err
		}
		if _, err := tx.RateLimits.GetByIdentifier(ctx, "bucket-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted bucket still present: %v", err)
		}
		// Deleting a missing bucket is a no-op.
		return tx.RateLimits.DeleteByIdentifier(ctx, "bucket-1")
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestRefreshTokensListInCreationOrder(t *testing.T) {
	store := testStore(t, nil)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx *Tx) error {
		user := &db.User{}
		if err := tx.Users.Create(ctx, user); err != nil {
			return err
		}
		session := &db.Session{UserID: user.ID, ExpirationTime: time.Now().Add(time.Hour)}
		if err := tx.Sessions.Create(ctx, session); err != nil {
			return err
		}
		other := &db.Session{UserID: user.ID, ExpirationTime: time.Now().Add(time.Hour)}
		if err := tx.Sessions.Create(ctx, other); err != nil {
			return err
		}

		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			token := &db.RefreshToken{SessionID: session.ID, ExpirationTime: time.Now().Add(time.Hour)}
			if err := tx.RefreshTokens.Create(ctx, token); err != nil {
				return err
			}
			ids = append(ids, token.ID)
		}
		if err := tx.RefreshTokens.Create(ctx, &db.RefreshToken{
			SessionID: other.ID, ExpirationTime: time.Now().Add(time.Hour),
		}); err != nil {
			return err
		}

		tokens, err := tx.RefreshTokens.ListBySession(ctx, session.ID)
		if err != nil {
			return err
		}
		if len(tokens) != 3 {
			t.Fatalf("got %d tokens, want 3", len(tokens))
		}
		for i := range tokens {
			if tokens[i].ID != ids[i] {
				t.Errorf("position %d: got %s, want %s", i, tokens[i].ID, ids[i])
			}
		}

		if err := tx.RefreshTokens.DeleteAllForSession(ctx, session.ID); err != nil {
			return err
		}
		remaining, err := tx.RefreshTokens.ListBySession(ctx, other.ID)
		if err != nil {
			return err
		}
		if len(remaining) != 1 {
			t.Errorf("other session lost its token: %d left", len(remaining))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestVerificationCodeSupersession(t *testing.T) {
	store := testStore(t, nil)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx *Tx) error {
		user := &db.User{}
		if err := tx.Users.Create(ctx, user); err != nil {
			return err
		}
		mine := &db.Account{UserID: user.ID, Provider: "email", ProviderAccountID: "a@example.com"}
		theirs := &db.Account{UserID: user.ID, Provider: "email", ProviderAccountID: "b@example.com"}
		if err := tx.Accounts.Create(ctx, mine); err != nil {
			return err
		}
		if err := tx.Accounts.Create(ctx, theirs); err != nil {
			return err
		}

		for _, c := range []*db.VerificationCode{
			{AccountID: mine.ID, Provider: "email", CodeHash: "h1", ExpirationTime: time.Now().Add(time.Hour)},
			{AccountID: theirs.ID, Provider: "email", CodeHash: "h2", ExpirationTime: time.Now().Add(time.Hour)},
		} {
			if err := tx.VerificationCodes.Create(ctx, c); err != nil {
				return err
			}
		}

		// DeleteByAccount is scoped: the other account's code survives.
		if err := tx.VerificationCodes.DeleteByAccount(ctx, mine.ID); err != nil {
			return err
		}
		if _, err := tx.VerificationCodes.GetByCodeHash(ctx, "h1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("superseded code still present: %v", err)
		}
		if _, err := tx.VerificationCodes.GetByCodeHash(ctx, "h2"); err != nil {
			t.Errorf("unrelated code deleted: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestVerifierPayloadRoundTrip(t *testing.T) {
	store := testStore(t, nil)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx *Tx) error {
		row := &db.Verifier{Signature: "sig-1"}
		if err := tx.Verifiers.Create(ctx, row); err != nil {
			return err
		}
		if _, err := tx.Verifiers.Patch(ctx, row.ID, map[string]any{
			"payload": db.EncryptedString(`{"state":"s"}`),
		}); err != nil {
			return err
		}

		got, err := tx.Verifiers.GetBySignature(ctx, "sig-1")
		if err != nil {
			return err
		}
		if string(got.Payload) != `{"state":"s"}` {
			t.Errorf("payload = %q", got.Payload)
		}

		if err := tx.Verifiers.Delete(ctx, row.ID); err != nil {
			return err
		}
		if _, err := tx.Verifiers.GetBySignature(ctx, "sig-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted verifier still present: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestSessionListExpiredBefore(t *testing.T) {
	store := testStore(t, nil)
	ctx := context.Background()
	now := time.Now()

	err := store.InTx(ctx, func(tx *Tx) error {
		user := &db.User{}
		if err := tx.Users.Create(ctx, user); err != nil {
			return err
		}
		expired := &db.Session{UserID: user.ID, ExpirationTime: now.Add(-time.Hour)}
		live := &db.Session{UserID: user.ID, ExpirationTime: now.Add(time.Hour)}
		if err := tx.Sessions.Create(ctx, expired); err != nil {
			return err
		}
		if err := tx.Sessions.Create(ctx, live); err != nil {
			return err
		}

		sessions, err := tx.Sessions.ListExpiredBefore(ctx, now, 10)
		if err != nil {
			return err
		}
		if len(sessions) != 1 || sessions[0].ID != expired.ID {
			t.Errorf("expired listing = %+v", sessions)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
