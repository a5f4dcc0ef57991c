package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// exchangeOK exchanges raw and fails the test on error or a nil result.
func exchangeOK(t *testing.T, svc *Service, raw string) *Tokens {
	t.Helper()
	tokens, err := svc.ExchangeRefreshToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if tokens == nil {
		t.Fatal("exchange returned nil tokens")
	}
	return tokens
}

// exchangeNil exchanges raw and fails the test unless the result is the
// silent nil outcome.
func exchangeNil(t *testing.T, svc *Service, raw string) {
	t.Helper()
	tokens, err := svc.ExchangeRefreshToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if tokens != nil {
		t.Fatal("exchange succeeded, want nil")
	}
}

// sessionTokens lists the session's refresh-token rows in creation order.
func sessionTokens(t *testing.T, svc *Service, raw string) []db.RefreshToken {
	t.Helper()
	_, sessionID, ok := svc.parseRefreshToken(raw)
	if !ok {
		t.Fatalf("invalid refresh token envelope: %s", raw)
	}
	var rows []db.RefreshToken
	err := svc.store.InTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		rows, err = tx.RefreshTokens.ListBySession(context.Background(), sessionID)
		return err
	})
	if err != nil {
		t.Fatalf("listing session tokens: %v", err)
	}
	return rows
}

func TestExchangeMintsChildAndMarksParentUsed(t *testing.T) {
	svc, _ := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	next := exchangeOK(t, svc, root.RefreshToken)
	if next.RefreshToken == root.RefreshToken {
		t.Fatal("exchange returned the same refresh token")
	}

	rows := sessionTokens(t, svc, root.RefreshToken)
	if len(rows) != 2 {
		t.Fatalf("got %d tokens, want 2", len(rows))
	}
	if rows[0].FirstUsedTime == nil {
		t.Error("root token not marked used")
	}
	if rows[1].FirstUsedTime != nil {
		t.Error("child token marked used")
	}
	if rows[1].ParentRefreshTokenID == nil || *rows[1].ParentRefreshTokenID != rows[0].ID {
		t.Error("child does not point at the root")
	}
}

func TestExchangeRetryReissuesActiveChild(t *testing.T) {
	svc, clock := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	first := exchangeOK(t, svc, root.RefreshToken)

	// Retrying the same exchange, even past the reuse window, re-issues the
	// still-active child rather than treating the retry as theft.
	clock.Advance(5001 * time.Millisecond)
	retry := exchangeOK(t, svc, root.RefreshToken)
	if retry.RefreshToken != first.RefreshToken {
		t.Fatal("retry minted a different refresh token")
	}

	clock.Advance(30 * time.Second)
	late := exchangeOK(t, svc, root.RefreshToken)
	if late.RefreshToken != first.RefreshToken {
		t.Fatal("late retry minted a different refresh token")
	}

	if rows := sessionTokens(t, svc, root.RefreshToken); len(rows) != 2 {
		t.Fatalf("retries should not mint rows, got %d tokens", len(rows))
	}
}

func TestExchangeDuplicateWithinWindowMintsSibling(t *testing.T) {
	svc, clock := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	a := exchangeOK(t, svc, root.RefreshToken)
	exchangeOK(t, svc, a.RefreshToken)

	// The root's active descendant is now a grandchild, so a duplicate use
	// of the root inside the window cannot take the retry path and mints a
	// fresh sibling instead.
	clock.Advance(3 * time.Second)
	dup := exchangeOK(t, svc, root.RefreshToken)
	if dup.RefreshToken == a.RefreshToken {
		t.Fatal("duplicate exchange returned the original child")
	}

	rows := sessionTokens(t, svc, root.RefreshToken)
	if len(rows) != 4 {
		t.Fatalf("got %d tokens, want 4", len(rows))
	}
}

func TestReuseOutsideWindowInvalidatesSubtree(t *testing.T) {
	svc, clock := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	b := exchangeOK(t, svc, root.RefreshToken)
	c := exchangeOK(t, svc, b.RefreshToken)

	clock.Advance(11 * time.Second)
	exchangeNil(t, svc, root.RefreshToken)

	// Everything descending from the reused token is dead, including the
	// previously active leaf.
	exchangeNil(t, svc, c.RefreshToken)
}

func TestInvalidationSparesOtherBranches(t *testing.T) {
	svc, clock := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	a := exchangeOK(t, svc, root.RefreshToken)
	a1 := exchangeOK(t, svc, a.RefreshToken)
	a2 := exchangeOK(t, svc, a1.RefreshToken)

	// Duplicate use of a inside the window creates a second branch: the
	// active token descends from a1, so the retry path does not apply.
	clock.Advance(3 * time.Second)
	b := exchangeOK(t, svc, a.RefreshToken)
	if b.RefreshToken == a2.RefreshToken {
		t.Fatal("duplicate exchange did not branch")
	}

	// Reusing a1 outside the window kills only a1's subtree; b descends
	// from a, not a1, and stays valid.
	clock.Advance(11 * time.Second)
	exchangeNil(t, svc, a1.RefreshToken)
	exchangeNil(t, svc, a2.RefreshToken)

	exchangeOK(t, svc, b.RefreshToken)
}

func TestExchangeRejectsTamperedEnvelope(t *testing.T) {
	svc, _ := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	raw := []byte(root.RefreshToken)
	raw[0] ^= 0x01
	exchangeNil(t, svc, string(raw))

	exchangeNil(t, svc, "not.a.token")
	exchangeNil(t, svc, "")
}

func TestExchangeRejectsExpiredSession(t *testing.T) {
	svc, clock := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	clock.Advance(31 * 24 * time.Hour)
	exchangeNil(t, svc, root.RefreshToken)
}

func TestExchangeDestroysRemnantsOfDeletedSession(t *testing.T) {
	svc, _ := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")

	tokenID, sessionID, ok := svc.parseRefreshToken(root.RefreshToken)
	if !ok {
		t.Fatal("invalid envelope")
	}

	// Delete only the token row: the session survives as a remnant.
	ctx := context.Background()
	err := svc.store.InTx(ctx, func(tx *repository.Tx) error {
		return tx.RefreshTokens.DeleteAllForSession(ctx, sessionID)
	})
	if err != nil {
		t.Fatalf("deleting tokens: %v", err)
	}

	exchangeNil(t, svc, root.RefreshToken)

	err = svc.store.InTx(ctx, func(tx *repository.Tx) error {
		if _, err := tx.Sessions.GetByID(ctx, sessionID); err == nil {
			t.Error("remnant session survived the exchange")
		}
		if _, err := tx.RefreshTokens.GetByID(ctx, tokenID); err == nil {
			t.Error("remnant token survived the exchange")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspecting store: %v", err)
	}
}

func TestSignOutDestroysSessionAndTree(t *testing.T) {
	svc, _ := newTestService(t)
	root := signUpPassword(t, svc, "alice@example.com", "correct horse")
	exchangeOK(t, svc, root.RefreshToken)

	_, sessionID, _ := svc.parseRefreshToken(root.RefreshToken)

	var userID uuid.UUID
	ctx := context.Background()
	err := svc.store.InTx(ctx, func(tx *repository.Tx) error {
		session, err := tx.Sessions.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		userID = session.UserID
		return nil
	})
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}

	authed := WithIdentity(ctx, Identity{UserID: userID, SessionID: sessionID})
	if err := svc.SignOut(authed); err != nil {
		t.Fatalf("sign-out failed: %v", err)
	}

	exchangeNil(t, svc, root.RefreshToken)

	// Unauthenticated sign-out is a no-op.
	if err := svc.SignOut(ctx); err != nil {
		t.Fatalf("anonymous sign-out failed: %v", err)
	}
}
