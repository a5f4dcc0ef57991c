package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// createSession inserts a session for the user with the configured absolute
// lifetime. Sessions are not extended on use.
func (s *Service) createSession(ctx context.Context, tx *repository.Tx, userID uuid.UUID) (*db.Session, error) {
	session := &db.Session{
		UserID:         userID,
		ExpirationTime: s.clock.Now().Add(s.cfg.SessionTotalDuration),
	}
	if err := tx.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// mintTokens creates a root refresh token for the session and signs an
// access JWT. Used on every completed sign-in; refresh exchanges mint child
// tokens through the tree instead.
func (s *Service) mintTokens(ctx context.Context, tx *repository.Tx, userID, sessionID uuid.UUID) (*Tokens, error) {
	access, err := s.jwt.Mint(userID, sessionID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	root, err := s.createRefreshToken(ctx, tx, sessionID, nil)
	if err != nil {
		return nil, err
	}

	return &Tokens{
		Token:        access,
		RefreshToken: s.formatRefreshToken(root.ID, sessionID),
	}, nil
}

// deleteSession removes the session and its whole refresh-token tree.
func (s *Service) deleteSession(ctx context.Context, tx *repository.Tx, sessionID uuid.UUID) error {
	if err := tx.RefreshTokens.DeleteAllForSession(ctx, sessionID); err != nil {
		return err
	}
	return tx.Sessions.Delete(ctx, sessionID)
}

// SignOut destroys the caller's current session. Without an authenticated
// identity on the context the call is a no-op — the client should clear its
// tokens regardless.
func (s *Service) SignOut(ctx context.Context) error {
	sessionID := s.CurrentSession(ctx)
	if sessionID == uuid.Nil {
		return nil
	}

	err := s.store.InTx(ctx, func(tx *repository.Tx) error {
		return s.deleteSession(ctx, tx, sessionID)
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	s.logger.Info("signed out", zap.String("session", sessionID.String()))
	return nil
}
