package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/metrics"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// Each session owns a tree of refresh tokens rooted at the token minted on
// sign-in. Exchanging a token marks it used and mints a child; the token's
// ParentRefreshTokenID records which exchange created it. At most one token
// per session is active (unused and unexpired) at any committed state.
//
// Re-exchanging a used token within reuseWindow is treated as a retry or a
// racing duplicate and stays valid; outside the window it is treated as
// theft and the token's whole subtree is expired.

// createRefreshToken inserts a tree node. parent is nil for the root.
func (s *Service) createRefreshToken(ctx context.Context, tx *repository.Tx, sessionID uuid.UUID, parent *uuid.UUID) (*db.RefreshToken, error) {
	token := &db.RefreshToken{
		SessionID:            sessionID,
		ExpirationTime:       s.clock.Now().Add(s.cfg.SessionInactiveDuration),
		ParentRefreshTokenID: parent,
	}
	if err := tx.RefreshTokens.Create(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// formatRefreshToken wraps a token in its opaque signed envelope:
// base64url(HMAC(secret, id|sessionId)).id.sessionId. Tampering is
// detectable before any database lookup.
func (s *Service) formatRefreshToken(tokenID, sessionID uuid.UUID) string {
	payload := tokenID.String() + "|" + sessionID.String()
	return signPayload(s.cfg.SigningSecret, payload) + "." + tokenID.String() + "." + sessionID.String()
}

// parseRefreshToken validates the envelope signature and extracts the IDs.
// ok is false for malformed or tampered input.
func (s *Service) parseRefreshToken(raw string) (tokenID, sessionID uuid.UUID, ok bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return uuid.Nil, uuid.Nil, false
	}
	if !verifySignature(s.cfg.SigningSecret, parts[1]+"|"+parts[2], parts[0]) {
		return uuid.Nil, uuid.Nil, false
	}
	tokenID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, err = uuid.Parse(parts[2])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return tokenID, sessionID, true
}

// ExchangeRefreshToken trades a refresh token for a fresh access JWT and
// the next refresh token. A nil result with a nil error is the silent
// "please sign in again" outcome: tampered envelopes, expired sessions,
// expired or invalidated tokens, and reuse detected outside the window.
func (s *Service) ExchangeRefreshToken(ctx context.Context, raw string) (*Tokens, error) {
	tokenID, sessionID, ok := s.parseRefreshToken(raw)
	if !ok {
		s.logger.Debug("refresh token failed envelope check", zap.String("token", Redact(raw)))
		return nil, nil
	}

	var tokens *Tokens
	err := s.store.InTx(ctx, func(tx *repository.Tx) error {
		var err error
		tokens, err = s.exchange(ctx, tx, tokenID, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if tokens != nil {
		metrics.RefreshExchanges.WithLabelValues("success").Inc()
	} else {
		metrics.RefreshExchanges.WithLabelValues("rejected").Inc()
	}
	return tokens, nil
}

// exchange runs the tree state machine inside one transaction.
func (s *Service) exchange(ctx context.Context, tx *repository.Tx, tokenID, sessionID uuid.UUID) (*Tokens, error) {
	now := s.clock.Now()

	token, err := tx.RefreshTokens.GetByID(ctx, tokenID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	session, serr := tx.Sessions.GetByID(ctx, sessionID)
	if serr != nil && !errors.Is(serr, repository.ErrNotFound) {
		return nil, serr
	}

	// A validly signed envelope whose token or session no longer exists is
	// a remnant of a destroyed session. Destroy whatever is left.
	if token == nil || session == nil || token.SessionID != sessionID {
		s.logger.Info("destroying refresh token remnants", zap.String("session", sessionID.String()))
		if err := tx.RefreshTokens.DeleteAllForSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if err := tx.Sessions.Delete(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if sessionExpired(session, now) {
		return nil, nil
	}

	if !token.ExpirationTime.After(now) {
		return nil, nil
	}

	// First use: mark and mint a child.
	if token.FirstUsedTime == nil {
		if _, err := tx.RefreshTokens.Patch(ctx, token.ID, map[string]any{
			"first_used_time": now,
		}); err != nil {
			return nil, err
		}
		return s.mintExchange(ctx, tx, session, token.ID)
	}

	all, err := tx.RefreshTokens.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Retry of the exchange that produced the currently active token:
	// re-issue the same refresh token with a fresh access JWT.
	if active := activeToken(all, now); active != nil &&
		active.ParentRefreshTokenID != nil && *active.ParentRefreshTokenID == token.ID {
		access, err := s.jwt.Mint(session.UserID, sessionID, now)
		if err != nil {
			return nil, err
		}
		return &Tokens{
			Token:        access,
			RefreshToken: s.formatRefreshToken(active.ID, sessionID),
		}, nil
	}

	// Racing duplicate inside the reuse window: mint a fresh sibling child.
	if now.Sub(*token.FirstUsedTime) < reuseWindow {
		return s.mintExchange(ctx, tx, session, token.ID)
	}

	// Reuse outside the window: token theft. Expire the token and every
	// descendant; chains outside its subtree stay valid.
	s.logger.Warn("refresh token reused outside window, invalidating subtree",
		zap.String("session", sessionID.String()),
		zap.String("token", token.ID.String()))
	if err := s.invalidateSubtree(ctx, tx, all, token.ID, now); err != nil {
		return nil, err
	}
	return nil, nil
}

// mintExchange mints an access JWT plus a child refresh token of parent.
func (s *Service) mintExchange(ctx context.Context, tx *repository.Tx, session *db.Session, parent uuid.UUID) (*Tokens, error) {
	access, err := s.jwt.Mint(session.UserID, session.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	child, err := s.createRefreshToken(ctx, tx, session.ID, &parent)
	if err != nil {
		return nil, err
	}

	return &Tokens{
		Token:        access,
		RefreshToken: s.formatRefreshToken(child.ID, session.ID),
	}, nil
}

// activeToken returns the youngest unused, unexpired token in the session,
// or nil. tokens must be in creation order.
func activeToken(tokens []db.RefreshToken, now time.Time) *db.RefreshToken {
	var active *db.RefreshToken
	for i := range tokens {
		if tokens[i].FirstUsedTime == nil && tokens[i].ExpirationTime.After(now) {
			active = &tokens[i]
		}
	}
	return active
}

// invalidateSubtree expires root and every token reachable from it through
// parent pointers, in one pass over the session's tokens.
func (s *Service) invalidateSubtree(ctx context.Context, tx *repository.Tx, tokens []db.RefreshToken, root uuid.UUID, now time.Time) error {
	children := make(map[uuid.UUID][]uuid.UUID, len(tokens))
	for i := range tokens {
		if p := tokens[i].ParentRefreshTokenID; p != nil {
			children[*p] = append(children[*p], tokens[i].ID)
		}
	}

	queue := []uuid.UUID{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, err := tx.RefreshTokens.Patch(ctx, id, map[string]any{
			"expiration_time": now,
		}); err != nil {
			return err
		}
		queue = append(queue, children[id]...)
	}
	return nil
}
