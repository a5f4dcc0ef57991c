package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// issueCodeArgs describes one verification code to mint. The raw code never
// touches the store — only its keyed-HMAC digest is persisted.
type issueCodeArgs struct {
	account  *db.Account
	provider *ProviderConfig
	code     string
	expires  time.Time

	// verifier, when set, must be presented again on consumption. Used to
	// bind the OAuth handoff code to the client that started the flow.
	verifier string

	// emailVerified / phoneVerified record the identifier this code will
	// verify on successful consumption.
	emailVerified string
	phoneVerified string

	// profile carries an OAuth-derived profile across the handoff.
	profile *ProfileResult
}

// issueCode deletes any outstanding code for the account and inserts the
// new one. An account has at most one active code at a time.
func (s *Service) issueCode(ctx context.Context, tx *repository.Tx, args issueCodeArgs) error {
	if err := tx.VerificationCodes.DeleteByAccount(ctx, args.account.ID); err != nil {
		return err
	}

	row := &db.VerificationCode{
		AccountID:      args.account.ID,
		Provider:       args.provider.ID,
		CodeHash:       hashCode(s.cfg.SigningSecret, args.code),
		ExpirationTime: args.expires,
		Verifier:       args.verifier,
		EmailVerified:  args.emailVerified,
		PhoneVerified:  args.phoneVerified,
	}

	if args.profile != nil {
		data, err := json.Marshal(args.profile)
		if err != nil {
			return fmt.Errorf("auth: encoding code profile: %w", err)
		}
		row.Profile = db.EncryptedString(data)
	}

	if err := tx.VerificationCodes.Create(ctx, row); err != nil {
		return err
	}

	s.logger.Debug("verification code issued",
		zap.String("provider", args.provider.ID),
		zap.String("account", args.account.ID.String()),
		zap.Time("expires", args.expires))
	return nil
}

// consumeCode looks up a code by its digest, validates it, deletes it, and
// returns the account it was issued for. Every failure spends a rate-limit
// token for the account; success resets the bucket.
//
// provider may be nil for the bare signIn(code) path — the code row then
// decides which provider the sign-in completes under.
func (s *Service) consumeCode(ctx context.Context, tx *repository.Tx, provider *ProviderConfig, code, verifier string, params Params) (*db.Account, *db.VerificationCode, error) {
	now := s.clock.Now()

	// Resolve the account up front so failed attempts can be counted even
	// when the presented code matches no row. With an identifier in params
	// the account is findable without the code.
	var account *db.Account
	if provider != nil {
		if identifier := params.Get("email") + params.Get("phone"); identifier != "" {
			found, err := tx.Accounts.GetByProviderAccount(ctx, provider.ID, provider.normalizeIdentifier(identifier))
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return nil, nil, err
			}
			account = found
		}
	}

	fail := func(typed error) (*db.Account, *db.VerificationCode, error) {
		if account != nil {
			if err := s.recordFailedAttempt(ctx, tx, account.ID.String()); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, typed
	}

	row, err := tx.VerificationCodes.GetByCodeHash(ctx, hashCode(s.cfg.SigningSecret, code))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fail(ErrInvalidCode)
		}
		return nil, nil, err
	}

	rowAccount, err := tx.Accounts.GetByID(ctx, row.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fail(ErrAccountDeleted)
		}
		return nil, nil, err
	}
	account = rowAccount

	// The bucket is checked before any code validation: once empty, even a
	// correct code is rejected.
	if err := s.checkRateLimit(ctx, tx, account.ID.String()); err != nil {
		return nil, nil, err
	}

	if provider != nil && provider.ID != row.Provider {
		return fail(ErrProviderMismatch)
	}

	if !row.ExpirationTime.After(now) {
		return fail(ErrExpiredCode)
	}

	if row.Verifier != "" && row.Verifier != verifier {
		return fail(ErrInvalidVerifier)
	}

	// When the row pins an identifier and the caller supplied one, the two
	// must agree: case-insensitively for email, exactly for phone.
	if row.EmailVerified != "" && params.Get("email") != "" &&
		!strings.EqualFold(row.EmailVerified, params.Get("email")) {
		return fail(ErrInvalidCode)
	}
	if row.PhoneVerified != "" && params.Get("phone") != "" &&
		row.PhoneVerified != params.Get("phone") {
		return fail(ErrInvalidCode)
	}

	if err := tx.VerificationCodes.Delete(ctx, row.ID); err != nil {
		return nil, nil, err
	}
	if err := s.resetRateLimit(ctx, tx, account.ID.String()); err != nil {
		return nil, nil, err
	}

	return account, row, nil
}

// codeProfile decodes the OAuth profile carried on a code row, if any.
func codeProfile(row *db.VerificationCode) (*ProfileResult, error) {
	if row.Profile == "" {
		return nil, nil
	}
	var profile ProfileResult
	if err := json.Unmarshal([]byte(row.Profile), &profile); err != nil {
		return nil, fmt.Errorf("auth: decoding code profile: %w", err)
	}
	return &profile, nil
}
