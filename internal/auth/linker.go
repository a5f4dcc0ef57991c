package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

// AccountSeed identifies the external account being signed in when no row
// exists yet. Secret, when present, is already hashed.
type AccountSeed struct {
	ProviderAccountID string
	Secret            string
}

// LinkArgs is the input to upsertUserAndAccount and to the configured
// linking callbacks.
type LinkArgs struct {
	Provider *ProviderConfig
	Account  AccountSeed
	Profile  ProfileResult

	// ExistingAccount is set when the account row already exists — the
	// user it points at wins over any linking heuristics.
	ExistingAccount *db.Account

	// TargetUserID pins the resolved user when an already signed-in user
	// is linking a new identity. Ignored when ExistingAccount is set.
	TargetUserID uuid.UUID
}

// upsertUserAndAccount resolves the user an external identity belongs to,
// creating or patching the user row, then upserts the account binding.
//
// Linking rules: an incoming verified email (or phone) may attach the new
// identity to an existing user carrying the same verified identifier, but
// only when exactly one such user exists. Conflicting email and phone
// candidates never link. Everything runs inside the caller's transaction.
func (s *Service) upsertUserAndAccount(ctx context.Context, tx *repository.Tx, args LinkArgs) (userID, accountID uuid.UUID, err error) {
	if args.ExistingAccount != nil {
		userID = args.ExistingAccount.UserID
	} else if args.TargetUserID != uuid.Nil {
		userID = args.TargetUserID
	}

	if s.createOrUpdateUser != nil {
		userID, err = s.createOrUpdateUser(ctx, tx, args)
		if err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("auth: createOrUpdateUser callback: %w", err)
		}
	} else {
		userID, err = s.resolveAndWriteUser(ctx, tx, userID, args)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
	}

	if s.afterUserCreatedOrUpdated != nil {
		if err := s.afterUserCreatedOrUpdated(ctx, tx, userID, args); err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("auth: afterUserCreatedOrUpdated callback: %w", err)
		}
	}

	accountID, err = s.upsertAccount(ctx, tx, userID, args)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return userID, accountID, nil
}

// resolveAndWriteUser applies the linking heuristics and writes the user
// row: patch when a user was resolved, insert otherwise.
func (s *Service) resolveAndWriteUser(ctx context.Context, tx *repository.Tx, existingUserID uuid.UUID, args LinkArgs) (uuid.UUID, error) {
	now := s.clock.Now()
	emailVerified := args.emailTreatedVerified()
	phoneVerified := args.phoneTreatedVerified()

	userID := existingUserID
	if userID == uuid.Nil {
		var emailCandidate, phoneCandidate *db.User

		if emailVerified {
			matches, err := tx.Users.FindVerifiedByEmail(ctx, args.Profile.Email, 2)
			if err != nil {
				return uuid.Nil, err
			}
			if len(matches) == 1 {
				emailCandidate = &matches[0]
			}
		}
		if phoneVerified {
			matches, err := tx.Users.FindVerifiedByPhone(ctx, args.Profile.Phone, 2)
			if err != nil {
				return uuid.Nil, err
			}
			if len(matches) == 1 {
				phoneCandidate = &matches[0]
			}
		}

		switch {
		case emailCandidate != nil && phoneCandidate != nil && emailCandidate.ID != phoneCandidate.ID:
			// Conflicting candidates: linking would merge two strangers.
		case emailCandidate != nil:
			userID = emailCandidate.ID
		case phoneCandidate != nil:
			userID = phoneCandidate.ID
		}

		if userID != uuid.Nil {
			s.logger.Info("linking account to existing user",
				zap.String("provider", args.Provider.ID),
				zap.String("user", userID.String()))
		}
	}

	if userID != uuid.Nil {
		fields := userFields(args.Profile)
		if emailVerified {
			fields["email_verification_time"] = now
		}
		if phoneVerified {
			fields["phone_verification_time"] = now
		}
		if _, err := tx.Users.Patch(ctx, userID, fields); err != nil {
			return uuid.Nil, err
		}
		return userID, nil
	}

	user := &db.User{
		Email: args.Profile.Email,
		Phone: args.Profile.Phone,
		Name:  args.Profile.Name,
		Image: args.Profile.Image,
	}
	if emailVerified {
		user.EmailVerificationTime = &now
	}
	if phoneVerified {
		user.PhoneVerificationTime = &now
	}
	if err := tx.Users.Create(ctx, user); err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

// upsertAccount creates the account binding or repoints/refreshes the
// existing one.
func (s *Service) upsertAccount(ctx context.Context, tx *repository.Tx, userID uuid.UUID, args LinkArgs) (uuid.UUID, error) {
	if existing := args.ExistingAccount; existing != nil {
		fields := map[string]any{}
		if existing.UserID != userID {
			fields["user_id"] = userID
		}
		if args.emailTreatedVerified() {
			fields["email_verified"] = args.Profile.Email
		}
		if args.phoneTreatedVerified() {
			fields["phone_verified"] = args.Profile.Phone
		}
		if len(fields) > 0 {
			if _, err := tx.Accounts.Patch(ctx, existing.ID, fields); err != nil {
				return uuid.Nil, err
			}
		}
		return existing.ID, nil
	}

	account := &db.Account{
		UserID:            userID,
		Provider:          args.Provider.ID,
		ProviderAccountID: args.Account.ProviderAccountID,
		Secret:            args.Account.Secret,
	}
	if args.emailTreatedVerified() {
		account.EmailVerified = args.Profile.Email
	}
	if args.phoneTreatedVerified() {
		account.PhoneVerified = args.Profile.Phone
	}
	if err := tx.Accounts.Create(ctx, account); err != nil {
		return uuid.Nil, err
	}
	return account.ID, nil
}

// emailTreatedVerified reports whether the incoming email may be trusted:
// the provider asserted it, the provider is the email flow itself, or the
// provider is OAuth/OIDC and has not opted out of email linking.
func (a LinkArgs) emailTreatedVerified() bool {
	if a.Profile.Email == "" {
		return false
	}
	if a.Profile.EmailVerified || a.Provider.Type == ProviderTypeEmail {
		return true
	}
	if a.Provider.Type == ProviderTypeOAuth || a.Provider.Type == ProviderTypeOIDC {
		return a.Provider.linkByVerifiedEmail()
	}
	return false
}

// phoneTreatedVerified is the phone analogue of emailTreatedVerified.
func (a LinkArgs) phoneTreatedVerified() bool {
	if a.Profile.Phone == "" {
		return false
	}
	return a.Profile.PhoneVerified || a.Provider.Type == ProviderTypePhone
}

// userFields builds the patch map for an existing user from a profile.
// Empty values do not overwrite.
func userFields(profile ProfileResult) map[string]any {
	fields := map[string]any{}
	if profile.Email != "" {
		fields["email"] = profile.Email
	}
	if profile.Phone != "" {
		fields["phone"] = profile.Phone
	}
	if profile.Name != "" {
		fields["name"] = profile.Name
	}
	if profile.Image != "" {
		fields["image"] = profile.Image
	}
	return fields
}
