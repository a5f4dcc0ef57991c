package auth

import (
	"context"
	"time"
)

const (
	// otpDigits is the length of generated numeric one-time codes.
	otpDigits = 6

	// otpMaxAge is how long a numeric code stays consumable. Shorter than a
	// magic link because a 6-digit code has far less entropy.
	otpMaxAge = 10 * time.Minute
)

// SendFunc delivers an issued verification code to its identifier.
type SendFunc func(ctx context.Context, req VerificationRequest) error

// EmailProvider returns a magic-link email provider. The generated code is
// a full-entropy token embedded in the sign-in URL handed to send.
func EmailProvider(id string, send SendFunc) *ProviderConfig {
	return &ProviderConfig{
		ID:                      id,
		Type:                    ProviderTypeEmail,
		SendVerificationRequest: send,
	}
}

// EmailOTPProvider returns an email provider that issues short numeric
// codes instead of magic links.
func EmailOTPProvider(id string, send SendFunc) *ProviderConfig {
	return &ProviderConfig{
		ID:                        id,
		Type:                      ProviderTypeEmail,
		SendVerificationRequest:   send,
		GenerateVerificationToken: func() (string, error) { return generateDigits(otpDigits) },
		MaxAge:                    otpMaxAge,
	}
}

// PhoneProvider returns an SMS OTP provider. Phone numbers are matched
// exactly; callers should pass identifiers in a canonical form such as
// E.164.
func PhoneProvider(id string, send SendFunc) *ProviderConfig {
	return &ProviderConfig{
		ID:                        id,
		Type:                      ProviderTypePhone,
		SendVerificationRequest:   send,
		GenerateVerificationToken: func() (string, error) { return generateDigits(otpDigits) },
		MaxAge:                    otpMaxAge,
	}
}
