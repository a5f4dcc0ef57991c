package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	// OWASP minimum recommendation is 1; 2 provides a better security margin.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16

	// verificationTokenBytes is the entropy of a generated verification
	// token (magic link, OAuth handoff) before base64url encoding.
	verificationTokenBytes = 32

	// redactMinLen is the minimum value length before redaction keeps the
	// first and last five characters visible.
	redactMinLen = 10
)

// hashCode returns the hex HMAC-SHA256 digest of code material under the
// process-wide signing secret. Codes are stored and looked up by this
// digest, so a dump of the store does not disclose usable codes, and
// verification is a single hash rather than a KDF round trip.
func hashCode(secret, code string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// signPayload returns the base64url HMAC-SHA256 signature of payload under
// the signing secret. Used for refresh-token envelopes.
func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verifySignature checks a signature produced by signPayload in constant time.
func verifySignature(secret, payload, signature string) bool {
	expected := signPayload(secret, payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// generateRandomBase64 returns a URL-safe base64-encoded random string of n bytes.
func generateRandomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateDigits returns a random numeric string of n digits, suitable for
// OTP codes typed by a human.
func generateDigits(n int) (string, error) {
	const digits = "0123456789"
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = digits[int(b[i])%len(digits)]
	}
	return string(b), nil
}

// HashSecret returns an Argon2id hash of the given plaintext secret.
// This is the default credentials-provider KDF; providers may override it
// through ProviderConfig.HashSecret.
//
// Format: saltHex:hashHex
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating secret salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifySecret checks a plaintext secret against a stored Argon2id hash.
// Returns false if the hash format is invalid rather than propagating an
// error, since an invalid hash means authentication must fail.
func VerifySecret(secret, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expectedHash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(actual, expectedHash) == 1
}

// splitHash splits a "saltHex:hashHex" string into its two components.
func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// Redact shortens a sensitive value for logging: the first and last five
// characters stay visible when the value is at least ten characters long,
// otherwise the whole value is replaced.
func Redact(value string) string {
	if len(value) < redactMinLen {
		return "<redacted>"
	}
	return value[:5] + "<redacted>" + value[len(value)-5:]
}
