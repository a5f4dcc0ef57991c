package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// audience is the fixed aud claim on every minted access token. Downstream
// verifiers reject tokens minted for anything else.
const audience = "convex"

// JWTManager signs and verifies access tokens with the deployment key.
// The signing algorithm follows the key type: RS256 for RSA keys, ES256
// for ECDSA P-256 keys.
type JWTManager struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	method     jwt.SigningMethod
	alg        string
	keyID      string
	issuer     string
	duration   time.Duration
}

// NewJWTManager parses a PEM private key (PKCS#8, PKCS#1 or SEC 1) and
// returns a manager minting tokens for the given issuer.
func NewJWTManager(privateKeyPEM, issuer string, duration time.Duration) (*JWTManager, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	var signer crypto.Signer
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key does not implement crypto.Signer")
		}
		signer = s
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		signer = key
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing EC private key: %w", err)
		}
		signer = key
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", block.Type)
	}

	var method jwt.SigningMethod
	var alg string
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
		alg = "RS256"
	case *ecdsa.PrivateKey:
		if key.Curve.Params().Name != "P-256" {
			return nil, fmt.Errorf("auth: unsupported ECDSA curve: %s", key.Curve.Params().Name)
		}
		method = jwt.SigningMethodES256
		alg = "ES256"
	default:
		return nil, fmt.Errorf("auth: unsupported private key type %T", signer)
	}

	keyID, err := deriveKeyID(signer.Public())
	if err != nil {
		return nil, err
	}

	return &JWTManager{
		privateKey: signer,
		publicKey:  signer.Public(),
		method:     method,
		alg:        alg,
		keyID:      keyID,
		issuer:     issuer,
		duration:   duration,
	}, nil
}

// Mint creates a signed access token for the given user and session.
// The subject is "{userId}|{sessionId}" so a single claim identifies both.
func (m *JWTManager) Mint(userID, sessionID uuid.UUID, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID.String() + "|" + sessionID.String(),
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
	}

	token := jwt.NewWithClaims(m.method, claims)
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a minted token, returning the user and
// session IDs from the subject claim.
func (m *JWTManager) Validate(tokenString string) (userID, sessionID uuid.UUID, err error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != m.alg {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, uuid.Nil, ErrExpiredSession
		}
		return uuid.Nil, uuid.Nil, WrapError(CodeInvalidRefreshToken, "invalid access token", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return uuid.Nil, uuid.Nil, NewError(CodeInvalidRefreshToken, "invalid access token")
	}

	return ParseSubject(claims.Subject)
}

// ParseSubject splits a "{userId}|{sessionId}" subject claim.
func ParseSubject(sub string) (userID, sessionID uuid.UUID, err error) {
	left, right, found := strings.Cut(sub, "|")
	if !found {
		return uuid.Nil, uuid.Nil, fmt.Errorf("auth: malformed subject claim %q", Redact(sub))
	}
	userID, err = uuid.Parse(left)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("auth: malformed user id in subject: %w", err)
	}
	sessionID, err = uuid.Parse(right)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("auth: malformed session id in subject: %w", err)
	}
	return userID, sessionID, nil
}

// JWKS returns the public key set as JSON. Used when the JWKS env value is
// not set and the key set has to be derived from the signing key.
func (m *JWTManager) JWKS() ([]byte, error) {
	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       m.publicKey,
				KeyID:     m.keyID,
				Algorithm: m.alg,
				Use:       "sig",
			},
		},
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling JWKS: %w", err)
	}
	return data, nil
}

// Issuer returns the iss claim value minted tokens carry.
func (m *JWTManager) Issuer() string {
	return m.issuer
}

// deriveKeyID computes a stable kid from the SHA-256 of the DER-encoded
// public key, so the JWKS entry and the token header always agree.
func deriveKeyID(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("auth: marshaling public key for kid: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}
