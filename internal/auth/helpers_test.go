package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/db"
	"github.com/gatehouse-io/gatehouse/internal/repository"
)

const (
	testIssuerURL = "http://localhost:8080"
	testSiteURL   = "http://localhost:3000"
	testSecret    = "test-signing-secret"
)

var (
	rsaKeyOnce sync.Once
	rsaKeyPEM  string
)

// testRSAKeyPEM generates one RSA key for the whole test binary — key
// generation is the slowest part of the harness.
func testRSAKeyPEM(t *testing.T) string {
	t.Helper()
	rsaKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating RSA key: %v", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshaling RSA key: %v", err)
		}
		rsaKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	})
	return rsaKeyPEM
}

func testECKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating EC key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling EC key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func testStore(t *testing.T) *repository.Store {
	t.Helper()

	key := sha256.Sum256([]byte(testSecret))
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
	return repository.NewStore(database, repository.NewTriggers())
}

// newTestService builds a Service on an in-memory store with a fake clock
// pinned to the current wall time, so minted JWTs validate against real
// time while the tests control the engine's clock.
func newTestService(t *testing.T, providers ...*ProviderConfig) (*Service, *clockwork.FakeClock) {
	t.Helper()

	if len(providers) == 0 {
		providers = []*ProviderConfig{PasswordProvider(), AnonymousProvider()}
	}

	jwtMgr, err := NewJWTManager(testRSAKeyPEM(t), testIssuerURL, time.Hour)
	if err != nil {
		t.Fatalf("building jwt manager: %v", err)
	}

	clock := clockwork.NewFakeClockAt(time.Now().Truncate(time.Second))
	svc, err := NewService(Options{
		Store: testStore(t),
		Config: Config{
			IssuerURL:     testIssuerURL,
			SiteURL:       testSiteURL,
			SigningSecret: testSecret,
		},
		JWT:       jwtMgr,
		Providers: providers,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("building service: %v", err)
	}
	return svc, clock
}

// signUpPassword signs up a fresh password account and returns its tokens.
func signUpPassword(t *testing.T, svc *Service, email, password string) *Tokens {
	t.Helper()
	result, err := svc.SignIn(context.Background(), SignInArgs{
		Provider: "password",
		Params:   Params{"email": email, "password": password, "flow": "signUp"},
	})
	if err != nil {
		t.Fatalf("password sign-up for %s: %v", email, err)
	}
	if result.Tokens == nil {
		t.Fatalf("password sign-up for %s returned no tokens", email)
	}
	return result.Tokens
}

// captureSender records delivered verification requests.
type captureSender struct {
	mu   sync.Mutex
	reqs []VerificationRequest
}

func (c *captureSender) send(_ context.Context, req VerificationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *captureSender) last(t *testing.T) VerificationRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reqs) == 0 {
		t.Fatal("no verification request was delivered")
	}
	return c.reqs[len(c.reqs)-1]
}
