package api

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

func TestOpenIDConfiguration(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != wellKnownCacheControl {
		t.Errorf("Cache-Control = %q", got)
	}

	var doc struct {
		Issuer                string `json:"issuer"`
		JWKSURI               string `json:"jwks_uri"`
		AuthorizationEndpoint string `json:"authorization_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if doc.Issuer != testIssuerURL {
		t.Errorf("issuer = %q", doc.Issuer)
	}
	if doc.JWKSURI != testIssuerURL+"/.well-known/jwks.json" {
		t.Errorf("jwks_uri = %q", doc.JWKSURI)
	}
	if doc.AuthorizationEndpoint == "" {
		t.Error("authorization_endpoint missing")
	}
}

func TestJWKSDerivedFromSigningKey(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != wellKnownCacheControl {
		t.Errorf("Cache-Control = %q", got)
	}

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Use string `json:"use"`
			Kid string `json:"kid"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(set.Keys))
	}
	if set.Keys[0].Kty != "RSA" || set.Keys[0].Use != "sig" || set.Keys[0].Kid == "" {
		t.Errorf("unexpected key: %+v", set.Keys[0])
	}
}

func TestJWKSConfiguredValueServedVerbatim(t *testing.T) {
	const literal = `{"keys":[{"kty":"RSA","kid":"pinned","use":"sig","n":"AQAB","e":"AQAB"}]}`
	srv := newTestServer(t, func(cfg *auth.Config) {
		cfg.JWKS = literal
	})

	resp, err := srv.Client().Get(srv.URL + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != literal {
		t.Fatalf("body = %q, want the configured key set byte for byte", body)
	}
}
