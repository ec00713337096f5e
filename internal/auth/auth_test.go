package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kestrelmdm/session-relay/internal/config"
)

func TestStaticAuthenticator(t *testing.T) {
	a := StaticAuthenticator{Token: "sekrit", TenantDomain: "carbon.super", Username: "admin"}

	info, err := a.Authenticate(context.Background(), "sekrit")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !info.Authenticated || info.TenantDomain != "carbon.super" || info.Username != "admin" {
		t.Fatalf("info=%+v", info)
	}

	for _, token := range []string{"", "wrong", "sekrit2", "sekri"} {
		info, err := a.Authenticate(context.Background(), token)
		if err != nil {
			t.Fatalf("authenticate(%q): %v", token, err)
		}
		if info.Authenticated {
			t.Fatalf("token %q accepted", token)
		}
	}
}

func TestStaticAuthenticatorEmptyExpected(t *testing.T) {
	a := StaticAuthenticator{TenantDomain: "carbon.super", Username: "admin"}
	info, err := a.Authenticate(context.Background(), "anything")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if info.Authenticated {
		t.Fatalf("empty expected token must reject everything")
	}
}

func TestNewAuthenticatorModes(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeStatic, StaticToken: "t", StaticTenantDomain: "carbon.super", StaticUsername: "admin"}
	if _, err := NewAuthenticator(cfg); err != nil {
		t.Fatalf("static: %v", err)
	}

	cfg = config.Config{AuthMode: config.AuthModeHMAC, HMACSecret: "s"}
	if _, err := NewAuthenticator(cfg); err != nil {
		t.Fatalf("hmac: %v", err)
	}

	cfg = config.Config{AuthMode: config.AuthModeIntrospect}
	if _, err := NewAuthenticator(cfg); err == nil {
		t.Fatalf("introspect should not be constructible here")
	}
}

func newHMAC(t *testing.T, secret string) *HMACAuthenticator {
	t.Helper()
	a, err := NewHMACAuthenticator(secret)
	if err != nil {
		t.Fatalf("new hmac authenticator: %v", err)
	}
	return a
}

func TestHMACMintAndVerify(t *testing.T) {
	a := newHMAC(t, "topsecret")
	token, err := a.MintToken("admin", "carbon.super", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	info, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !info.Authenticated || info.Username != "admin" || info.TenantDomain != "carbon.super" {
		t.Fatalf("info=%+v", info)
	}
}

func TestHMACRejectsWrongSecret(t *testing.T) {
	minter := newHMAC(t, "secret-a")
	verifier := newHMAC(t, "secret-b")

	token, err := minter.MintToken("admin", "carbon.super", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	info, err := verifier.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if info.Authenticated {
		t.Fatalf("token signed with another secret accepted")
	}
}

func TestHMACRejectsExpired(t *testing.T) {
	a := newHMAC(t, "topsecret")
	a.now = func() time.Time { return time.Unix(1_000_000, 0) }
	token, err := a.MintToken("admin", "carbon.super", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	a.now = func() time.Time { return time.Unix(1_000_000+61, 0) }
	info, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if info.Authenticated {
		t.Fatalf("expired token accepted")
	}
}

func TestHMACRejectsTampered(t *testing.T) {
	a := newHMAC(t, "topsecret")
	token, err := a.MintToken("admin", "carbon.super", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		t.Fatalf("token has %d parts", len(parts))
	}
	// Swap one character of the payload.
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	info, err := a.Authenticate(context.Background(), tampered)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if info.Authenticated {
		t.Fatalf("tampered token accepted")
	}
}

func TestHMACRejectsMalformed(t *testing.T) {
	a := newHMAC(t, "topsecret")
	valid, err := a.MintToken("admin", "carbon.super", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	sig := valid[strings.LastIndexByte(valid, '.')+1:]

	tokens := []string{
		"",
		"justonepart",
		"two.parts",
		"a.b.c.d",
		".b." + sig,
		"a.." + sig,
		"a.b.shortsig",
		strings.Repeat("x", maxHeaderB64Len+1) + ".b." + sig,
		"a." + strings.Repeat("x", maxPayloadB64Len+1) + "." + sig,
	}
	for _, token := range tokens {
		info, err := a.Authenticate(context.Background(), token)
		if err != nil {
			t.Fatalf("authenticate(%q...): %v", truncate(token), err)
		}
		if info.Authenticated {
			t.Fatalf("malformed token accepted: %q...", truncate(token))
		}
	}
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32]
	}
	return s
}

func TestHMACMintRequiresIdentity(t *testing.T) {
	a := newHMAC(t, "topsecret")
	if _, err := a.MintToken("", "carbon.super", time.Hour); err == nil {
		t.Fatalf("mint without username should fail")
	}
	if _, err := a.MintToken("admin", "", time.Hour); err == nil {
		t.Fatalf("mint without tenant should fail")
	}
}

func TestNewHMACAuthenticatorRequiresSecret(t *testing.T) {
	if _, err := NewHMACAuthenticator(""); err == nil {
		t.Fatalf("empty secret should fail")
	}
}
