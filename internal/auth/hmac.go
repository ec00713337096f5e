package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/kestrelmdm/session-relay/internal/backend"
)

// HMAC session tokens are compact JWTs (HS256) minted by the management
// console. Required claims: sub (username), tenant (tenant domain), exp and
// iat. nbf is honored when present.
//
// Verification is hand-rolled: split, bound, check the MAC over the raw
// base64 input, then decode. Size caps are enforced before any decoding so a
// hostile token cannot force large allocations.

const (
	hmacSigLen       = sha256.Size
	hmacSigB64Len    = 43 // base64url-no-pad length of a 32-byte MAC
	maxHeaderB64Len  = 4 * 1024
	maxPayloadB64Len = 16 * 1024
	maxTokenLen      = maxHeaderB64Len + 1 + maxPayloadB64Len + 1 + hmacSigB64Len
)

type HMACAuthenticator struct {
	secret []byte
	now    func() time.Time
}

func NewHMACAuthenticator(secret string) (*HMACAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("hmac secret is required")
	}
	return &HMACAuthenticator{
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

type sessionClaims struct {
	Sub    string `json:"sub"`
	Tenant string `json:"tenant"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
	Nbf    *int64 `json:"nbf,omitempty"`
}

// Authenticate never returns an error for a bad token; it reports
// Authenticated=false so callers treat signature failures and malformed
// input identically (no oracle).
func (a *HMACAuthenticator) Authenticate(_ context.Context, token string) (backend.AuthenticationInfo, error) {
	claims, ok := a.verify(token)
	if !ok {
		return backend.AuthenticationInfo{}, nil
	}
	return backend.AuthenticationInfo{
		Authenticated: true,
		TenantDomain:  claims.Tenant,
		Username:      claims.Sub,
	}, nil
}

func (a *HMACAuthenticator) verify(token string) (sessionClaims, bool) {
	headerB64, payloadB64, sigB64, ok := splitToken(token)
	if !ok {
		return sessionClaims{}, false
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != hmacSigLen {
		return sessionClaims{}, false
	}

	mac := hmac.New(sha256.New, a.secret)
	_, _ = io.WriteString(mac, headerB64)
	_, _ = mac.Write([]byte{'.'})
	_, _ = io.WriteString(mac, payloadB64)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return sessionClaims{}, false
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return sessionClaims{}, false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header.Alg != "HS256" {
		return sessionClaims{}, false
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return sessionClaims{}, false
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	var claims sessionClaims
	if err := dec.Decode(&claims); err != nil {
		return sessionClaims{}, false
	}
	// Exactly one top-level JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return sessionClaims{}, false
	}

	if claims.Sub == "" || claims.Tenant == "" || claims.Exp == 0 || claims.Iat == 0 {
		return sessionClaims{}, false
	}

	now := a.now().Unix()
	if now >= claims.Exp {
		return sessionClaims{}, false
	}
	if claims.Nbf != nil && now < *claims.Nbf {
		return sessionClaims{}, false
	}

	return claims, true
}

func splitToken(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxTokenLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxHeaderB64Len || len(payloadB64) > maxPayloadB64Len || len(sigB64) != hmacSigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

// MintToken signs a session token. Exported for tests and for the dev
// console; production tokens come from the management console's own signer.
func (a *HMACAuthenticator) MintToken(username, tenantDomain string, ttl time.Duration) (string, error) {
	if username == "" || tenantDomain == "" {
		return "", errors.New("username and tenant domain are required")
	}
	now := a.now()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(sessionClaims{
		Sub:    username,
		Tenant: tenantDomain,
		Exp:    now.Add(ttl).Unix(),
		Iat:    now.Unix(),
	})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, a.secret)
	_, _ = io.WriteString(mac, header)
	_, _ = mac.Write([]byte{'.'})
	_, _ = io.WriteString(mac, payload)
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return header + "." + payload + "." + sig, nil
}
