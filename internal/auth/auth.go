// Package auth provides local implementations of the backend
// TokenAuthenticator contract: a constant-time static token for development
// and self-contained HMAC-SHA256 session tokens for deployments that don't
// route validation through the backend.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/kestrelmdm/session-relay/internal/backend"
	"github.com/kestrelmdm/session-relay/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// NewAuthenticator builds the authenticator for the configured auth mode.
// AuthModeIntrospect is wired in main against the backend client and is not
// handled here.
func NewAuthenticator(cfg config.Config) (backend.TokenAuthenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeStatic:
		return StaticAuthenticator{
			Token:        cfg.StaticToken,
			TenantDomain: cfg.StaticTenantDomain,
			Username:     cfg.StaticUsername,
		}, nil
	case config.AuthModeHMAC:
		return NewHMACAuthenticator(cfg.HMACSecret)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// StaticAuthenticator accepts a single pre-shared token. Intended for dev
// and integration tests; an empty expected token rejects everything in prod
// (config validation) but accepts everything in dev mode when Token is set
// to the presented value.
type StaticAuthenticator struct {
	Token        string
	TenantDomain string
	Username     string
}

func (a StaticAuthenticator) Authenticate(_ context.Context, token string) (backend.AuthenticationInfo, error) {
	if token == "" || a.Token == "" {
		return backend.AuthenticationInfo{}, nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return backend.AuthenticationInfo{}, nil
	}
	return backend.AuthenticationInfo{
		Authenticated: true,
		TenantDomain:  a.TenantDomain,
		Username:      a.Username,
	}, nil
}
