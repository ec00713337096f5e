// Package backend defines the contracts this relay consumes from the
// device-management backend: token validation, device-access authorization
// and asynchronous operation dispatch. The broker never talks to the backend
// directly; it goes through these interfaces so tests can substitute fakes.
package backend

import "context"

// DeviceIdentifier names a managed device within a tenant.
type DeviceIdentifier struct {
	Type string
	ID   string
}

// AuthenticationInfo is the result of validating an administrative client's
// access token.
type AuthenticationInfo struct {
	Authenticated bool
	TenantDomain  string
	Username      string
}

// TokenAuthenticator validates the token an administrative client presents
// on connect.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (AuthenticationInfo, error)
}

// DeviceAuthorizer answers whether a user may open a remote session to a
// device. The tenant domain is passed explicitly on every call; there is no
// ambient tenant context.
type DeviceAuthorizer interface {
	IsAuthorized(ctx context.Context, tenantDomain string, device DeviceIdentifier, username string) (bool, error)
}

// OperationDispatcher enqueues an asynchronous operation for a device and
// returns the backend's operation (activity) identifier.
type OperationDispatcher interface {
	Dispatch(ctx context.Context, tenantDomain string, device DeviceIdentifier, code string, payload []byte) (string, error)
}
