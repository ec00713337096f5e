package broker

import "errors"

// Every initialize/relay failure maps to one of these sentinels so the
// endpoint layer can pick a close code with errors.Is. Wrapped errors keep
// the underlying cause in the message.
var (
	// Configuration.
	ErrDisabled        = errors.New("remote session feature is disabled")
	ErrServerURLNotSet = errors.New("server url has not been configured")

	// Client initialize.
	ErrAuthenticationFailed = errors.New("invalid token")
	ErrNotAuthorized        = errors.New("unauthorized access for the device")
	ErrInvalidRequest       = errors.New("missing device id or type")
	ErrSlotOccupied         = errors.New("another client session is waiting on the device to connect")

	// Device initialize.
	ErrInvalidToken      = errors.New("invalid or already redeemed session token")
	ErrNoPendingSession  = errors.New("no pending client session for the device")
	ErrOperationMismatch = errors.New("operation does not match the pending client session")

	// Relay.
	ErrSessionNotFound  = errors.New("remote session not found")
	ErrPeerNotConnected = errors.New("peer session is not connected")
	ErrMalformedMessage = errors.New("malformed text message")

	// External collaborators.
	ErrDispatchFailed     = errors.New("failed to dispatch the connect operation")
	ErrAuthorizationCheck = errors.New("device access authorization check failed")
)
