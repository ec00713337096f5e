// Package transport abstracts the duplex connection a session endpoint rides
// on. The broker only ever sees this interface; the WebSocket adapter lives
// alongside it.
package transport

import (
	"net/url"
	"time"
)

// Close codes forwarded to the peer's close frame. Values follow RFC 6455.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
	CloseInternalErr     = 1011
)

// Conn is one duplex connection with a stable identity. Implementations must
// allow concurrent senders and must make Close safe to call multiple times.
type Conn interface {
	// ID is stable for the lifetime of the connection and unique per process.
	ID() string
	IsOpen() bool

	SendText(msg string) error
	SendBinary(data []byte) error

	// Close sends a close frame with the given code and reason, then closes
	// the underlying connection.
	Close(code int, reason string) error

	// QueryParameters returns the query string the connection was opened with.
	QueryParameters() url.Values

	// SetReadLimit caps the size of an inbound message.
	SetReadLimit(limit int64)
	// SetIdleTimeout bounds how long the connection may sit without inbound
	// traffic before reads fail.
	SetIdleTimeout(d time.Duration)
}
