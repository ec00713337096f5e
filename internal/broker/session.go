package broker

import (
	"sync"

	"github.com/kestrelmdm/session-relay/internal/transport"
)

// Role distinguishes the two ends of a relay pair.
type Role string

const (
	// RoleClient is the administrative initiator.
	RoleClient Role = "CLIENT"
	// RoleDevice is the managed endpoint that joins second.
	RoleDevice Role = "DEVICE"
)

// Session is one endpoint of a (future) relay pair. The transport handle is
// exclusively owned by the session except for the brief foreign close during
// a cascade teardown.
type Session struct {
	conn             transport.Conn
	tenantDomain     string
	deviceType       string
	deviceID         string
	role             Role
	correlationToken string

	mu          sync.Mutex
	operationID string
	peer        *Session
}

func newSession(conn transport.Conn, tenantDomain, deviceType, deviceID string, role Role, correlationToken string) *Session {
	return &Session{
		conn:             conn,
		tenantDomain:     tenantDomain,
		deviceType:       deviceType,
		deviceID:         deviceID,
		role:             role,
		correlationToken: correlationToken,
	}
}

func (s *Session) Conn() transport.Conn { return s.conn }
func (s *Session) TenantDomain() string { return s.tenantDomain }
func (s *Session) DeviceType() string   { return s.deviceType }
func (s *Session) DeviceID() string     { return s.deviceID }
func (s *Session) Role() Role           { return s.role }

// CorrelationToken is the one-time token issued at client creation; on the
// device side it is the redeemed token the device presented.
func (s *Session) CorrelationToken() string { return s.correlationToken }

// DeviceKey scopes pairing slots: tenant/deviceType/deviceId.
func (s *Session) DeviceKey() string {
	return s.tenantDomain + "/" + s.deviceType + "/" + s.deviceID
}

func (s *Session) OperationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationID
}

func (s *Session) setOperationID(id string) {
	s.mu.Lock()
	s.operationID = id
	s.mu.Unlock()
}

// Peer returns the paired session, or nil while still waiting.
func (s *Session) Peer() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// bindPeer links the pair. Pairing is one-shot: a second bind is a
// programming error and is ignored in favor of the first.
func (s *Session) bindPeer(peer *Session) {
	s.mu.Lock()
	if s.peer == nil {
		s.peer = peer
	}
	s.mu.Unlock()
}
