// Package broker pairs administrative client connections with managed device
// connections and relays opaque payloads between them.
//
// A client claims a per-device pairing slot, the backend dispatches a
// connect instruction carrying a one-time correlation token, and the device
// redeems that token when it connects back. Once paired, frames flow
// verbatim in both directions until either transport closes; teardown of one
// side cascades to the other.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelmdm/session-relay/internal/backend"
	"github.com/kestrelmdm/session-relay/internal/metrics"
	"github.com/kestrelmdm/session-relay/internal/transport"
)

// Config carries the broker's runtime settings, read at startup and never
// mutated afterwards.
type Config struct {
	// Enabled gates the whole feature; initialize fails when false.
	Enabled bool
	// ServerURL is handed to devices in the connect instruction.
	ServerURL string

	// Per-connection limits applied during initialize.
	MaxMessageBytes int64
	MaxIdleTimeout  time.Duration
}

// Deps are the external collaborators and ambient services.
type Deps struct {
	Authenticator backend.TokenAuthenticator
	Authorizer    backend.DeviceAuthorizer
	Dispatcher    backend.OperationDispatcher
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Broker owns the three registries and implements initialize, relay and
// end-session. All registry mutation goes through its methods; the maps are
// never handed out.
type Broker struct {
	cfg Config

	authenticator backend.TokenAuthenticator
	authorizer    backend.DeviceAuthorizer
	dispatcher    backend.OperationDispatcher
	log           *slog.Logger
	metrics       *metrics.Metrics

	// newToken generates correlation tokens; a test seam.
	newToken func() string

	mu       sync.Mutex
	sessions map[string]*Session // connection id -> session
	pending  map[string]*Session // device key -> waiting client session
	tokens   map[string]string   // correlation token -> tenant domain
}

func New(cfg Config, deps Deps) *Broker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		cfg:           cfg,
		authenticator: deps.Authenticator,
		authorizer:    deps.Authorizer,
		dispatcher:    deps.Dispatcher,
		log:           logger,
		metrics:       deps.Metrics,
		newToken:      uuid.NewString,
		sessions:      make(map[string]*Session),
		pending:       make(map[string]*Session),
		tokens:        make(map[string]string),
	}
}

// Initialize handles a connection-open event. An empty operationID means the
// connection is an administrative client; a device presents the operation id
// of the dispatched connect instruction. The token (OAuth access token for
// clients, one-time correlation token for devices) is read from the
// connection's query parameters.
func (b *Broker) Initialize(ctx context.Context, conn transport.Conn, deviceType, deviceID, operationID string) (*Session, error) {
	if !b.cfg.Enabled {
		return nil, ErrDisabled
	}
	if b.cfg.ServerURL == "" {
		return nil, ErrServerURLNotSet
	}

	token := conn.QueryParameters().Get(tokenQueryParam)
	if operationID == "" {
		return b.initializeClient(ctx, conn, deviceType, deviceID, token)
	}
	return b.initializeDevice(ctx, conn, deviceType, deviceID, operationID, token)
}

func (b *Broker) initializeClient(ctx context.Context, conn transport.Conn, deviceType, deviceID, token string) (*Session, error) {
	info, err := b.authenticator.Authenticate(ctx, token)
	if err != nil {
		b.metrics.Inc(metrics.AuthFailure)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if !info.Authenticated {
		b.metrics.Inc(metrics.AuthFailure)
		return nil, ErrAuthenticationFailed
	}

	if deviceType == "" || deviceID == "" {
		return nil, ErrInvalidRequest
	}

	device := backend.DeviceIdentifier{Type: deviceType, ID: deviceID}
	authorized, err := b.authorizer.IsAuthorized(ctx, info.TenantDomain, device, info.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorizationCheck, err)
	}
	if !authorized {
		b.metrics.Inc(metrics.AuthFailure)
		return nil, fmt.Errorf("%w: type %s, id %s", ErrNotAuthorized, deviceType, deviceID)
	}

	b.applyLimits(conn)

	correlationToken := b.newToken()
	sess := newSession(conn, info.TenantDomain, deviceType, deviceID, RoleClient, correlationToken)
	key := sess.DeviceKey()

	if err := b.claimSlot(key, sess); err != nil {
		b.metrics.Inc(metrics.PairingConflicts)
		return nil, err
	}

	payload, err := json.Marshal(ConnectInstruction{
		ServerURL:            b.cfg.ServerURL,
		UUIDToValidateDevice: correlationToken,
	})
	if err != nil {
		b.releaseSlot(key, sess)
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	activityID, err := b.dispatcher.Dispatch(ctx, info.TenantDomain, device, OperationCodeRemoteConnect, payload)
	if err != nil {
		b.releaseSlot(key, sess)
		b.metrics.Inc(metrics.DispatchFailures)
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	sess.setOperationID(strings.TrimPrefix(activityID, activityIDPrefix))

	b.mu.Lock()
	b.tokens[correlationToken] = info.TenantDomain
	b.sessions[conn.ID()] = sess
	count := len(b.sessions)
	b.mu.Unlock()

	b.metrics.Inc(metrics.ClientSessionsOpened)
	b.log.Info("client session opened",
		"connection_id", conn.ID(),
		"tenant", info.TenantDomain,
		"device_type", deviceType,
		"device_id", deviceID,
		"operation_id", sess.OperationID(),
		"sessions", count,
	)
	return sess, nil
}

// claimSlot inserts sess into the pairing slot for key with insert-if-absent
// semantics. A live, still-unpaired occupant wins; a stale occupant (closed
// transport or already paired) is evicted and the insert retried once.
func (b *Broker) claimSlot(key string, sess *Session) error {
	b.mu.Lock()
	occupant, exists := b.pending[key]
	if !exists {
		b.pending[key] = sess
		b.mu.Unlock()
		return nil
	}
	if occupant.Conn().IsOpen() && occupant.Peer() == nil {
		b.mu.Unlock()
		return ErrSlotOccupied
	}
	delete(b.pending, key)
	b.mu.Unlock()

	// Close the stale occupant's transport outside the lock. Failures never
	// block the new claim.
	b.metrics.Inc(metrics.StaleSlotsEvicted)
	if err := occupant.Conn().Close(transport.CloseGoingAway, CloseReasonNewSession); err != nil {
		b.log.Debug("failed to close stale session transport", "connection_id", occupant.Conn().ID(), "err", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if winner, ok := b.pending[key]; ok && winner != sess {
		// A concurrent claimant took the slot while we evicted the stale one.
		return ErrSlotOccupied
	}
	b.pending[key] = sess
	return nil
}

// releaseSlot undoes a slot claim when a later initialize step fails, so a
// failed initialize leaves no registry state behind.
func (b *Broker) releaseSlot(key string, sess *Session) {
	b.mu.Lock()
	if cur, ok := b.pending[key]; ok && cur == sess {
		delete(b.pending, key)
	}
	b.mu.Unlock()
}

func (b *Broker) initializeDevice(_ context.Context, conn transport.Conn, deviceType, deviceID, operationID, token string) (*Session, error) {
	b.applyLimits(conn)

	if token == "" {
		return nil, fmt.Errorf("%w: missing session token", ErrInvalidRequest)
	}

	// Redeem the one-time token. Removal happens up front: a token spent on a
	// failed claim is spent.
	b.mu.Lock()
	tenantDomain, ok := b.tokens[token]
	if ok {
		delete(b.tokens, token)
	}
	b.mu.Unlock()
	if !ok || tenantDomain == "" {
		b.metrics.Inc(metrics.InvalidTokens)
		return nil, ErrInvalidToken
	}

	sess := newSession(conn, tenantDomain, deviceType, deviceID, RoleDevice, token)
	sess.setOperationID(operationID)
	key := sess.DeviceKey()

	b.mu.Lock()
	client, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: operation id %s", ErrNoPendingSession, operationID)
	}
	if _, live := b.sessions[client.Conn().ID()]; !live {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: operation id %s", ErrNoPendingSession, operationID)
	}
	if client.OperationID() != operationID {
		b.mu.Unlock()
		b.metrics.Inc(metrics.OperationMismatches)
		return nil, fmt.Errorf("%w: operation id %s", ErrOperationMismatch, operationID)
	}

	// The one-shot pairing event. The pending slot entry stays; it doubles as
	// the "who is my pending client" lookup used during teardown.
	sess.bindPeer(client)
	client.bindPeer(sess)
	b.sessions[conn.ID()] = sess
	b.mu.Unlock()

	ack, err := json.Marshal(ConnectAck{Code: OperationCodeRemoteConnect})
	if err == nil {
		err = client.Conn().SendText(string(ack))
	}
	if err != nil {
		// The client transport is broken. Tear the half-built pair down so a
		// failed claim leaves no registry state behind.
		b.EndSession(conn.ID(), CloseReasonPeerDisconnected)
		return nil, fmt.Errorf("send connect acknowledgment: %w", err)
	}

	b.metrics.Inc(metrics.DeviceSessionsOpened)
	b.metrics.Inc(metrics.SessionsPaired)
	b.log.Info("device session opened",
		"connection_id", conn.ID(),
		"tenant", tenantDomain,
		"device_type", deviceType,
		"device_id", deviceID,
		"operation_id", operationID,
	)
	return sess, nil
}

func (b *Broker) applyLimits(conn transport.Conn) {
	conn.SetReadLimit(b.cfg.MaxMessageBytes)
	conn.SetIdleTimeout(b.cfg.MaxIdleTimeout)
}

// SendTextToPeer forwards a text payload to the peer of the session owning
// connID. The payload is parsed only enough to confirm it is well-formed
// JSON; its content is never interpreted.
func (b *Broker) SendTextToPeer(connID string, msg string) error {
	if !json.Valid([]byte(msg)) {
		return ErrMalformedMessage
	}
	peer, err := b.peerConn(connID)
	if err != nil {
		return err
	}
	if err := peer.SendText(msg); err != nil {
		return err
	}
	b.metrics.Inc(metrics.TextFramesRelayed)
	return nil
}

// SendBinaryToPeer forwards a binary payload byte-for-byte.
func (b *Broker) SendBinaryToPeer(connID string, data []byte) error {
	peer, err := b.peerConn(connID)
	if err != nil {
		return err
	}
	if err := peer.SendBinary(data); err != nil {
		return err
	}
	b.metrics.Inc(metrics.BinaryFramesRelayed)
	return nil
}

func (b *Broker) peerConn(connID string) (transport.Conn, error) {
	b.mu.Lock()
	sess, ok := b.sessions[connID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	peer := sess.Peer()
	if peer == nil {
		return nil, ErrPeerNotConnected
	}
	return peer.Conn(), nil
}

// EndSession handles a connection-close event. It is idempotent: duplicate
// or concurrent close events for the same identity are no-ops after the
// first. Tearing down one side of a pair removes both sides from every
// registry and closes the peer's transport if still open.
func (b *Broker) EndSession(connID string, reason string) {
	b.mu.Lock()
	sess, ok := b.sessions[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, connID)

	// Normally redeemed by the device already; defensive for clients whose
	// device never connected.
	delete(b.tokens, sess.CorrelationToken())

	key := sess.DeviceKey()
	if cur, ok := b.pending[key]; ok && cur == sess {
		delete(b.pending, key)
	}

	var peerTransport transport.Conn
	peer := sess.Peer()
	if peer != nil {
		delete(b.sessions, peer.Conn().ID())
		if cur, ok := b.pending[key]; ok && cur == peer {
			delete(b.pending, key)
		}
		peerTransport = peer.Conn()
	}
	count := len(b.sessions)
	b.mu.Unlock()

	if peerTransport != nil {
		b.metrics.Inc(metrics.TeardownCascades)
		if peerTransport.IsOpen() {
			if err := peerTransport.Close(transport.CloseGoingAway, reason); err != nil {
				b.log.Debug("failed to close peer transport", "connection_id", peerTransport.ID(), "err", err)
			}
		}
	}

	b.log.Info("session closed",
		"connection_id", connID,
		"role", string(sess.Role()),
		"reason", reason,
		"sessions", count,
	)
}

// SessionCount reports the number of live sessions in the registry.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// lookup is a test hook returning the session registered for connID.
func (b *Broker) lookup(connID string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[connID]
	return sess, ok
}

// pendingFor is a test hook returning the pairing-slot occupant for a device
// key.
func (b *Broker) pendingFor(deviceKey string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.pending[deviceKey]
	return sess, ok
}
