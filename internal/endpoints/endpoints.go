// Package endpoints implements the WebSocket subscription surface: one
// endpoint for administrative clients, one for devices connecting back with
// a dispatched operation id. Handlers upgrade the connection, run the
// broker's initialize, then pump frames until the connection dies.
package endpoints

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kestrelmdm/session-relay/internal/broker"
	"github.com/kestrelmdm/session-relay/internal/metrics"
	"github.com/kestrelmdm/session-relay/internal/ratelimit"
	"github.com/kestrelmdm/session-relay/internal/transport"
)

type Endpoints struct {
	broker  *broker.Broker
	log     *slog.Logger
	metrics *metrics.Metrics

	// messagesPerSecond caps inbound frames per connection; 0 disables the
	// limiter.
	messagesPerSecond int
	clock             ratelimit.Clock

	upgrader websocket.Upgrader
}

type Config struct {
	Broker               *broker.Broker
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
	MaxMessagesPerSecond int
	Clock                ratelimit.Clock
}

func New(cfg Config) *Endpoints {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Endpoints{
		broker:            cfg.Broker,
		log:               logger,
		metrics:           cfg.Metrics,
		messagesPerSecond: cfg.MaxMessagesPerSecond,
		clock:             clock,
		// Clients and devices are not browsers; Origin carries no meaning for
		// this protocol.
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (e *Endpoints) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /remote/session/clients/{deviceType}/{deviceId}", e.handleClient)
	mux.HandleFunc("GET /remote/session/devices/{deviceType}/{deviceId}/{operationId}", e.handleDevice)
}

func (e *Endpoints) handleClient(w http.ResponseWriter, r *http.Request) {
	e.serve(w, r, "")
}

func (e *Endpoints) handleDevice(w http.ResponseWriter, r *http.Request) {
	e.serve(w, r, r.PathValue("operationId"))
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Endpoints) serve(w http.ResponseWriter, r *http.Request, operationID string) {
	deviceType := r.PathValue("deviceType")
	deviceID := r.PathValue("deviceId")

	wsConn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := transport.NewWSConn(wsConn, r.URL.Query())

	sess, err := e.broker.Initialize(r.Context(), conn, deviceType, deviceID, operationID)
	if err != nil {
		e.reject(conn, err)
		return
	}

	e.log.Debug("session transport attached",
		"connection_id", conn.ID(),
		"role", string(sess.Role()),
		"remote_addr", r.RemoteAddr,
	)

	var limiter *ratelimit.TokenBucket
	if e.messagesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(e.clock, int64(e.messagesPerSecond), int64(e.messagesPerSecond))
	}

	// The close reason passed to EndSession is applied to the *peer's* close
	// frame during the cascade.
	reason := broker.CloseReasonPeerDisconnected
	defer func() {
		e.broker.EndSession(conn.ID(), reason)
		_ = conn.Close(transport.CloseGoingAway, "")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if limiter != nil && !limiter.Allow(1) {
			e.metrics.Inc(metrics.RateLimitedClosed)
			reason = "message rate limit exceeded"
			e.sendError(conn, "rate_limited", "message rate limit exceeded")
			_ = conn.Close(transport.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		switch msgType {
		case websocket.TextMessage:
			err = e.broker.SendTextToPeer(conn.ID(), string(data))
		case websocket.BinaryMessage:
			err = e.broker.SendBinaryToPeer(conn.ID(), data)
		default:
			continue
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, broker.ErrPeerNotConnected), errors.Is(err, broker.ErrMalformedMessage):
			// Recoverable: tell the sender and keep the connection up.
			e.sendError(conn, errorCode(err), err.Error())
		default:
			// Session gone or the peer transport failed; tear down.
			e.log.Debug("relay failed", "connection_id", conn.ID(), "err", err)
			_ = conn.Close(transport.CloseGoingAway, "relay failed")
			return
		}
	}
}

// reject reports an initialize failure on the freshly upgraded connection
// and closes it with a close code matching the error class.
func (e *Endpoints) reject(conn *transport.WSConn, err error) {
	code := errorCode(err)
	e.sendError(conn, code, err.Error())
	_ = conn.Close(closeCodeFor(err), closeReason(err))
	e.log.Info("session rejected", "connection_id", conn.ID(), "code", code, "err", err)
}

// closeReason fits the error text into a close frame's 123-byte reason
// payload (RFC 6455 caps control frames at 125 bytes, 2 used by the code).
func closeReason(err error) string {
	const maxCloseReasonBytes = 123
	msg := err.Error()
	if len(msg) > maxCloseReasonBytes {
		msg = msg[:maxCloseReasonBytes]
	}
	return msg
}

func (e *Endpoints) sendError(conn *transport.WSConn, code, message string) {
	msg, err := json.Marshal(errorMessage{Type: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.SendText(string(msg))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, broker.ErrDisabled), errors.Is(err, broker.ErrServerURLNotSet):
		return "not_configured"
	case errors.Is(err, broker.ErrAuthenticationFailed):
		return "unauthorized"
	case errors.Is(err, broker.ErrNotAuthorized):
		return "forbidden"
	case errors.Is(err, broker.ErrInvalidRequest):
		return "bad_request"
	case errors.Is(err, broker.ErrSlotOccupied):
		return "conflict"
	case errors.Is(err, broker.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, broker.ErrNoPendingSession):
		return "no_pending_session"
	case errors.Is(err, broker.ErrOperationMismatch):
		return "operation_mismatch"
	case errors.Is(err, broker.ErrPeerNotConnected):
		return "peer_not_connected"
	case errors.Is(err, broker.ErrMalformedMessage):
		return "bad_message"
	case errors.Is(err, broker.ErrSessionNotFound):
		return "session_not_found"
	default:
		return "internal_error"
	}
}

func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrSlotOccupied):
		return transport.CloseTryAgainLater
	case errors.Is(err, broker.ErrAuthenticationFailed),
		errors.Is(err, broker.ErrNotAuthorized),
		errors.Is(err, broker.ErrInvalidRequest),
		errors.Is(err, broker.ErrInvalidToken),
		errors.Is(err, broker.ErrNoPendingSession),
		errors.Is(err, broker.ErrOperationMismatch):
		return transport.ClosePolicyViolation
	default:
		return transport.CloseInternalErr
	}
}
