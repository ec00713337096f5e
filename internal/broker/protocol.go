package broker

// Wire shapes exchanged with the device-management backend and the paired
// client. These are the only structured messages in the subsystem; relayed
// payloads stay opaque.

// OperationCodeRemoteConnect is the operation code of the dispatched
// "connect back" instruction and the code echoed in the pairing
// acknowledgment.
const OperationCodeRemoteConnect = "REMOTE_CONNECT"

// activityIDPrefix prefixes operation ids in dispatch responses; the broker
// records the bare id.
const activityIDPrefix = "ACTIVITY_"

// CloseReasonNewSession is sent when a stale pairing-slot occupant is
// evicted by a new client claim.
const CloseReasonNewSession = "Remote session closed due to new session request"

// CloseReasonPeerDisconnected is the cascade close reason used when one side
// of a pair disconnects.
const CloseReasonPeerDisconnected = "peer disconnected"

// ConnectInstruction is the payload of the dispatched connect operation,
// delivered to the device out-of-band by the backend.
type ConnectInstruction struct {
	ServerURL            string `json:"serverUrl"`
	UUIDToValidateDevice string `json:"uuidToValidateDevice"`
}

// ConnectAck is sent to the waiting client once its device connects.
type ConnectAck struct {
	Code string `json:"code"`
}

// tokenQueryParam carries the client's access token or the device's one-time
// correlation token in the connection's query string.
const tokenQueryParam = "websocketToken"
