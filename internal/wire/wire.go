package wire

import "encoding/json"

// Message type discriminators for client -> server envelopes.
const (
	TypePing               = "ping"
	TypeSessionUpdate      = "session-update"
	TypeSessionAlive       = "session-alive"
	TypeSessionEnd         = "session-end"
	TypeMachineUpdate      = "machine-update"
	TypeMachineHeartbeat   = "machine-heartbeat"
	TypeArtifactWrite      = "artifact-write"
	TypeAccessKeyUpdate    = "access-key-update"
	TypePermissionDecision = "permission-decision"
	TypeResyncRequest      = "resync-request"
)

// Message type discriminators for server -> client messages.
const (
	TypePong            = "pong"
	TypeChange          = "change"
	TypeAck             = "ack"
	TypeWriteAck        = "write-ack"
	TypeVersionMismatch = "version-mismatch"
	TypeResyncError     = "resync-error"
	TypeResyncComplete  = "resync-complete"
	TypeError           = "error"
	TypeEvicted         = "evicted"
)

// Error codes surfaced to clients.
const (
	CodeAuthenticationFailed = "authentication-failed"
	CodeAuthorizationDenied  = "authorization-denied"
	CodeVersionMismatch      = "version-mismatch"
	CodeValidation           = "validation-error"
	CodeNotFound             = "not-found"
	CodeInternal             = "internal-error"
)

// Envelope is the client -> server message frame. ID is an optional
// client-chosen correlation id echoed back in the direct reply.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UpdateRequest is the payload for the versioned-write message types
// (session-update, machine-update, artifact-write, access-key-update).
type UpdateRequest struct {
	ID              string `json:"id"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Payload         []byte `json:"payload"`
}

// LivenessRequest is the payload for session-alive, session-end and
// machine-heartbeat. Time is milliseconds since epoch; zero means "now".
type LivenessRequest struct {
	ID   string `json:"id"`
	Time int64  `json:"time,omitempty"`
}

// PermissionDecision resolves a pending permission request inside a session
// payload. The decision is applied as a versioned write on the session.
type PermissionDecision struct {
	SessionID       string `json:"sessionId"`
	RequestID       string `json:"requestId"`
	Decision        string `json:"decision"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Payload         []byte `json:"payload"`
}

// ResyncCursor names an entity and the last version the device has applied.
type ResyncCursor struct {
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	LastVersion int64  `json:"lastVersion"`
}

// ResyncRequest is the payload for resync-request.
type ResyncRequest struct {
	Cursors []ResyncCursor `json:"cursors"`
}

// Change is broadcast to sibling connections after an accepted write, and
// streamed as backlog during resync.
type Change struct {
	Type       string `json:"type"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Version    int64  `json:"version"`
	Payload    []byte `json:"payload"`
	Active     bool   `json:"active"`
}

// Ack confirms a non-versioning operation (liveness touch) was applied.
type Ack struct {
	Type    string `json:"type"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// WriteAck confirms an accepted write to the originating device.
type WriteAck struct {
	Type       string `json:"type"`
	ReplyTo    string `json:"replyTo,omitempty"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Version    int64  `json:"version"`
}

// VersionMismatch carries the winner's state so the caller can rebase
// without another round trip.
type VersionMismatch struct {
	Type           string `json:"type"`
	ReplyTo        string `json:"replyTo,omitempty"`
	EntityType     string `json:"entityType"`
	EntityID       string `json:"entityId"`
	CurrentVersion int64  `json:"currentVersion"`
	CurrentPayload []byte `json:"currentPayload"`
}

// ResyncError reports a cursor whose history is unavailable. Distinct from a
// transport failure: the client must do a full refetch, not retry.
type ResyncError struct {
	Type       string `json:"type"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Code       string `json:"code"`
}

// ResyncComplete terminates a backlog stream.
type ResyncComplete struct {
	Type    string `json:"type"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// Error is the per-message error reply. Message never leaks internals; for
// internal-error the correlation id ties the reply to server logs.
type Error struct {
	Type          string `json:"type"`
	ReplyTo       string `json:"replyTo,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Pong answers a ping envelope.
type Pong struct {
	Type    string `json:"type"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// Evicted is sent to a connection displaced by a newer connection for the
// same device, just before the socket is closed.
type Evicted struct {
	Type string `json:"type"`
}

func NewChange(entityType, entityID string, version int64, payload []byte, active bool) Change {
	return Change{Type: TypeChange, EntityType: entityType, EntityID: entityID, Version: version, Payload: payload, Active: active}
}

func NewError(replyTo, code, message string) Error {
	return Error{Type: TypeError, ReplyTo: replyTo, Code: code, Message: message}
}
