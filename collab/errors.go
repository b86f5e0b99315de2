package collab

import "errors"

// Engine error taxonomy. WebSocket-level errors are surfaced to clients as
// an ErrorMessage with one of the code constants below.
var (
	// ErrAuthRejected means the collab ticket was missing, malformed,
	// expired, or signed for a different form. Fatal to the join attempt.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrRoomLoadFailed means the persistence snapshot could not be
	// fetched. Retryable; the room is never registered half-initialized.
	ErrRoomLoadFailed = errors.New("room load failed")

	// ErrSessionExpired means a reconnect token was stale or already
	// used; the client must rejoin fresh.
	ErrSessionExpired = errors.New("session expired")

	// ErrRoomClosed means the room worker has stopped.
	ErrRoomClosed = errors.New("room closed")

	// ErrRoomNotOwned means another process holds the serialization
	// lease for this room; the client should be sticky-routed there.
	ErrRoomNotOwned = errors.New("room owned by another process")

	// ErrUnknownSession means the session id is not registered.
	ErrUnknownSession = errors.New("unknown session")

	// ErrRateLimited means a session exceeded its submission ceiling.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerOnlyMessage means a client sent a message type only the
	// server may emit.
	ErrServerOnlyMessage = errors.New("message type is server-only")
)

// Error codes carried in ErrorMessage.Error.
const (
	ErrorCodeAuthRejected     = "auth_rejected"
	ErrorCodeRoomLoadFailed   = "room_load_failed"
	ErrorCodeSessionExpired   = "session_expired"
	ErrorCodeRoomNotOwned     = "room_not_owned"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUnsupportedType  = "unsupported_message_type"
	ErrorCodeServerOnlyType   = "server_only_message_type"
	ErrorCodeNotJoined        = "not_joined"
	ErrorCodeInternal         = "internal_error"
	ErrorCodeProtocolSequence = "protocol_sequence"
)
