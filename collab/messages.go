package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebSocket message types. These are manually implemented from the
// collaboration protocol definition to provide type safety and validation
// for every frame crossing the wire.

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Client -> server
	MessageTypeJoin            MessageType = "join"
	MessageTypeReconnect       MessageType = "reconnect"
	MessageTypeOperationSubmit MessageType = "operation_submit"
	MessageTypeLockRequest     MessageType = "lock_request"
	MessageTypeLockRenew       MessageType = "lock_renew"
	MessageTypeLockRelease     MessageType = "lock_release"
	MessageTypeCursorUpdate    MessageType = "cursor_update"

	// Server -> client
	MessageTypeJoined             MessageType = "joined"
	MessageTypeOperationAck       MessageType = "operation_ack"
	MessageTypeOperationBroadcast MessageType = "operation_broadcast"
	MessageTypeLockGranted        MessageType = "lock_granted"
	MessageTypeLockDenied         MessageType = "lock_denied"
	MessageTypeLockAck            MessageType = "lock_ack"
	MessageTypeLockReleased       MessageType = "lock_released"
	MessageTypePresenceUpdate     MessageType = "presence_update"
	MessageTypeCollaboratorsList  MessageType = "collaborators_list"
	MessageTypeConflictNotify     MessageType = "conflict_notify"
	MessageTypeRoomClosing        MessageType = "room_closing"
	MessageTypeError              MessageType = "error"
)

// serverOnlyTypes are message types clients must never send.
var serverOnlyTypes = map[MessageType]bool{
	MessageTypeJoined:             true,
	MessageTypeOperationAck:       true,
	MessageTypeOperationBroadcast: true,
	MessageTypeLockGranted:        true,
	MessageTypeLockDenied:         true,
	MessageTypeLockAck:            true,
	MessageTypeLockReleased:       true,
	MessageTypePresenceUpdate:     true,
	MessageTypeCollaboratorsList:  true,
	MessageTypeConflictNotify:     true,
	MessageTypeRoomClosing:        true,
	MessageTypeError:              true,
}

// IsServerOnly reports whether clients are forbidden from sending this type.
func (t MessageType) IsServerOnly() bool {
	return serverOnlyTypes[t]
}

// AsyncMessage is the base interface for all WebSocket messages
type AsyncMessage interface {
	GetMessageType() MessageType
	Validate() error
}

// Client -> server messages

// JoinMessage opens a session; the editor's identity was already verified
// from the collab ticket at upgrade time.
type JoinMessage struct {
	MessageType MessageType `json:"message_type"`
}

func (m JoinMessage) GetMessageType() MessageType { return m.MessageType }

func (m JoinMessage) Validate() error {
	if m.MessageType != MessageTypeJoin {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeJoin, m.MessageType)
	}
	return nil
}

// ReconnectMessage resumes a recently dropped session. LastSeq is the
// highest operation sequence the client saw before the drop; the engine
// replays everything after it, or falls back to a snapshot when the gap
// exceeds the replay buffer.
type ReconnectMessage struct {
	MessageType    MessageType `json:"message_type"`
	ReconnectToken string      `json:"reconnect_token"`
	LastSeq        uint64      `json:"last_seq"`
}

func (m ReconnectMessage) GetMessageType() MessageType { return m.MessageType }

func (m ReconnectMessage) Validate() error {
	if m.MessageType != MessageTypeReconnect {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeReconnect, m.MessageType)
	}
	if m.ReconnectToken == "" {
		return fmt.Errorf("reconnect_token is required")
	}
	return nil
}

// OperationSubmitMessage proposes an edit.
type OperationSubmitMessage struct {
	MessageType MessageType `json:"message_type"`
	Operation   Operation   `json:"operation"`
}

func (m OperationSubmitMessage) GetMessageType() MessageType { return m.MessageType }

func (m OperationSubmitMessage) Validate() error {
	if m.MessageType != MessageTypeOperationSubmit {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeOperationSubmit, m.MessageType)
	}
	return m.Operation.Validate()
}

// LockRequestMessage asks for an advisory edit lock on a field.
type LockRequestMessage struct {
	MessageType MessageType `json:"message_type"`
	FieldID     string      `json:"field_id"`
}

func (m LockRequestMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockRequestMessage) Validate() error {
	if m.MessageType != MessageTypeLockRequest {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockRequest, m.MessageType)
	}
	if m.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	return nil
}

// LockRenewMessage extends a held lock's TTL.
type LockRenewMessage struct {
	MessageType MessageType `json:"message_type"`
	FieldID     string      `json:"field_id"`
}

func (m LockRenewMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockRenewMessage) Validate() error {
	if m.MessageType != MessageTypeLockRenew {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockRenew, m.MessageType)
	}
	if m.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	return nil
}

// LockReleaseMessage releases a held lock.
type LockReleaseMessage struct {
	MessageType MessageType `json:"message_type"`
	FieldID     string      `json:"field_id"`
}

func (m LockReleaseMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockReleaseMessage) Validate() error {
	if m.MessageType != MessageTypeLockRelease {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockRelease, m.MessageType)
	}
	if m.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	return nil
}

// CursorUpdateMessage reports the editor's cursor position.
type CursorUpdateMessage struct {
	MessageType MessageType `json:"message_type"`
	FieldID     string      `json:"field_id"`
	Offset      int         `json:"offset"`
}

func (m CursorUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m CursorUpdateMessage) Validate() error {
	if m.MessageType != MessageTypeCursorUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCursorUpdate, m.MessageType)
	}
	if m.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	if m.Offset < 0 {
		return fmt.Errorf("offset must be non-negative")
	}
	return nil
}

// Server -> client messages

// JoinedMessage answers a join or reconnect. Exactly one of Snapshot and
// Replay is set: a snapshot on fresh join or when the reconnect gap
// exceeded the replay buffer, a replay otherwise.
type JoinedMessage struct {
	MessageType    MessageType         `json:"message_type"`
	SessionID      string              `json:"session_id"`
	ReconnectToken string              `json:"reconnect_token"`
	Snapshot       *Snapshot           `json:"snapshot,omitempty"`
	Replay         []AcceptedOperation `json:"replay,omitempty"`
	Collaborators  []Collaborator      `json:"collaborators"`
}

func (m JoinedMessage) GetMessageType() MessageType { return m.MessageType }

func (m JoinedMessage) Validate() error {
	if m.MessageType != MessageTypeJoined {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeJoined, m.MessageType)
	}
	if m.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if _, err := uuid.Parse(m.SessionID); err != nil {
		return fmt.Errorf("session_id must be a valid UUID: %w", err)
	}
	if m.ReconnectToken == "" {
		return fmt.Errorf("reconnect_token is required")
	}
	if m.Snapshot == nil && m.Replay == nil {
		return fmt.Errorf("either snapshot or replay is required")
	}
	if m.Snapshot != nil && m.Replay != nil {
		return fmt.Errorf("snapshot and replay are mutually exclusive")
	}
	return nil
}

// OperationAckMessage is the direct answer to the submitting session.
type OperationAckMessage struct {
	MessageType MessageType  `json:"message_type"`
	Result      SubmitResult `json:"result"`
}

func (m OperationAckMessage) GetMessageType() MessageType { return m.MessageType }

func (m OperationAckMessage) Validate() error {
	if m.MessageType != MessageTypeOperationAck {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeOperationAck, m.MessageType)
	}
	if m.Result.OperationID == "" {
		return fmt.Errorf("result.operation_id is required")
	}
	switch m.Result.Outcome {
	case OutcomeApplied, OutcomeConflict, OutcomeRejected:
	default:
		return fmt.Errorf("invalid result outcome: %s", m.Result.Outcome)
	}
	return nil
}

// OperationBroadcastMessage fans an accepted operation out to every other
// session in the room. The room state already reflects the operation.
type OperationBroadcastMessage struct {
	MessageType MessageType       `json:"message_type"`
	Accepted    AcceptedOperation `json:"accepted"`
}

func (m OperationBroadcastMessage) GetMessageType() MessageType { return m.MessageType }

func (m OperationBroadcastMessage) Validate() error {
	if m.MessageType != MessageTypeOperationBroadcast {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeOperationBroadcast, m.MessageType)
	}
	if m.Accepted.Seq == 0 {
		return fmt.Errorf("accepted.seq is required")
	}
	return m.Accepted.Operation.Validate()
}

// LockGrantedMessage confirms a lock to its requester and announces the
// holder to the rest of the room.
type LockGrantedMessage struct {
	MessageType MessageType  `json:"message_type"`
	Lock        LockInfo     `json:"lock"`
	Holder      Collaborator `json:"holder"`
}

func (m LockGrantedMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockGrantedMessage) Validate() error {
	if m.MessageType != MessageTypeLockGranted {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockGranted, m.MessageType)
	}
	if m.Lock.FieldID == "" {
		return fmt.Errorf("lock.field_id is required")
	}
	if m.Lock.HolderSessionID == "" {
		return fmt.Errorf("lock.holder_session_id is required")
	}
	return nil
}

// LockDeniedMessage tells the requester who currently holds the lock,
// so the UI can show "X is editing".
type LockDeniedMessage struct {
	MessageType MessageType  `json:"message_type"`
	FieldID     string       `json:"field_id"`
	Holder      Collaborator `json:"holder"`
}

func (m LockDeniedMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockDeniedMessage) Validate() error {
	if m.MessageType != MessageTypeLockDenied {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockDenied, m.MessageType)
	}
	if m.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	if m.Holder.SessionID == "" {
		return fmt.Errorf("holder.session_id is required")
	}
	return nil
}

// LockAckMessage acknowledges a renew or release to its sender.
type LockAckMessage struct {
	MessageType MessageType `json:"message_type"`
	FieldID     string      `json:"field_id"`
	Action      string      `json:"action"`
	OK          bool        `json:"ok"`
}

func (m LockAckMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockAckMessage) Validate() error {
	if m.MessageType != MessageTypeLockAck {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockAck, m.MessageType)
	}
	if m.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	if m.Action != "renew" && m.Action != "release" {
		return fmt.Errorf("action must be 'renew' or 'release', got: %s", m.Action)
	}
	return nil
}

// LockReleasedMessage tells the room a field is editable again.
type LockReleasedMessage struct {
	MessageType MessageType `json:"message_type"`
	FieldID     string      `json:"field_id"`
	Reason      string      `json:"reason"`
}

func (m LockReleasedMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockReleasedMessage) Validate() error {
	if m.MessageType != MessageTypeLockReleased {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockReleased, m.MessageType)
	}
	if m.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	switch m.Reason {
	case "released", "expired", "session_closed":
	default:
		return fmt.Errorf("invalid release reason: %s", m.Reason)
	}
	return nil
}

// PresenceUpdateMessage carries a collaborator's cursor movement.
// Idempotent; receivers keep whichever timestamp is most recent.
type PresenceUpdateMessage struct {
	MessageType MessageType    `json:"message_type"`
	SessionID   string         `json:"session_id"`
	User        Identity       `json:"user"`
	Cursor      CursorPosition `json:"cursor"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (m PresenceUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m PresenceUpdateMessage) Validate() error {
	if m.MessageType != MessageTypePresenceUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypePresenceUpdate, m.MessageType)
	}
	if m.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if m.Cursor.FieldID == "" {
		return fmt.Errorf("cursor.field_id is required")
	}
	return nil
}

// CollaboratorsListMessage is the full roster, broadcast on every join,
// leave, reconnect, and grace expiry.
type CollaboratorsListMessage struct {
	MessageType   MessageType    `json:"message_type"`
	FormID        string         `json:"form_id"`
	Collaborators []Collaborator `json:"collaborators"`
}

func (m CollaboratorsListMessage) GetMessageType() MessageType { return m.MessageType }

func (m CollaboratorsListMessage) Validate() error {
	if m.MessageType != MessageTypeCollaboratorsList {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCollaboratorsList, m.MessageType)
	}
	if m.FormID == "" {
		return fmt.Errorf("form_id is required")
	}
	for i, c := range m.Collaborators {
		if c.SessionID == "" {
			return fmt.Errorf("collaborators[%d].session_id is required", i)
		}
		if c.User.UserID == "" {
			return fmt.Errorf("collaborators[%d].user.user_id is required", i)
		}
	}
	return nil
}

// ConflictNotifyMessage tells a losing editor their edit was discarded
// and what won. Discarded edits are never silently dropped.
type ConflictNotifyMessage struct {
	MessageType MessageType  `json:"message_type"`
	Conflict    ConflictInfo `json:"conflict"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (m ConflictNotifyMessage) GetMessageType() MessageType { return m.MessageType }

func (m ConflictNotifyMessage) Validate() error {
	if m.MessageType != MessageTypeConflictNotify {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeConflictNotify, m.MessageType)
	}
	if m.Conflict.FieldID == "" {
		return fmt.Errorf("conflict.field_id is required")
	}
	if m.Conflict.Reason == "" {
		return fmt.Errorf("conflict.reason is required")
	}
	return nil
}

// RoomClosingMessage is sent before an empty room's stragglers are evicted.
type RoomClosingMessage struct {
	MessageType MessageType `json:"message_type"`
	FormID      string      `json:"form_id"`
}

func (m RoomClosingMessage) GetMessageType() MessageType { return m.MessageType }

func (m RoomClosingMessage) Validate() error {
	if m.MessageType != MessageTypeRoomClosing {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeRoomClosing, m.MessageType)
	}
	if m.FormID == "" {
		return fmt.Errorf("form_id is required")
	}
	return nil
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	MessageType MessageType `json:"message_type"`
	Error       string      `json:"error"`
	Message     string      `json:"message"`
	RetryAfter  int         `json:"retry_after,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m ErrorMessage) GetMessageType() MessageType { return m.MessageType }

func (m ErrorMessage) Validate() error {
	if m.MessageType != MessageTypeError {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeError, m.MessageType)
	}
	if m.Error == "" {
		return fmt.Errorf("error is required")
	}
	if m.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// ParseClientMessage parses an incoming frame into its typed client
// message. Server-only types are rejected before parsing.
func ParseClientMessage(data []byte) (AsyncMessage, error) {
	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base message: %w", err)
	}

	if base.MessageType.IsServerOnly() {
		return nil, fmt.Errorf("%s: %w", base.MessageType, ErrServerOnlyMessage)
	}

	switch base.MessageType {
	case MessageTypeJoin:
		var msg JoinMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse join message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeReconnect:
		var msg ReconnectMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse reconnect message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeOperationSubmit:
		var msg OperationSubmitMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse operation submit message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeLockRequest:
		var msg LockRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse lock request message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeLockRenew:
		var msg LockRenewMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse lock renew message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeLockRelease:
		var msg LockReleaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse lock release message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeCursorUpdate:
		var msg CursorUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse cursor update message: %w", err)
		}
		return msg, msg.Validate()

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.MessageType)
	}
}

// MarshalMessage validates and encodes a message for the wire.
func MarshalMessage(msg AsyncMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}
	return json.Marshal(msg)
}
