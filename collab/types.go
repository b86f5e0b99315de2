package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is the pre-validated editor identity supplied by the gateway.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

// CursorPosition marks where an editor's cursor currently sits.
type CursorPosition struct {
	FieldID string `json:"field_id"`
	Offset  int    `json:"offset"`
}

// OperationType enumerates the supported edit operations.
type OperationType string

const (
	OperationAdd     OperationType = "add"
	OperationUpdate  OperationType = "update"
	OperationDelete  OperationType = "delete"
	OperationReorder OperationType = "reorder"
)

// Operation is a single proposed edit to a field, carrying the field
// version the client believed was current when it authored the edit.
type Operation struct {
	ID          string          `json:"operation_id"`
	SessionID   string          `json:"session_id,omitempty"`
	FormID      string          `json:"form_id,omitempty"`
	FieldID     string          `json:"field_id"`
	Type        OperationType   `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion uint64          `json:"base_version"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Validate checks the operation's shape; structural validity against room
// state is the processor's job.
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if _, err := uuid.Parse(op.ID); err != nil {
		return fmt.Errorf("operation_id must be a valid UUID: %w", err)
	}
	if op.FieldID == "" {
		return fmt.Errorf("field_id is required")
	}
	switch op.Type {
	case OperationAdd, OperationUpdate:
		if len(op.Payload) == 0 {
			return fmt.Errorf("%s operation requires a payload", op.Type)
		}
	case OperationDelete:
		if len(op.Payload) != 0 {
			return fmt.Errorf("delete operation should not include a payload")
		}
	case OperationReorder:
		if len(op.Payload) == 0 {
			return fmt.Errorf("reorder operation requires a payload")
		}
	default:
		return fmt.Errorf("invalid operation type: %s (must be add, update, delete, or reorder)", op.Type)
	}
	return nil
}

// AddPayload is the payload shape for add operations.
type AddPayload struct {
	Content  json.RawMessage `json:"content"`
	Position *int            `json:"position,omitempty"`
}

// ReorderPayload is the payload shape for reorder operations.
type ReorderPayload struct {
	Position int `json:"position"`
}

// FieldState is the authoritative state of a single form field.
// Content is opaque to the engine beyond its top-level property keys.
type FieldState struct {
	FieldID        string          `json:"field_id"`
	Version        uint64          `json:"version"`
	Content        json.RawMessage `json:"content"`
	LastModifiedBy string          `json:"last_modified_by"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
}

// Clone returns a deep copy safe to hand outside the room worker.
func (f *FieldState) Clone() *FieldState {
	c := *f
	if f.Content != nil {
		c.Content = make(json.RawMessage, len(f.Content))
		copy(c.Content, f.Content)
	}
	return &c
}

// Snapshot is a full copy of a room's field state, in display order.
type Snapshot struct {
	FormID        string       `json:"form_id"`
	SchemaVersion uint64       `json:"schema_version"`
	Seq           uint64       `json:"seq"`
	Fields        []FieldState `json:"fields"`
}

// LockInfo describes an advisory edit lock on a field.
type LockInfo struct {
	FieldID         string    `json:"field_id"`
	HolderSessionID string    `json:"holder_session_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CollaboratorStatus reflects a session's connection state.
type CollaboratorStatus string

const (
	CollaboratorActive CollaboratorStatus = "active"
	// CollaboratorAway marks a session whose socket dropped but is still
	// within its reconnection grace window.
	CollaboratorAway CollaboratorStatus = "away"
)

// Collaborator is one editor as presented to the room.
type Collaborator struct {
	SessionID   string             `json:"session_id"`
	User        Identity           `json:"user"`
	Status      CollaboratorStatus `json:"status"`
	Cursor      *CursorPosition    `json:"cursor,omitempty"`
	ConnectedAt time.Time          `json:"connected_at"`
}

// SubmitOutcome classifies the result of an operation submission.
type SubmitOutcome string

const (
	OutcomeApplied  SubmitOutcome = "applied"
	OutcomeConflict SubmitOutcome = "conflict"
	OutcomeRejected SubmitOutcome = "rejected"
)

// ConflictInfo carries everything the losing editor needs to re-derive
// intent: the discarded payload, the winning state, and why.
type ConflictInfo struct {
	FieldID          string          `json:"field_id"`
	Reason           string          `json:"reason"`
	Properties       []string        `json:"properties,omitempty"`
	DiscardedPayload json.RawMessage `json:"discarded_payload,omitempty"`
	CurrentState     *FieldState     `json:"current_state,omitempty"`
	FieldDeleted     bool            `json:"field_deleted,omitempty"`
}

// SubmitResult is the processor's answer to a submitted operation.
type SubmitResult struct {
	Outcome       SubmitOutcome `json:"outcome"`
	OperationID   string        `json:"operation_id"`
	NewVersion    uint64        `json:"new_version,omitempty"`
	SchemaVersion uint64        `json:"schema_version,omitempty"`
	Seq           uint64        `json:"seq,omitempty"`
	Conflict      *ConflictInfo `json:"conflict,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// AcceptedOperation is an operation after it cleared the processor, with
// its server-assigned room sequence and resulting versions.
type AcceptedOperation struct {
	Seq           uint64    `json:"seq"`
	Operation     Operation `json:"operation"`
	Version       uint64    `json:"version"`
	SchemaVersion uint64    `json:"schema_version"`
	AppliedAt     time.Time `json:"applied_at"`

	// properties lists the top-level content keys the operation touched;
	// used by the conflict resolver, never serialized to clients.
	properties []string
}
