package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/formlab/collab/internal/slogging"
)

// submit is the operation processor entry point. Runs on the room worker.
func (r *Room) submit(op Operation) SubmitResult {
	// Client retries after ack loss must not double-apply.
	if cached, ok := r.cachedResult(op.SessionID, op.ID); ok {
		slogging.Get().Debug("Returning cached result for operation %s in room %s", op.ID, r.FormID)
		return *cached
	}

	res := r.process(op)
	r.cacheResult(op.SessionID, &res)
	r.metrics.Operations.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

func (r *Room) process(op Operation) SubmitResult {
	switch op.Type {
	case OperationAdd:
		return r.processAdd(op)
	case OperationUpdate:
		return r.processUpdate(op)
	case OperationDelete:
		return r.processDelete(op)
	case OperationReorder:
		return r.processReorder(op)
	default:
		return r.rejected(op, fmt.Sprintf("unknown operation type: %s", op.Type))
	}
}

func (r *Room) processAdd(op Operation) SubmitResult {
	if _, exists := r.fields[op.FieldID]; exists {
		return r.rejected(op, "field already exists")
	}

	var payload AddPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return r.rejected(op, "malformed add payload")
	}
	if len(payload.Content) == 0 {
		return r.rejected(op, "add payload requires content")
	}

	position := len(r.order)
	if payload.Position != nil {
		if *payload.Position < 0 {
			return r.rejected(op, "position out of range")
		}
		position = *payload.Position
		// A concurrent reorder or delete may have shrunk the form since
		// the client chose this position; rebase by clamping.
		if position > len(r.order) {
			position = len(r.order)
		}
	}

	// A re-added field id continues its old version counter so versions
	// never repeat for a given field.
	version := uint64(1)
	if last, ok := r.tombstones[op.FieldID]; ok {
		version = last + 1
		delete(r.tombstones, op.FieldID)
	}

	field := &FieldState{
		FieldID:        op.FieldID,
		Version:        version,
		Content:        payload.Content,
		LastModifiedBy: r.userIDFor(op.SessionID),
		LastModifiedAt: time.Now().UTC(),
	}
	r.fields[op.FieldID] = field
	r.order = append(r.order, "")
	copy(r.order[position+1:], r.order[position:])
	r.order[position] = op.FieldID
	r.schemaVersion++

	return r.accept(op, version, nil)
}

func (r *Room) processUpdate(op Operation) SubmitResult {
	props, err := topLevelProperties(op.Payload)
	if err != nil {
		return r.rejected(op, "update payload must be a JSON object")
	}

	field, exists := r.fields[op.FieldID]
	if !exists {
		if _, deleted := r.tombstones[op.FieldID]; deleted {
			// Delete always wins over a concurrent update; the update's
			// author learns their edit was discarded and why.
			return r.conflict(op, ConflictInfo{
				FieldID:          op.FieldID,
				Reason:           "field_deleted",
				DiscardedPayload: op.Payload,
				FieldDeleted:     true,
			})
		}
		return r.rejected(op, "unknown field")
	}

	switch {
	case op.BaseVersion == field.Version:
		return r.applyUpdate(op, field, props)
	case op.BaseVersion > field.Version:
		return r.rejected(op, "base version ahead of current")
	default:
		return r.resolveStaleUpdate(op, field, props)
	}
}

// applyUpdate merges the payload into the field content and bumps the
// version. Callers have already established there is no conflict.
func (r *Room) applyUpdate(op Operation, field *FieldState, props []string) SubmitResult {
	merged, err := jsonpatch.MergePatch(field.Content, op.Payload)
	if err != nil {
		return r.rejected(op, "invalid merge patch")
	}
	field.Content = merged
	field.Version++
	field.LastModifiedBy = r.userIDFor(op.SessionID)
	field.LastModifiedAt = time.Now().UTC()
	return r.accept(op, field.Version, props)
}

func (r *Room) processDelete(op Operation) SubmitResult {
	field, exists := r.fields[op.FieldID]
	if !exists {
		if _, deleted := r.tombstones[op.FieldID]; deleted {
			return r.conflict(op, ConflictInfo{
				FieldID:      op.FieldID,
				Reason:       "field_deleted",
				FieldDeleted: true,
			})
		}
		return r.rejected(op, "unknown field")
	}

	if ok, holder := r.locks.CanMutate(op.SessionID, op.FieldID); !ok {
		return r.rejected(op, fmt.Sprintf("field locked by %s", r.userIDFor(holder)))
	}

	// Delete wins over any concurrent updates, stale base included.
	version := field.Version + 1
	delete(r.fields, op.FieldID)
	r.removeFromOrder(op.FieldID)
	r.tombstones[op.FieldID] = version
	r.schemaVersion++

	return r.accept(op, version, nil)
}

func (r *Room) processReorder(op Operation) SubmitResult {
	field, exists := r.fields[op.FieldID]
	if !exists {
		if _, deleted := r.tombstones[op.FieldID]; deleted {
			return r.conflict(op, ConflictInfo{
				FieldID:      op.FieldID,
				Reason:       "field_deleted",
				FieldDeleted: true,
			})
		}
		return r.rejected(op, "unknown field")
	}

	if ok, holder := r.locks.CanMutate(op.SessionID, op.FieldID); !ok {
		return r.rejected(op, fmt.Sprintf("field locked by %s", r.userIDFor(holder)))
	}

	var payload ReorderPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return r.rejected(op, "malformed reorder payload")
	}
	if payload.Position < 0 {
		return r.rejected(op, "position out of range")
	}

	position := payload.Position
	switch {
	case op.BaseVersion == field.Version:
		if position >= len(r.order) {
			return r.rejected(op, "position out of range")
		}
	case op.BaseVersion > field.Version:
		return r.rejected(op, "base version ahead of current")
	default:
		// Concurrent structural change; re-express the target position
		// in terms of the current order.
		if position >= len(r.order) {
			position = len(r.order) - 1
		}
	}

	r.removeFromOrder(op.FieldID)
	r.order = append(r.order, "")
	copy(r.order[position+1:], r.order[position:])
	r.order[position] = op.FieldID

	field.Version++
	field.LastModifiedBy = r.userIDFor(op.SessionID)
	field.LastModifiedAt = time.Now().UTC()
	r.schemaVersion++

	return r.accept(op, field.Version, nil)
}

// accept records an applied operation. The room state already reflects the
// operation's effect before anything is broadcast or persisted.
func (r *Room) accept(op Operation, version uint64, props []string) SubmitResult {
	r.seq++
	acc := AcceptedOperation{
		Seq:           r.seq,
		Operation:     op,
		Version:       version,
		SchemaVersion: r.schemaVersion,
		AppliedAt:     time.Now().UTC(),
		properties:    props,
	}
	r.replay.Append(acc)

	if r.opSink != nil {
		var state *FieldState
		if field, ok := r.fields[op.FieldID]; ok {
			state = field.Clone()
		}
		r.opSink.Append(r.FormID, acc, state)
	}
	r.publisher.PublishOperation(r.FormID, OperationBroadcastMessage{
		MessageType: MessageTypeOperationBroadcast,
		Accepted:    acc,
	}, op.SessionID)

	return SubmitResult{
		Outcome:       OutcomeApplied,
		OperationID:   op.ID,
		NewVersion:    version,
		SchemaVersion: r.schemaVersion,
		Seq:           r.seq,
	}
}

// conflict builds a Conflict result and notifies the losing session so the
// discarded edit is never silently dropped.
func (r *Room) conflict(op Operation, info ConflictInfo) SubmitResult {
	r.publisher.SendConflict(op.SessionID, ConflictNotifyMessage{
		MessageType: MessageTypeConflictNotify,
		Conflict:    info,
		Timestamp:   time.Now().UTC(),
	})
	return SubmitResult{
		Outcome:     OutcomeConflict,
		OperationID: op.ID,
		Conflict:    &info,
	}
}

func (r *Room) rejected(op Operation, reason string) SubmitResult {
	return SubmitResult{
		Outcome:     OutcomeRejected,
		OperationID: op.ID,
		Reason:      reason,
	}
}

func (r *Room) removeFromOrder(fieldID string) {
	for i, id := range r.order {
		if id == fieldID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Room) userIDFor(sessionID string) string {
	if c, ok := r.identities.Collaborator(sessionID); ok && c.User.UserID != "" {
		return c.User.UserID
	}
	return sessionID
}

// topLevelProperties returns the sorted top-level keys of a JSON object.
func topLevelProperties(payload []byte) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	props := make([]string, 0, len(obj))
	for k := range obj {
		props = append(props, k)
	}
	sort.Strings(props)
	return props, nil
}
