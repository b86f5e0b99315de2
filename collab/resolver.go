package collab

import (
	"github.com/formlab/collab/internal/slogging"
)

// resolveStaleUpdate arbitrates an update whose base version is behind the
// field's current version. Runs on the room worker.
//
// The replay buffer supplies the operations applied since the stale base.
// When every intervening operation touched different top-level properties,
// the stale update merges cleanly with a single version bump and no
// conflict is surfaced. When a property overlaps, the already-applied
// operation wins (the room worker's arrival order is the authoritative
// order; client clocks are untrusted) and the submitter receives the
// discarded payload alongside the winning state.
func (r *Room) resolveStaleUpdate(op Operation, field *FieldState, props []string) SubmitResult {
	history := r.replay.FieldOpsAfter(op.FieldID, op.BaseVersion)

	// Every version between base and current must be visible to prove
	// the edits disjoint; a gap beyond buffer coverage forces the client
	// to re-derive intent from the latest state.
	if uint64(len(history)) != field.Version-op.BaseVersion {
		slogging.Get().Debug("Conflict history for field %s in room %s exceeds replay coverage (base=%d current=%d)",
			op.FieldID, r.FormID, op.BaseVersion, field.Version)
		return r.conflict(op, ConflictInfo{
			FieldID:          op.FieldID,
			Reason:           "history_unavailable",
			DiscardedPayload: op.Payload,
			CurrentState:     field.Clone(),
		})
	}

	overlapping := overlappingProperties(history, props)
	if overlapping == nil {
		slogging.Get().Debug("Merging stale disjoint update %s onto field %s in room %s (base=%d current=%d)",
			op.ID, op.FieldID, r.FormID, op.BaseVersion, field.Version)
		return r.applyUpdate(op, field, props)
	}

	return r.conflict(op, ConflictInfo{
		FieldID:          op.FieldID,
		Reason:           "overlapping_update",
		Properties:       overlapping,
		DiscardedPayload: op.Payload,
		CurrentState:     field.Clone(),
	})
}

// overlappingProperties returns the properties of props that any history
// entry also touched, or nil when the histories are disjoint. An add in
// the history replaced the content wholesale, so everything overlaps;
// reorders are structural only and never collide with property updates.
func overlappingProperties(history []AcceptedOperation, props []string) []string {
	touched := make(map[string]bool)
	for _, h := range history {
		switch h.Operation.Type {
		case OperationReorder:
			continue
		case OperationUpdate:
			for _, p := range h.properties {
				touched[p] = true
			}
		default:
			// add or delete: content was replaced or removed since the
			// client's base, nothing can merge.
			return append([]string(nil), props...)
		}
	}

	var overlapping []string
	for _, p := range props {
		if touched[p] {
			overlapping = append(overlapping, p)
		}
	}
	return overlapping
}
