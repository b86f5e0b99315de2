package collab

// ReplayBuffer is a fixed-capacity, drop-oldest ring of accepted
// operations. It resynchronizes briefly-disconnected sessions without a
// full snapshot transfer and serves the conflict resolver's per-field
// history lookups.
//
// Not safe for concurrent use; the owning room worker serializes access.
type ReplayBuffer struct {
	capacity int
	entries  []AcceptedOperation
	start    int
	length   int
}

// NewReplayBuffer creates a ring holding at most capacity operations.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReplayBuffer{
		capacity: capacity,
		entries:  make([]AcceptedOperation, capacity),
	}
}

// Append records an accepted operation, evicting the oldest if full.
func (b *ReplayBuffer) Append(op AcceptedOperation) {
	if b.length < b.capacity {
		b.entries[(b.start+b.length)%b.capacity] = op
		b.length++
		return
	}
	b.entries[b.start] = op
	b.start = (b.start + 1) % b.capacity
}

// Len returns the number of buffered operations.
func (b *ReplayBuffer) Len() int {
	return b.length
}

// OldestSeq returns the sequence of the oldest buffered operation, or 0
// when the buffer is empty.
func (b *ReplayBuffer) OldestSeq() uint64 {
	if b.length == 0 {
		return 0
	}
	return b.entries[b.start].Seq
}

// LatestSeq returns the sequence of the newest buffered operation, or 0
// when the buffer is empty.
func (b *ReplayBuffer) LatestSeq() uint64 {
	if b.length == 0 {
		return 0
	}
	return b.entries[(b.start+b.length-1)%b.capacity].Seq
}

// Covers reports whether a session that last saw afterSeq can be brought
// current by replay alone. An empty ring covers nothing, and a session
// claiming a seq beyond the newest entry is out of coverage either way:
// the ring cannot tell whether that seq ever existed. The room decides
// "already current" against its own counter before consulting the ring.
func (b *ReplayBuffer) Covers(afterSeq uint64) bool {
	if b.length == 0 || afterSeq > b.LatestSeq() {
		return false
	}
	return afterSeq+1 >= b.OldestSeq()
}

// Since returns all buffered operations with Seq > afterSeq in order.
// ok is false when the gap exceeds buffer coverage and the caller must
// fall back to a full snapshot.
func (b *ReplayBuffer) Since(afterSeq uint64) ([]AcceptedOperation, bool) {
	if !b.Covers(afterSeq) {
		return nil, false
	}
	var out []AcceptedOperation
	for i := 0; i < b.length; i++ {
		e := b.entries[(b.start+i)%b.capacity]
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, true
}

// FieldOpsAfter returns buffered operations touching fieldID whose
// resulting field version exceeds baseVersion, oldest first. The caller
// decides whether the slice is complete by comparing its length against
// the version gap.
func (b *ReplayBuffer) FieldOpsAfter(fieldID string, baseVersion uint64) []AcceptedOperation {
	var out []AcceptedOperation
	for i := 0; i < b.length; i++ {
		e := b.entries[(b.start+i)%b.capacity]
		if e.Operation.FieldID == fieldID && e.Version > baseVersion {
			out = append(out, e)
		}
	}
	return out
}
