package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acc(seq uint64, fieldID string, version uint64, opType OperationType) AcceptedOperation {
	return AcceptedOperation{
		Seq:     seq,
		Version: version,
		Operation: Operation{
			FieldID: fieldID,
			Type:    opType,
		},
	}
}

func TestReplayBufferDropsOldest(t *testing.T) {
	b := NewReplayBuffer(3)
	for seq := uint64(1); seq <= 5; seq++ {
		b.Append(acc(seq, "f1", seq, OperationUpdate))
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(3), b.OldestSeq())
	assert.Equal(t, uint64(5), b.LatestSeq())
}

func TestReplayBufferSince(t *testing.T) {
	b := NewReplayBuffer(4)
	for seq := uint64(1); seq <= 4; seq++ {
		b.Append(acc(seq, "f1", seq, OperationUpdate))
	}

	ops, ok := b.Since(2)
	require.True(t, ok)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(3), ops[0].Seq)
	assert.Equal(t, uint64(4), ops[1].Seq)

	// Fully caught up: empty replay, not a snapshot fallback.
	ops, ok = b.Since(4)
	require.True(t, ok)
	assert.Empty(t, ops)

	// A seq the ring never produced is out of coverage; the ring cannot
	// vouch that nothing was missed.
	_, ok = b.Since(10)
	assert.False(t, ok)
}

func TestReplayBufferGapForcesSnapshot(t *testing.T) {
	b := NewReplayBuffer(2)
	for seq := uint64(1); seq <= 4; seq++ {
		b.Append(acc(seq, "f1", seq, OperationUpdate))
	}

	// Oldest buffered is seq 3; a client at seq 1 missed seq 2 forever.
	_, ok := b.Since(1)
	assert.False(t, ok)

	_, ok = b.Since(2)
	assert.True(t, ok)
}

func TestReplayBufferEmpty(t *testing.T) {
	b := NewReplayBuffer(4)

	assert.Zero(t, b.OldestSeq())
	assert.Zero(t, b.LatestSeq())

	// An empty ring covers nothing; whether the session is current is the
	// room's call, made against its own counter.
	_, ok := b.Since(0)
	assert.False(t, ok)
	assert.False(t, b.Covers(0))
}

func TestReplayBufferFieldOpsAfter(t *testing.T) {
	b := NewReplayBuffer(8)
	b.Append(acc(1, "f1", 1, OperationAdd))
	b.Append(acc(2, "f2", 1, OperationAdd))
	b.Append(acc(3, "f1", 2, OperationUpdate))
	b.Append(acc(4, "f1", 3, OperationUpdate))
	b.Append(acc(5, "f2", 2, OperationUpdate))

	history := b.FieldOpsAfter("f1", 1)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(2), history[0].Version)
	assert.Equal(t, uint64(3), history[1].Version)

	assert.Empty(t, b.FieldOpsAfter("f1", 3))
	assert.Len(t, b.FieldOpsAfter("f2", 0), 2)
}
