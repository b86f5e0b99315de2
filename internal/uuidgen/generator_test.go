package uuidgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewForEntityVersions(t *testing.T) {
	tests := []struct {
		entityType EntityType
		version    uuid.Version
	}{
		{EntityTypeSession, 7},
		{EntityTypeOperation, 7},
		{EntityTypeRoom, 7},
		{EntityTypeToken, 4},
		{EntityType("unknown"), 4},
	}

	for _, tt := range tests {
		t.Run(string(tt.entityType), func(t *testing.T) {
			id, err := NewForEntity(tt.entityType)
			require.NoError(t, err)
			assert.Equal(t, tt.version, id.Version())
		})
	}
}

func TestV7Ordering(t *testing.T) {
	// UUIDv7 embeds a millisecond timestamp; ids generated in sequence
	// must never sort backwards.
	prev := MustNewV7()
	for i := 0; i < 100; i++ {
		next := MustNewV7()
		assert.LessOrEqual(t, prev.String(), next.String())
		prev = next
	}
}

func TestMustNewV4Unique(t *testing.T) {
	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 1000; i++ {
		id := MustNewV4()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
