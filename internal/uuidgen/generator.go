package uuidgen

import (
	"fmt"

	"github.com/google/uuid"
)

// EntityType represents the different entity types in the system
type EntityType string

const (
	EntityTypeSession   EntityType = "session"
	EntityTypeOperation EntityType = "operation"
	EntityTypeRoom      EntityType = "room"
	EntityTypeToken     EntityType = "token"
)

// NewForEntity generates a UUID appropriate for the given entity type.
// High-volume entities (sessions, operations) use UUIDv7 for time-ordered
// index locality; tokens use UUIDv4 so they stay unguessable.
func NewForEntity(entityType EntityType) (uuid.UUID, error) {
	switch entityType {
	case EntityTypeSession, EntityTypeOperation, EntityTypeRoom:
		return uuid.NewV7()
	default:
		return uuid.NewRandom()
	}
}

// MustNewForEntity is like NewForEntity but panics on error.
// Should only be used where UUID generation failure is unrecoverable.
func MustNewForEntity(entityType EntityType) uuid.UUID {
	id, err := NewForEntity(entityType)
	if err != nil {
		panic(fmt.Sprintf("failed to generate UUID for entity type %s: %v", entityType, err))
	}
	return id
}

// NewV4 generates a UUIDv4
func NewV4() (uuid.UUID, error) {
	return uuid.NewRandom()
}

// MustNewV4 is like NewV4 but panics on error
func MustNewV4() uuid.UUID {
	id, err := NewV4()
	if err != nil {
		panic(fmt.Sprintf("failed to generate UUIDv4: %v", err))
	}
	return id
}

// NewV7 generates a UUIDv7
func NewV7() (uuid.UUID, error) {
	return uuid.NewV7()
}

// MustNewV7 is like NewV7 but panics on error
func MustNewV7() uuid.UUID {
	id, err := NewV7()
	if err != nil {
		panic(fmt.Sprintf("failed to generate UUIDv7: %v", err))
	}
	return id
}
