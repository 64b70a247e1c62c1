// Package uuidv7 generates the time-ordered 128-bit identifiers used as swap
// transaction ids.
package uuidv7

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a UUIDv7. It panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New in canonical form.
func NewString() string {
	return New().String()
}

// Parse accepts the canonical form of any UUID and returns its 16 bytes.
func Parse(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("uuidv7: %w", err)
	}
	return id, nil
}

// FromBytes renders 16 raw bytes in canonical form.
func FromBytes(b []byte) (string, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", fmt.Errorf("uuidv7: %w", err)
	}
	return id.String(), nil
}
