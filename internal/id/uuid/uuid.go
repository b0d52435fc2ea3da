// Package uuid generates analysis job identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues UUIDv7 job ids. The time-ordered prefix keeps job rows
// roughly insertion-ordered in the database.
type Generator struct{}

// NewUUIDGenerator returns a Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
