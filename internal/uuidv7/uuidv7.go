// Package uuidv7 mints time-ordered identifiers used as datastore session
// tokens.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value, panicking if the entropy source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a UUIDv7 in canonical string form.
func NewString() string {
	return New().String()
}
