// Package uuidx hands out the identifiers used for samples, sessions and
// subscriptions. They are version 7 UUIDs, so ids minted later sort later.
package uuidx

import "github.com/google/uuid"

// New returns a version 7 UUID. It panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString is New in its canonical string form.
func NewString() string {
	return New().String()
}

// Short returns the random tail of a new id as 12 hex characters, for names
// that must be unique but stay readable.
func Short() string {
	s := NewString()
	return s[len(s)-12:]
}
