package uuidx

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, uuid.RFC4122, id.Variant())
	assert.NotEqual(t, id, New())
}

func TestNewString(t *testing.T) {
	s := NewString()
	assert.Regexp(t, "^[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$", s)

	id, err := uuid.Parse(s)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestNewStringSortsByCreation(t *testing.T) {
	prev := NewString()
	for range 100 {
		next := NewString()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestShort(t *testing.T) {
	a, b := Short(), Short()
	assert.Regexp(t, "^[0-9a-f]{12}$", a)
	assert.NotEqual(t, a, b)
}
