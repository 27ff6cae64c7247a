// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/wastewatch/store"
)

// Factory creates a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

type acceptanceTest struct {
	name string
	test func(t *testing.T, newStore Factory)
}

// Run runs the acceptance suite against a backend.
func Run(t *testing.T, newStore Factory) {
	tests := []acceptanceTest{
		{"missing keys are omitted", testMissingKeys},
		{"set then get", testSetGet},
		{"overwrites values", testOverwrite},
		{"removes keys", testRemove},
		{"returns copies", testCopies},
		{"concurrent writers", testConcurrentWriters},
		{"closed store", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.test(t, newStore)
		})
	}
}

func testMissingKeys(t *testing.T, newStore Factory) {
	s := newStore(t)
	got, err := s.Get(context.Background(), "history", "aggregateTotals")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Get(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSetGet(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, map[string][]byte{
		"history":         []byte(`[]`),
		"aggregateTotals": []byte(`{"tokenCount":3}`),
	}))

	got, err := s.Get(ctx, "history", "aggregateTotals", "absent")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.JSONEq(t, `[]`, string(got["history"]))
	assert.JSONEq(t, `{"tokenCount":3}`, string(got["aggregateTotals"]))
}

func testOverwrite(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, map[string][]byte{"k": []byte(`1`)}))
	require.NoError(t, s.Set(ctx, map[string][]byte{"k": []byte(`2`)}))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `2`, string(got["k"]))
}

func testRemove(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, map[string][]byte{"a": []byte(`1`), "b": []byte(`2`)}))
	require.NoError(t, s.Remove(ctx, "a", "never-set"))

	got, err := s.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
	assert.Equal(t, `2`, string(got["b"]))
}

func testCopies(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	value := []byte(`"abc"`)
	require.NoError(t, s.Set(ctx, map[string][]byte{"k": value}))
	value[1] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(got["k"]))
}

func testConcurrentWriters(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			assert.NoError(t, s.Set(ctx, map[string][]byte{key: []byte(fmt.Sprintf("%d", i))}))
		}(i)
	}
	wg.Wait()

	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	got, err := s.Get(ctx, keys...)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func testClosed(t *testing.T, newStore Factory) {
	s := newStore(t)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
	err = s.Set(context.Background(), map[string][]byte{"k": []byte(`1`)})
	assert.ErrorIs(t, err, store.ErrClosed)
}
