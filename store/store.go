// Package store defines the shared key-value store the background process
// persists the ledger into, and an in-memory implementation of it.
//
// Values are opaque bytes, JSON in practice. Absent keys are not an error:
// Get simply omits them so first-run callers can fall back to defaults.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/alphadose/haxmap"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is an asynchronous key-value store over a small fixed set of keys.
type Store interface {
	// Get returns the values of the keys that exist.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes all values. Backends that can do so write them atomically.
	Set(ctx context.Context, values map[string][]byte) error
	// Remove deletes the keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

// Memory is a Store held in process memory.
type Memory struct {
	// mu makes multi-key writes atomic with respect to reads.
	mu     sync.RWMutex
	data   *haxmap.Map[string, []byte]
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: haxmap.New[string, []byte]()}
}

func (m *Memory) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data.Get(k); ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for k, v := range values {
		m.data.Set(k, append([]byte(nil), v...))
	}
	return nil
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.data.Del(keys...)
	return nil
}

// Keys lists the stored keys in no particular order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, m.data.Len())
	m.data.ForEach(func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
