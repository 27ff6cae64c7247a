// Package natskv implements store.Store on a NATS JetStream key-value bucket,
// so several background processes can share one ledger.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/casualjim/wastewatch/store"
)

// DefaultBucket is the bucket used when none is configured.
const DefaultBucket = "wastewatch"

// Store is a store.Store backed by a JetStream KV bucket. Set writes keys one
// by one; concurrent writers resolve as last write wins per key.
type Store struct {
	kv     jetstream.KeyValue
	closed atomic.Bool
}

var _ store.Store = (*Store)(nil)

// New opens, or creates, the bucket on the given connection.
func New(ctx context.Context, nc *nats.Conn, bucket string) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "wastewatch ledger",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: bucket %q: %w", bucket, err)
	}
	return &Store{kv: kv}, nil
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		entry, err := s.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("natskv: get %q: %w", k, err)
		}
		out[k] = entry.Value()
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	for k, v := range values {
		if _, err := s.kv.Put(ctx, k, v); err != nil {
			return fmt.Errorf("natskv: put %q: %w", k, err)
		}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("natskv: delete %q: %w", k, err)
		}
	}
	return nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
