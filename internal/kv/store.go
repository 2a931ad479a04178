// Package kv keeps JSON documents in a JetStream key-value bucket and
// changes them with revision-checked writes.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds how often an update is recomputed after losing a
// revision race.
const maxCASAttempts = 5

// ErrConflict is returned when a compare-and-swap kept losing to concurrent
// writers.
var ErrConflict = errors.New("kv: revision conflict")

// Store is one bucket of JSON documents. Every read reports the revision it
// saw so callers can make the next write conditional on it.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get returns the raw document at key and its revision.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Create inserts a raw document. An existing key fails with
// jetstream.ErrKeyExists, which IsRevisionConflict also matches.
func (s *Store) Create(ctx context.Context, key string, doc []byte) (uint64, error) {
	return s.kv.Create(ctx, key, doc)
}

// Keys lists the bucket. An empty bucket yields no keys and no error.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, err
}

// GetJSON decodes the document at key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	doc, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return rev, nil
}

// PutJSON writes v at key regardless of the current revision. Only used for
// records a single operator registers, never for campaign progress.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Put(ctx, key, doc)
}

// SwapJSON writes v at key only if the key is still at revision. A lost race
// fails with an error IsRevisionConflict matches; nothing is retried.
func (s *Store) SwapJSON(ctx context.Context, key string, v any, revision uint64) (uint64, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Update(ctx, key, doc, revision)
}

// UpdateJSON reads the document at key, lets mutate change it and writes it
// back only if nobody else wrote in between. A lost race starts over from the
// new revision, up to maxCASAttempts times, then fails with ErrConflict.
//
// An error from mutate stops the update without writing; the document as read
// is returned with it.
func UpdateJSON[T any](ctx context.Context, s *Store, key string, mutate func(v *T, revision uint64) error) (*T, uint64, error) {
	for range maxCASAttempts {
		v := new(T)
		rev, err := s.GetJSON(ctx, key, v)
		if err != nil {
			return nil, 0, err
		}
		if err := mutate(v, rev); err != nil {
			return v, rev, err
		}

		next, err := s.SwapJSON(ctx, key, v, rev)
		switch {
		case err == nil:
			return v, next, nil
		case !IsRevisionConflict(err):
			return nil, 0, fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil, 0, fmt.Errorf("write %s: %w", key, ErrConflict)
}

// IsRevisionConflict reports whether err is JetStream's wrong-last-sequence
// rejection of a conditional write.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists)
}

// IsNotFound reports whether err means the key is absent or deleted.
func IsNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
