package nats

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-campaigns-nats/internal/kv"
)

type memEntry struct {
	jetstream.KeyValueEntry
	value []byte
	rev   uint64
}

func (e memEntry) Value() []byte    { return e.value }
func (e memEntry) Revision() uint64 { return e.rev }

// memBucket is an in-memory KV bucket with revision checks and stable key
// order.
type memBucket struct {
	jetstream.KeyValue
	mu   sync.Mutex
	keys []string
	data map[string]memEntry
	rev  uint64
}

func newMemBucket() *memBucket {
	return &memBucket{data: make(map[string]memEntry)}
}

func (m *memBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (m *memBucket) putLocked(key string, value []byte) uint64 {
	if _, ok := m.data[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.rev++
	m.data[key] = memEntry{value: value, rev: m.rev}
	return m.rev
}

func (m *memBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, value), nil
}

func (m *memBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return m.putLocked(key, value), nil
}

func (m *memBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; !ok || e.rev != revision {
		return 0, jetstream.ErrKeyExists
	}
	return m.putLocked(key, value), nil
}

func (m *memBucket) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keys) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	return append([]string(nil), m.keys...), nil
}

// newMemBackend builds a Backend over in-memory buckets.
func newMemBackend() *Backend {
	return &Backend{
		campaigns: kv.NewStore(newMemBucket()),
		owners:    kv.NewStore(newMemBucket()),
		proxies:   kv.NewStore(newMemBucket()),
		accounts:  kv.NewStore(newMemBucket()),
		logger:    slog.Default(),
	}
}
