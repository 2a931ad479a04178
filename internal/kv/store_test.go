package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeEntry implements the parts of jetstream.KeyValueEntry the store reads.
type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
	rev   uint64
}

func (e fakeEntry) Value() []byte    { return e.value }
func (e fakeEntry) Revision() uint64 { return e.rev }

// fakeKV is an in-memory bucket with revision checks. conflicts makes the
// next n Update calls fail as if another writer won.
type fakeKV struct {
	jetstream.KeyValue
	mu        sync.Mutex
	data      map[string]fakeEntry
	rev       uint64
	conflicts int
	updates   int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]fakeEntry)}
}

func (f *fakeKV) Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (f *fakeKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev++
	f.data[key] = fakeEntry{value: value, rev: f.rev}
	return f.rev, nil
}

func (f *fakeKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.conflicts > 0 {
		f.conflicts--
		f.rev++
		e := f.data[key]
		e.rev = f.rev
		f.data[key] = e
		return 0, jetstream.ErrKeyExists
	}
	if e, ok := f.data[key]; !ok || e.rev != revision {
		return 0, jetstream.ErrKeyExists
	}
	f.rev++
	f.data[key] = fakeEntry{value: value, rev: f.rev}
	return f.rev, nil
}

type counter struct {
	N int `json:"n"`
}

func TestUpdateJSON_AppliesMutation(t *testing.T) {
	fake := newFakeKV()
	store := NewStore(fake)
	ctx := context.Background()

	if _, err := store.PutJSON(ctx, "k", counter{N: 1}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}

	got, _, err := UpdateJSON(ctx, store, "k", func(c *counter, _ uint64) error {
		c.N++
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJSON() error = %v", err)
	}
	if got.N != 2 {
		t.Fatalf("UpdateJSON() N = %d, want 2", got.N)
	}

	var stored counter
	if _, err := store.GetJSON(ctx, "k", &stored); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if stored.N != 2 {
		t.Fatalf("stored N = %d, want 2", stored.N)
	}
}

func TestUpdateJSON_RetriesOnConflict(t *testing.T) {
	fake := newFakeKV()
	store := NewStore(fake)
	ctx := context.Background()
	store.PutJSON(ctx, "k", counter{N: 1})
	fake.conflicts = 2

	calls := 0
	got, _, err := UpdateJSON(ctx, store, "k", func(c *counter, _ uint64) error {
		calls++
		c.N++
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJSON() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("mutate calls = %d, want 3", calls)
	}
	if got.N != 2 {
		t.Errorf("UpdateJSON() N = %d, want 2 (mutation must start from fresh state)", got.N)
	}
}

func TestUpdateJSON_GivesUpWithErrConflict(t *testing.T) {
	fake := newFakeKV()
	store := NewStore(fake)
	ctx := context.Background()
	store.PutJSON(ctx, "k", counter{N: 1})
	fake.conflicts = maxCASAttempts

	_, _, err := UpdateJSON(ctx, store, "k", func(c *counter, _ uint64) error {
		c.N++
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("UpdateJSON() error = %v, want ErrConflict", err)
	}

	var stored counter
	store.GetJSON(ctx, "k", &stored)
	if stored.N != 1 {
		t.Errorf("stored N = %d, want 1 (no unconditional fallback write)", stored.N)
	}
}

func TestUpdateJSON_MutationErrorAbortsWrite(t *testing.T) {
	fake := newFakeKV()
	store := NewStore(fake)
	ctx := context.Background()
	store.PutJSON(ctx, "k", counter{N: 1})

	stop := errors.New("precondition failed")
	_, _, err := UpdateJSON(ctx, store, "k", func(c *counter, _ uint64) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("UpdateJSON() error = %v, want %v", err, stop)
	}
	if fake.updates != 0 {
		t.Errorf("updates = %d, want 0", fake.updates)
	}
}

func TestUpdateJSON_MissingKey(t *testing.T) {
	store := NewStore(newFakeKV())

	_, _, err := UpdateJSON(context.Background(), store, "missing", func(c *counter, _ uint64) error {
		return nil
	})
	if !IsNotFound(err) {
		t.Fatalf("UpdateJSON() error = %v, want not found", err)
	}
}

func TestGetJSON_InvalidPayload(t *testing.T) {
	fake := newFakeKV()
	store := NewStore(fake)
	ctx := context.Background()
	fake.Put(ctx, "k", []byte("{"))

	var c counter
	_, err := store.GetJSON(ctx, "k", &c)
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("GetJSON() error = %v, want JSON syntax error", err)
	}
}

func TestSwapJSON_RejectsStaleRevision(t *testing.T) {
	fake := newFakeKV()
	store := NewStore(fake)
	ctx := context.Background()
	rev, _ := store.PutJSON(ctx, "k", counter{N: 1})
	if _, err := store.PutJSON(ctx, "k", counter{N: 2}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}

	_, err := store.SwapJSON(ctx, "k", counter{N: 9}, rev)
	if !IsRevisionConflict(err) {
		t.Fatalf("SwapJSON() error = %v, want revision conflict", err)
	}

	var stored counter
	store.GetJSON(ctx, "k", &stored)
	if stored.N != 2 {
		t.Errorf("stored N = %d, want 2", stored.N)
	}
}
