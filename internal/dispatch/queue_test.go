package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTask(s *State, id string) *Task {
	slot, ok := s.TryAdmit(id, "carts")
	if !ok {
		panic("admission refused for " + id)
	}
	return &Task{Campaign: &core.Campaign{ID: id, Class: "carts"}, Slot: slot}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_ConcurrencyBoundedByWorkers(t *testing.T) {
	const workers = 3
	s := NewState(Limits{Total: 100})

	var running, peak, done atomic.Int32
	q := NewQueue(workers, func(_ context.Context, task *Task) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		task.Slot.Release()
		done.Add(1)
	}, nil)
	q.Start(context.Background())

	for i := 0; i < 20; i++ {
		q.PushBack(newTask(s, string(rune('a'+i))))
	}
	waitFor(t, func() bool { return done.Load() == 20 })
	q.Close()

	if got := peak.Load(); got > workers {
		t.Fatalf("peak concurrency = %d, want <= %d", got, workers)
	}
	if got := s.Counts().Active; got != 0 {
		t.Fatalf("Active = %d, want 0", got)
	}
}

func TestQueue_FrontInsertionServedFirst(t *testing.T) {
	s := NewState(Limits{Total: 10})
	gate := make(chan struct{})

	var (
		mu    sync.Mutex
		order []string
	)
	q := NewQueue(1, func(_ context.Context, task *Task) {
		if task.Campaign.ID == "blocker" {
			<-gate
		}
		mu.Lock()
		order = append(order, task.Campaign.ID)
		mu.Unlock()
		task.Slot.Release()
	}, nil)
	q.Start(context.Background())

	q.PushBack(newTask(s, "blocker"))
	waitFor(t, func() bool { return q.Len() == 0 })
	q.PushBack(newTask(s, "new-1"))
	q.PushBack(newTask(s, "new-2"))
	q.PushFront(newTask(s, "retry"))
	close(gate)

	waitFor(t, func() bool { return q.Idle() })
	q.Close()

	want := []string{"blocker", "retry", "new-1", "new-2"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestQueue_PushFrontAfterHoldsSlotWithoutWorker(t *testing.T) {
	s := NewState(Limits{Total: 10})
	var handled atomic.Int32
	q := NewQueue(1, func(_ context.Context, task *Task) {
		handled.Add(1)
		task.Slot.Release()
	}, nil)
	q.Start(context.Background())
	defer q.Close()

	task := newTask(s, "delayed")
	q.PushFrontAfter(100*time.Millisecond, task)

	if got := q.Delayed(); got != 1 {
		t.Fatalf("Delayed() = %d, want 1", got)
	}
	if q.Idle() {
		t.Fatal("Idle() = true while a task is delayed")
	}
	if !s.InFlight("delayed") {
		t.Fatal("InFlight() = false while delayed, want true")
	}

	// The single worker stays free for other tasks during the delay.
	q.PushBack(newTask(s, "other"))
	waitFor(t, func() bool { return handled.Load() == 1 })
	if task.Slot.Released() {
		t.Fatal("delayed task released before it ran")
	}

	waitFor(t, func() bool { return handled.Load() == 2 })
	if !task.Slot.Released() {
		t.Fatal("delayed task slot not released after it ran")
	}
}

func TestQueue_CloseReleasesPendingSlots(t *testing.T) {
	s := NewState(Limits{Total: 10})
	q := NewQueue(1, func(_ context.Context, task *Task) {
		task.Slot.Release()
	}, nil)

	queued := newTask(s, "queued")
	delayed := newTask(s, "delayed")
	q.PushBack(queued)
	q.PushFrontAfter(time.Hour, delayed)
	q.Close()

	if !queued.Slot.Released() || !delayed.Slot.Released() {
		t.Fatal("Close() left slots held")
	}
	if got := s.Counts().Active; got != 0 {
		t.Fatalf("Active = %d, want 0", got)
	}

	late := newTask(s, "late")
	if q.PushBack(late) {
		t.Fatal("PushBack() after Close() = true, want false")
	}
	if !late.Slot.Released() {
		t.Fatal("rejected task slot not released")
	}
}

func TestQueue_PanicReleasesSlotAndKeepsWorking(t *testing.T) {
	s := NewState(Limits{Total: 10})
	var handled atomic.Int32
	q := NewQueue(1, func(_ context.Context, task *Task) {
		if task.Campaign.ID == "boom" {
			panic("boom")
		}
		handled.Add(1)
		task.Slot.Release()
	}, nil)
	q.Start(context.Background())
	defer q.Close()

	boom := newTask(s, "boom")
	q.PushBack(boom)
	q.PushBack(newTask(s, "ok"))

	waitFor(t, func() bool { return handled.Load() == 1 })
	if !boom.Slot.Released() {
		t.Fatal("panicking task slot not released")
	}
}

func TestQueue_ContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue(2, func(_ context.Context, task *Task) {
		task.Slot.Release()
	}, nil)
	q.Start(ctx)

	cancel()
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.closed
	})
	q.Close()
}
