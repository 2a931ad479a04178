package dispatch

import (
	"container/list"
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

// Task is one admitted step: a campaign snapshot, its retry counter and the
// slot it holds until a terminal outcome.
type Task struct {
	Campaign *core.Campaign
	Retries  int
	Slot     *Slot
}

// Handler executes one task. It owns the task's slot and must release it on
// every terminal branch.
type Handler func(ctx context.Context, t *Task)

// Queue is a deque served by a fixed pool of workers. Retries go to the front
// so they are serviced before newly admitted work.
type Queue struct {
	workers int
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *list.List
	timers  map[*time.Timer]*Task
	busy    int
	started bool
	closed  bool

	stopAfter func() bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue creates a queue that runs handler on at most workers tasks at once.
func NewQueue(workers int, handler Handler, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		workers: workers,
		handler: handler,
		logger:  logger,
		tasks:   list.New(),
		timers:  make(map[*time.Timer]*Task),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the workers. Handlers receive ctx; cancelling it closes the
// queue. Calling Start more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.work(ctx)
	}
	q.stopAfter = context.AfterFunc(ctx, q.Close)
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.tasks.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := q.tasks.Remove(q.tasks.Front()).(*Task)
		q.busy++
		metrics.QueueDepth.Set(float64(q.tasks.Len()))
		q.mu.Unlock()

		q.run(ctx, t)

		q.mu.Lock()
		q.busy--
		q.mu.Unlock()
	}
}

func (q *Queue) run(ctx context.Context, t *Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task handler panicked",
				"campaign_id", t.Campaign.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			t.Slot.Release()
		}
	}()
	q.handler(ctx, t)
}

// PushBack appends a newly admitted task. It reports false, releasing the
// task's slot, when the queue is closed.
func (q *Queue) PushBack(t *Task) bool {
	return q.push(t, false)
}

// PushFront inserts a retried task ahead of everything queued.
func (q *Queue) PushFront(t *Task) bool {
	return q.push(t, true)
}

func (q *Queue) push(t *Task, front bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		t.Slot.Release()
		return false
	}
	q.insertLocked(t, front)
	return true
}

func (q *Queue) insertLocked(t *Task, front bool) {
	if front {
		q.tasks.PushFront(t)
	} else {
		q.tasks.PushBack(t)
	}
	metrics.QueueDepth.Set(float64(q.tasks.Len()))
	q.cond.Signal()
}

// PushFrontAfter inserts the task at the front once d has elapsed. No worker
// is held while waiting; the task keeps its slot.
func (q *Queue) PushFrontAfter(d time.Duration, t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		t.Slot.Release()
		return false
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			t.Slot.Release()
			return
		}
		q.insertLocked(t, true)
	})
	q.timers[timer] = t
	return true
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Delayed returns the number of tasks waiting out a retry delay.
func (q *Queue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Idle reports whether nothing is queued, delayed or running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len() == 0 && len(q.timers) == 0 && q.busy == 0
}

// Close stops the workers after their current task and drops everything still
// queued or delayed, releasing those slots. Dropped steps stay in their
// campaign's accounting and are repaired by reconciliation. Close blocks until
// all workers have returned.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		for e := q.tasks.Front(); e != nil; e = e.Next() {
			e.Value.(*Task).Slot.Release()
		}
		q.tasks.Init()
		for timer, t := range q.timers {
			if timer.Stop() {
				t.Slot.Release()
				delete(q.timers, timer)
			}
		}
		metrics.QueueDepth.Set(0)
		q.cond.Broadcast()
		stopAfter := q.stopAfter
		q.mu.Unlock()

		if stopAfter != nil {
			stopAfter()
		}
	})
	q.wg.Wait()
}
