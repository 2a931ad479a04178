// Package scheduler runs periodic sweeps from a single time-ordered queue.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

// Func is one sweep iteration.
type Func func(ctx context.Context) error

type job struct {
	name     string
	schedule cron.Schedule
	run      Func
	next     time.Time
	index    int
}

// jobQueue is a min-heap of jobs ordered by next due time.
type jobQueue []*job

func (q jobQueue) Len() int           { return len(q) }
func (q jobQueue) Less(i, j int) bool { return q[i].next.Before(q[j].next) }
func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

// Scheduler runs registered jobs one at a time, always picking the job with
// the earliest due time. A failing or panicking job is logged and alerted and
// then rescheduled as usual.
type Scheduler struct {
	alerts core.AlertSink
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs jobQueue
	wake chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a scheduler. alerts may be nil.
func New(alerts core.AlertSink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		alerts: alerts,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Add registers a job under a cron spec such as "@every 20s" or "*/5 * * * *".
func (s *Scheduler) Add(name, spec string, run Func) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	heap.Push(&s.jobs, &job{
		name:     name,
		schedule: schedule,
		run:      run,
		next:     schedule.Next(s.now()),
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start begins running jobs until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

// Stop halts the scheduler and waits for a running job to return. Safe to
// call more than once, and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	// A loop that never started will never close done.
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		s.mu.Lock()
		if len(s.jobs) > 0 {
			wait = s.jobs[0].next.Sub(s.now())
		}
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		case <-timer.C:
		}

		s.runDue(ctx)
	}
}

// runDue runs every job whose due time has passed, earliest first.
func (s *Scheduler) runDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 || s.jobs[0].next.After(s.now()) {
			s.mu.Unlock()
			return
		}
		j := s.jobs[0]
		s.mu.Unlock()

		s.runJob(ctx, j)

		s.mu.Lock()
		j.next = j.schedule.Next(s.now())
		heap.Fix(&s.jobs, j.index)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	start := time.Now()
	err := s.safeRun(ctx, j)
	metrics.SweepDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(j.name, "error").Inc()
		s.logger.Error("sweep failed", "sweep", j.name, "error", err)
		if s.alerts != nil {
			s.alerts.Notify(ctx, fmt.Sprintf("sweep %s failed: %v", j.name, err), "scheduler")
		}
		return
	}
	metrics.SweepRunsTotal.WithLabelValues(j.name, "ok").Inc()
}

func (s *Scheduler) safeRun(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.run(ctx)
}
