// Package engine drives campaigns through intake, dispatch, execution and
// the self-healing sweeps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/dispatch"
)

// Config holds the engine's business parameters.
type Config struct {
	// Class is the campaign class this process executes.
	Class            string
	PoolSize         int
	PricePerStep     int64
	MinInterval      time.Duration
	DefaultPeriod    time.Duration
	ReconcileHorizon time.Duration
	ActionTimeout    time.Duration
	Immediate        Policy
	Delayed          Policy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Class:            core.DefaultClass,
		PoolSize:         4,
		PricePerStep:     5,
		MinInterval:      15 * time.Minute,
		DefaultPeriod:    3 * time.Hour,
		ReconcileHorizon: 3 * time.Hour,
		ActionTimeout:    5 * time.Minute,
		Immediate:        ImmediatePolicy(3),
		Delayed:          DelayedPolicy(10, 180*time.Second),
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Campaigns core.CampaignStore
	Owners    core.OwnerStore
	Proxies   core.ProxyPool
	Accounts  core.AccountPool
	Action    core.ActionInvoker
	Alerts    core.AlertSink
	Ledger    core.Ledger
	Clock     core.Clock
	State     *dispatch.State
	Logger    *slog.Logger
}

// Engine owns the dispatch queue and runs every campaign operation.
type Engine struct {
	cfg       Config
	campaigns core.CampaignStore
	owners    core.OwnerStore
	proxies   core.ProxyPool
	accounts  core.AccountPool
	action    core.ActionInvoker
	alerts    core.AlertSink
	ledger    core.Ledger
	clock     core.Clock
	state     *dispatch.State
	queue     *dispatch.Queue
	logger    *slog.Logger
}

// New creates an engine. The queue's workers start with Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Campaigns == nil || deps.Owners == nil {
		return nil, errors.New("engine: campaign and owner stores are required")
	}
	if deps.Proxies == nil || deps.Accounts == nil || deps.Action == nil {
		return nil, errors.New("engine: resource pools and action invoker are required")
	}
	if deps.Ledger == nil || deps.Clock == nil || deps.State == nil {
		return nil, errors.New("engine: ledger, clock and state are required")
	}
	if cfg.Class == "" {
		cfg.Class = core.DefaultClass
	}
	if cfg.PricePerStep <= 0 {
		return nil, fmt.Errorf("engine: price per step must be positive, got %d", cfg.PricePerStep)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerts := deps.Alerts
	if alerts == nil {
		alerts = logAlerts{logger: logger}
	}

	e := &Engine{
		cfg:       cfg,
		campaigns: deps.Campaigns,
		owners:    deps.Owners,
		proxies:   deps.Proxies,
		accounts:  deps.Accounts,
		action:    deps.Action,
		alerts:    alerts,
		ledger:    deps.Ledger,
		clock:     deps.Clock,
		state:     deps.State,
		logger:    logger,
	}
	e.queue = dispatch.NewQueue(cfg.PoolSize, e.execute, logger)
	return e, nil
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.queue.Start(ctx)
}

// Close stops the worker pool and waits for running steps to finish.
func (e *Engine) Close() {
	e.queue.Close()
}

// Status is the admin view of the dispatch state.
type Status struct {
	QueueLength    int            `json:"queueLength"`
	IsProcessing   bool           `json:"isProcessing"`
	AcceptingTasks bool           `json:"acceptingTasks"`
	ActiveCount    int            `json:"activeCount"`
	PerClassCounts map[string]int `json:"perClassCounts"`
}

// Status reports queue depth, activity and admission counters.
func (e *Engine) Status() Status {
	counts := e.state.Counts()
	return Status{
		QueueLength:    e.queue.Len() + e.queue.Delayed(),
		IsProcessing:   !e.queue.Idle(),
		AcceptingTasks: counts.Accepting,
		ActiveCount:    counts.Active,
		PerClassCounts: counts.PerClass,
	}
}

// StopAccepting closes the admission gate. Dispatched steps are unaffected.
func (e *Engine) StopAccepting() {
	e.state.Stop()
	e.logger.Info("admission stopped")
}

// StartAccepting reopens the admission gate.
func (e *Engine) StartAccepting() {
	e.state.Start()
	e.logger.Info("admission started")
}

// ResetCounters zeroes the in-memory admission counters.
func (e *Engine) ResetCounters() {
	e.state.Reset()
	e.logger.Warn("admission counters reset")
}

func (e *Engine) classOf(c *core.Campaign) string {
	if c.Class == "" {
		return core.DefaultClass
	}
	return c.Class
}

// update applies mutate and treats a skipped update as success.
func (e *Engine) update(ctx context.Context, id string, mutate core.Mutation) (*core.Campaign, bool, error) {
	c, err := e.campaigns.Update(ctx, id, mutate)
	if errors.Is(err, core.ErrSkipUpdate) {
		return c, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// complete marks a campaign with nothing left to do as completed. The ended
// date is set once; an already completed campaign is left alone.
func (e *Engine) complete(ctx context.Context, id string) error {
	now := e.clock.Now()
	_, changed, err := e.update(ctx, id, func(c *core.Campaign) error {
		if _, done := c.Phase.(core.Completed); done || c.Remaining() > 0 {
			return core.ErrSkipUpdate
		}
		c.Phase = core.Completed{EndedDate: now}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete campaign %s: %w", id, err)
	}
	if changed {
		e.logger.Info("campaign completed", "campaign_id", id)
	}
	return nil
}

// reschedule gives a campaign a fresh schedule over the reconcile horizon and
// puts it back to work. keep re-checks the stored campaign before writing.
func (e *Engine) reschedule(ctx context.Context, id string, keep func(c *core.Campaign) bool) (*core.Campaign, bool, error) {
	now := e.clock.Now()
	return e.update(ctx, id, func(c *core.Campaign) error {
		if !keep(c) {
			return core.ErrSkipUpdate
		}
		c.Phase = core.Working{
			Schedule: core.ComputeSchedule(now, e.cfg.ReconcileHorizon, c.Remaining(), e.cfg.MinInterval),
		}
		return nil
	})
}

func (e *Engine) alert(ctx context.Context, source, format string, args ...any) {
	e.alerts.Notify(ctx, fmt.Sprintf(format, args...), source)
}

// logAlerts is the fallback sink when no alert transport is configured.
type logAlerts struct {
	logger *slog.Logger
}

func (a logAlerts) Notify(_ context.Context, message, source string) {
	a.logger.Warn("alert", "source", source, "message", message)
}
