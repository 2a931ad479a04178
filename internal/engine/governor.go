package engine

import (
	"context"
	"errors"
	"time"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/dispatch"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

// Policy is a retry strategy: how many retries a step gets and how long it
// waits before each one.
type Policy struct {
	Name     string
	Limit    int
	PreDelay time.Duration
}

// ImmediatePolicy retries at the front of the queue without waiting.
func ImmediatePolicy(limit int) Policy {
	return Policy{Name: "immediate", Limit: limit}
}

// DelayedPolicy waits delay before each retry.
func DelayedPolicy(limit int, delay time.Duration) Policy {
	return Policy{Name: "delayed", Limit: limit, PreDelay: delay}
}

// retry takes ownership of a failed attempt. Below the policy limit the task
// goes back to the front of the queue still holding its slot. Once the limit
// is spent one fallback schedule entry is appended and the slot released.
func (e *Engine) retry(ctx context.Context, t *dispatch.Task, p Policy) {
	id := t.Campaign.ID
	log := e.logger.With("campaign_id", id, "policy", p.Name, "retries", t.Retries)

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Warn("campaign vanished before retry")
		} else {
			log.Error("failed to reload campaign for retry", "error", err)
		}
		metrics.GovernorDecisionsTotal.WithLabelValues(p.Name, "dropped").Inc()
		t.Slot.Release()
		return
	}

	if c.Remaining() <= 0 {
		if err := e.complete(ctx, id); err != nil {
			log.Error("failed to complete campaign", "error", err)
		}
		metrics.GovernorDecisionsTotal.WithLabelValues(p.Name, "completed").Inc()
		t.Slot.Release()
		return
	}

	if t.Retries < p.Limit {
		next := &dispatch.Task{Campaign: c, Retries: t.Retries + 1, Slot: t.Slot}
		metrics.GovernorDecisionsTotal.WithLabelValues(p.Name, "retry").Inc()
		if p.PreDelay > 0 {
			log.Info("retrying after delay", "delay", p.PreDelay)
			e.queue.PushFrontAfter(p.PreDelay, next)
			return
		}
		e.queue.PushFront(next)
		return
	}

	log.Warn("retries exhausted, appending fallback slot")
	metrics.GovernorDecisionsTotal.WithLabelValues(p.Name, "exhausted").Inc()
	if err := e.appendFallback(ctx, id); err != nil {
		log.Error("failed to append fallback slot", "error", err)
		e.alert(ctx, "governor", "campaign %s: append fallback slot: %v", id, err)
	}
	t.Slot.Release()
}

// appendFallback adds one schedule entry a minimum interval after the last
// one, or now when nothing is scheduled. Only working campaigns are touched.
func (e *Engine) appendFallback(ctx context.Context, id string) error {
	now := e.clock.Now()
	_, _, err := e.update(ctx, id, func(c *core.Campaign) error {
		w, ok := c.Phase.(core.Working)
		if !ok {
			return core.ErrSkipUpdate
		}
		schedule := append(w.Schedule[:len(w.Schedule):len(w.Schedule)], core.FallbackSlot(w.Schedule, e.cfg.MinInterval, now))
		c.Phase = core.Working{Schedule: schedule}
		return nil
	})
	return err
}
