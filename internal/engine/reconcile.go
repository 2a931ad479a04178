package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

// drifted reports whether a campaign's schedule no longer matches its
// progress. Campaigns with a step in flight are skipped since their due
// entry was already pulled. Other classes belong to other processes, whose
// in-flight steps this process cannot see.
func (e *Engine) drifted(c *core.Campaign) bool {
	if e.classOf(c) != e.cfg.Class {
		return false
	}
	switch p := c.Phase.(type) {
	case core.Completed:
		return c.Progress < c.Amount
	case core.Working:
		return !e.state.InFlight(c.ID) && len(p.Schedule) != c.Remaining()
	}
	return false
}

// Reconcile repairs campaigns whose schedule drifted from their progress:
// completed campaigns that still owe steps, and working campaigns whose
// schedule length differs from the remaining step count. Each gets a fresh
// schedule over the reconcile horizon.
func (e *Engine) Reconcile(ctx context.Context) error {
	if !e.state.Accepting() {
		return nil
	}

	all, err := e.campaigns.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}

	var errs []error
	for _, c := range all {
		if !e.drifted(c) {
			continue
		}
		if c.Remaining() <= 0 {
			if err := e.complete(ctx, c.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		updated, changed, err := e.reschedule(ctx, c.ID, e.drifted)
		if err != nil {
			e.logger.Error("reconcile failed", "campaign_id", c.ID, "error", err)
			errs = append(errs, fmt.Errorf("reconcile %s: %w", c.ID, err))
			continue
		}
		if changed {
			e.logger.Info("campaign rescheduled",
				"campaign_id", c.ID,
				"was", c.Status(),
				"remaining", updated.Remaining(),
				"scheduled", len(updated.Schedule()),
			)
		}
	}
	return errors.Join(errs...)
}
