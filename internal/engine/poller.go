package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/dispatch"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

// Poll admits working campaigns whose next step is due, up to the class's
// free capacity. Campaigns are taken in the store's scan order.
//
// A slot is reserved before the due entry is pulled from the schedule, so
// the capacity check and the counter increment can never be overtaken by a
// concurrent admission. A pull that does not happen returns the slot.
func (e *Engine) Poll(ctx context.Context) error {
	if e.state.Capacity(e.cfg.Class) <= 0 {
		return nil
	}

	all, err := e.campaigns.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}

	now := e.clock.Now()
	var errs []error
	for _, c := range all {
		if e.classOf(c) != e.cfg.Class {
			continue
		}
		due, ok := c.NextDue()
		if !ok || due.After(now) {
			continue
		}

		slot, ok := e.state.TryAdmit(c.ID, e.cfg.Class)
		if !ok {
			if e.state.Capacity(e.cfg.Class) <= 0 {
				break
			}
			continue
		}

		admitted, err := e.pullDue(ctx, c.ID, now)
		if err != nil || admitted == nil {
			slot.Release()
			if err != nil {
				e.logger.Error("failed to pull schedule entry", "campaign_id", c.ID, "error", err)
				errs = append(errs, fmt.Errorf("poll %s: %w", c.ID, err))
			}
			continue
		}

		metrics.AdmissionsTotal.WithLabelValues(e.cfg.Class).Inc()
		e.logger.Debug("step admitted", "campaign_id", c.ID, "due", core.FormatTime(due))
		e.queue.PushBack(&dispatch.Task{Campaign: admitted, Slot: slot})
	}
	return errors.Join(errs...)
}

// pullDue removes the first schedule entry if the campaign is still working
// and the entry is still due. It returns nil without error when there was
// nothing to pull.
func (e *Engine) pullDue(ctx context.Context, id string, now time.Time) (*core.Campaign, error) {
	c, changed, err := e.update(ctx, id, func(cur *core.Campaign) error {
		w, ok := cur.Phase.(core.Working)
		if !ok || len(w.Schedule) == 0 || w.Schedule[0].After(now) {
			return core.ErrSkipUpdate
		}
		cur.Phase = core.Working{Schedule: w.Schedule[1:]}
		return nil
	})
	if err != nil || !changed {
		return nil, err
	}
	return c, nil
}
