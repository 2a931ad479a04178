package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

// targetKey identifies the item a campaign acts on for account dedup.
func targetKey(t core.Target) string {
	if t.URL != "" {
		return t.URL
	}
	return t.Article
}

// Intake moves newly created campaigns to work with a computed schedule.
// Campaigns already past created are left alone, so repeated passes are
// harmless.
func (e *Engine) Intake(ctx context.Context) error {
	if !e.state.Accepting() {
		return nil
	}

	all, err := e.campaigns.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}

	// Accounts already used against the same item by campaigns past intake.
	used := make(map[string][]string)
	for _, c := range all {
		if _, created := c.Phase.(core.Created); created || len(c.UsedResources) == 0 {
			continue
		}
		key := targetKey(c.Target)
		used[key] = append(used[key], c.UsedResources...)
	}

	var errs []error
	for _, c := range all {
		if _, created := c.Phase.(core.Created); !created {
			continue
		}
		if err := e.admitNew(ctx, c, used[targetKey(c.Target)]); err != nil {
			e.logger.Error("intake failed", "campaign_id", c.ID, "error", err)
			errs = append(errs, fmt.Errorf("intake %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) admitNew(ctx context.Context, c *core.Campaign, seed []string) error {
	period, err := core.PeriodOrDefault(c.Period, e.cfg.DefaultPeriod)
	if err != nil {
		e.logger.Warn("unparseable period, using default",
			"campaign_id", c.ID,
			"period", c.Period,
			"default", e.cfg.DefaultPeriod,
		)
		period = e.cfg.DefaultPeriod
	}

	now := e.clock.Now()
	updated, changed, err := e.update(ctx, c.ID, func(cur *core.Campaign) error {
		if _, created := cur.Phase.(core.Created); !created {
			return core.ErrSkipUpdate
		}
		if err := cur.Validate(); err != nil {
			return err
		}
		if cur.Class == "" {
			cur.Class = core.DefaultClass
		}
		cur.Progress = 0
		for _, id := range seed {
			if !cur.HasUsed(id) {
				cur.UsedResources = append(cur.UsedResources, id)
			}
		}
		if cur.Amount <= 0 {
			cur.Phase = core.Completed{EndedDate: now}
			return nil
		}
		cur.Phase = core.Working{Schedule: core.ComputeSchedule(now, period, cur.Amount, e.cfg.MinInterval)}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		e.logger.Info("campaign scheduled",
			"campaign_id", c.ID,
			"status", updated.Status(),
			"steps", len(updated.Schedule()),
			"period", period,
		)
	}
	return nil
}
