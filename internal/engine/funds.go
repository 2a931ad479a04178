package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

// RecoverFunds puts parked campaigns of this process's class back to work
// once their owner can pay for every remaining step.
func (e *Engine) RecoverFunds(ctx context.Context) error {
	if !e.state.Accepting() {
		return nil
	}

	all, err := e.campaigns.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}

	var errs []error
	for _, c := range all {
		if _, parked := c.Phase.(core.NoFunds); !parked || e.classOf(c) != e.cfg.Class {
			continue
		}

		owner, err := e.owners.GetOwner(ctx, c.OwnerID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				e.logger.Warn("owner of parked campaign not found", "campaign_id", c.ID, "owner_id", c.OwnerID)
				continue
			}
			errs = append(errs, fmt.Errorf("load owner of %s: %w", c.ID, err))
			continue
		}

		cost := int64(c.Remaining()) * e.cfg.PricePerStep
		if owner.Balance < cost {
			continue
		}

		_, changed, err := e.reschedule(ctx, c.ID, func(cur *core.Campaign) bool {
			_, parked := cur.Phase.(core.NoFunds)
			return parked
		})
		if err != nil {
			e.logger.Error("funds recovery failed", "campaign_id", c.ID, "error", err)
			errs = append(errs, fmt.Errorf("recover %s: %w", c.ID, err))
			continue
		}
		if changed {
			e.logger.Info("campaign funded, back to work",
				"campaign_id", c.ID,
				"balance", owner.Balance,
				"cost", cost,
			)
		}
	}
	return errors.Join(errs...)
}
