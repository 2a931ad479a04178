package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

// drainOutbox writes the campaign's pending step events to the ledger and
// then removes them from the campaign. Ledger writes are idempotent per step,
// so events left behind by a failed removal are replayed harmlessly.
func (e *Engine) drainOutbox(ctx context.Context, c *core.Campaign) error {
	if len(c.Outbox) == 0 {
		return nil
	}

	written := make(map[int]bool, len(c.Outbox))
	for _, ev := range c.Outbox {
		if err := e.ledger.RecordStep(ctx, ev); err != nil {
			if !errors.Is(err, core.ErrLedgerWrite) {
				err = fmt.Errorf("%w: %v", core.ErrLedgerWrite, err)
			}
			return &core.StepError{CampaignID: c.ID, Phase: phaseLedger, Err: fmt.Errorf("step %d: %w", ev.Step, err)}
		}
		written[ev.Step] = true
	}

	_, _, err := e.update(ctx, c.ID, func(cur *core.Campaign) error {
		kept := make([]core.StepEvent, 0, len(cur.Outbox))
		for _, ev := range cur.Outbox {
			if !written[ev.Step] {
				kept = append(kept, ev)
			}
		}
		if len(kept) == len(cur.Outbox) {
			return core.ErrSkipUpdate
		}
		cur.Outbox = kept
		return nil
	})
	if err != nil {
		e.logger.Warn("ledger written but outbox not cleared", "campaign_id", c.ID, "error", err)
	}
	return nil
}

// DrainOutboxes retries every campaign outbox left behind by a failed or
// interrupted ledger write. It runs regardless of the admission gate.
func (e *Engine) DrainOutboxes(ctx context.Context) error {
	all, err := e.campaigns.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}

	var errs []error
	for _, c := range all {
		if len(c.Outbox) == 0 {
			continue
		}
		if err := e.drainOutbox(ctx, c); err != nil {
			e.logger.Error("outbox drain failed", "campaign_id", c.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		e.logger.Info("outbox drained", "campaign_id", c.ID, "events", len(c.Outbox))
	}
	return errors.Join(errs...)
}
