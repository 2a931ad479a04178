package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/dispatch"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

// Step phases reported in StepError and alerts.
const (
	phaseLoad     = "load"
	phaseFunds    = "funds"
	phaseProgress = "progress"
	phaseLedger   = "ledger"
)

// leases are the resources held for one attempt.
type leases struct {
	proxy   *core.Proxy
	account *core.Account
}

// execute runs one attempt of a task. Every branch ends by releasing the
// slot or by handing the task to a governor, which then owns the slot.
func (e *Engine) execute(ctx context.Context, t *dispatch.Task) {
	id := t.Campaign.ID
	log := e.logger.With("campaign_id", id, "retries", t.Retries)

	if class := e.classOf(t.Campaign); class != e.cfg.Class {
		log.Error("campaign class not served by this process", "class", class)
		e.alert(ctx, "executor", "campaign %s has class %q, this process serves %q", id, class, e.cfg.Class)
		t.Slot.Release()
		return
	}

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		e.abortLoad(ctx, log, t, "campaign", err)
		return
	}
	owner, err := e.owners.GetOwner(ctx, c.OwnerID)
	if err != nil {
		e.abortLoad(ctx, log, t, "owner", err)
		return
	}

	remaining := c.Remaining()
	if remaining <= 0 {
		if err := e.complete(ctx, id); err != nil {
			log.Error("failed to complete campaign", "error", err)
		}
		t.Slot.Release()
		return
	}

	if owner.Balance < int64(remaining)*e.cfg.PricePerStep || owner.Balance < e.cfg.PricePerStep {
		e.parkNoFunds(ctx, log, c, owner)
		t.Slot.Release()
		return
	}

	held, err := e.lease(ctx, c)
	if err != nil {
		log.Warn("resource lease failed", "error", err)
		e.retry(ctx, t, e.cfg.Delayed)
		return
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	res, err := e.action.Perform(actx, core.ActionRequest{
		CampaignID: id,
		Account:    *held.account,
		Proxy:      *held.proxy,
		Article:    c.Target.Article,
		Query:      c.Target.Query,
		Size:       c.Target.Size,
	})
	cancel()
	if err != nil {
		log.Warn("action invocation failed", "error", err)
		res = core.ActionResult{Outcome: core.OutcomeError}
	}
	metrics.StepOutcomesTotal.WithLabelValues(outcomeLabel(res.Outcome)).Inc()

	switch res.Outcome {
	case core.OutcomeSuccess:
		err := e.recordSuccess(ctx, c, held.account.ID)
		e.releaseLeases(ctx, log, held, res.ProxyAddr)
		if err != nil {
			log.Error("step failed after success", "error", err)
			e.alert(ctx, "executor", "%v", err)
		}
		t.Slot.Release()

	case core.OutcomeNoAvailableProxy:
		e.releaseLeases(ctx, log, held, res.ProxyAddr)
		e.retry(ctx, t, e.cfg.Delayed)

	case core.OutcomeProductNotFound:
		log.Warn("product not found", "account_id", held.account.ID, "article", c.Target.Article)
		e.releaseLeases(ctx, log, held, res.ProxyAddr)
		e.retry(ctx, t, e.cfg.Immediate)

	case core.OutcomeError, core.OutcomeErrorMaxRetries:
		log.Warn("action failed", "outcome", res.Outcome, "account_id", held.account.ID)
		e.markUsed(ctx, log, id, held.account.ID)
		e.releaseLeases(ctx, log, held, res.ProxyAddr)
		e.retry(ctx, t, e.cfg.Immediate)

	default:
		log.Error("unrecognized action outcome", "outcome", res.Outcome)
		e.alert(ctx, "executor", "campaign %s: unrecognized outcome %q", id, res.Outcome)
		e.releaseLeases(ctx, log, held, res.ProxyAddr)
		e.retry(ctx, t, e.cfg.Immediate)
	}
}

func outcomeLabel(o core.Outcome) string {
	if o.Known() {
		return string(o)
	}
	return "UNRECOGNIZED"
}

// abortLoad ends a task whose campaign or owner could not be read. A vanished
// record is only logged; any other failure is alerted. No retry either way.
func (e *Engine) abortLoad(ctx context.Context, log *slog.Logger, t *dispatch.Task, what string, err error) {
	if errors.Is(err, core.ErrNotFound) {
		log.Warn(what+" not found, dropping step", "error", err)
	} else {
		stepErr := &core.StepError{CampaignID: t.Campaign.ID, Phase: phaseLoad, Err: err}
		log.Error("failed to load "+what, "error", stepErr)
		e.alert(ctx, "executor", "%v", stepErr)
	}
	t.Slot.Release()
}

func (e *Engine) parkNoFunds(ctx context.Context, log *slog.Logger, c *core.Campaign, owner *core.Owner) {
	short := &core.StepError{
		CampaignID: c.ID,
		Phase:      phaseFunds,
		Err: fmt.Errorf("%w: owner %s has %d, %d steps cost %d",
			core.ErrInsufficientFunds, owner.ID, owner.Balance, c.Remaining(), int64(c.Remaining())*e.cfg.PricePerStep),
	}
	log.Warn("parking campaign", "owner_id", owner.ID, "error", short)
	e.alert(ctx, "executor", "%v", short)

	_, _, err := e.update(ctx, c.ID, func(cur *core.Campaign) error {
		w, ok := cur.Phase.(core.Working)
		if !ok {
			return core.ErrSkipUpdate
		}
		cur.Phase = core.NoFunds{Schedule: w.Schedule}
		return nil
	})
	if err != nil {
		stepErr := &core.StepError{CampaignID: c.ID, Phase: phaseFunds, Err: err}
		log.Error("failed to park campaign", "error", stepErr)
		e.alert(ctx, "executor", "%v", stepErr)
	}
}

// lease acquires a proxy and then an account. A failed account lease returns
// the proxy before reporting.
func (e *Engine) lease(ctx context.Context, c *core.Campaign) (leases, error) {
	proxy, err := e.proxies.Acquire(ctx)
	if err != nil {
		return leases{}, fmt.Errorf("acquire proxy: %w", err)
	}
	account, err := e.accounts.Acquire(ctx, c.ID, e.classOf(c))
	if err != nil {
		if rerr := e.proxies.Release(ctx, proxy, core.ProxyHealth{}); rerr != nil {
			e.logger.Warn("failed to release proxy", "proxy_id", proxy.ID, "error", rerr)
		}
		return leases{}, fmt.Errorf("acquire account: %w", err)
	}
	return leases{proxy: &proxy, account: &account}, nil
}

func (e *Engine) releaseLeases(ctx context.Context, log *slog.Logger, held leases, reachable string) {
	if held.account != nil {
		if err := e.accounts.Release(ctx, *held.account); err != nil {
			log.Warn("failed to release account", "account_id", held.account.ID, "error", err)
		}
	}
	if held.proxy != nil {
		if err := e.proxies.Release(ctx, *held.proxy, core.ProxyHealth{ReachableAddr: reachable}); err != nil {
			log.Warn("failed to release proxy", "proxy_id", held.proxy.ID, "error", err)
		}
	}
}

// markUsed records a failed account so it is not leased for this campaign
// again.
func (e *Engine) markUsed(ctx context.Context, log *slog.Logger, id, accountID string) {
	_, _, err := e.update(ctx, id, func(c *core.Campaign) error {
		if c.HasUsed(accountID) {
			return core.ErrSkipUpdate
		}
		c.UsedResources = append(c.UsedResources, accountID)
		return nil
	})
	if err != nil {
		log.Warn("failed to record used account", "account_id", accountID, "error", err)
	}
}

// recordSuccess advances progress and appends the step event to the outbox
// in one conditional update, then drains the outbox into the ledger. The
// update only applies while progress still equals the value the step was
// computed from.
func (e *Engine) recordSuccess(ctx context.Context, c *core.Campaign, accountID string) error {
	prior := c.Progress
	now := e.clock.Now()

	updated, err := e.campaigns.Update(ctx, c.ID, func(cur *core.Campaign) error {
		if cur.Progress != prior {
			return fmt.Errorf("%w: progress is %d, step started at %d", core.ErrDataIntegrity, cur.Progress, prior)
		}
		if cur.Progress >= cur.Amount {
			return fmt.Errorf("%w: progress %d already reached amount %d", core.ErrDataIntegrity, cur.Progress, cur.Amount)
		}
		cur.Progress++
		if !cur.HasUsed(accountID) {
			cur.UsedResources = append(cur.UsedResources, accountID)
		}
		cur.Outbox = append(cur.Outbox, core.StepEvent{
			CampaignID: cur.ID,
			OwnerID:    cur.OwnerID,
			Class:      e.classOf(cur),
			Step:       cur.Progress,
			AccountID:  accountID,
			Price:      e.cfg.PricePerStep,
			At:         now,
		})
		if _, done := cur.Phase.(core.Completed); !done && cur.Progress >= cur.Amount {
			cur.Phase = core.Completed{EndedDate: now}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, core.ErrDataIntegrity) {
			err = fmt.Errorf("%w: %v", core.ErrDataIntegrity, err)
		}
		return &core.StepError{CampaignID: c.ID, Phase: phaseProgress, Err: err}
	}

	if updated.Progress >= updated.Amount {
		e.logger.Info("campaign completed", "campaign_id", c.ID)
	}
	return e.drainOutbox(ctx, updated)
}
