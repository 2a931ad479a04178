package core

import (
	"context"
	"errors"
)

// ErrSkipUpdate may be returned by an update mutation to leave the stored
// document untouched without reporting a failure.
var ErrSkipUpdate = errors.New("skip update")

// Mutation edits a campaign in place. It may run more than once when a
// concurrent writer wins the compare-and-swap, so it must only depend on its
// argument.
type Mutation func(c *Campaign) error

// CampaignStore persists campaigns. Every Update is a single-document
// compare-and-swap against the revision the mutation was computed from.
type CampaignStore interface {
	Create(ctx context.Context, c *Campaign) error
	Get(ctx context.Context, id string) (*Campaign, error)
	// List returns every campaign in the store's natural scan order.
	List(ctx context.Context) ([]*Campaign, error)
	Update(ctx context.Context, id string, mutate Mutation) (*Campaign, error)
}

// OwnerStore reads campaign owners.
type OwnerStore interface {
	GetOwner(ctx context.Context, id string) (*Owner, error)
}

// Proxy is a leased network egress handle.
type Proxy struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// ProxyHealth is what the action observed about a proxy while using it.
type ProxyHealth struct {
	// ReachableAddr is the last confirmed public address, empty if unknown.
	ReachableAddr string
}

// Account is a leased execution identity.
type Account struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// ProxyPool leases proxies. Acquire returns ErrResourceExhausted when nothing
// could be leased within the pool's own retry budget.
type ProxyPool interface {
	Acquire(ctx context.Context) (Proxy, error)
	Release(ctx context.Context, p Proxy, health ProxyHealth) error
}

// AccountPool leases accounts not yet used by the campaign. Acquire returns
// ErrResourceExhausted when nothing could be leased.
type AccountPool interface {
	Acquire(ctx context.Context, campaignID, class string) (Account, error)
	Release(ctx context.Context, a Account) error
}

// ActionRequest is one unit of work against the remote site.
type ActionRequest struct {
	CampaignID string  `json:"campaign_id"`
	Account    Account `json:"account"`
	Proxy      Proxy   `json:"proxy"`
	Article    string  `json:"article"`
	Query      string  `json:"query,omitempty"`
	Size       string  `json:"size,omitempty"`
}

// ActionResult is the action's verdict plus what it learned about the proxy.
type ActionResult struct {
	Outcome   Outcome `json:"outcome"`
	ProxyAddr string  `json:"proxy_addr,omitempty"`
}

// ActionInvoker performs one step.
type ActionInvoker interface {
	Perform(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// AlertSink delivers operator alerts. Notify never blocks the caller on
// delivery failures.
type AlertSink interface {
	Notify(ctx context.Context, message, source string)
}

// Ledger records the payment intent and debit history row of a step. Writes
// are idempotent per (campaign, step).
type Ledger interface {
	RecordStep(ctx context.Context, ev StepEvent) error
}
