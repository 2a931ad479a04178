package nats

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/kv"
)

// Lease status values stored on pool records.
const (
	leaseFree = "free"
	leaseBusy = "busy"
)

var errNoneFree = errors.New("no free resource")

// PoolOptions bound how hard Acquire tries before reporting exhaustion.
type PoolOptions struct {
	MaxTries uint
	Backoff  time.Duration
	// LeaseTimeout after which a busy record is considered abandoned by a
	// crashed process and may be leased again.
	LeaseTimeout time.Duration
}

// DefaultPoolOptions returns the production acquisition budget.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{MaxTries: 10, Backoff: 2 * time.Second, LeaseTimeout: 30 * time.Minute}
}

type proxyRecord struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	Status     string `json:"status"`
	LastUsedIP string `json:"last_used_ip,omitempty"`
	LeasedAt   string `json:"leased_at,omitempty"`
}

type accountRecord struct {
	ID       string `json:"id"`
	Handle   string `json:"handle"`
	Type     string `json:"type,omitempty"`
	Status   string `json:"status"`
	LeasedBy string `json:"leased_by,omitempty"`
	LeasedAt string `json:"leased_at,omitempty"`
}

// leasable reports whether a record with this status and lease time may be
// claimed at now.
func leasable(status, leasedAt string, timeout time.Duration, now time.Time) bool {
	if status != leaseBusy {
		return true
	}
	if timeout <= 0 || leasedAt == "" {
		return false
	}
	at, err := parseTime(leasedAt)
	return err == nil && now.Sub(at) > timeout
}

// claim scans the bucket in random order and marks the first eligible record
// busy with a revision-checked write. A lost race moves on to the next key.
// Scans repeat with backoff until opts.MaxTries is spent, then the pool is
// reported exhausted.
func claim[T any](ctx context.Context, store *kv.Store, opts PoolOptions, take func(rec *T, now time.Time) bool) (*T, error) {
	scan := func() (*T, error) {
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

		for _, key := range keys {
			rec := new(T)
			rev, err := store.GetJSON(ctx, key, rec)
			if err != nil {
				continue
			}
			if !take(rec, time.Now()) {
				continue
			}
			if _, err := store.SwapJSON(ctx, key, rec, rev); err != nil {
				continue
			}
			return rec, nil
		}
		return nil, errNoneFree
	}

	tries := opts.MaxTries
	if tries == 0 {
		tries = 1
	}
	rec, err := backoff.Retry(ctx, scan,
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.Backoff)),
		backoff.WithMaxTries(tries),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", core.ErrResourceExhausted, err)
	}
	return rec, nil
}

// ProxyPool leases proxies from the proxies bucket.
type ProxyPool struct {
	store *kv.Store
	opts  PoolOptions
}

// Proxies returns the proxy pool of this backend.
func (b *Backend) Proxies(opts PoolOptions) *ProxyPool {
	return &ProxyPool{store: b.proxies, opts: opts}
}

// Acquire leases a free proxy.
func (p *ProxyPool) Acquire(ctx context.Context) (core.Proxy, error) {
	rec, err := claim(ctx, p.store, p.opts, func(rec *proxyRecord, now time.Time) bool {
		if !leasable(rec.Status, rec.LeasedAt, p.opts.LeaseTimeout, now) {
			return false
		}
		rec.Status = leaseBusy
		rec.LeasedAt = core.FormatTime(now)
		return true
	})
	if err != nil {
		return core.Proxy{}, fmt.Errorf("acquire proxy: %w", err)
	}
	return core.Proxy{ID: rec.ID, Address: rec.Address}, nil
}

// Release marks the proxy free and records its last confirmed address.
func (p *ProxyPool) Release(ctx context.Context, proxy core.Proxy, health core.ProxyHealth) error {
	_, _, err := kv.UpdateJSON(ctx, p.store, proxy.ID, func(rec *proxyRecord, _ uint64) error {
		rec.Status = leaseFree
		rec.LeasedAt = ""
		if health.ReachableAddr != "" {
			rec.LastUsedIP = health.ReachableAddr
		}
		return nil
	})
	if err != nil {
		return mapKVError("proxy", proxy.ID, err)
	}
	return nil
}

// Register adds a free proxy to the pool, replacing an existing record.
func (p *ProxyPool) Register(ctx context.Context, proxy core.Proxy) error {
	rec := proxyRecord{ID: proxy.ID, Address: proxy.Address, Status: leaseFree}
	if _, err := p.store.PutJSON(ctx, proxy.ID, &rec); err != nil {
		return fmt.Errorf("register proxy %s: %w", proxy.ID, err)
	}
	return nil
}

// AccountPool leases accounts from the accounts bucket, never handing a
// campaign an account it has already used.
type AccountPool struct {
	store     *kv.Store
	campaigns core.CampaignStore
	opts      PoolOptions
}

// Accounts returns the account pool of this backend.
func (b *Backend) Accounts(opts PoolOptions) *AccountPool {
	return &AccountPool{store: b.accounts, campaigns: b, opts: opts}
}

// Acquire leases a free account of the class not yet used by the campaign.
func (p *AccountPool) Acquire(ctx context.Context, campaignID, class string) (core.Account, error) {
	var used map[string]bool
	if c, err := p.campaigns.Get(ctx, campaignID); err == nil {
		used = make(map[string]bool, len(c.UsedResources))
		for _, id := range c.UsedResources {
			used[id] = true
		}
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.Account{}, fmt.Errorf("acquire account: %w", err)
	}

	rec, err := claim(ctx, p.store, p.opts, func(rec *accountRecord, now time.Time) bool {
		if rec.Type != "" && rec.Type != class {
			return false
		}
		if used[rec.ID] || !leasable(rec.Status, rec.LeasedAt, p.opts.LeaseTimeout, now) {
			return false
		}
		rec.Status = leaseBusy
		rec.LeasedBy = campaignID
		rec.LeasedAt = core.FormatTime(now)
		return true
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("acquire account: %w", err)
	}
	return core.Account{ID: rec.ID, Handle: rec.Handle}, nil
}

// Release marks the account free.
func (p *AccountPool) Release(ctx context.Context, account core.Account) error {
	_, _, err := kv.UpdateJSON(ctx, p.store, account.ID, func(rec *accountRecord, _ uint64) error {
		rec.Status = leaseFree
		rec.LeasedBy = ""
		rec.LeasedAt = ""
		return nil
	})
	if err != nil {
		return mapKVError("account", account.ID, err)
	}
	return nil
}

// Register adds a free account of class to the pool, replacing an existing
// record.
func (p *AccountPool) Register(ctx context.Context, account core.Account, class string) error {
	rec := accountRecord{ID: account.ID, Handle: account.Handle, Type: class, Status: leaseFree}
	if _, err := p.store.PutJSON(ctx, account.ID, &rec); err != nil {
		return fmt.Errorf("register account %s: %w", account.ID, err)
	}
	return nil
}
