package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/kv"
)

// Backend implements core.CampaignStore and core.OwnerStore on NATS
// JetStream KV, and hands out the NATS-backed collaborators.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream

	// KV stores
	campaigns *kv.Store
	owners    *kv.Store
	proxies   *kv.Store
	accounts  *kv.Store

	logger *slog.Logger
}

// New creates a new Backend, connecting to NATS and setting up JetStream resources.
func New(natsURL string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("campaign-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	b := &Backend{nc: nc, js: js, logger: logger}
	for _, bucket := range []struct {
		name  string
		store **kv.Store
	}{
		{BucketCampaigns, &b.campaigns},
		{BucketOwners, &b.owners},
		{BucketProxies, &b.proxies},
		{BucketAccounts, &b.accounts},
	} {
		handle, err := js.KeyValue(ctx, bucket.name)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("opening KV bucket %s: %w", bucket.name, err)
		}
		*bucket.store = kv.NewStore(handle)
	}

	return b, nil
}

// Conn returns the underlying NATS connection.
func (b *Backend) Conn() *nats.Conn {
	return b.nc
}

// JetStream returns the JetStream context.
func (b *Backend) JetStream() jetstream.JetStream {
	return b.js
}

// Health reports whether the NATS connection is usable.
func (b *Backend) Health() error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats connection status %s", b.nc.Status())
	}
	return nil
}

// Close drains the NATS connection.
func (b *Backend) Close() error {
	return b.nc.Drain()
}

// Create stores a new campaign. An existing id is a conflict.
func (b *Backend) Create(ctx context.Context, c *core.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := marshalCampaign(c)
	if err != nil {
		return fmt.Errorf("marshal campaign %s: %w", c.ID, err)
	}
	rev, err := b.campaigns.Create(ctx, c.ID, data)
	if err != nil {
		if kv.IsRevisionConflict(err) {
			return fmt.Errorf("campaign %s already exists: %w", c.ID, core.ErrConflict)
		}
		return fmt.Errorf("create campaign %s: %w", c.ID, err)
	}
	c.Revision = rev
	return nil
}

// Get loads and validates one campaign.
func (b *Backend) Get(ctx context.Context, id string) (*core.Campaign, error) {
	data, rev, err := b.campaigns.Get(ctx, id)
	if err != nil {
		return nil, mapKVError("campaign", id, err)
	}
	return unmarshalCampaign(data, rev)
}

// List returns every valid campaign in key order. Records that fail
// validation are logged and skipped so one bad document cannot stall the
// sweeps.
func (b *Backend) List(ctx context.Context) ([]*core.Campaign, error) {
	keys, err := b.campaigns.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list campaign keys: %w", err)
	}

	campaigns := make([]*core.Campaign, 0, len(keys))
	for _, key := range keys {
		c, err := b.Get(ctx, key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			if errors.Is(err, core.ErrInvalidCampaign) {
				b.logger.Warn("skipping invalid campaign", "campaign_id", key, "error", err)
				continue
			}
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

// Update applies mutate to the stored campaign with a revision-checked
// write. Errors from mutate, including core.ErrSkipUpdate, are returned
// unchanged together with the campaign as it was read.
func (b *Backend) Update(ctx context.Context, id string, mutate core.Mutation) (*core.Campaign, error) {
	var current *core.Campaign
	state, rev, err := kv.UpdateJSON(ctx, b.campaigns, id, func(s *campaignState, revision uint64) error {
		c, err := stateToCampaign(s, revision)
		if err != nil {
			return err
		}
		current = c.Clone()
		if err := mutate(c); err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return err
		}
		*s = *campaignToState(c)
		return nil
	})
	if err != nil {
		if current != nil && !kv.IsNotFound(err) && !errors.Is(err, kv.ErrConflict) {
			return current, err
		}
		return nil, mapKVError("campaign", id, err)
	}
	return stateToCampaign(state, rev)
}

// GetOwner loads an owner record.
func (b *Backend) GetOwner(ctx context.Context, id string) (*core.Owner, error) {
	var owner core.Owner
	if _, err := b.owners.GetJSON(ctx, id, &owner); err != nil {
		return nil, mapKVError("owner", id, err)
	}
	if owner.ID == "" {
		owner.ID = id
	}
	return &owner, nil
}

// PutOwner stores an owner record, replacing any previous one.
func (b *Backend) PutOwner(ctx context.Context, owner *core.Owner) error {
	if _, err := b.owners.PutJSON(ctx, owner.ID, owner); err != nil {
		return fmt.Errorf("put owner %s: %w", owner.ID, err)
	}
	return nil
}

// mapKVError translates KV errors into the core error taxonomy.
func mapKVError(kind, id string, err error) error {
	switch {
	case kv.IsNotFound(err):
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	case errors.Is(err, kv.ErrConflict):
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrConflict)
	default:
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
}
