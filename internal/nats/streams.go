package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the alert stream and the KV buckets.
func SetupJetStream(ctx context.Context, js jetstream.JetStream) error {
	// Alerts are kept for a week so they can be replayed after an outage of
	// the delivery side.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      AlertsStreamName,
		Subjects:  []string{AlertsAllSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", AlertsStreamName, err)
	}

	buckets := []struct {
		name    string
		history uint8
	}{
		{BucketCampaigns, 5},
		{BucketOwners, 1},
		{BucketProxies, 1},
		{BucketAccounts, 1},
	}

	for _, b := range buckets {
		cfg := jetstream.KeyValueConfig{
			Bucket:  b.name,
			History: b.history,
			Storage: jetstream.FileStorage,
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", b.name, err)
		}
	}

	return nil
}
