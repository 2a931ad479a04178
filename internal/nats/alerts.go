package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

const alertPublishTimeout = 2 * time.Second

// Alert is the message published for operators.
type Alert struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// AlertPublisher implements core.AlertSink on the JetStream alert stream.
// Every alert is also logged, so a delivery failure never loses it entirely.
type AlertPublisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewAlertPublisher creates an alert sink publishing through js.
func NewAlertPublisher(js jetstream.JetStream, logger *slog.Logger) *AlertPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertPublisher{js: js, logger: logger}
}

// Notify logs and publishes an alert. Publishing failures are logged, not
// returned.
func (p *AlertPublisher) Notify(ctx context.Context, message, source string) {
	p.logger.Warn("alert", "source", source, "message", message)

	alert := Alert{
		ID:      core.NewUUIDv7(),
		Source:  source,
		Message: message,
		At:      core.FormatTime(time.Now()),
	}
	data, err := json.Marshal(alert)
	if err != nil {
		p.logger.Error("failed to marshal alert", "error", err)
		return
	}

	// Published even when ctx is already cancelled.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertPublishTimeout)
	defer cancel()
	if _, err := p.js.Publish(pubCtx, AlertSubject(source), data, jetstream.WithMsgID(alert.ID)); err != nil {
		p.logger.Error("failed to publish alert", "error", err, "source", source)
	}
}
