package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

// ActionClient performs steps by request/reply against the action workers
// subscribed to a class subject.
type ActionClient struct {
	nc      *nats.Conn
	subject string
}

// NewActionClient creates a client for the action workers of class.
func NewActionClient(nc *nats.Conn, class string) *ActionClient {
	return &ActionClient{nc: nc, subject: ActionSubject(class)}
}

// Perform sends one step request and waits for its outcome. The deadline is
// taken from ctx.
func (a *ActionClient) Perform(ctx context.Context, req core.ActionRequest) (core.ActionResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return core.ActionResult{}, fmt.Errorf("marshal action request: %w", err)
	}

	msg, err := a.nc.RequestWithContext(ctx, a.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return core.ActionResult{}, fmt.Errorf("no action workers on %s: %w", a.subject, err)
		}
		return core.ActionResult{}, fmt.Errorf("action request on %s: %w", a.subject, err)
	}

	var res core.ActionResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return core.ActionResult{}, fmt.Errorf("unmarshal action result: %w", err)
	}
	return res, nil
}
