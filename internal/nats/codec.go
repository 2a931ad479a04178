package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
)

// campaignState is the JSON document stored in the campaigns bucket.
type campaignState struct {
	ID            string           `json:"id"`
	OwnerID       string           `json:"owner_id"`
	Type          string           `json:"type,omitempty"`
	Target        core.Target      `json:"target"`
	Amount        int              `json:"amount"`
	Progress      int              `json:"progress"`
	Status        string           `json:"status"`
	Schedule      []string         `json:"schedule,omitempty"`
	UsedResources []string         `json:"used_resources,omitempty"`
	Period        string           `json:"period,omitempty"`
	CreatedDate   string           `json:"created_date,omitempty"`
	EndedDate     string           `json:"ended_date,omitempty"`
	Outbox        []core.StepEvent `json:"outbox,omitempty"`
}

// campaignToState converts a core.Campaign to a campaignState for KV storage.
func campaignToState(c *core.Campaign) *campaignState {
	s := &campaignState{
		ID:            c.ID,
		OwnerID:       c.OwnerID,
		Type:          c.Class,
		Target:        c.Target,
		Amount:        c.Amount,
		Progress:      c.Progress,
		Status:        c.Status(),
		UsedResources: c.UsedResources,
		Period:        c.Period,
		Outbox:        c.Outbox,
	}
	if !c.CreatedDate.IsZero() {
		s.CreatedDate = core.FormatTime(c.CreatedDate)
	}
	for _, due := range c.Schedule() {
		s.Schedule = append(s.Schedule, core.FormatTime(due))
	}
	if ended, ok := c.EndedDate(); ok {
		s.EndedDate = core.FormatTime(ended)
	}
	return s
}

// stateToCampaign rebuilds and validates a campaign from its stored state.
func stateToCampaign(s *campaignState, revision uint64) (*core.Campaign, error) {
	schedule := make([]time.Time, 0, len(s.Schedule))
	for _, raw := range s.Schedule {
		due, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: campaign %s schedule: %v", core.ErrInvalidCampaign, s.ID, err)
		}
		schedule = append(schedule, due)
	}

	var ended *time.Time
	if s.EndedDate != "" {
		t, err := parseTime(s.EndedDate)
		if err != nil {
			return nil, fmt.Errorf("%w: campaign %s ended date: %v", core.ErrInvalidCampaign, s.ID, err)
		}
		ended = &t
	}

	phase, err := core.DecodePhase(s.Status, schedule, ended)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", s.ID, err)
	}

	c := &core.Campaign{
		ID:            s.ID,
		OwnerID:       s.OwnerID,
		Class:         s.Type,
		Target:        s.Target,
		Amount:        s.Amount,
		Progress:      s.Progress,
		Period:        s.Period,
		UsedResources: s.UsedResources,
		Phase:         phase,
		Outbox:        s.Outbox,
		Revision:      revision,
	}
	if s.CreatedDate != "" {
		created, err := parseTime(s.CreatedDate)
		if err != nil {
			return nil, fmt.Errorf("%w: campaign %s created date: %v", core.ErrInvalidCampaign, s.ID, err)
		}
		c.CreatedDate = created
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func marshalCampaign(c *core.Campaign) ([]byte, error) {
	return json.Marshal(campaignToState(c))
}

func unmarshalCampaign(data []byte, revision uint64) (*core.Campaign, error) {
	var s campaignState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidCampaign, err)
	}
	return stateToCampaign(&s, revision)
}
