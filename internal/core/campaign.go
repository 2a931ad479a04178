package core

import (
	"fmt"
	"time"
)

// Version is reported by the admin surface and the info metric.
const Version = "1.0.0"

// DefaultClass is the campaign class served when a record carries none.
const DefaultClass = "carts"

// MaxAmount caps the steps one campaign may order. Together with MaxPeriod
// and a minimum interval of at most a day it keeps every schedule offset
// within time.Duration.
const MaxAmount = 100_000

// Campaign status values as persisted.
const (
	StatusCreated   = "created"
	StatusWork      = "work"
	StatusNoFunds   = "nofunds"
	StatusCompleted = "completed"
)

// Target describes the item a campaign acts on.
type Target struct {
	Article string `json:"article"`
	Query   string `json:"query,omitempty"`
	Size    string `json:"size,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Phase is the lifecycle variant of a campaign. Each phase carries only the
// fields valid for it.
type Phase interface {
	Status() string
	isPhase()
}

// Created is a campaign waiting for intake.
type Created struct{}

// Working is a campaign eligible for dispatch. Schedule holds one due time per
// remaining step in ascending order.
type Working struct {
	Schedule []time.Time
}

// NoFunds is a campaign parked until its owner's balance recovers.
type NoFunds struct {
	Schedule []time.Time
}

// Completed is a campaign that reached its target.
type Completed struct {
	EndedDate time.Time
}

func (Created) Status() string   { return StatusCreated }
func (Working) Status() string   { return StatusWork }
func (NoFunds) Status() string   { return StatusNoFunds }
func (Completed) Status() string { return StatusCompleted }

func (Created) isPhase()   {}
func (Working) isPhase()   {}
func (NoFunds) isPhase()   {}
func (Completed) isPhase() {}

// Campaign is one persisted quota of steps against a target item.
type Campaign struct {
	ID            string
	OwnerID       string
	Class         string
	Target        Target
	Amount        int
	Progress      int
	Period        string
	CreatedDate   time.Time
	UsedResources []string
	Phase         Phase

	// Outbox holds completed steps whose ledger rows are not yet written.
	Outbox []StepEvent

	// Revision is the store revision the campaign was read at. Not persisted.
	Revision uint64
}

// Status returns the persisted status string of the current phase.
func (c *Campaign) Status() string {
	if c.Phase == nil {
		return ""
	}
	return c.Phase.Status()
}

// Remaining returns the number of steps still owed.
func (c *Campaign) Remaining() int {
	return c.Amount - c.Progress
}

// Schedule returns the pending due times for working and parked campaigns.
func (c *Campaign) Schedule() []time.Time {
	switch p := c.Phase.(type) {
	case Working:
		return p.Schedule
	case NoFunds:
		return p.Schedule
	}
	return nil
}

// EndedDate returns the completion time, if the campaign is completed.
func (c *Campaign) EndedDate() (time.Time, bool) {
	if p, ok := c.Phase.(Completed); ok {
		return p.EndedDate, true
	}
	return time.Time{}, false
}

// NextDue returns the earliest scheduled time of a working campaign.
func (c *Campaign) NextDue() (time.Time, bool) {
	w, ok := c.Phase.(Working)
	if !ok || len(w.Schedule) == 0 {
		return time.Time{}, false
	}
	return w.Schedule[0], true
}

// HasUsed reports whether the account was already leased for this campaign.
func (c *Campaign) HasUsed(accountID string) bool {
	for _, id := range c.UsedResources {
		if id == accountID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.UsedResources = append([]string(nil), c.UsedResources...)
	cp.Outbox = append([]StepEvent(nil), c.Outbox...)
	switch p := c.Phase.(type) {
	case Working:
		cp.Phase = Working{Schedule: append([]time.Time(nil), p.Schedule...)}
	case NoFunds:
		cp.Phase = NoFunds{Schedule: append([]time.Time(nil), p.Schedule...)}
	}
	return &cp
}

// Validate checks the invariants that hold for every phase.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCampaign)
	}
	if c.Phase == nil {
		return fmt.Errorf("%w: campaign %s has no phase", ErrInvalidCampaign, c.ID)
	}
	if c.Amount < 0 || c.Progress < 0 {
		return fmt.Errorf("%w: campaign %s has negative counts", ErrInvalidCampaign, c.ID)
	}
	if c.Amount > MaxAmount {
		return fmt.Errorf("%w: campaign %s amount %d exceeds %d", ErrInvalidCampaign, c.ID, c.Amount, MaxAmount)
	}
	if c.Progress > c.Amount {
		return fmt.Errorf("%w: campaign %s progress %d exceeds amount %d", ErrInvalidCampaign, c.ID, c.Progress, c.Amount)
	}
	if p, ok := c.Phase.(Completed); ok && p.EndedDate.IsZero() {
		return fmt.Errorf("%w: completed campaign %s has no ended date", ErrInvalidCampaign, c.ID)
	}
	return nil
}

// DecodePhase rebuilds the lifecycle variant from its persisted fields.
func DecodePhase(status string, schedule []time.Time, endedDate *time.Time) (Phase, error) {
	switch status {
	case StatusCreated:
		return Created{}, nil
	case StatusWork:
		return Working{Schedule: schedule}, nil
	case StatusNoFunds:
		return NoFunds{Schedule: schedule}, nil
	case StatusCompleted:
		if endedDate == nil || endedDate.IsZero() {
			return nil, fmt.Errorf("%w: status completed without ended date", ErrInvalidCampaign)
		}
		return Completed{EndedDate: *endedDate}, nil
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCampaign, status)
	}
}

// Owner is the account holder funding campaigns.
type Owner struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

// StepEvent records one successful step pending ledger insertion. Step is the
// 1-based progress value the step produced, which keys ledger rows.
type StepEvent struct {
	CampaignID string    `json:"campaign_id"`
	OwnerID    string    `json:"owner_id"`
	Class      string    `json:"class"`
	Step       int       `json:"step"`
	AccountID  string    `json:"account_id"`
	Price      int64     `json:"price"`
	At         time.Time `json:"at"`
}
