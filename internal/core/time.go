package core

import (
	"fmt"
	"time"

	// The business timezone must resolve even on hosts without zoneinfo.
	_ "time/tzdata"
)

// TimeFormat is the wire format for timestamps: RFC 3339 with milliseconds.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime formats a time in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Clock is the time source the engine schedules against.
type Clock interface {
	Now() time.Time
}

// BusinessClock reports the current time in a fixed business timezone.
type BusinessClock struct {
	loc *time.Location
}

// NewBusinessClock loads the named timezone.
func NewBusinessClock(name string) (*BusinessClock, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", name, err)
	}
	return &BusinessClock{loc: loc}, nil
}

// Now returns the current time in the business timezone, truncated to the
// store's millisecond precision.
func (c *BusinessClock) Now() time.Time {
	return time.Now().In(c.loc).Truncate(time.Millisecond)
}
