package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var periodUnits = map[string]time.Duration{
	"s":       time.Second,
	"sec":     time.Second,
	"second":  time.Second,
	"seconds": time.Second,
	"m":       time.Minute,
	"min":     time.Minute,
	"mins":    time.Minute,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"h":       time.Hour,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"d":       24 * time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
	"w":       7 * 24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// MaxPeriod is the longest period a campaign may declare.
const MaxPeriod = 366 * 24 * time.Hour

// ParsePeriod parses a declared campaign duration such as "1hour", "30min"
// or "2days".
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty period")
	}

	split := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if split <= 0 {
		return 0, fmt.Errorf("invalid period %q: must start with a number followed by a unit", s)
	}

	n, err := strconv.Atoi(s[:split])
	if err != nil {
		return 0, fmt.Errorf("invalid period %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid period %q: must be positive", s)
	}

	unit, ok := periodUnits[strings.TrimSpace(s[split:])]
	if !ok {
		return 0, fmt.Errorf("invalid period %q: unknown unit %q", s, s[split:])
	}
	if int64(n) > int64(MaxPeriod/unit) {
		return 0, fmt.Errorf("invalid period %q: longer than %v", s, MaxPeriod)
	}
	return time.Duration(n) * unit, nil
}

// PeriodOrDefault parses period, falling back to def when it is absent.
func PeriodOrDefault(period string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(period) == "" {
		return def, nil
	}
	return ParsePeriod(period)
}
