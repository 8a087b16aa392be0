package quotapool

import (
	"fmt"
	"time"
	_ "time/tzdata" // the day window zone must resolve on hosts without zoneinfo
)

// DefaultZoneName is the zone whose calendar day bounds the daily quota.
const DefaultZoneName = "America/New_York"

// DefaultZone is the loaded DefaultZoneName location.
var DefaultZone = mustLoadZone(DefaultZoneName)

func mustLoadZone(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("quotapool: load zone %q: %v", name, err))
	}
	return loc
}

// QuotaSettings is a snapshot of one backend's limiter configuration and
// counters. It is used to build a Limiter, to restore one, and to persist
// state across restarts.
type QuotaSettings struct {
	DayWindowStart         time.Time `yaml:"day_window_start,omitempty" json:"day_window_start"`
	RequestsPerDayUsed     int64     `yaml:"requests_per_day_used,omitempty" json:"requests_per_day_used"`
	RequestsPerDayLimit    int64     `yaml:"requests_per_day_limit,omitempty" json:"requests_per_day_limit"`
	RequestsPerMinuteLimit int64     `yaml:"requests_per_minute_limit,omitempty" json:"requests_per_minute_limit"`
	TokensPerMinuteLimit   int64     `yaml:"tokens_per_minute_limit,omitempty" json:"tokens_per_minute_limit"`
	ContextUsed            int64     `yaml:"context_used,omitempty" json:"context_used"`
	ContextLimit           int64     `yaml:"context_limit,omitempty" json:"context_limit"`
	RaiseOnMinuteLimit     bool      `yaml:"raise_on_minute_limit,omitempty" json:"raise_on_minute_limit"`

	// raiseSet records that RaiseOnMinuteLimit was given explicitly, so an
	// explicit false is not replaced by a fallback's true.
	raiseSet bool
}

// WithRaiseOnMinuteLimit returns s with RaiseOnMinuteLimit set explicitly to
// v. Unlike assigning the field, the value then survives Resolve even when
// it is false.
func (s QuotaSettings) WithRaiseOnMinuteLimit(v bool) QuotaSettings {
	s.RaiseOnMinuteLimit = v
	s.raiseSet = true
	return s
}

// Resolve fills every unset limit in s from fallback and returns the result.
// Counters and the day window are never taken from fallback.
// RaiseOnMinuteLimit counts as unset only when it is false and was not given
// explicitly, in YAML or via WithRaiseOnMinuteLimit.
func (s QuotaSettings) Resolve(fallback QuotaSettings) QuotaSettings {
	if s.RequestsPerDayLimit == 0 {
		s.RequestsPerDayLimit = fallback.RequestsPerDayLimit
	}
	if s.RequestsPerMinuteLimit == 0 {
		s.RequestsPerMinuteLimit = fallback.RequestsPerMinuteLimit
	}
	if s.TokensPerMinuteLimit == 0 {
		s.TokensPerMinuteLimit = fallback.TokensPerMinuteLimit
	}
	if s.ContextLimit == 0 {
		s.ContextLimit = fallback.ContextLimit
	}
	if !s.raiseSet && !s.RaiseOnMinuteLimit {
		s.RaiseOnMinuteLimit = fallback.RaiseOnMinuteLimit
		s.raiseSet = fallback.raiseSet
	}
	return s
}

// Validate checks that every limit is resolved and every counter is in range.
func (s QuotaSettings) Validate() error {
	switch {
	case s.RequestsPerDayLimit <= 0:
		return fmt.Errorf("%w: requests_per_day_limit must be positive", ErrInvalidArgument)
	case s.RequestsPerMinuteLimit <= 0:
		return fmt.Errorf("%w: requests_per_minute_limit must be positive", ErrInvalidArgument)
	case s.TokensPerMinuteLimit <= 0:
		return fmt.Errorf("%w: tokens_per_minute_limit must be positive", ErrInvalidArgument)
	case s.ContextLimit <= 0:
		return fmt.Errorf("%w: context_limit must be positive", ErrInvalidArgument)
	case s.RequestsPerDayUsed < 0:
		return fmt.Errorf("%w: requests_per_day_used is negative", ErrInvalidArgument)
	case s.ContextUsed < 0:
		return fmt.Errorf("%w: context_used is negative", ErrInvalidArgument)
	case s.ContextUsed > s.ContextLimit:
		return fmt.Errorf("%w: context_used %d exceeds context_limit %d", ErrInvalidArgument, s.ContextUsed, s.ContextLimit)
	}
	return nil
}

// dayStart truncates t to midnight of its calendar day in loc.
func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
