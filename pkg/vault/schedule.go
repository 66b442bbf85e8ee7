package vault

import "time"

// Week is the default round length.
const Week = 7 * 24 * time.Hour

// DefaultAnchorHour is the UTC hour options expire at.
const DefaultAnchorHour = 8

// Schedule computes option expiries. A weekly period expires on Fridays at
// AnchorHour UTC; any other period expires Period after the previous expiry,
// snapped to AnchorHour.
type Schedule struct {
	Period     time.Duration
	AnchorHour int
}

// WeeklySchedule expires every Friday at 08:00 UTC.
func WeeklySchedule() Schedule {
	return Schedule{Period: Week, AnchorHour: DefaultAnchorHour}
}

// NextExpiry returns the expiry of the option committed at now. previous is
// the expiry of the option being closed, zero if there is none. A vault that
// sat idle for longer than a period restarts from now.
func (s Schedule) NextExpiry(now, previous time.Time) time.Time {
	now = now.UTC()
	base := now
	if !previous.IsZero() && !now.After(previous.Add(s.Period)) {
		base = previous.UTC()
	}
	next := s.after(base)
	if !next.After(now) {
		next = s.after(now)
	}
	return next
}

func (s Schedule) after(t time.Time) time.Time {
	if s.Period == Week {
		return nextFriday(t, s.AnchorHour)
	}
	target := t.Add(s.Period)
	next := time.Date(target.Year(), target.Month(), target.Day(), s.AnchorHour, 0, 0, 0, time.UTC)
	if !next.After(t) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// nextFriday returns the first Friday at hour strictly after t. A Friday
// before the anchor hour expires the same day.
func nextFriday(t time.Time, hour int) time.Time {
	days := (int(time.Friday) - int(t.Weekday()) + 7) % 7
	friday := time.Date(t.Year(), t.Month(), t.Day()+days, hour, 0, 0, 0, time.UTC)
	if !friday.After(t) {
		friday = friday.AddDate(0, 0, 7)
	}
	return friday
}
