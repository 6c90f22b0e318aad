package schedule

import (
	"fmt"
	"time"
)

// Pattern is a recurrence rule. The zero value means a one-off message.
type Pattern string

const (
	Once    Pattern = ""
	Daily   Pattern = "daily"
	Weekly  Pattern = "weekly"
	Monthly Pattern = "monthly"
	Yearly  Pattern = "yearly"
)

// ParsePattern accepts the empty string and the four recurrence names.
func ParsePattern(s string) (Pattern, error) {
	switch p := Pattern(s); p {
	case Once, Daily, Weekly, Monthly, Yearly:
		return p, nil
	}
	return Once, fmt.Errorf("%w: unknown recurrence %q", ErrInvalid, s)
}

// Next returns the occurrence one period after prev, in UTC. Monthly and
// yearly occurrences land on anchorDay, clamped to the length of the month,
// so a schedule first fired on the 31st goes Jan 31, Feb 28, Mar 31, Apr 30.
func Next(p Pattern, prev time.Time, anchorDay int) (time.Time, error) {
	prev = prev.UTC()
	switch p {
	case Daily:
		return prev.AddDate(0, 0, 1), nil
	case Weekly:
		return prev.AddDate(0, 0, 7), nil
	case Monthly:
		y, m := prev.Year(), prev.Month()+1
		if m > time.December {
			y, m = y+1, time.January
		}
		return onDay(prev, y, m, anchorDay), nil
	case Yearly:
		return onDay(prev, prev.Year()+1, prev.Month(), anchorDay), nil
	}
	return time.Time{}, fmt.Errorf("%w: no next occurrence for recurrence %q", ErrInvalid, string(p))
}

func onDay(clock time.Time, y int, m time.Month, day int) time.Time {
	if last := daysIn(y, m); day > last {
		day = last
	}
	return time.Date(y, m, day, clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
