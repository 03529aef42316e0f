package run

import "time"

// Day normalizes t to midnight of its calendar day in loc. Claims and event
// windows are keyed by this value so overlapping runs agree on the date.
func Day(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Window returns the [from, to) bounds of the digest day in loc.
func Window(day time.Time, loc *time.Location) (time.Time, time.Time) {
	from := Day(day, loc)
	return from, from.AddDate(0, 0, 1)
}

// DigestDateFor returns the previous calendar day relative to now: the daily
// batch summarizes yesterday's events.
func DigestDateFor(now time.Time, loc *time.Location) time.Time {
	return Day(now, loc).AddDate(0, 0, -1)
}
