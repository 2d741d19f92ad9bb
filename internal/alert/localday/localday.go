// Package localday converts instants to calendar days under a single fixed
// UTC offset. Days are modeled as midnight-UTC instants so downstream
// comparisons never need the offset again.
package localday

import "time"

const layout = "2006-01-02"

// Today shifts now by offsetMinutes and truncates to the day boundary in the
// shifted frame.
func Today(offsetMinutes int, now time.Time) time.Time {
	shifted := now.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the integer day count b - a. Both inputs are
// normalized to day boundaries first, so residual time-of-day noise cannot
// skew the count.
func DaysBetween(a, b time.Time) int {
	a = truncate(a)
	b = truncate(b)
	return int(b.Sub(a).Hours() / 24)
}

// Format renders a day as YYYY-MM-DD.
func Format(d time.Time) string {
	return d.UTC().Format(layout)
}

// Parse reads a YYYY-MM-DD day back into its midnight-UTC form.
func Parse(s string) (time.Time, error) {
	return time.Parse(layout, s)
}

func truncate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
