// Package schedule spreads a day's outbound messages across the calendar day.
//
// Slot generation is a pure function of the target day, the number of messages and the
// minimum gap, so the same inputs always produce the same send times.
package schedule

import (
	"sort"
	"time"
)

// DayMinutes is the span a schedule is spread over.
const DayMinutes = 24 * 60

// Linear-congruential step used to derive per-index jitter.
const (
	lcgMultiplier = 9301
	lcgIncrement  = 49297
	lcgModulus    = 233280
)

// OffsetFor returns the jitter, in minutes, applied to the slot at index on the given day.
// The result is always -1, 0 or +1. Day and month are mixed into the seed so that an index
// does not get the same offset every day of the month.
func OffsetFor(day, month, index int) int {
	seed := index + day*1000 + month*100000
	step := (seed*lcgMultiplier + lcgIncrement) % lcgModulus
	if step < 0 {
		step += lcgModulus
	}
	r := float64(step) / lcgModulus
	return int(r*3) - 1
}

// Minutes returns the sorted minute-of-day for count messages on the given day and month,
// before any gap enforcement.
func Minutes(day, month, count int) []int {
	if count <= 0 {
		return nil
	}
	minutes := make([]int, count)
	for i := range minutes {
		m := i*DayMinutes/count + OffsetFor(day, month, i)
		if m < 0 {
			m = 0
		}
		if m > DayMinutes-1 {
			m = DayMinutes - 1
		}
		minutes[i] = m
	}
	sort.Ints(minutes)
	return minutes
}

// Slots returns count send times on the calendar day of targetDate (in its location).
// Consecutive times are at least minGap apart unless the end of the day forces them to
// collapse onto 23:59:59.999.
func Slots(targetDate time.Time, count int, minGap time.Duration) []time.Time {
	if count <= 0 {
		return nil
	}
	start := DayStart(targetDate)
	end := DayEnd(targetDate)
	minutes := Minutes(start.Day(), int(start.Month()), count)
	// Minutes are fractions of the real day length, which is 23h or 25h on DST changes.
	span := start.AddDate(0, 0, 1).Sub(start)

	out := make([]time.Time, count)
	var last time.Time
	for i, m := range minutes {
		ts := start.Add(time.Duration(m) * span / DayMinutes)
		if i > 0 && ts.Before(last.Add(minGap)) {
			ts = last.Add(minGap)
		}
		if ts.After(end) {
			ts = end
		}
		out[i] = ts
		last = ts
	}
	return out
}

// DayStart returns local midnight of t's calendar day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DayEnd returns the last millisecond of t's calendar day.
func DayEnd(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}

// Day normalizes t to the calendar day it falls on in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return DayStart(t.In(loc))
}
