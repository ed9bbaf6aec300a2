// Package civil converts between absolute instants and wall-clock time in a named zone.
//
// Recurrence patterns are defined on the wall clock of the event's zone ("every Monday at 09:00"),
// so generation happens on civil values and only the final instances are mapped back to instants.
package civil

import (
	"fmt"
	"sync"
	"time"
)

// Time is a wall-clock date and time without a zone.
type Time struct {
	Year       int
	Month      time.Month
	Day        int
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

// ToCivil reads the wall clock of instant t in loc.
func ToCivil(t time.Time, loc *time.Location) Time {
	lt := t.In(loc)
	y, m, d := lt.Date()
	return Time{
		Year: y, Month: m, Day: d,
		Hour: lt.Hour(), Minute: lt.Minute(), Second: lt.Second(), Nanosecond: lt.Nanosecond(),
	}
}

// FromCivil maps a wall-clock value in loc to an instant. A wall time inside a spring-forward gap
// is shifted forward by the gap length (02:30 becomes 03:30). A repeated wall time resolves to
// its first, earlier instant.
func FromCivil(c Time, loc *time.Location) time.Time {
	t := time.Date(c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second, c.Nanosecond, loc)
	// Zone transitions are more than a day apart, so the offset a day earlier is the one in
	// effect before any transition touching c.
	_, before := time.Date(c.Year, c.Month, c.Day-1, c.Hour, c.Minute, c.Second, c.Nanosecond, loc).Zone()
	early := c.Floating().Add(-time.Duration(before) * time.Second).In(loc)
	if ToCivil(t, loc) != c {
		return early
	}
	if early.Before(t) && ToCivil(early, loc) == c {
		return early
	}
	return t
}

// Floating places the wall clock on UTC so that calendar arithmetic never crosses a DST shift.
func (c Time) Floating() time.Time {
	return FromCivil(c, time.UTC)
}

// FromFloating is the inverse of Floating.
func FromFloating(t time.Time) Time {
	return ToCivil(t, time.UTC)
}

// Weekday of the civil date.
func (c Time) Weekday() time.Weekday { return c.Floating().Weekday() }

// DateOnly truncates the clock part.
func (c Time) DateOnly() Time {
	return Time{Year: c.Year, Month: c.Month, Day: c.Day}
}

// AddDays moves the civil date by n days, keeping the clock.
func (c Time) AddDays(n int) Time { return FromFloating(c.Floating().AddDate(0, 0, n)) }

// Compare returns -1, 0 or +1.
func (c Time) Compare(o Time) int { return c.Floating().Compare(o.Floating()) }

func (c Time) String() string {
	return c.Floating().Format("2006-01-02T15:04:05.999999999")
}

var zones sync.Map // string -> *time.Location

// LoadZone resolves an IANA zone id, caching the result. The empty id means UTC.
func LoadZone(id string) (*time.Location, error) {
	if id == "" || id == "UTC" {
		return time.UTC, nil
	}
	if v, ok := zones.Load(id); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", id, err)
	}
	zones.Store(id, loc)
	return loc, nil
}
