// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package calendar provides the timezone-aware date arithmetic used by
// the scheduler: half-open timespans, whole-day expansion honoring DST
// transitions, and raster alignment for partly available allocations.
package calendar

import (
	"time"

	"github.com/cobaltcore-dev/resa/errs"
)

// Half-open timespan [Start, End). All scheduler operations normalize
// their inputs to spans in UTC.
type Span struct {
	Start time.Time
	End   time.Time
}

// Create a new span from two instants.
func NewSpan(start, end time.Time) Span {
	return Span{Start: start, End: end}
}

// UTC returns the span with both bounds converted to UTC.
func (s Span) UTC() Span {
	return Span{Start: s.Start.UTC(), End: s.End.UTC()}
}

// Duration of the span in absolute time.
func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Check if the span covers the given instant.
func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Check if the span overlaps another span.
func (s Span) Overlaps(other Span) bool {
	return Overlaps(s.Start, s.End, other.Start, other.End)
}

// Check if the span lies fully inside the outer span.
func (s Span) Within(outer Span) bool {
	return Within(s.Start, s.End, outer.Start, outer.End)
}

// Check if the span is empty or inverted.
func (s Span) Empty() bool {
	return !s.Start.Before(s.End)
}

// Check if the span equals another span by instant.
func (s Span) Equal(other Span) bool {
	return s.Start.Equal(other.Start) && s.End.Equal(other.End)
}

// Check if two half-open ranges [aStart, aEnd) and [bStart, bEnd)
// share at least one instant.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Check if [start, end) lies fully inside [outerStart, outerEnd).
func Within(start, end, outerStart, outerEnd time.Time) bool {
	return !start.Before(outerStart) && !end.After(outerEnd)
}

// Interpret the wall-clock reading of t in the given location and
// convert the result to UTC. Use this to promote a timestamp that was
// built in the wrong location; values that already carry their intended
// zone are instants and only need .UTC().
func ToUTC(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc).UTC()
}

// UTC instants of local midnight on the given day and of midnight on
// the following day. On DST transition days the resulting span is 23
// or 25 hours long.
func DayBounds(year int, month time.Month, day int, loc *time.Location) Span {
	start := time.Date(year, month, day, 0, 0, 0, 0, loc)
	end := time.Date(year, month, day+1, 0, 0, 0, 0, loc)
	return Span{Start: start.UTC(), End: end.UTC()}
}

// Wall-clock window applied to each local day of a span by ExpandDays.
// An EndHour of 24 marks the end of the day.
type DayWindow struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// Window spanning whole local days, midnight to midnight.
var WholeDayWindow = DayWindow{EndHour: 24}

// Split a span into one span per local calendar day it touches, each
// running from the window's start to its end wall-clock time in loc.
// Days with a DST transition yield their actual 23 or 25 hour span.
func ExpandDays(s Span, loc *time.Location, w DayWindow) []Span {
	first := s.Start.In(loc)
	last := s.End.In(loc)
	// An end falling exactly on midnight belongs to the previous day.
	if last.After(first) {
		last = last.Add(-time.Nanosecond)
	}
	lastYear, lastMonth, lastDay := last.Date()
	lastMidnight := time.Date(lastYear, lastMonth, lastDay, 0, 0, 0, 0, loc)

	var out []Span
	year, month, day := first.Date()
	for {
		cur := time.Date(year, month, day, 0, 0, 0, 0, loc)
		if cur.After(lastMidnight) {
			break
		}
		start := time.Date(year, month, day, w.StartHour, w.StartMinute, 0, 0, loc)
		var end time.Time
		if w.EndHour >= 24 {
			end = time.Date(year, month, day+1, 0, w.EndMinute, 0, 0, loc)
		} else {
			end = time.Date(year, month, day, w.EndHour, w.EndMinute, 0, 0, loc)
		}
		out = append(out, Span{Start: start.UTC(), End: end.UTC()})
		year, month, day = cur.AddDate(0, 0, 1).Date()
	}
	return out
}

// Widen a span to whole local days in the given location.
func AlignDay(s Span, loc *time.Location) Span {
	start := s.Start.In(loc)
	end := s.End.In(loc)
	if end.After(start) {
		end = end.Add(-time.Nanosecond)
	}
	aligned := DayBounds(start.Year(), start.Month(), start.Day(), loc)
	lastDay := DayBounds(end.Year(), end.Month(), end.Day(), loc)
	aligned.End = lastDay.End
	return aligned
}

// Check if the span covers whole local days: it starts at a local
// midnight, ends at one, and runs for at least a full day of absolute
// time (so a zero-length span does not qualify).
func IsWholeDay(s Span, loc *time.Location) bool {
	return AlignDay(s, loc).Equal(s) && !s.End.Before(s.Start.Add(23*time.Hour))
}

// Duration between the wall-clock readings of start and end in the
// given location. Across a DST transition this differs from the
// absolute duration: a 25-hour fall-back day reads as 24 hours.
func WallClockDelta(start, end time.Time, loc *time.Location) time.Duration {
	s := start.In(loc)
	e := end.In(loc)
	su := time.Date(s.Year(), s.Month(), s.Day(), s.Hour(), s.Minute(), s.Second(), s.Nanosecond(), time.UTC)
	eu := time.Date(e.Year(), e.Month(), e.Day(), e.Hour(), e.Minute(), e.Second(), e.Nanosecond(), time.UTC)
	return eu.Sub(su)
}

// Load an IANA timezone by name.
func LoadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errs.InvalidTimezoneError{Name: name}
	}
	return loc, nil
}

// Load an IANA timezone by name, panicking on unknown names. Intended
// for initialization paths where the name is a constant.
func MustLocation(name string) *time.Location {
	loc, err := LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}
