// Package cronexpr parses classic five-field cron expressions and answers
// whether a given minute matches them.
//
// Day-of-month and day-of-week are ANDed: when both are restricted, a minute
// matches only if it satisfies both. Vixie cron ORs them instead.
package cronexpr

import (
	"time"
)

const (
	// DefaultTolerance is the slack NextRunAfter applies so that a minute which
	// has just matched is not reported as its own next run.
	DefaultTolerance = 30 * time.Second

	// SearchHorizon bounds the minute-by-minute scan in NextRunAfter.
	SearchHorizon = 28 * 24 * time.Hour
)

// Field is the set of values allowed for one position of an expression.
// A wildcard field has Any set and no Values.
type Field struct {
	Any    bool
	Values []int
}

// Contains reports whether v is allowed by the field
func (f Field) Contains(v int) bool {
	if f.Any {
		return true
	}
	for _, allowed := range f.Values {
		if allowed == v {
			return true
		}
		if allowed > v {
			return false
		}
	}
	return false
}

// Expression is a parsed cron expression. It is immutable once built.
type Expression struct {
	source   string
	expanded string

	Minute  Field
	Hour    Field
	Day     Field
	Month   Field
	Weekday Field
}

// Source returns the expression as it was given to Parse, trimmed
func (e *Expression) Source() string {
	return e.source
}

// Expanded returns the five-field form, with shortcuts substituted
func (e *Expression) Expanded() string {
	return e.expanded
}

func (e *Expression) String() string {
	return e.source
}

// Matches reports whether the minute containing t satisfies every field.
// Components are read in t's location.
func (e *Expression) Matches(t time.Time) bool {
	return e.Minute.Contains(t.Minute()) &&
		e.Hour.Contains(t.Hour()) &&
		e.Day.Contains(t.Day()) &&
		e.Month.Contains(int(t.Month())) &&
		e.Weekday.Contains(int(t.Weekday()))
}

// NextRunAfter returns the first matching minute that lies more than
// tolerance after t. The scan starts at t's own minute and gives up after
// SearchHorizon, in which case ok is false.
func (e *Expression) NextRunAfter(t time.Time, tolerance time.Duration) (next time.Time, ok bool) {
	base := TruncateMinute(t)
	limit := base.Add(SearchHorizon)

	for current := base; !current.After(limit); current = current.Add(time.Minute) {
		if !e.Matches(current) {
			continue
		}
		if current.Sub(t) > tolerance {
			return current, true
		}
	}
	return time.Time{}, false
}

// TruncateMinute drops the seconds of t in t's own location
func TruncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}
