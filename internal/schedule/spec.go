// Package schedule decides whether a task is due, given when it last ran and
// the time a ping arrived.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/ping-scheduler/internal/cronexpr"
	"github.com/t77yq/ping-scheduler/internal/model"
)

const (
	// DefaultPeriod is used for tasks that declare neither a period nor a cron expression
	DefaultPeriod = 300 * time.Second

	// Tolerance is how far a ping may land from a matching minute and still fire it
	Tolerance = 30 * time.Second

	// Debounce is the minimum gap between two recorded runs of a cron task
	Debounce = 30 * time.Second
)

var (
	// ErrInvalidPeriod is returned for periods shorter than one second
	ErrInvalidPeriod = errors.New("period must be at least one second")
)

// Spec is either a fixed period or a cron expression, never both
type Spec struct {
	kind   model.ScheduleKind
	period time.Duration
	expr   *cronexpr.Expression
}

// Period builds a fixed-interval schedule. Sub-second precision is dropped.
func Period(d time.Duration) (Spec, error) {
	d = d.Truncate(time.Second)
	if d < time.Second {
		return Spec{}, fmt.Errorf("%w: %s", ErrInvalidPeriod, d)
	}
	return Spec{kind: model.ScheduleKindPeriod, period: d}, nil
}

// Cron builds a schedule from a five-field expression or shortcut
func Cron(source string) (Spec, error) {
	expr, err := cronexpr.Parse(source)
	if err != nil {
		return Spec{}, err
	}
	return Spec{kind: model.ScheduleKindCron, expr: expr}, nil
}

// Kind returns the schedule form
func (s Spec) Kind() model.ScheduleKind {
	return s.kind
}

// Period returns the interval of a period schedule, zero for cron
func (s Spec) Period() time.Duration {
	return s.period
}

// PeriodSeconds returns the interval in whole seconds, zero for cron
func (s Spec) PeriodSeconds() int64 {
	return int64(s.period / time.Second)
}

// Expression returns the parsed cron expression, nil for period schedules
func (s Spec) Expression() *cronexpr.Expression {
	return s.expr
}

// Detail is the cron source or the period in seconds
func (s Spec) Detail() string {
	if s.kind == model.ScheduleKindCron {
		return s.expr.Source()
	}
	return fmt.Sprintf("%ds", s.PeriodSeconds())
}

// Describe renders the schedule in English
func (s Spec) Describe() string {
	if s.kind == model.ScheduleKindCron {
		return s.expr.HumanReadable()
	}
	return FormatPeriod(s.PeriodSeconds())
}

// Record returns the stored form of the schedule for a task
func (s Spec) Record(name, description string) model.TaskRecord {
	rec := model.TaskRecord{
		TaskName:     name,
		Description:  description,
		ScheduleKind: s.kind,
	}
	if s.kind == model.ScheduleKindCron {
		rec.CronExpression = s.expr.Source()
	} else {
		rec.PeriodSeconds = s.PeriodSeconds()
	}
	return rec
}

// IsDue reports whether a task last run at last should run at now.
//
// A period task is due once the full period has elapsed. A cron task is due
// when now lies within Tolerance of a matching minute (either the minute now
// falls in or the next one) and the last run is at least Debounce old.
func (s Spec) IsDue(last *time.Time, now time.Time) bool {
	switch s.kind {
	case model.ScheduleKindPeriod:
		return last == nil || now.Sub(*last) >= s.period
	case model.ScheduleKindCron:
		if !s.inWindow(now) {
			return false
		}
		return last == nil || now.Sub(*last) >= Debounce
	}
	return false
}

func (s Spec) inWindow(now time.Time) bool {
	m := cronexpr.TruncateMinute(now)
	for _, candidate := range [2]time.Time{m, m.Add(time.Minute)} {
		if s.expr.Matches(candidate) && absDuration(now.Sub(candidate)) <= Tolerance {
			return true
		}
	}
	return false
}

// NextEligibleAt returns the earliest instant the task may run again, in
// now's location. For cron tasks ok is false when no matching minute exists
// within the search horizon.
func (s Spec) NextEligibleAt(last *time.Time, now time.Time) (next time.Time, ok bool) {
	from := now
	if last != nil {
		// stores may hand back UTC; cron fields must match in the scheduler's zone
		from = last.In(now.Location())
	}
	switch s.kind {
	case model.ScheduleKindPeriod:
		if last == nil {
			return now, true
		}
		return from.Add(s.period), true
	case model.ScheduleKindCron:
		return s.expr.NextRunAfter(from, Tolerance)
	}
	return time.Time{}, false
}

// SecondsUntilNext is zero for tasks that never ran, otherwise the whole
// seconds between now and NextEligibleAt, floored at zero
func (s Spec) SecondsUntilNext(last *time.Time, now time.Time) int64 {
	if last == nil {
		return 0
	}
	next, ok := s.NextEligibleAt(last, now)
	if !ok {
		return 0
	}
	remaining := int64(next.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecentlyExecuted reports whether the last run still blocks a new one:
// within Debounce for cron, within the period otherwise
func (s Spec) RecentlyExecuted(last *time.Time, now time.Time) bool {
	if last == nil {
		return false
	}
	window := s.period
	if s.kind == model.ScheduleKindCron {
		window = Debounce
	}
	return now.Sub(last.In(now.Location())) < window
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
