package model

import "strconv"

// ScheduleKind tells which of the two schedule forms a task uses
type ScheduleKind string

const (
	ScheduleKindPeriod ScheduleKind = "period"
	ScheduleKindCron   ScheduleKind = "cron"
)

func formatSeconds(s int64) string {
	return strconv.FormatInt(s, 10) + "s"
}
