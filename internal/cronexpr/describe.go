package cronexpr

import (
	"strconv"
	"strings"
)

var (
	monthAbbrev   = [...]string{"", "Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}
	weekdayAbbrev = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
)

// HumanReadable renders the expression in English. Shortcut sources are
// returned as written.
func (e *Expression) HumanReadable() string {
	if _, ok := Shortcuts[strings.ToLower(e.source)]; ok {
		return strings.ToLower(e.source)
	}

	parts := []string{
		describe(e.Minute, "every minute", "minute", "minutes", strconv.Itoa),
		describe(e.Hour, "every hour", "hour", "hours", strconv.Itoa),
	}
	if !e.Day.Any {
		parts = append(parts, describe(e.Day, "", "on day", "on days", strconv.Itoa))
	}
	if !e.Month.Any {
		parts = append(parts, describe(e.Month, "", "in", "in", func(v int) string { return monthAbbrev[v] }))
	}
	if !e.Weekday.Any {
		parts = append(parts, describe(e.Weekday, "", "on", "on", func(v int) string { return weekdayAbbrev[v%7] }))
	}
	return strings.Join(parts, ", ")
}

func describe(f Field, wildcard, one, many string, format func(int) string) string {
	if f.Any {
		return wildcard
	}
	names := make([]string, len(f.Values))
	for i, v := range f.Values {
		names[i] = format(v)
	}
	if len(names) == 1 {
		return one + " " + names[0]
	}
	return many + " " + strings.Join(names, ",")
}
