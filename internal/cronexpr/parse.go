package cronexpr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Shortcuts maps the named macros to their five-field equivalents
var Shortcuts = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

type fieldSpec struct {
	name  string
	min   int
	max   int
	names map[string]int
}

var (
	monthNames = map[string]int{
		"jan": 1, "january": 1,
		"feb": 2, "february": 2,
		"mar": 3, "march": 3,
		"apr": 4, "april": 4,
		"may": 5,
		"jun": 6, "june": 6,
		"jul": 7, "july": 7,
		"aug": 8, "august": 8,
		"sep": 9, "september": 9,
		"oct": 10, "october": 10,
		"nov": 11, "november": 11,
		"dec": 12, "december": 12,
	}

	weekdayNames = map[string]int{
		"sun": 0, "sunday": 0,
		"mon": 1, "monday": 1,
		"tue": 2, "tuesday": 2,
		"wed": 3, "wednesday": 3,
		"thu": 4, "thursday": 4,
		"fri": 5, "friday": 5,
		"sat": 6, "saturday": 6,
	}

	fields = [5]fieldSpec{
		{name: "minute", min: 0, max: 59},
		{name: "hour", min: 0, max: 23},
		{name: "day", min: 1, max: 31},
		{name: "month", min: 1, max: 12, names: monthNames},
		{name: "weekday", min: 0, max: 7, names: weekdayNames},
	}
)

// Parse builds an Expression from a five-field cron string or one of the
// named shortcuts. Matching is case-insensitive.
func Parse(source string) (*Expression, error) {
	trimmed := strings.TrimSpace(source)
	expanded := strings.ToLower(trimmed)
	if macro, ok := Shortcuts[expanded]; ok {
		expanded = macro
	}

	parts := strings.Fields(expanded)
	if len(parts) != len(fields) {
		return nil, &ParseError{
			Expression: trimmed,
			Err:        fmt.Errorf("%w: expected %d fields, got %d", ErrFieldCount, len(fields), len(parts)),
		}
	}

	var parsed [5]Field
	for i, spec := range fields {
		f, err := spec.parse(parts[i])
		if err != nil {
			return nil, &ParseError{Expression: trimmed, Field: spec.name, Value: parts[i], Err: err}
		}
		parsed[i] = f
	}

	// 7 and 0 are both Sunday
	weekday := parsed[4]
	if !weekday.Any {
		for i, v := range weekday.Values {
			if v == 7 {
				weekday.Values[i] = 0
			}
		}
		weekday.Values = normalize(weekday.Values)
	}

	return &Expression{
		source:   trimmed,
		expanded: expanded,
		Minute:   parsed[0],
		Hour:     parsed[1],
		Day:      parsed[2],
		Month:    parsed[3],
		Weekday:  weekday,
	}, nil
}

// MustParse is like Parse but panics on error
func MustParse(source string) *Expression {
	e, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return e
}

func (s fieldSpec) parse(raw string) (Field, error) {
	if raw == "*" {
		return Field{Any: true}, nil
	}

	var values []int
	for _, part := range strings.Split(raw, ",") {
		vals, err := s.parsePart(part)
		if err != nil {
			return Field{}, err
		}
		values = append(values, vals...)
	}
	return Field{Values: normalize(values)}, nil
}

func (s fieldSpec) parsePart(part string) ([]int, error) {
	if base, stepRaw, isStep := strings.Cut(part, "/"); isStep {
		step, err := strconv.Atoi(stepRaw)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStep, stepRaw)
		}

		var start, end int
		if base == "*" {
			start, end = s.min, s.max
		} else {
			start, end, err = s.parseBounds(base)
			if err != nil {
				return nil, err
			}
		}

		var values []int
		for v := start; v <= end; v += step {
			values = append(values, v)
		}
		return values, nil
	}

	start, end, err := s.parseBounds(part)
	if err != nil {
		return nil, err
	}
	values := make([]int, 0, end-start+1)
	for v := start; v <= end; v++ {
		values = append(values, v)
	}
	return values, nil
}

// parseBounds accepts either a single value or an inclusive a-b range
func (s fieldSpec) parseBounds(raw string) (int, int, error) {
	lo, hi, isRange := strings.Cut(raw, "-")
	if !isRange {
		v, err := s.parseValue(raw)
		if err != nil {
			return 0, 0, err
		}
		return v, v, nil
	}

	if lo == "" || hi == "" || strings.Contains(hi, "-") {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
	start, err := s.parseValue(lo)
	if err != nil {
		return 0, 0, err
	}
	end, err := s.parseValue(hi)
	if err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}
	return start, end, nil
}

func (s fieldSpec) parseValue(raw string) (int, error) {
	if isDigits(raw) {
		v, err := strconv.Atoi(raw)
		if err != nil || v < s.min || v > s.max {
			return 0, fmt.Errorf("%w: %s for %s (%d-%d)", ErrOutOfRange, raw, s.name, s.min, s.max)
		}
		return v, nil
	}
	if v, ok := s.names[strings.ToLower(raw)]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %q for %s", ErrUnknownName, raw, s.name)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalize sorts and deduplicates in place
func normalize(values []int) []int {
	sort.Ints(values)
	out := values[:0]
	for _, v := range values {
		if len(out) > 0 && out[len(out)-1] == v {
			continue
		}
		out = append(out, v)
	}
	return out
}
