package cronexpr

import (
	"errors"
	"fmt"
)

var (
	// ErrFieldCount is returned when an expression does not have exactly five fields
	ErrFieldCount = errors.New("field count mismatch")

	// ErrInvalidStep is returned when a step is missing, non-numeric or not positive
	ErrInvalidStep = errors.New("invalid step value")

	// ErrInvalidRange is returned when a range is malformed or its start exceeds its end
	ErrInvalidRange = errors.New("invalid range")

	// ErrOutOfRange is returned when a numeric value falls outside the field's range
	ErrOutOfRange = errors.New("value out of range")

	// ErrUnknownName is returned when a token is neither a number nor a known name
	ErrUnknownName = errors.New("unknown name")
)

// ParseError describes why a cron expression was rejected
type ParseError struct {
	Expression string
	Field      string
	Value      string
	Err        error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid cron expression %q: %v", e.Expression, e.Err)
	}
	return fmt.Sprintf("invalid cron expression %q: %s field %q: %v", e.Expression, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
