package idgen

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidWorkerAssignment is returned by New when the datacenter or
	// worker id does not fit its 5-bit field.
	ErrInvalidWorkerAssignment = errors.New("idgen: invalid worker assignment")

	// ErrClockRegression matches every *ClockRegressionError via errors.Is.
	ErrClockRegression = errors.New("idgen: clock moved backwards")

	// ErrInvalidEpoch is returned when the epoch lies in the future.
	ErrInvalidEpoch = errors.New("idgen: epoch must not be in the future")

	// ErrTimestampOverflow means the 41-bit timestamp field is exhausted.
	ErrTimestampOverflow = errors.New("idgen: timestamp exceeds 41 bits")
)

// AssignmentError describes which part of the assignment was out of range.
type AssignmentError struct {
	Field string
	Value int64
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("idgen: %s id %d outside [0, 31]", e.Field, e.Value)
}

func (e *AssignmentError) Unwrap() error { return ErrInvalidWorkerAssignment }

// ClockRegressionError is fatal for the generator that returned it.  Drift is
// how far behind the last issued timestamp the clock was observed.
type ClockRegressionError struct {
	Drift time.Duration
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("idgen: clock moved backwards by %dms, refusing to generate ids", e.Drift.Milliseconds())
}

func (e *ClockRegressionError) Unwrap() error { return ErrClockRegression }
