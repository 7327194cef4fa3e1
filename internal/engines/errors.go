package engines

import (
	"errors"
	"fmt"
)

// InsufficientDataError means cache coverage is below the engine's minimum
// lookback. Counted as skipped, never failed.
type InsufficientDataError struct {
	Engine string
	Symbol string
	Have   int
	Need   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient data for %s: have %d observations, need %d",
		e.Engine, e.Symbol, e.Have, e.Need)
}

// DegenerateInputError means the inputs are all-zero or constant so the
// result would be meaningless. Counted as skipped for every engine.
type DegenerateInputError struct {
	Engine string
	Reason string
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("%s: degenerate input: %s", e.Engine, e.Reason)
}

// ComputationError wraps a numerical or unexpected failure inside an engine.
// Counted as failed.
type ComputationError struct {
	Engine string
	Err    error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("%s: computation failed: %v", e.Engine, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// IsSkip reports whether the engine error is a skip condition
// (insufficient data or degenerate input) rather than a failure.
func IsSkip(err error) bool {
	var insufficient *InsufficientDataError
	var degenerate *DegenerateInputError
	return errors.As(err, &insufficient) || errors.As(err, &degenerate)
}
