// Package solver drives a browser session through the challenge attempt
// state machine and builds the resulting header set.
package solver

import "fmt"

// VerificationError means the verification control could not be found or
// clicked. It is fatal for the current solve run; the outer attempt loop
// does not retry it.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification: %s: %v", e.Reason, e.Err)
	}
	return "verification: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

// TimeoutError means a navigation or resolution deadline was exceeded.
type TimeoutError struct {
	Stage string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// FormatError means the browser layer returned malformed cookie or header
// data.
type FormatError struct {
	Detail string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format: %s: %v", e.Detail, e.Err)
	}
	return "format: " + e.Detail
}

func (e *FormatError) Unwrap() error { return e.Err }

// ExhaustedAttemptsError means the attempt loop completed without the
// challenge resolving.
type ExhaustedAttemptsError struct {
	Attempts int
}

func (e *ExhaustedAttemptsError) Error() string {
	return fmt.Sprintf("challenge not resolved after %d attempts", e.Attempts)
}
