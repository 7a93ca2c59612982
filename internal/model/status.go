package model

import "time"

// SolveStatus is the lifecycle state of a challenge solve run.
type SolveStatus string

// Status values and their transitions:
//
//	initialized → starting → verifying → success
//	verifying → failed (attempts exhausted)
//	starting|verifying → timeout (navigation/wait deadline)
//	any → error (unexpected fault)
//
// success, failed, timeout and error are terminal; a new solve restarts
// at initialized.
const (
	StatusInitialized SolveStatus = "initialized"
	StatusStarting    SolveStatus = "starting"
	StatusVerifying   SolveStatus = "verifying"
	StatusSuccess     SolveStatus = "success"
	StatusFailed      SolveStatus = "failed"
	StatusTimeout     SolveStatus = "timeout"
	StatusError       SolveStatus = "error"
)

// Terminal reports whether the status is an end state of a solve run.
func (s SolveStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusError:
		return true
	}
	return false
}

// StatusReport is a snapshot of the most recent or in-progress solve.
type StatusReport struct {
	Status    SolveStatus   `json:"status"`
	StartTime time.Time     `json:"start_time,omitzero"`
	Elapsed   time.Duration `json:"-"`
	LastError string        `json:"last_error,omitempty"`
}
