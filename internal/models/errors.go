package models

import "errors"

// ErrorType identifies the category of error that occurred.
type ErrorType string

const (
	// Tool resolution and launch
	ErrToolNotFound    ErrorType = "tool_not_found"
	ErrToolStartFailed ErrorType = "tool_start_failed"

	// Tool execution
	ErrToolExitNonZero ErrorType = "tool_exit_nonzero"
	ErrToolTimeout     ErrorType = "tool_timeout"

	// Output handling
	ErrOutputMissing   ErrorType = "output_missing"
	ErrOutputDirFailed ErrorType = "output_dir_failed"

	// Environment
	ErrEnvironmentStartFailed    ErrorType = "environment_start_failed"
	ErrEnvironmentTeardownFailed ErrorType = "environment_teardown_failed"
	ErrStagingFailed             ErrorType = "staging_failed"

	// Sweep control
	ErrCancelled ErrorType = "cancelled"

	// Catch-all
	ErrInternalError ErrorType = "internal_error"
)

// RunError describes why a stage run did not succeed.
type RunError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func (e *RunError) Error() string {
	return string(e.Type) + ": " + e.Message
}

// ErrReferenceRequired is returned when a reference stage has no explicit reference volume.
var ErrReferenceRequired = errors.New("stage requires an explicit reference")
