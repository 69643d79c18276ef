package core

import (
	"fmt"
)

// ErrorCategory classifies the type of error for retry decisions and reporting
type ErrorCategory int

const (
	ErrCategoryNone      ErrorCategory = iota // No error
	ErrCategoryTooling                        // Device create/install/launch/delete failed
	ErrCategoryTimeout                        // Watchdog deadline expired
	ErrCategoryHarness                        // Test harness misbehaved (app crash, run timeout)
	ErrCategoryConfig                         // Invalid configuration, missing required field
	ErrCategoryInterrupt                      // External interruption
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryTooling:
		return "tooling"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryHarness:
		return "harness"
	case ErrCategoryConfig:
		return "config"
	case ErrCategoryInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// RunError represents a structured error with category and details
type RunError struct {
	Category ErrorCategory
	Code     string // Machine-readable code: device_create_failed, watchdog_expired, etc.
	Message  string // Human-readable message
	Cause    error  // Underlying error
}

// Error implements the error interface
func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *RunError) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of the error with the given cause
func (e *RunError) WithCause(cause error) *RunError {
	return &RunError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *RunError) WithMessage(msg string) *RunError {
	return &RunError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Cause:    e.Cause,
	}
}

// Predefined errors for the device lifecycle
var (
	ErrDeviceCreateFailed = &RunError{
		Category: ErrCategoryTooling,
		Code:     "device_create_failed",
		Message:  "failed to create simulator device",
	}
	ErrInstallFailed = &RunError{
		Category: ErrCategoryTooling,
		Code:     "install_failed",
		Message:  "failed to install app on device",
	}
	ErrLaunchFailed = &RunError{
		Category: ErrCategoryTooling,
		Code:     "launch_failed",
		Message:  "failed to launch app",
	}
	ErrDeviceDeleteFailed = &RunError{
		Category: ErrCategoryTooling,
		Code:     "device_delete_failed",
		Message:  "failed to delete simulator device",
	}
	ErrDeviceLost = &RunError{
		Category: ErrCategoryTooling,
		Code:     "device_lost",
		Message:  "simulator device is no longer alive",
	}

	ErrWatchdogExpired = &RunError{
		Category: ErrCategoryTimeout,
		Code:     "watchdog_expired",
		Message:  "operation exceeded its watchdog deadline",
	}

	ErrAppCrashed = &RunError{
		Category: ErrCategoryHarness,
		Code:     "app_crashed",
		Message:  "app under test crashed",
	}
	ErrTestRunTimeout = &RunError{
		Category: ErrCategoryHarness,
		Code:     "test_run_timeout",
		Message:  "test run exceeded its time limit",
	}

	ErrInvalidConfig = &RunError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}

	ErrInterrupted = &RunError{
		Category: ErrCategoryInterrupt,
		Code:     "interrupted",
		Message:  "run interrupted by signal",
	}
)
