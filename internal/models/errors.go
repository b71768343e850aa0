package models

import (
	"context"
	"errors"
	"fmt"
)

// Error codes surfaced by indexing jobs
const (
	ErrCodeSourceBusy                 = "SOURCE_BUSY"
	ErrCodeUnsupportedMimeType        = "unsupported_mime_type"
	ErrCodeSourceNotFound             = "source_not_found"
	ErrCodeProviderNotFound           = "provider_not_found"
	ErrCodeRecordNotFound             = "record_not_found"
	ErrCodeProviderNotConnected       = "provider_not_connected"
	ErrCodeProviderInvalidConnection  = "provider_invalid_connection"
	ErrCodeTaskIDNotFound             = "task_id_not_found"
	ErrCodeObserverRegistrationFailed = "observer_registration_failed"
	ErrCodeJobCancelled               = "job_cancelled"
	ErrCodeEnhancerNotFound           = "enhancer_not_found"
)

// JobError is a coded failure. NonRetryable errors bypass activity retry policies.
type JobError struct {
	Code         string
	Message      string
	NonRetryable bool
	Err          error
}

func (e *JobError) Error() string {
	detail := e.Detail()
	switch {
	case detail == "":
		return e.Code
	case e.Code == "":
		return detail
	}
	return fmt.Sprintf("%s: %s", e.Code, detail)
}

// Detail is the error text without the code
func (e *JobError) Detail() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Message
}

// MessageOf is the text stored next to CodeOf(err). A JobError contributes
// its detail only, so rebuilding the error does not repeat the code.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if jobErr, ok := err.(*JobError); ok {
		return jobErr.Detail()
	}
	return err.Error()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewNonRetryable creates a coded error that must not be retried
func NewNonRetryable(code, format string, args ...interface{}) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...), NonRetryable: true}
}

// WrapNonRetryable attaches a non-retryable code to an underlying error
func WrapNonRetryable(code string, err error) *JobError {
	return &JobError{Code: code, NonRetryable: true, Err: err}
}

// ErrSourceBusy is raised when an init is requested while another init runs
func ErrSourceBusy(sourceID string) *JobError {
	return NewNonRetryable(ErrCodeSourceBusy, "source %s already has a running init job", sourceID)
}

// IsNonRetryable reports whether any JobError in the chain is marked non-retryable.
// Context cancellation is never retried either.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.NonRetryable
	}
	return false
}

// CodeOf returns the code of the first JobError in the chain, or ""
func CodeOf(err error) string {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Code
	}
	return ""
}

// IsSourceBusy reports whether err is the SOURCE_BUSY contention failure
func IsSourceBusy(err error) bool {
	return CodeOf(err) == ErrCodeSourceBusy
}
