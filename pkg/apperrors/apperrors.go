package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the failure kinds the agent core
// distinguishes when deciding whether to degrade, retry, or abort a run.
type Code string

const (
	// CodeConfigMissing marks a required configuration key absent at run start.
	CodeConfigMissing Code = "CONFIG_MISSING"
	// CodeDataFetch marks an analytics-source failure.
	CodeDataFetch Code = "DATA_FETCH_ERROR"
	// CodeCacheCorrupt marks unreadable opportunity cache rows.
	CodeCacheCorrupt Code = "CACHE_CORRUPT"
	// CodeWebhookTransient marks a retryable webhook failure (5xx, network).
	CodeWebhookTransient Code = "WEBHOOK_TRANSIENT"
	// CodeWebhookPermanent marks a non-retryable webhook failure (4xx).
	CodeWebhookPermanent Code = "WEBHOOK_PERMANENT"
	// CodeNoWebhook marks a group with no resolvable webhook URL.
	CodeNoWebhook Code = "NO_WEBHOOK"
	// CodeBusinessLogic marks a violated evaluator invariant; aborts the run.
	CodeBusinessLogic Code = "BUSINESS_LOGIC_ERROR"
	// CodeCancelled marks an operator-cancelled run.
	CodeCancelled Code = "CANCELLED"
	// CodeInternal is the fallback for unclassified failures.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a classified error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// CodeOf extracts the classification of err, unwrapping as needed.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
