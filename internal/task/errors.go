package task

import (
	"fmt"
	"time"
)

// ErrorCategory buckets a StructuredError for retry and reporting decisions.
type ErrorCategory string

const (
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryProcess    ErrorCategory = "process"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategorySDK        ErrorCategory = "sdk"
	ErrorCategoryUnknown    ErrorCategory = "unknown"
)

// Stable error codes. Consumers match on these, never on message text.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidOptions        = "invalid_options"
	CodeCapacityExceeded      = "capacity_exceeded"
	CodeProcessSpawnFailed    = "process_spawn_failed"
	CodeCommunicationFailure  = "communication_failure"
	CodeUnexpectedTermination = "unexpected_termination"
	CodePermissionDenied      = "permission_denied"
	CodeExecutionTimeout      = "execution_timeout"
	CodeShutdownTimeout       = "graceful_shutdown_timeout"
	CodeInactivityTimeout     = "inactivity_timeout"
	CodeSubprocessConfig      = "subprocess_config_error"
	CodeSubprocessParse       = "subprocess_parse_error"
	CodeSubprocessConnection  = "subprocess_connection_failed"
	CodeUnknown               = "unknown_error"
)

// StructuredError is the single error shape crossing component boundaries.
// It implements error so it can travel through %w chains.
type StructuredError struct {
	Category      ErrorCategory `json:"category"`
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Recoverable   bool          `json:"recoverable"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
}

func (e *StructuredError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// NewError builds a StructuredError stamped with the current time.
func NewError(category ErrorCategory, code, message, correlationID string) *StructuredError {
	return &StructuredError{
		Category:      category,
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	}
}

// recoverableRetryAfter is the retry hint attached to recoverable errors.
const recoverableRetryAfter = 5 * time.Second

// recoverableCodes is the fixed subset of codes callers may retry.
var recoverableCodes = map[string]struct{}{
	CodeExecutionTimeout:      {},
	CodeInactivityTimeout:     {},
	CodeCommunicationFailure:  {},
	CodeSubprocessConnection:  {},
	CodeUnexpectedTermination: {},
}

// MarkRecoverable flags e with a retry hint when its code is in the
// recoverable subset. Returns e for chaining.
func MarkRecoverable(e *StructuredError) *StructuredError {
	if e == nil {
		return nil
	}
	if _, ok := recoverableCodes[e.Code]; ok {
		e.Recoverable = true
		e.RetryAfter = recoverableRetryAfter
	}
	return e
}
