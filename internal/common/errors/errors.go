// Package errors provides standardized error handling for the alert service.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"

	ErrCodeDataLoadFailed          ErrorCode = "DATA_LOAD_FAILED"
	ErrCodeRecipientLookupFailed   ErrorCode = "RECIPIENT_LOOKUP_FAILED"
	ErrCodeNotificationSendFailed  ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeLogWriteFailed          ErrorCode = "LOG_WRITE_FAILED"
	ErrCodeLeaseStoreFailed        ErrorCode = "LEASE_STORE_FAILED"
	ErrCodeTemplateRenderingFailed ErrorCode = "TEMPLATE_RENDERING_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// NewDataLoadFailedError marks a run-fatal load failure; no candidate
// processing may happen after it.
func NewDataLoadFailedError(what string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDataLoadFailed,
		Message:   fmt.Sprintf("Failed to load %s", what),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRecipientLookupFailedError creates a retryable per-candidate error.
func NewRecipientLookupFailedError(branchID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRecipientLookupFailed,
		Message:   "Failed to load branch recipients",
		Details:   fmt.Sprintf("branchId: %s, error: %s", branchID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationSendFailedError creates a retryable dispatch error. The
// retry happens on the next day's evaluation, never within the same run.
func NewNotificationSendFailedError(to string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationSendFailed,
		Message:   "Failed to dispatch notification",
		Details:   fmt.Sprintf("to: %s, error: %s", to, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewLogWriteFailedError creates a retryable persistence error for a log row.
func NewLogWriteFailedError(alertKey string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeLogWriteFailed,
		Message:   "Failed to persist alert log",
		Details:   fmt.Sprintf("alertKey: %s, error: %s", alertKey, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewLeaseStoreFailedError creates a retryable lease store error.
func NewLeaseStoreFailedError(jobName string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeLeaseStoreFailed,
		Message:   "Lease store operation failed",
		Details:   fmt.Sprintf("jobName: %s, error: %s", jobName, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(queryType string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Database query execution error",
		Details:   fmt.Sprintf("queryType: %s, error: %s", queryType, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// Truncate bounds error detail text persisted to log rows.
func Truncate(detail string, max int) string {
	if max <= 0 || len(detail) <= max {
		return detail
	}
	return detail[:max]
}
