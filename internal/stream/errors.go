// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"errors"
	"strings"
)

// ErrorCategory categorizes errors for DLQ routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network or broker failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates malformed or invalid payloads.
	ErrorCategoryValidation
	// ErrorCategoryStorage indicates materialized-view write failures.
	ErrorCategoryStorage
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// RetryableError marks a transient failure; the message should be
// redelivered.
type RetryableError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewRetryableError creates a retryable error, categorizing it from the
// message text.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{
		Message:  message,
		Cause:    cause,
		Category: categorizeErrorMessage(message),
	}
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError marks an unrecoverable failure; retrying the same message
// cannot succeed and it belongs in the dead-letter path.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a permanent error. Uncategorizable permanent
// failures default to validation, the most common cause.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeErrorMessage(message)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryValidation
	}
	return &PermanentError{
		Message:  message,
		Cause:    cause,
		Category: category,
	}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsRetryableError reports whether err wraps a RetryableError.
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsPermanentError reports whether err wraps a PermanentError.
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// categorizeErrorMessage buckets an error by its message text.
func categorizeErrorMessage(message string) ErrorCategory {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, "connection", "connect", "refused", "reset", "network", "broker"):
		return ErrorCategoryConnection
	case containsAny(msg, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(msg, "invalid", "validation", "malformed", "parse", "unmarshal"):
		return ErrorCategoryValidation
	case containsAny(msg, "badger", "store", "upsert", "txn"):
		return ErrorCategoryStorage
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
