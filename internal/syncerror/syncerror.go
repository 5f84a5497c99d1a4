// Package syncerror defines the semantic error taxonomy for remote calendar
// synchronization and the classifier that maps raw transport outcomes into it.
package syncerror

import (
	"errors"
	"fmt"
)

// Category groups sync errors by their origin.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryServer  Category = "server"
	CategoryNetwork Category = "network"
	CategorySync    Category = "sync"
	CategoryUnknown Category = "unknown"
)

// Code identifies the specific error variant within a category.
type Code string

const (
	CodeInvalidCredentials          Code = "invalid_credentials"
	CodeAppSpecificPasswordRequired Code = "app_specific_password_required"
	CodeForbidden                   Code = "forbidden"
	CodeNotFound                    Code = "not_found"
	CodeSyncTokenExpired            Code = "sync_token_expired"
	CodeConflict                    Code = "conflict"
	CodeRateLimited                 Code = "rate_limited"
	CodeTemporarilyUnavailable      Code = "temporarily_unavailable"
	CodeTimeout                     Code = "timeout"
	CodeOffline                     Code = "offline"
	CodeConnectionFailed            Code = "connection_failed"
	CodeSSLError                    Code = "ssl_error"
	CodeUnknownHost                 Code = "unknown_host"
	CodePartialFailure              Code = "partial_failure"
	CodeUnknown                     Code = "unknown"
)

// SyncError is the tagged error variant produced by classification. Retryable
// reports whether the failed operation may be attempted again without user
// intervention.
type SyncError struct {
	Category  Category
	Code      Code
	Retryable bool
	Message   string

	// Reason carries server-provided context for Forbidden and NotFound.
	Reason string
	// ConflictingTitle names the remote event that caused a 412 conflict,
	// when the server reported one.
	ConflictingTitle string
	// SuccessCount and FailedCount describe a partial multi-calendar result.
	SuccessCount int
	FailedCount  int
	// Items holds the independently classified per-calendar failures of a
	// partial result.
	Items []*SyncError
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return fmt.Sprintf("%s/%s", e.Category, e.Code)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// IsRetryable reports whether err classifies as retryable. Errors outside
// the taxonomy are never retried.
func IsRetryable(err error) bool {
	var serr *SyncError
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	return false
}
