package syncerror

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/example/calendar-sync/internal/protocol"
)

// ClassifyStatus maps a numeric protocol status plus server message onto the
// taxonomy. An empty or unrecognized message never panics; it falls through
// to the numeric branch. Codes below 100 (no response received) classify as
// Unknown.
func ClassifyStatus(code int, message string) *SyncError {
	lower := strings.ToLower(message)

	switch {
	case code == 401:
		if strings.Contains(lower, "app-specific password") || strings.Contains(lower, "application-specific password") {
			return &SyncError{Category: CategoryAuth, Code: CodeAppSpecificPasswordRequired, Retryable: false, Message: message}
		}
		return &SyncError{Category: CategoryAuth, Code: CodeInvalidCredentials, Retryable: false, Message: message}
	case code == 403:
		return &SyncError{Category: CategoryServer, Code: CodeForbidden, Retryable: false, Message: message, Reason: message}
	case code == 404:
		return &SyncError{Category: CategoryServer, Code: CodeNotFound, Retryable: false, Message: message, Reason: message}
	case code == 410:
		// Expired sync token; the caller must fall back to a full resync.
		return &SyncError{Category: CategoryServer, Code: CodeSyncTokenExpired, Retryable: true, Message: message}
	case code == 412:
		return &SyncError{Category: CategoryServer, Code: CodeConflict, Retryable: false, Message: message}
	case code == 429:
		return &SyncError{Category: CategoryServer, Code: CodeRateLimited, Retryable: true, Message: message}
	case code >= 500 && code <= 599:
		return &SyncError{Category: CategoryServer, Code: CodeTemporarilyUnavailable, Retryable: true, Message: message}
	default:
		return &SyncError{Category: CategoryUnknown, Code: CodeUnknown, Retryable: false, Message: message}
	}
}

// ClassifyTransport maps a transport-level failure (no protocol status
// available) onto the taxonomy. Typed errors from the net stack are
// preferred; message inspection is the fallback for errors that arrive
// flattened into strings.
func ClassifyTransport(err error) *SyncError {
	if err == nil {
		return nil
	}

	var serr *SyncError
	if errors.As(err, &serr) {
		return serr
	}

	message := err.Error()
	lower := strings.ToLower(message)

	var certErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return &SyncError{Category: CategoryNetwork, Code: CodeSSLError, Retryable: false, Message: message}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &SyncError{Category: CategoryNetwork, Code: CodeUnknownHost, Retryable: true, Message: message}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &SyncError{Category: CategoryNetwork, Code: CodeConnectionFailed, Retryable: true, Message: message}
	}

	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ENETDOWN) {
		return &SyncError{Category: CategoryNetwork, Code: CodeOffline, Retryable: true, Message: message}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SyncError{Category: CategoryNetwork, Code: CodeTimeout, Retryable: true, Message: message}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &SyncError{Category: CategoryNetwork, Code: CodeTimeout, Retryable: true, Message: message}
	}

	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
		return &SyncError{Category: CategoryNetwork, Code: CodeTimeout, Retryable: true, Message: message}
	case strings.Contains(lower, "offline") || strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no route to host"):
		return &SyncError{Category: CategoryNetwork, Code: CodeOffline, Retryable: true, Message: message}
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset"):
		return &SyncError{Category: CategoryNetwork, Code: CodeConnectionFailed, Retryable: true, Message: message}
	case strings.Contains(lower, "certificate") || strings.Contains(lower, "tls") || strings.Contains(lower, "x509") || strings.Contains(lower, "ssl"):
		return &SyncError{Category: CategoryNetwork, Code: CodeSSLError, Retryable: false, Message: message}
	case strings.Contains(lower, "no such host") || strings.Contains(lower, "unknown host") || strings.Contains(lower, "name resolution"):
		return &SyncError{Category: CategoryNetwork, Code: CodeUnknownHost, Retryable: true, Message: message}
	default:
		return &SyncError{Category: CategoryUnknown, Code: CodeUnknown, Retryable: false, Message: message}
	}
}

// ClassifyPull classifies the outcome of an incremental change listing.
// A fully successful result classifies to nil.
func ClassifyPull(result protocol.PullResult) *SyncError {
	if isSuccess(result.StatusCode) {
		return nil
	}
	return ClassifyStatus(result.StatusCode, result.Message)
}

// ClassifyPush classifies the outcome of a bulk push.
func ClassifyPush(result protocol.PushResult) *SyncError {
	if isSuccess(result.StatusCode) {
		return nil
	}
	return ClassifyStatus(result.StatusCode, result.Message)
}

// ClassifySinglePush classifies the outcome of pushing one event resource,
// attaching the conflicting remote title to precondition failures when the
// server reported one.
func ClassifySinglePush(result protocol.SinglePushResult) *SyncError {
	if isSuccess(result.StatusCode) {
		return nil
	}
	serr := ClassifyStatus(result.StatusCode, result.Message)
	if serr.Code == CodeConflict {
		serr.ConflictingTitle = result.ConflictingTitle
	}
	return serr
}

// ClassifyMultiCalendar classifies an aggregate pass across several
// calendars. All successes classify to nil; any mix of success and failure
// classifies to a partial failure carrying each per-calendar error
// independently reclassified through the status table.
func ClassifyMultiCalendar(result protocol.MultiCalendarResult) *SyncError {
	var items []*SyncError
	successes := 0
	for _, outcome := range result.Outcomes {
		if isSuccess(outcome.StatusCode) {
			successes++
			continue
		}
		items = append(items, ClassifyStatus(outcome.StatusCode, outcome.Message))
	}
	if len(items) == 0 {
		return nil
	}
	return &SyncError{
		Category:     CategorySync,
		Code:         CodePartialFailure,
		Retryable:    anyRetryable(items),
		Message:      "some calendars failed to sync",
		SuccessCount: successes,
		FailedCount:  len(items),
		Items:        items,
	}
}

func isSuccess(code int) bool {
	return code >= 200 && code <= 299
}

func anyRetryable(items []*SyncError) bool {
	for _, item := range items {
		if item.Retryable {
			return true
		}
	}
	return false
}
