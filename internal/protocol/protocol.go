// Package protocol declares the remote calendar protocol collaborator. The
// concrete HTTP transport and body parsing live outside this module; the sync
// core depends only on these interfaces and result shapes.
package protocol

import (
	"context"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
)

// Principal describes the authenticated principal and its calendar home.
type Principal struct {
	PrincipalPath string
	CalendarHome  string
	DisplayName   string
}

// RemoteEvent is one calendar object returned by an incremental listing.
type RemoteEvent struct {
	URL        string
	UID        string
	VersionTag string
	Data       []byte
	Modified   time.Time
}

// PullResult is the outcome of an incremental change listing for one
// calendar collection.
type PullResult struct {
	StatusCode int
	Message    string
	Created    []RemoteEvent
	Updated    []RemoteEvent
	Deleted    []string
	SyncToken  string
}

// PushResult is the outcome of a bulk push against one collection.
type PushResult struct {
	StatusCode int
	Message    string
	Pushed     int
}

// SinglePushResult is the outcome of pushing one event resource.
type SinglePushResult struct {
	StatusCode int
	Message    string
	// RemoteURL and VersionTag carry the new remote identity on success.
	RemoteURL  string
	VersionTag string
	// ConflictingTitle names the remote event that holds the slot when the
	// server rejects the push with a precondition failure.
	ConflictingTitle string
}

// CalendarOutcome is the per-calendar element of a multi-calendar pass.
type CalendarOutcome struct {
	CalendarID string
	StatusCode int
	Message    string
}

// MultiCalendarResult aggregates a sync pass across several calendars.
type MultiCalendarResult struct {
	Outcomes []CalendarOutcome
}

// PutRequest describes a single-resource PUT with an optimistic-concurrency
// precondition. VersionTag empty means create-only (If-None-Match semantics).
// Serialization of the event body is the concrete client's concern.
type PutRequest struct {
	CollectionPath string
	ResourceURL    string
	UID            string
	VersionTag     string
	Event          persistence.Event
}

// Client is the remote protocol collaborator consumed by the sync worker.
type Client interface {
	DiscoverPrincipal(ctx context.Context) (Principal, error)
	// ListChanges performs an incremental listing using the opaque sync
	// token; an expired token surfaces as a 410 status in the result.
	ListChanges(ctx context.Context, collectionPath, syncToken string) (PullResult, error)
	// PutEvent uploads one event resource. A version-tag mismatch surfaces
	// as a 412 status in the result rather than a transport error.
	PutEvent(ctx context.Context, req PutRequest) (SinglePushResult, error)
	// DeleteResource removes one remote resource, honoring the version tag
	// precondition when non-empty.
	DeleteResource(ctx context.Context, resourceURL, versionTag string) (SinglePushResult, error)
}
