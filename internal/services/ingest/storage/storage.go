// Package storage defines persistence contracts for ingested telemetry state.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound indicates a requested event record is missing.
var ErrNotFound = errors.New("record not found")

// Session status values derived from event ingestion.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// Event stores one telemetry record emitted by an instrumented session.
//
// Events are immutable after insert except Summary, which an external
// summarization consumer fills in later. The opaque JSON fields are stored
// verbatim and returned verbatim; their shape is producer-defined.
type Event struct {
	ID             int64
	Timestamp      int64 // epoch milliseconds, stamped at ingest
	SourceApp      string
	SessionID      string
	EventType      string
	ToolName       string
	ToolInput      json.RawMessage
	ToolOutput     json.RawMessage
	Summary        string
	ChatTranscript json.RawMessage
	Payload        json.RawMessage
}

// Session stores the derived aggregate for one session id.
//
// Rows are created lazily on the first event seen for a session id, never by
// an explicit lifecycle event. EventCount increments exactly once per
// inserted event. EndTime is nil until a future lifecycle event sets it.
type Session struct {
	SessionID  string
	SourceApp  string
	StartTime  int64
	EndTime    *int64
	Status     string
	EventCount int64
}

// EventFilter narrows event queries. Zero-value fields match everything.
type EventFilter struct {
	SourceApp  string
	SessionID  string
	EventTypes []string
}

// FacetOptions holds the distinct values available for filter controls,
// each sorted lexicographically.
type FacetOptions struct {
	SourceApps []string
	SessionIDs []string
	EventTypes []string
}

// EventStore persists the event log and its derived session aggregates.
type EventStore interface {
	// InsertEvent persists one event and updates its session aggregate as a
	// single atomic unit, returning the assigned event id.
	InsertEvent(ctx context.Context, event Event) (int64, error)
	// UpdateSummary attaches a summary to a stored event. It is idempotent
	// and returns ErrNotFound when no event has the given id.
	UpdateSummary(ctx context.Context, id int64, summary string) error
	// QueryEvents returns events matching filter, newest first
	// (timestamp descending, ties broken by id descending).
	QueryEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]Event, error)
	// FacetOptions returns the distinct filter values across the whole log.
	FacetOptions(ctx context.Context) (FacetOptions, error)
	// ActiveSessions returns sessions with active status, newest first.
	ActiveSessions(ctx context.Context) ([]Session, error)
	// PendingSummaries returns events without a summary, newest first.
	PendingSummaries(ctx context.Context, limit int) ([]Event, error)
}
