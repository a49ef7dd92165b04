package domain

import "time"

// ChangeType classifies a detected document change.
type ChangeType string

// Change classifications.
const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// AggregateDocumentID marks an event covering a source's whole
// listing rather than a single record. Sources with derived record
// identity are diffed at the snapshot level and log one such event
// per detected change.
const AggregateDocumentID = "*"

// ChangeEvent records one detected change. The change log is append-only.
type ChangeEvent struct {
	// SourceID identifies the source the change was detected in.
	SourceID string

	// DocumentID is the record identifier, scoped by source, or
	// AggregateDocumentID for a listing-level event.
	DocumentID string

	// Type is the change classification.
	Type ChangeType

	// OldHash is the previous content hash; empty for created records.
	OldHash string

	// NewHash is the current content hash; empty for deleted records.
	NewHash string

	// ChangedAt is when the change was detected.
	ChangedAt time.Time
}

// SourceChanges groups one source's detection outcome inside an
// all-sources run. A failure on one source never aborts the others;
// it is recorded here and processing continues.
type SourceChanges struct {
	// SourceID identifies the source.
	SourceID string

	// Events holds the detected changes, empty on failure.
	Events []ChangeEvent

	// Err is the per-source detection failure, if any.
	Err error
}
