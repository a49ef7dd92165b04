package domain

import (
	"net/url"
	"time"
)

// SourceType identifies the adapter used to page through a source.
// The set is closed; adapters are dispatched through a factory, not a
// reflection-based plugin registry.
type SourceType string

// Known source types.
const (
	SourceTypeAPI  SourceType = "api"
	SourceTypeFile SourceType = "file"
	SourceTypeWeb  SourceType = "web"
	SourceTypeRSS  SourceType = "rss"
)

// Valid reports whether the type names a known adapter.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeAPI, SourceTypeFile, SourceTypeWeb, SourceTypeRSS:
		return true
	}
	return false
}

// DerivedIdentity reports whether the type's records carry
// digest-derived identifiers instead of source-native ones. Editing
// such a record changes its identifier, so per-record diffs cannot
// track it across revisions.
func (t SourceType) DerivedIdentity() bool {
	return t == SourceTypeWeb
}

// SourceStatus is the download lifecycle state of a source.
type SourceStatus string

// Source lifecycle states.
const (
	StatusPending     SourceStatus = "pending"
	StatusDownloading SourceStatus = "downloading"
	StatusCompleted   SourceStatus = "completed"
	StatusFailed      SourceStatus = "failed"
	StatusPartial     SourceStatus = "partial"
)

// Source represents one registered external origin.
// Created on registration; mutated only by the download manager.
type Source struct {
	// ID is the unique identifier for the source.
	ID string

	// URL is the source location. Unique across all sources.
	URL string

	// Type identifies the adapter for this source.
	Type SourceType

	// Status is the current download lifecycle state.
	Status SourceStatus

	// TotalRecords is the source's record count, or -1 while unknown.
	TotalRecords int64

	// DownloadedRecords counts distinct records persisted so far.
	// Never exceeds TotalRecords once the latter is known.
	DownloadedRecords int64

	// Cursor is the opaque resume position within the source.
	// Only pages completed in full are reflected here.
	Cursor string

	// LastSuccess is when a page was last persisted.
	LastSuccess time.Time

	// LastAttempt is when a fetch was last attempted.
	LastAttempt time.Time

	// RetryCount counts transient-failure retries on the current page.
	RetryCount int

	// LastError holds the most recent failure, if any.
	LastError string

	// Metadata carries adapter configuration: auth settings, pagination
	// parameter names, revision markers (ETag/Last-Modified), the change
	// detection high-water mark.
	Metadata map[string]string
}

// Domain returns the host portion of the source URL, used as the
// rate-limiting key. Falls back to the raw URL when it does not parse.
func (s *Source) Domain() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return s.URL
	}
	return u.Host
}

// Metadata keys used by the core.
const (
	// MetaETag stores the feed's last ETag for conditional re-fetch.
	MetaETag = "etag"

	// MetaLastModified stores the feed's Last-Modified header.
	MetaLastModified = "last_modified"

	// MetaHighWater stores the change detector's publication-time
	// high-water mark for feed sources (RFC 3339).
	MetaHighWater = "change_high_water"
)
