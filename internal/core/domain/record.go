package domain

import "time"

// Record is one raw unit of content fetched from a source.
// Either Fields (structured payload) or Raw (opaque bytes) is set.
type Record struct {
	// ID is the source-native identifier when the source provides one
	// (RSS guid, API primary key), else a digest-derived identifier.
	// Identity is always scoped by source: (source, record) pairs never
	// collide across sources sharing a namespace.
	ID string

	// Fields is the structured payload for API/file/web records.
	Fields map[string]any

	// Raw holds the content bytes when no structured form exists.
	Raw []byte

	// Revision is the source-issued change marker, when available:
	// an ETag or Last-Modified value for feeds, a modified timestamp
	// for files and APIs. Empty when the source provides none.
	Revision string

	// Published is the publication time for feed entries; zero otherwise.
	Published time.Time
}

// VerificationStatus classifies a fingerprint comparison outcome.
type VerificationStatus string

// Verification outcomes.
const (
	VerificationVerified VerificationStatus = "verified"
	VerificationMismatch VerificationStatus = "mismatch"
	VerificationMissing  VerificationStatus = "missing"
)

// Fingerprint is one verified unit of content. Fingerprints are
// superseded, never overwritten, so verification history is retained.
type Fingerprint struct {
	// SourceID links to the owning source.
	SourceID string

	// RecordID is the record identifier within the source.
	RecordID string

	// ContentHash is the digest over the canonicalized stored record.
	ContentHash string

	// OriginalHash is the digest computed independently from the source
	// at verification time. May differ from ContentHash.
	OriginalHash string

	// Status is the outcome of the last comparison.
	Status VerificationStatus

	// VerifiedAt is when the comparison ran.
	VerifiedAt time.Time
}

// Snapshot is an immutable capture of a source's aggregate state at a
// point in time, used as the comparison baseline for change detection.
type Snapshot struct {
	// SourceID links to the captured source.
	SourceID string

	// TakenAt is when the snapshot was created.
	TakenAt time.Time

	// TotalRecords is the record count at capture time.
	TotalRecords int64

	// RecordsHash is a combined digest over all record hashes, computed
	// in sorted record-ID order so it is independent of fetch order.
	RecordsHash string
}

// IntegrityReport is the result of verifying one source.
type IntegrityReport struct {
	// SourceID identifies the verified source.
	SourceID string

	// Score is verified / (verified + missing + mismatched), in [0,1].
	// Nil when no records were compared; a nil score is "unknown",
	// never zero.
	Score *float64

	// Verified counts records whose digests matched.
	Verified int

	// Missing lists record IDs present in the fingerprint store but
	// absent from the current source listing.
	Missing []string

	// Mismatched lists record IDs present in both with differing digests.
	Mismatched []string

	// Extra lists record IDs present only in the new listing; these are
	// fingerprinted fresh, not counted against the score.
	Extra []string

	// VerifiedAt is when the verification ran.
	VerifiedAt time.Time
}

// ScoreOf computes the integrity score from the report's counters.
// Returns nil when the denominator is zero.
func (r *IntegrityReport) ScoreOf() *float64 {
	denom := r.Verified + len(r.Missing) + len(r.Mismatched)
	if denom == 0 {
		return nil
	}
	score := float64(r.Verified) / float64(denom)
	return &score
}
