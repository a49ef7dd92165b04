package domain

import "time"

// DatasetVersion is one version of the downstream training dataset.
// Versions are produced by the external dataset-versioning collaborator;
// the core only reads the latest ready version and hands off samples.
type DatasetVersion struct {
	// ID is the unique identifier for the version.
	ID string

	// Name is a human-readable label for the version.
	Name string

	// BaseVersionID references the version an incremental build extends.
	// Empty for full builds.
	BaseVersionID string

	// Status is "building" or "ready".
	Status string

	// SampleCount is the number of samples in the version.
	SampleCount int

	// CreatedAt is when the version was created.
	CreatedAt time.Time
}

// DatasetSample is one training sample cut from a detected change.
type DatasetSample struct {
	// DocumentID is the record the sample was cut from, scoped by source.
	DocumentID string

	// SourceID identifies the originating source.
	SourceID string

	// ChangeType records whether the sample came from a created or
	// updated record.
	ChangeType ChangeType

	// ContentHash links the sample back to the fingerprinted content.
	ContentHash string
}
