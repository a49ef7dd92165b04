package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driving"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// detectWorkers bounds concurrent source scans in an all-sources run.
const detectWorkers = 4

// Ensure ChangeDetector implements the interface.
var _ driving.ChangeDetector = (*ChangeDetector)(nil)

// ChangeDetector diffs a source's current state against the latest
// fingerprints and logs created, updated and deleted records.
type ChangeDetector struct {
	sources      driven.SourceStore
	fingerprints driven.FingerprintStore
	snapshots    driven.SnapshotStore
	changes      driven.ChangeStore
	factory      driven.AdapterFactory

	// now is replaceable in tests.
	now func() time.Time
}

// NewChangeDetector creates a change detector.
func NewChangeDetector(
	sources driven.SourceStore,
	fingerprints driven.FingerprintStore,
	snapshots driven.SnapshotStore,
	changes driven.ChangeStore,
	factory driven.AdapterFactory,
) *ChangeDetector {
	return &ChangeDetector{
		sources:      sources,
		fingerprints: fingerprints,
		snapshots:    snapshots,
		changes:      changes,
		factory:      factory,
		now:          time.Now,
	}
}

// DetectChanges scans one source and appends the resulting events to
// the change log. A source whose aggregate hash is unchanged produces
// no events and no log writes.
func (d *ChangeDetector) DetectChanges(ctx context.Context, sourceID string) ([]domain.ChangeEvent, error) {
	source, err := d.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}

	adapter, err := d.factory.Create(source, 0)
	if err != nil {
		return nil, err
	}

	listing, meta, err := d.scan(ctx, source, adapter)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		// Conditional fetch or publication watermark confirmed the
		// source is unchanged.
		logger.Info("Source %s unchanged, skipping diff", sourceID)
		return []domain.ChangeEvent{}, nil
	}

	now := d.now().UTC()
	hashes := make([]string, 0, len(listing))
	for _, rec := range listing {
		hashes = append(hashes, rec.ContentHash())
	}
	currentHash := domain.CombineHashes(hashes)

	// Aggregate hash short-circuit. Equal snapshot hashes mean no
	// diff can produce an event.
	prior, priorErr := d.snapshots.Latest(ctx, sourceID)
	if priorErr == nil && prior.RecordsHash == currentHash {
		logger.Info("Source %s snapshot unchanged, skipping diff", sourceID)
		return []domain.ChangeEvent{}, d.persistSource(ctx, source, meta, listing)
	}

	baseline, err := d.fingerprints.Latest(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}

	var events []domain.ChangeEvent
	if source.Type.DerivedIdentity() {
		if priorErr != nil {
			prior = nil
		}
		events = diffAggregate(sourceID, prior, currentHash, now)
	} else {
		events = diffListing(sourceID, baseline, listing, now)
	}

	if len(events) > 0 {
		if err := d.changes.Append(ctx, events); err != nil {
			return nil, fmt.Errorf("append changes: %w", err)
		}
	}

	fps := make([]domain.Fingerprint, 0, len(listing))
	for recordID, rec := range listing {
		hash := rec.ContentHash()
		fps = append(fps, domain.Fingerprint{
			SourceID:     sourceID,
			RecordID:     recordID,
			ContentHash:  hash,
			OriginalHash: hash,
			Status:       domain.VerificationVerified,
			VerifiedAt:   now,
		})
	}
	// Vanished records get a superseding missing fingerprint so a
	// later run does not rediscover the same deletion.
	for recordID, fp := range baseline {
		if fp.Status == domain.VerificationMissing {
			continue
		}
		if _, present := listing[recordID]; present {
			continue
		}
		fps = append(fps, domain.Fingerprint{
			SourceID:    sourceID,
			RecordID:    recordID,
			ContentHash: fp.ContentHash,
			Status:      domain.VerificationMissing,
			VerifiedAt:  now,
		})
	}
	if err := d.fingerprints.Insert(ctx, fps); err != nil {
		return nil, fmt.Errorf("insert fingerprints: %w", err)
	}

	snapshot := &domain.Snapshot{
		SourceID:     sourceID,
		TakenAt:      now,
		TotalRecords: int64(len(listing)),
		RecordsHash:  currentHash,
	}
	if err := d.snapshots.Save(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if err := d.persistSource(ctx, source, meta, listing); err != nil {
		return nil, err
	}

	logger.Info("Detected %d changes for source %s", len(events), sourceID)
	return events, nil
}

// DetectChangesAllSources scans every source with a bounded worker
// pool. A failure on one source is recorded and does not abort the
// run.
func (d *ChangeDetector) DetectChangesAllSources(ctx context.Context) ([]domain.SourceChanges, error) {
	sources, err := d.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	var mu sync.Mutex
	results := make([]domain.SourceChanges, 0, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detectWorkers)
	for i := range sources {
		source := sources[i]
		g.Go(func() error {
			events, err := d.DetectChanges(gctx, source.ID)
			if err != nil {
				logger.Warn("Change detection failed for source %s: %v", source.ID, err)
			}
			mu.Lock()
			results = append(results, domain.SourceChanges{SourceID: source.ID, Events: events, Err: err})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].SourceID < results[j].SourceID })
	return results, nil
}

// RecentChanges reads the change log, newest first.
func (d *ChangeDetector) RecentChanges(ctx context.Context, sourceID string, since time.Time) ([]domain.ChangeEvent, error) {
	return d.changes.Recent(ctx, sourceID, since)
}

// scan fetches the source's current records keyed by record ID,
// collecting any source metadata the pages carried. A nil listing with
// nil error means the source confirmed itself unchanged, via a
// conditional fetch or the feed publication watermark.
func (d *ChangeDetector) scan(ctx context.Context, source *domain.Source, adapter driven.SourceAdapter) (map[string]domain.Record, map[string]string, error) {
	listing := make(map[string]domain.Record)
	meta := make(map[string]string)
	cursor := ""
	for {
		page, err := adapter.FetchPage(ctx, cursor)
		if err != nil {
			return nil, nil, err
		}
		if page.NotModified {
			return nil, nil, nil
		}
		for k, v := range page.Meta {
			meta[k] = v
		}
		for i := range page.Records {
			listing[page.Records[i].ID] = page.Records[i]
		}
		if page.End {
			break
		}
		cursor = page.NextCursor
	}

	if source.Type == domain.SourceTypeRSS && !highWaterAdvanced(source, listing) {
		return nil, nil, nil
	}
	return listing, meta, nil
}

// highWaterAdvanced reports whether the feed contains an entry newer
// than the stored publication watermark. A missing watermark always
// advances.
func highWaterAdvanced(source *domain.Source, listing map[string]domain.Record) bool {
	raw, ok := source.Metadata[domain.MetaHighWater]
	if !ok || raw == "" {
		return true
	}
	mark, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	for _, rec := range listing {
		if rec.Published.After(mark) {
			return true
		}
	}
	return false
}

// persistSource merges the metadata picked up during the scan into
// the current source row and, for feeds, advances the publication
// watermark. Nothing else is written: the cursor, status and counters
// belong to the download manager, which may be advancing them while
// the scan runs.
func (d *ChangeDetector) persistSource(ctx context.Context, source *domain.Source, meta map[string]string, listing map[string]domain.Record) error {
	if source.Type == domain.SourceTypeRSS {
		var max time.Time
		for _, rec := range listing {
			if rec.Published.After(max) {
				max = rec.Published
			}
		}
		if !max.IsZero() {
			meta[domain.MetaHighWater] = max.UTC().Format(time.RFC3339)
		}
	}
	if len(meta) == 0 {
		return nil
	}

	current, err := d.sources.Get(ctx, source.ID)
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	if current.Metadata == nil {
		current.Metadata = make(map[string]string)
	}
	for k, v := range meta {
		current.Metadata[k] = v
	}
	if err := d.sources.Save(ctx, current); err != nil {
		return fmt.Errorf("save source: %w", err)
	}
	return nil
}

// diffAggregate produces the single listing-level event for sources
// whose record identifiers are derived from content digests. A
// per-record diff would log every edit as one creation plus one
// deletion, since the edit changes the identifier itself.
func diffAggregate(sourceID string, prior *domain.Snapshot, currentHash string, now time.Time) []domain.ChangeEvent {
	event := domain.ChangeEvent{
		SourceID:   sourceID,
		DocumentID: domain.AggregateDocumentID,
		Type:       domain.ChangeCreated,
		NewHash:    currentHash,
		ChangedAt:  now,
	}
	if prior != nil {
		event.Type = domain.ChangeUpdated
		event.OldHash = prior.RecordsHash
	}
	return []domain.ChangeEvent{event}
}

// diffListing classifies the current listing against the baseline
// fingerprints.
func diffListing(sourceID string, baseline map[string]domain.Fingerprint, listing map[string]domain.Record, now time.Time) []domain.ChangeEvent {
	var events []domain.ChangeEvent

	for recordID, rec := range listing {
		hash := rec.ContentHash()
		fp, known := baseline[recordID]
		switch {
		// A record that reappears after deletion is a creation.
		case !known, fp.Status == domain.VerificationMissing:
			events = append(events, domain.ChangeEvent{
				SourceID:   sourceID,
				DocumentID: recordID,
				Type:       domain.ChangeCreated,
				NewHash:    hash,
				ChangedAt:  now,
			})
		case fp.ContentHash != hash:
			events = append(events, domain.ChangeEvent{
				SourceID:   sourceID,
				DocumentID: recordID,
				Type:       domain.ChangeUpdated,
				OldHash:    fp.ContentHash,
				NewHash:    hash,
				ChangedAt:  now,
			})
		}
	}

	for recordID, fp := range baseline {
		if fp.Status == domain.VerificationMissing {
			// Already reported as deleted on a prior run.
			continue
		}
		if _, present := listing[recordID]; !present {
			events = append(events, domain.ChangeEvent{
				SourceID:   sourceID,
				DocumentID: recordID,
				Type:       domain.ChangeDeleted,
				OldHash:    fp.ContentHash,
				ChangedAt:  now,
			})
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].DocumentID < events[j].DocumentID })
	return events
}
