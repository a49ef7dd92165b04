package services

import (
	"context"
	"errors"
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

// verifyWorkers bounds concurrent source verifications in a sweep.
// Operations on a single source remain sequential.
const verifyWorkers = 4

// failThreshold marks a source failed when its score drops below it.
const failThreshold = 0.95

// Ensure IntegrityChecker implements the interface.
var _ driving.IntegrityChecker = (*IntegrityChecker)(nil)

// IntegrityChecker verifies downloaded content against the source.
type IntegrityChecker struct {
	sources      driven.SourceStore
	records      driven.RecordStore
	fingerprints driven.FingerprintStore
	snapshots    driven.SnapshotStore
	factory      driven.AdapterFactory
}

// NewIntegrityChecker creates an integrity checker.
func NewIntegrityChecker(
	sources driven.SourceStore,
	records driven.RecordStore,
	fingerprints driven.FingerprintStore,
	snapshots driven.SnapshotStore,
	factory driven.AdapterFactory,
) *IntegrityChecker {
	return &IntegrityChecker{
		sources:      sources,
		records:      records,
		fingerprints: fingerprints,
		snapshots:    snapshots,
		factory:      factory,
	}
}

// VerifySource compares canonical digests for one source and produces
// a fresh snapshot. Fingerprint history is superseded, never deleted.
func (c *IntegrityChecker) VerifySource(ctx context.Context, sourceID string) (*domain.IntegrityReport, error) {
	source, err := c.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}

	baseline, err := c.fingerprints.Latest(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}

	current, err := c.currentListing(ctx, source)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &domain.IntegrityReport{SourceID: sourceID, VerifiedAt: now}
	var inserts []domain.Fingerprint

	for recordID, fp := range baseline {
		freshHash, present := current[recordID]
		switch {
		case !present:
			report.Missing = append(report.Missing, recordID)
			inserts = append(inserts, domain.Fingerprint{
				SourceID:     sourceID,
				RecordID:     recordID,
				ContentHash:  fp.ContentHash,
				OriginalHash: "",
				Status:       domain.VerificationMissing,
				VerifiedAt:   now,
			})
		case fp.ContentHash != freshHash:
			report.Mismatched = append(report.Mismatched, recordID)
			inserts = append(inserts, domain.Fingerprint{
				SourceID:     sourceID,
				RecordID:     recordID,
				ContentHash:  fp.ContentHash,
				OriginalHash: freshHash,
				Status:       domain.VerificationMismatch,
				VerifiedAt:   now,
			})
		default:
			report.Verified++
			inserts = append(inserts, domain.Fingerprint{
				SourceID:     sourceID,
				RecordID:     recordID,
				ContentHash:  fp.ContentHash,
				OriginalHash: freshHash,
				Status:       domain.VerificationVerified,
				VerifiedAt:   now,
			})
		}
	}

	// Records seen for the first time are fingerprinted fresh; they
	// do not count against the score.
	for recordID, freshHash := range current {
		if _, known := baseline[recordID]; known {
			continue
		}
		report.Extra = append(report.Extra, recordID)
		inserts = append(inserts, domain.Fingerprint{
			SourceID:     sourceID,
			RecordID:     recordID,
			ContentHash:  freshHash,
			OriginalHash: freshHash,
			Status:       domain.VerificationVerified,
			VerifiedAt:   now,
		})
	}

	sort.Strings(report.Missing)
	sort.Strings(report.Mismatched)
	sort.Strings(report.Extra)
	report.Score = report.ScoreOf()

	if err := c.fingerprints.Insert(ctx, inserts); err != nil {
		return nil, fmt.Errorf("insert fingerprints: %w", err)
	}

	hashes := make([]string, 0, len(current))
	for _, h := range current {
		hashes = append(hashes, h)
	}
	snapshot := &domain.Snapshot{
		SourceID:     sourceID,
		TakenAt:      now,
		TotalRecords: int64(len(current)),
		RecordsHash:  domain.CombineHashes(hashes),
	}
	if err := c.snapshots.Save(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	logger.Info("Verified source %s: %d ok, %d missing, %d mismatched, %d new",
		sourceID, report.Verified, len(report.Missing), len(report.Mismatched), len(report.Extra))
	return report, nil
}

// VerifyAllSources sweeps every source with a bounded worker pool.
// A failure on one source is recorded and does not abort the sweep.
func (c *IntegrityChecker) VerifyAllSources(ctx context.Context) ([]driving.VerifySummary, error) {
	sources, err := c.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	var mu sync.Mutex
	summaries := make([]driving.VerifySummary, 0, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyWorkers)
	for i := range sources {
		source := sources[i]
		g.Go(func() error {
			summary := driving.VerifySummary{SourceID: source.ID}
			report, err := c.VerifySource(gctx, source.ID)
			if err != nil {
				summary.Err = err
				logger.Warn("Verification failed for source %s: %v", source.ID, err)
			} else {
				summary.Score = report.Score
				summary.Missing = len(report.Missing)
				summary.Mismatched = len(report.Mismatched)
				summary.Extra = len(report.Extra)
				c.flagLowScore(gctx, &source, report)
			}
			mu.Lock()
			summaries = append(summaries, summary)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SourceID < summaries[j].SourceID })
	logger.Info("Verification sweep completed: %d sources checked", len(summaries))
	return summaries, nil
}

// flagLowScore marks a source failed when its integrity score drops
// below the threshold. The finding itself is never auto-corrected.
func (c *IntegrityChecker) flagLowScore(ctx context.Context, source *domain.Source, report *domain.IntegrityReport) {
	if report.Score == nil || *report.Score >= failThreshold {
		return
	}
	source.Status = domain.StatusFailed
	source.LastError = fmt.Sprintf("%v: integrity score %.2f", domain.ErrIntegrityMismatch, *report.Score)
	if err := c.sources.Save(ctx, source); err != nil {
		logger.Warn("Failed to flag source %s: %v", source.ID, err)
	}
}

// errNotModified signals the conditional fetch answered 304: the
// source is unchanged upstream and transferred nothing.
var errNotModified = errors.New("source not modified")

// currentListing fetches the source's present records and digests
// them. When the source cannot be re-fetched, or confirms itself
// unchanged with a 304, the stored records stand in, so fingerprints
// are still checked for consistency.
func (c *IntegrityChecker) currentListing(ctx context.Context, source *domain.Source) (map[string]string, error) {
	adapter, err := c.factory.Create(source, 0)
	if err != nil {
		return nil, err
	}

	fresh, err := fetchAll(ctx, adapter)
	if err == nil {
		return fresh, nil
	}
	if errors.Is(err, errNotModified) {
		logger.Debug("Source %s unchanged upstream, verifying against stored records", source.ID)
	} else {
		logger.Warn("Source %s not re-fetchable (%v), verifying against stored records", source.ID, err)
	}

	stored, listErr := c.records.List(ctx, source.ID)
	if listErr != nil {
		return nil, fmt.Errorf("list records: %w", listErr)
	}
	listing := make(map[string]string, len(stored))
	for i := range stored {
		listing[stored[i].ID] = stored[i].ContentHash()
	}
	return listing, nil
}

// fetchAll pages through the whole source and digests each record.
func fetchAll(ctx context.Context, adapter driven.SourceAdapter) (map[string]string, error) {
	listing := make(map[string]string)
	cursor := ""
	for {
		page, err := adapter.FetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if page.NotModified {
			return nil, errNotModified
		}
		for i := range page.Records {
			rec := &page.Records[i]
			listing[rec.ID] = rec.ContentHash()
		}
		if page.End {
			return listing, nil
		}
		cursor = page.NextCursor
	}
}
