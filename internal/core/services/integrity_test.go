package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/harvest-cli/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

func newTestChecker(t *testing.T) (*IntegrityChecker, *memory.SourceStore, *memory.RecordStore, *memory.FingerprintStore, *memory.SnapshotStore, *fakeFactory) {
	t.Helper()
	sources := memory.NewSourceStore()
	records := memory.NewRecordStore(sources)
	fingerprints := memory.NewFingerprintStore()
	snapshots := memory.NewSnapshotStore()
	factory := newFakeFactory()
	checker := NewIntegrityChecker(sources, records, fingerprints, snapshots, factory)
	return checker, sources, records, fingerprints, snapshots, factory
}

func verifiedFingerprint(sourceID string, rec domain.Record) domain.Fingerprint {
	hash := rec.ContentHash()
	return domain.Fingerprint{
		SourceID:     sourceID,
		RecordID:     rec.ID,
		ContentHash:  hash,
		OriginalHash: hash,
		Status:       domain.VerificationVerified,
	}
}

func TestIntegrityChecker_FirstRunFingerprintsFresh(t *testing.T) {
	checker, sources, _, fingerprints, snapshots, factory := newTestChecker(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	factory.adapters[source.ID] = &fakeAdapter{
		script: []fetchResult{{page: &driven.Page{
			Records: []domain.Record{
				fieldsRecord("a", map[string]any{"v": "1"}),
				fieldsRecord("b", map[string]any{"v": "2"}),
			},
			End: true,
		}}},
	}

	report, err := checker.VerifySource(ctx, source.ID)
	require.NoError(t, err)

	// Nothing was compared, so the score is unknown, not zero.
	assert.Nil(t, report.Score)
	assert.Equal(t, 0, report.Verified)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Mismatched)
	assert.Equal(t, []string{"a", "b"}, report.Extra)

	latest, err := fingerprints.Latest(ctx, source.ID)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, domain.VerificationVerified, latest["a"].Status)

	snap, err := snapshots.Latest(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.TotalRecords)
	assert.NotEmpty(t, snap.RecordsHash)
}

func TestIntegrityChecker_UnchangedScoresPerfect(t *testing.T) {
	checker, sources, _, _, _, factory := newTestChecker(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	page := &driven.Page{
		Records: []domain.Record{
			fieldsRecord("a", map[string]any{"v": "1"}),
			fieldsRecord("b", map[string]any{"v": "2"}),
		},
		End: true,
	}
	factory.adapters[source.ID] = &fakeAdapter{
		script: []fetchResult{{page: page}, {page: page}},
	}

	_, err := checker.VerifySource(ctx, source.ID)
	require.NoError(t, err)

	report, err := checker.VerifySource(ctx, source.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Score)
	assert.InDelta(t, 1.0, *report.Score, 0.0001)
	assert.Equal(t, 2, report.Verified)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Mismatched)
	assert.Empty(t, report.Extra)
}

func TestIntegrityChecker_ClassifiesOutcomes(t *testing.T) {
	checker, sources, _, fingerprints, _, factory := newTestChecker(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)

	recA := fieldsRecord("a", map[string]any{"v": "1"})
	recB := fieldsRecord("b", map[string]any{"v": "2"})
	recC := fieldsRecord("c", map[string]any{"v": "3"})
	require.NoError(t, fingerprints.Insert(ctx, []domain.Fingerprint{
		verifiedFingerprint(source.ID, recA),
		verifiedFingerprint(source.ID, recB),
		verifiedFingerprint(source.ID, recC),
	}))

	// a unchanged, b modified upstream, c gone, d new.
	factory.adapters[source.ID] = &fakeAdapter{
		script: []fetchResult{{page: &driven.Page{
			Records: []domain.Record{
				recA,
				fieldsRecord("b", map[string]any{"v": "2-changed"}),
				fieldsRecord("d", map[string]any{"v": "4"}),
			},
			End: true,
		}}},
	}

	report, err := checker.VerifySource(ctx, source.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, []string{"c"}, report.Missing)
	assert.Equal(t, []string{"b"}, report.Mismatched)
	assert.Equal(t, []string{"d"}, report.Extra)
	require.NotNil(t, report.Score)
	assert.InDelta(t, 1.0/3.0, *report.Score, 0.0001)

	// History gained superseding rows; the baseline rows survive.
	history := fingerprints.History(source.ID)
	assert.Len(t, history, 7)
	latest, err := fingerprints.Latest(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationMissing, latest["c"].Status)
	assert.Equal(t, domain.VerificationMismatch, latest["b"].Status)
}

func TestIntegrityChecker_UnreachableFallsBackToStoredRecords(t *testing.T) {
	checker, sources, records, fingerprints, _, factory := newTestChecker(t)
	ctx := context.Background()

	source := saveTestSource(t, sources, "src-1", "https://api.example.com/items", domain.SourceTypeAPI)
	recA := fieldsRecord("a", map[string]any{"v": "1"})
	recB := fieldsRecord("b", map[string]any{"v": "2"})
	require.NoError(t, records.CommitPage(ctx, source, []domain.Record{recA, recB}))
	require.NoError(t, fingerprints.Insert(ctx, []domain.Fingerprint{
		verifiedFingerprint(source.ID, recA),
		verifiedFingerprint(source.ID, recB),
	}))

	factory.adapters[source.ID] = &fakeAdapter{
		script: []fetchResult{{err: domain.ErrUnreachable}},
	}

	report, err := checker.VerifySource(ctx, source.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Score)
	assert.InDelta(t, 1.0, *report.Score, 0.0001)
	assert.Equal(t, 2, report.Verified)
}

func TestIntegrityChecker_NotModifiedVerifiesStoredRecords(t *testing.T) {
	checker, sources, records, fingerprints, _, factory := newTestChecker(t)
	ctx := context.Background()

	// A feed whose ETag is current answers 304 on re-fetch. The stored
	// records stand in, so unchanged content still scores perfect.
	source := saveTestSource(t, sources, "src-1", "https://example.com/feed.xml", domain.SourceTypeRSS)
	recA := fieldsRecord("a", map[string]any{"v": "1"})
	recB := fieldsRecord("b", map[string]any{"v": "2"})
	recC := fieldsRecord("c", map[string]any{"v": "3"})
	require.NoError(t, records.CommitPage(ctx, source, []domain.Record{recA, recB, recC}))
	require.NoError(t, fingerprints.Insert(ctx, []domain.Fingerprint{
		verifiedFingerprint(source.ID, recA),
		verifiedFingerprint(source.ID, recB),
		verifiedFingerprint(source.ID, recC),
	}))

	factory.adapters[source.ID] = &fakeAdapter{
		typ:    domain.SourceTypeRSS,
		script: []fetchResult{{page: &driven.Page{NotModified: true, End: true}}},
	}

	report, err := checker.VerifySource(ctx, source.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Score)
	assert.InDelta(t, 1.0, *report.Score, 0.0001)
	assert.Equal(t, 3, report.Verified)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Mismatched)
}

func TestIntegrityChecker_VerifyAllSources(t *testing.T) {
	checker, sources, _, fingerprints, _, factory := newTestChecker(t)
	ctx := context.Background()

	// Source one lost everything it had fingerprinted.
	one := saveTestSource(t, sources, "src-1", "https://one.example.com", domain.SourceTypeAPI)
	recA := fieldsRecord("a", map[string]any{"v": "1"})
	recB := fieldsRecord("b", map[string]any{"v": "2"})
	require.NoError(t, fingerprints.Insert(ctx, []domain.Fingerprint{
		verifiedFingerprint(one.ID, recA),
		verifiedFingerprint(one.ID, recB),
	}))
	factory.adapters[one.ID] = &fakeAdapter{
		script: []fetchResult{{page: &driven.Page{End: true}}},
	}

	// Source two cannot even build an adapter.
	two := saveTestSource(t, sources, "src-2", "https://two.example.com", domain.SourceTypeAPI)
	factory.errFor[two.ID] = domain.ErrUnsupportedType

	summaries, err := checker.VerifyAllSources(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "src-1", summaries[0].SourceID)
	require.NotNil(t, summaries[0].Score)
	assert.InDelta(t, 0.0, *summaries[0].Score, 0.0001)
	assert.Equal(t, 2, summaries[0].Missing)
	assert.NoError(t, summaries[0].Err)

	assert.Equal(t, "src-2", summaries[1].SourceID)
	assert.Error(t, summaries[1].Err)

	// The failing score flagged the source; the finding itself is not
	// corrected.
	flagged, err := sources.Get(ctx, one.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, flagged.Status)
	assert.Contains(t, flagged.LastError, "integrity")
}

func TestIntegrityChecker_VerifySource_UnknownSource(t *testing.T) {
	checker, _, _, _, _, _ := newTestChecker(t)
	_, err := checker.VerifySource(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
