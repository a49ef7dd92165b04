package driven

import (
	"context"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
)

// Page is one fetched unit of a source's listing.
type Page struct {
	// Records are the fetched records, in source order.
	Records []domain.Record

	// NextCursor is the opaque resume position after this page.
	// Meaningful only when End is false.
	NextCursor string

	// End indicates the adapter reached the end of the source.
	End bool

	// NotModified indicates the source's revision marker was unchanged
	// since the last fetch: the page is empty, End is true, and no
	// content was transferred. Only conditional-fetch adapters set it.
	NotModified bool

	// Meta carries updated source metadata (new ETag, Last-Modified)
	// for the download manager to persist alongside the cursor.
	Meta map[string]string
}

// SourceAdapter pages through one source's records.
// Each source type (api, file, web, rss) implements this interface.
type SourceAdapter interface {
	// Type returns the adapter's source type.
	Type() domain.SourceType

	// EstimateTotal reports the source's record count, or -1 when the
	// source does not expose one.
	EstimateTotal(ctx context.Context) (int64, error)

	// FetchPage fetches the page at cursor. An empty cursor means the
	// start of the source. Failures are classified with the domain
	// fetch errors: ErrUnreachable, ErrRateLimited, ErrMalformed,
	// ErrAuthRequired.
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// AdapterFactory builds the adapter for a source. The type set is
// closed; an unknown type fails with domain.ErrUnsupportedType.
// pageSize bounds the records per fetched page.
type AdapterFactory interface {
	Create(source *domain.Source, pageSize int) (SourceAdapter, error)
}
