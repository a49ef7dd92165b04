// Package web pages through web sources with query-parameter
// pagination, extracting tabular data from the returned HTML.
// Records carry no source-native identifiers, so identity falls back
// to content digests and change detection compares whole snapshots.
package web

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/custodia-labs/harvest-cli/internal/connectors/fetch"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// Metadata keys read by the adapter.
const (
	MetaPageParam    = "page_param"
	MetaPerPageParam = "per_page_param"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Ensure Adapter implements the port.
var _ driven.SourceAdapter = (*Adapter)(nil)

// Adapter pages through a web source.
type Adapter struct {
	source   *domain.Source
	client   *fetch.Client
	pageSize int

	pageParam    string
	perPageParam string
}

// New creates a web adapter for a source.
func New(source *domain.Source, client *fetch.Client, pageSize int) *Adapter {
	a := &Adapter{
		source:       source,
		client:       client,
		pageSize:     pageSize,
		pageParam:    "page",
		perPageParam: "per_page",
	}
	if p := source.Metadata[MetaPageParam]; p != "" {
		a.pageParam = p
	}
	if p := source.Metadata[MetaPerPageParam]; p != "" {
		a.perPageParam = p
	}
	return a
}

// Type returns the adapter's source type.
func (a *Adapter) Type() domain.SourceType {
	return domain.SourceTypeWeb
}

// EstimateTotal is unknown for web pages without crawling them all.
func (a *Adapter) EstimateTotal(_ context.Context) (int64, error) {
	return -1, nil
}

// FetchPage fetches one page of the listing. The cursor is the page
// number, starting at 1.
func (a *Adapter) FetchPage(ctx context.Context, cursor string) (*driven.Page, error) {
	page := 1
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 1 {
			return nil, fmt.Errorf("%w: cursor %q", domain.ErrInvalidInput, cursor)
		}
		page = parsed
	}

	u, err := url.Parse(a.source.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	q := u.Query()
	q.Set(a.pageParam, strconv.Itoa(page))
	q.Set(a.perPageParam, strconv.Itoa(a.pageSize))
	u.RawQuery = q.Encode()

	resp, err := a.client.Get(ctx, u.String(), map[string]string{"User-Agent": userAgent})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}

	records := extractRows(doc)
	logger.Debug("web: page %d of %s yielded %d rows", page, a.source.URL, len(records))

	return &driven.Page{
		Records:    records,
		NextCursor: strconv.Itoa(page + 1),
		End:        len(records) == 0,
	}, nil
}

// extractRows pulls data rows out of every table on the page. Cells
// become positional columns; the header row is skipped.
func extractRows(doc *goquery.Document) []domain.Record {
	var records []domain.Record
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		table.Find("tr").Each(func(rowIdx int, row *goquery.Selection) {
			if rowIdx == 0 {
				return
			}
			cells := row.Find("td, th")
			if cells.Length() == 0 {
				return
			}
			fields := make(map[string]any, cells.Length())
			cells.Each(func(cellIdx int, cell *goquery.Selection) {
				fields[fmt.Sprintf("column_%d", cellIdx)] = strings.TrimSpace(cell.Text())
			})
			rec := domain.Record{Fields: fields}
			rec.ID = domain.DeriveRecordID(&rec)
			records = append(records, rec)
		})
	})
	return records
}
