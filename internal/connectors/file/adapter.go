// Package file pages through static file sources (CSV or JSON),
// fetched over HTTP or read from a local path. The file is loaded
// once per adapter and sliced by row offset, so paging never
// re-transfers content.
package file

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/custodia-labs/harvest-cli/internal/connectors/fetch"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// MetaFileType forces the format ("csv" or "json") when the URL's
// extension is ambiguous.
const MetaFileType = "file_type"

// Ensure Adapter implements the port.
var _ driven.SourceAdapter = (*Adapter)(nil)

// Adapter pages through a file source.
type Adapter struct {
	source   *domain.Source
	client   *fetch.Client
	pageSize int

	cached   []domain.Record
	revision string
}

// New creates a file adapter for a source.
func New(source *domain.Source, client *fetch.Client, pageSize int) *Adapter {
	return &Adapter{
		source:   source,
		client:   client,
		pageSize: pageSize,
	}
}

// Type returns the adapter's source type.
func (a *Adapter) Type() domain.SourceType {
	return domain.SourceTypeFile
}

// EstimateTotal loads the file and counts its rows.
func (a *Adapter) EstimateTotal(ctx context.Context) (int64, error) {
	records, err := a.load(ctx)
	if err != nil {
		return -1, err
	}
	return int64(len(records)), nil
}

// FetchPage slices the loaded file at the row-offset cursor.
func (a *Adapter) FetchPage(ctx context.Context, cursor string) (*driven.Page, error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%w: cursor %q", domain.ErrInvalidInput, cursor)
		}
		offset = parsed
	}

	records, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= len(records) {
		return &driven.Page{End: true, NextCursor: cursor}, nil
	}

	end := offset + a.pageSize
	if end > len(records) {
		end = len(records)
	}
	page := records[offset:end]
	logger.Debug("file: rows %d-%d of %d from %s", offset, end, len(records), a.source.URL)

	return &driven.Page{
		Records:    page,
		NextCursor: strconv.Itoa(end),
		End:        end == len(records),
	}, nil
}

// load fetches and parses the file, caching the result for the life
// of the adapter.
func (a *Adapter) load(ctx context.Context) ([]domain.Record, error) {
	if a.cached != nil {
		return a.cached, nil
	}

	content, err := a.read(ctx)
	if err != nil {
		return nil, err
	}

	var records []domain.Record
	switch a.fileType() {
	case "csv":
		records, err = parseCSV(content)
	default:
		records, err = parseJSON(content)
	}
	if err != nil {
		return nil, err
	}

	for i := range records {
		records[i].Revision = a.revision
		if records[i].ID == "" {
			records[i].ID = domain.DeriveRecordID(&records[i])
		}
	}
	a.cached = records
	return records, nil
}

func (a *Adapter) read(ctx context.Context) ([]byte, error) {
	if path, local := localPath(a.source.URL); local {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
		}
		a.revision = info.ModTime().UTC().Format("2006-01-02T15:04:05Z")
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
		}
		return content, nil
	}

	resp, err := a.client.Get(ctx, a.source.URL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	a.revision = resp.Header.Get("Last-Modified")
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", domain.ErrUnreachable, err)
	}
	return content, nil
}

func (a *Adapter) fileType() string {
	if t := a.source.Metadata[MetaFileType]; t != "" {
		return t
	}
	lower := strings.ToLower(a.source.URL)
	if strings.HasSuffix(lower, ".csv") {
		return "csv"
	}
	return "json"
}

// localPath reports whether the URL names a local file.
func localPath(rawURL string) (string, bool) {
	if strings.HasPrefix(rawURL, "file://") {
		return strings.TrimPrefix(rawURL, "file://"), true
	}
	if strings.HasPrefix(rawURL, "/") || strings.HasPrefix(rawURL, "./") {
		return rawURL, true
	}
	return "", false
}

func parseCSV(content []byte) ([]domain.Record, error) {
	reader := csv.NewReader(strings.NewReader(string(content)))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	records := make([]domain.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		fields := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = row[i]
			}
		}
		rec := domain.Record{Fields: fields}
		if id, ok := fields["id"].(string); ok && id != "" {
			rec.ID = id
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseJSON(content []byte) ([]domain.Record, error) {
	var items []map[string]any
	if err := json.Unmarshal(content, &items); err != nil {
		// A single object becomes a one-record source.
		var single map[string]any
		if err := json.Unmarshal(content, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
		}
		items = []map[string]any{single}
	}

	records := make([]domain.Record, 0, len(items))
	for _, item := range items {
		rec := domain.Record{Fields: item}
		for _, key := range []string{"id", "_id", "guid"} {
			if v, ok := item[key].(string); ok && v != "" {
				rec.ID = v
				break
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
