// Package connectors dispatches source adapters over the closed type
// set {api, file, web, rss}. There is no open-ended plugin registry;
// adding a source type means adding a case here.
package connectors

import (
	"fmt"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/connectors/api"
	"github.com/custodia-labs/harvest-cli/internal/connectors/fetch"
	"github.com/custodia-labs/harvest-cli/internal/connectors/file"
	"github.com/custodia-labs/harvest-cli/internal/connectors/rss"
	"github.com/custodia-labs/harvest-cli/internal/connectors/web"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// DefaultPageSize bounds page size when the caller passes none.
const DefaultPageSize = 100

// Ensure Factory implements the port.
var _ driven.AdapterFactory = (*Factory)(nil)

// Factory builds adapters wired to the shared rate-limited fetch layer.
type Factory struct {
	client *fetch.Client
}

// NewFactory creates a factory. All network adapters share one
// throttled client so the per-domain budget spans source types.
func NewFactory(limiter driven.RateLimiter, timeout time.Duration) *Factory {
	return &Factory{client: fetch.New(limiter, timeout)}
}

// Create builds the adapter for a source.
func (f *Factory) Create(source *domain.Source, pageSize int) (driven.SourceAdapter, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	switch source.Type {
	case domain.SourceTypeAPI:
		return api.New(source, f.client, pageSize), nil
	case domain.SourceTypeFile:
		return file.New(source, f.client, pageSize), nil
	case domain.SourceTypeWeb:
		return web.New(source, f.client, pageSize), nil
	case domain.SourceTypeRSS:
		return rss.New(source, f.client, pageSize), nil
	default:
		return nil, fmt.Errorf("%w: source type %q", domain.ErrUnsupportedType, source.Type)
	}
}
