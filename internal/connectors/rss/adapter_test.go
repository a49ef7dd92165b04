package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/harvest-cli/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/harvest-cli/internal/connectors/fetch"
	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/services"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Updates</title>
    <item>
      <guid>tag:example.com,2026:post-1</guid>
      <title>First post</title>
      <link>https://example.com/posts/1</link>
      <description>Hello world</description>
      <pubDate>Mon, 02 Mar 2026 10:00:00 +0000</pubDate>
      <category>news</category>
      <category>misc</category>
    </item>
    <item>
      <guid>tag:example.com,2026:post-2</guid>
      <title>Second post</title>
      <link>https://example.com/posts/2</link>
      <description>More content</description>
      <pubDate>Tue, 03 Mar 2026 11:30:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

// rssFixtureGrown is rssFixture with a newer entry prepended, the way
// feeds publish: newest first.
const rssFixtureGrown = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Updates</title>
    <item>
      <guid>tag:example.com,2026:post-3</guid>
      <title>Third post</title>
      <link>https://example.com/posts/3</link>
      <description>Fresh content</description>
      <pubDate>Wed, 04 Mar 2026 09:15:00 +0000</pubDate>
    </item>
    <item>
      <guid>tag:example.com,2026:post-1</guid>
      <title>First post</title>
      <link>https://example.com/posts/1</link>
      <description>Hello world</description>
      <pubDate>Mon, 02 Mar 2026 10:00:00 +0000</pubDate>
      <category>news</category>
      <category>misc</category>
    </item>
    <item>
      <guid>tag:example.com,2026:post-2</guid>
      <title>Second post</title>
      <link>https://example.com/posts/2</link>
      <description>More content</description>
      <pubDate>Tue, 03 Mar 2026 11:30:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

const atomFixture = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Atom</title>
  <entry>
    <id>urn:uuid:entry-1</id>
    <title>Atom entry</title>
    <link href="https://example.com/atom/1"/>
    <published>2026-03-04T09:00:00Z</published>
    <updated>2026-03-05T09:00:00Z</updated>
    <summary>Summary text</summary>
  </entry>
</feed>`

// feedServer serves the fixture and answers 304 to a matching
// If-None-Match.
func feedServer(t *testing.T, body, etag string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

// feedState is a mutable feed document behind a test server.
type feedState struct {
	mu   sync.Mutex
	body string
	etag string
}

func (f *feedState) set(body, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
	f.etag = etag
}

// mutableFeedServer serves the current feed state and answers 304 to
// a matching If-None-Match.
func mutableFeedServer(t *testing.T, state *feedState) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		body, etag := state.body, state.etag
		state.mu.Unlock()

		if etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestAdapter(url string, metadata map[string]string, pageSize int) *Adapter {
	if metadata == nil {
		metadata = map[string]string{}
	}
	source := &domain.Source{
		ID:       "src-1",
		URL:      url,
		Type:     domain.SourceTypeRSS,
		Metadata: metadata,
	}
	return New(source, fetch.New(nil, 0), pageSize)
}

func TestAdapter_FetchPage_ParsesRSS(t *testing.T) {
	server := feedServer(t, rssFixture, "")
	adapter := newTestAdapter(server.URL, nil, 100)

	page, err := adapter.FetchPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.End)

	first := page.Records[0]
	assert.Equal(t, "tag:example.com,2026:post-1", first.ID)
	assert.Equal(t, "First post", first.Fields["title"])
	assert.Equal(t, "https://example.com/posts/1", first.Fields["link"])
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), first.Published)
	assert.Equal(t, []any{"news", "misc"}, first.Fields["categories"])
}

func TestAdapter_FetchPage_ParsesAtom(t *testing.T) {
	server := feedServer(t, atomFixture, "")
	adapter := newTestAdapter(server.URL, nil, 100)

	page, err := adapter.FetchPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)

	entry := page.Records[0]
	assert.Equal(t, "urn:uuid:entry-1", entry.ID)
	assert.Equal(t, "Atom entry", entry.Fields["title"])
	assert.Equal(t, "Summary text", entry.Fields["description"])
	assert.Equal(t, time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), entry.Published)
}

func TestAdapter_FetchPage_Pages(t *testing.T) {
	server := feedServer(t, rssFixture, "")
	adapter := newTestAdapter(server.URL, nil, 1)
	ctx := context.Background()

	first, err := adapter.FetchPage(ctx, "")
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	assert.False(t, first.End)
	assert.True(t, strings.HasPrefix(first.NextCursor, "1@"))

	second, err := adapter.FetchPage(ctx, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	assert.True(t, second.End)
}

func TestAdapter_FetchPage_CursorFromEarlierRevision(t *testing.T) {
	state := &feedState{body: rssFixture, etag: `"v1"`}
	server := mutableFeedServer(t, state)
	ctx := context.Background()

	// Complete a pass over the first revision; the final cursor is
	// bound to that document.
	first := newTestAdapter(server.URL, nil, 100)
	page, err := first.FetchPage(ctx, "")
	require.NoError(t, err)
	require.True(t, page.End)
	cursor := page.NextCursor

	// A new entry is published and the ETag moves on.
	state.set(rssFixtureGrown, `"v2"`)

	// Resuming at the stored cursor delivers the whole new document,
	// including the entry published since the last pass.
	resumed := newTestAdapter(server.URL, map[string]string{domain.MetaETag: `"v1"`}, 100)
	page, err = resumed.FetchPage(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, "tag:example.com,2026:post-3", page.Records[0].ID)
	assert.Equal(t, `"v2"`, page.Meta[domain.MetaETag])
}

func TestAdapter_ConditionalFetch(t *testing.T) {
	server := feedServer(t, rssFixture, `"v1"`)
	ctx := context.Background()

	// First fetch captures the ETag in page metadata.
	fresh := newTestAdapter(server.URL, nil, 100)
	page, err := fresh.FetchPage(ctx, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, `"v1"`, page.Meta[domain.MetaETag])

	// A later adapter carrying that ETag gets 304 and transfers nothing.
	cached := newTestAdapter(server.URL, map[string]string{domain.MetaETag: `"v1"`}, 100)
	page, err = cached.FetchPage(ctx, "")
	require.NoError(t, err)
	assert.True(t, page.NotModified)
	assert.True(t, page.End)
	assert.Empty(t, page.Records)
}

func TestAdapter_EstimateTotal(t *testing.T) {
	server := feedServer(t, rssFixture, "")
	adapter := newTestAdapter(server.URL, nil, 100)

	total, err := adapter.EstimateTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestAdapter_FetchPage_MalformedFeed(t *testing.T) {
	server := feedServer(t, `<html><body>not a feed</body></html>`, "")
	adapter := newTestAdapter(server.URL, nil, 100)

	_, err := adapter.FetchPage(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

// feedFactory builds real feed adapters for download manager tests.
type feedFactory struct{}

var _ driven.AdapterFactory = feedFactory{}

func (feedFactory) Create(source *domain.Source, pageSize int) (driven.SourceAdapter, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	return New(source, fetch.New(nil, 0), pageSize), nil
}

func TestAdapter_ResumeAfterFeedEditPersistsNewEntries(t *testing.T) {
	state := &feedState{body: rssFixture, etag: `"v1"`}
	server := mutableFeedServer(t, state)
	ctx := context.Background()

	sources := memory.NewSourceStore()
	records := memory.NewRecordStore(sources)
	manager := services.NewDownloadManager(sources, records, feedFactory{}, services.DefaultRetryPolicy())

	id, err := manager.Register(ctx, server.URL, domain.SourceTypeRSS, nil)
	require.NoError(t, err)
	require.NoError(t, manager.Resume(ctx, id, 100))

	// The feed gains an entry and a fresh ETag between resumes.
	state.set(rssFixtureGrown, `"v2"`)
	require.NoError(t, manager.Resume(ctx, id, 100))

	stored, err := records.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	ids := []string{stored[0].ID, stored[1].ID, stored[2].ID}
	assert.Contains(t, ids, "tag:example.com,2026:post-3")

	source, err := sources.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, source.Metadata[domain.MetaETag])
	assert.Equal(t, int64(3), source.DownloadedRecords)

	// With the new ETag stored, the next resume is answered 304 and
	// nothing changes.
	require.NoError(t, manager.Resume(ctx, id, 100))
	count, err := records.Count(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestParseFeedTime(t *testing.T) {
	assert.Equal(t,
		time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		parseFeedTime("Mon, 02 Mar 2026 10:00:00 +0000"))
	assert.Equal(t,
		time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		parseFeedTime("2026-03-04T09:00:00Z"))
	assert.True(t, parseFeedTime("gibberish").IsZero())
	assert.True(t, parseFeedTime("").IsZero())
}
