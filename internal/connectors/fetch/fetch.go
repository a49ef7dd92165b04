// Package fetch provides the rate-limited HTTP layer shared by the
// network source adapters. Every request passes through the per-domain
// limiter, carries a timeout, and maps transport failures onto the
// domain fetch-error taxonomy.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// DefaultTimeout bounds every network operation. Expiry is classified
// as domain.ErrUnreachable and handled by the standard retry policy.
const DefaultTimeout = 30 * time.Second

// Client is a rate-limited HTTP client.
type Client struct {
	http    *http.Client
	limiter driven.RateLimiter
}

// New creates a client. A nil limiter disables throttling (tests).
func New(limiter driven.RateLimiter, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// Get performs a throttled GET. Non-2xx statuses and transport errors
// are returned as domain fetch errors; a 304 response is passed back
// to the caller for conditional-fetch handling.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	dom := DomainOf(rawURL)
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, dom); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// DNS failures, refused connections and client timeouts all
		// land here; they share the transient retry policy.
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return resp, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrAuthRequired, dom, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests && c.limiter != nil {
			c.limiter.Report429(dom)
		}
		logger.Debug("fetch: %s throttled (%d)", rawURL, resp.StatusCode)
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrRateLimited, dom, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrUnreachable, dom, resp.StatusCode)
	}
}

// DomainOf extracts the host used as the rate-limiting key.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
