// Package http provides a Structurer adapter backed by an external
// HTTP structuring service. The core hands raw bytes off over the
// wire; schema inference and extraction run downstream.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
)

// Ensure Structurer implements the interface.
var _ driven.Structurer = (*Structurer)(nil)

// Default configuration values.
const (
	DefaultTimeout = 120 * time.Second
)

// Config holds configuration for the structuring service client.
type Config struct {
	// BaseURL is the service base URL (required).
	BaseURL string

	// APIKey authenticates requests, when the service requires it.
	APIKey string

	// Timeout is the request timeout (default: 120s).
	Timeout time.Duration
}

// Structurer calls the external structuring service.
type Structurer struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// analyzeRequest is the /analyze request format.
type analyzeRequest struct {
	Content []byte `json:"content"`
}

// analyzeResponse is the /analyze response format.
type analyzeResponse struct {
	Schema json.RawMessage `json:"schema"`
	Issues []string        `json:"issues,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// extractRequest is the /extract request format.
type extractRequest struct {
	Content []byte          `json:"content"`
	Schema  json.RawMessage `json:"schema"`
}

// extractResponse is the /extract response format.
type extractResponse struct {
	Records []extractedRecord `json:"records"`
	Error   string            `json:"error,omitempty"`
}

type extractedRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// New creates a structuring service client.
func New(cfg Config) (*Structurer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("structurer: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Structurer{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}, nil
}

// Analyze infers a schema for a blob of raw content.
func (s *Structurer) Analyze(ctx context.Context, raw []byte) (json.RawMessage, []string, error) {
	body, err := s.post(ctx, "/analyze", analyzeRequest{Content: raw})
	if err != nil {
		return nil, nil, err
	}

	var resp analyzeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, nil, fmt.Errorf("structurer error: %s", resp.Error)
	}

	return resp.Schema, resp.Issues, nil
}

// Extract structures raw content into records using a previously
// inferred schema.
func (s *Structurer) Extract(ctx context.Context, raw []byte, schema json.RawMessage) ([]domain.Record, error) {
	body, err := s.post(ctx, "/extract", extractRequest{Content: raw, Schema: schema})
	if err != nil {
		return nil, err
	}

	var resp extractResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("structurer error: %s", resp.Error)
	}

	records := make([]domain.Record, 0, len(resp.Records))
	for _, r := range resp.Records {
		rec := domain.Record{ID: r.ID, Fields: r.Fields}
		if rec.ID == "" {
			rec.ID = domain.DeriveRecordID(&rec)
		}
		records = append(records, rec)
	}

	return records, nil
}

// Ping validates the service is reachable.
func (s *Structurer) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("structurer: failed to create ping request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("structurer: ping failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("structurer: service returned status %d", resp.StatusCode)
	}
	return nil
}

// post sends a JSON request and returns the raw response body.
func (s *Structurer) post(ctx context.Context, path string, payload any) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("structurer error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
