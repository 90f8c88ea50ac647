// Package research talks to the external research service that produces new
// standard content. The service is a black box: slow (tens of seconds),
// rate-limited, and fallible. The client's only contract is the request
// signature and honoring context deadlines.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/stdkeep/internal/storage"
)

const maxSourceFetchSize = 5 << 20 // 5MB per source document

// Client communicates with a research service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client targeting the given research service base URL.
// Request deadlines come from the caller's context, not a client timeout;
// regenerations are expected to run long.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
		logger: slog.Default(),
	}
}

// IsRunning returns true if the research service responds to GET /health with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// researchRequest mirrors the JSON accepted by POST /research.
type researchRequest struct {
	Key             string          `json:"key"`
	Title           string          `json:"title,omitempty"`
	Language        string          `json:"language,omitempty"`
	Name            string          `json:"name,omitempty"`
	Version         string          `json:"version,omitempty"`
	CurrentHash     string          `json:"current_hash,omitempty"`
	PreviousContent string          `json:"previous_content,omitempty"`
	Sources         []sourceExcerpt `json:"sources,omitempty"`
}

type sourceExcerpt struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

type researchResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Regenerate asks the research service for a new version of std's content.
// Source documents listed on the standard are fetched and reduced to text
// excerpts first so the service sees current upstream material.
func (c *Client) Regenerate(ctx context.Context, std storage.Standard) (string, error) {
	req := researchRequest{
		Key:             std.Key,
		Title:           std.Title,
		Language:        std.Language,
		Name:            std.Name,
		Version:         std.Version,
		CurrentHash:     std.ContentHash,
		PreviousContent: std.Content,
		Sources:         c.gatherSources(ctx, std),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling research request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/research", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating research request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling research service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("research service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result researchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding research response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("research service error: %s", result.Error)
	}
	if result.Content == "" {
		return "", fmt.Errorf("research service returned empty content")
	}
	return result.Content, nil
}

// gatherSources fetches the standard's source URLs and extracts plain text.
// A source that can't be fetched or parsed is skipped with a warning: stale
// upstream material degrades the research input, it doesn't abort it.
func (c *Client) gatherSources(ctx context.Context, std storage.Standard) []sourceExcerpt {
	var urls []string
	if std.Sources != "" {
		if err := json.Unmarshal([]byte(std.Sources), &urls); err != nil {
			c.logger.Warn("invalid sources JSON, skipping source fetch", "key", std.Key, "error", err)
			return nil
		}
	}

	var excerpts []sourceExcerpt
	for _, url := range urls {
		text, err := c.fetchSource(ctx, url)
		if err != nil {
			c.logger.Warn("skipping source", "key", std.Key, "url", url, "error", err)
			continue
		}
		excerpts = append(excerpts, sourceExcerpt{URL: url, Text: text})
	}
	return excerpts
}

func (c *Client) fetchSource(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceFetchSize))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	return ExtractText(resp.Header.Get("Content-Type"), data)
}
