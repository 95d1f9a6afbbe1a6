// Package search adapts an external web search API as an unreliable,
// gracefully degrading context source.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("assistd.search")

// ErrSearchUnavailable indicates the search backend failed or timed out.
// Callers above the resilient wrapper never see it; turns degrade instead.
var ErrSearchUnavailable = errors.New("web search unavailable")

// Excerpt is one ranked search hit.
type Excerpt struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Provider turns a query into ranked page excerpts.
type Provider interface {
	Search(ctx context.Context, query string) ([]Excerpt, error)
}

// Config holds configuration for the Google Custom Search shaped client.
type Config struct {
	// BaseURL is the search API base. Default:
	// "https://customsearch.googleapis.com/customsearch/v1"
	BaseURL string
	// APIKey is the API key ("key" parameter).
	APIKey string
	// EngineID is the search engine id ("cx" parameter).
	EngineID string
	// MaxResults bounds returned excerpts. Default: 3, max 10.
	MaxResults int
	// Timeout bounds each request. Default: 10s
	Timeout time.Duration
	// RatePerMinute throttles outbound queries. Default: 60
	RatePerMinute int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://customsearch.googleapis.com/customsearch/v1"
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 3
	}
	if c.MaxResults > 10 {
		c.MaxResults = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 60
	}
}

// Client queries a Custom Search JSON API endpoint.
type Client struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a search client.
func NewClient(config Config, logger *zap.Logger) *Client {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(config.RatePerMinute)/60.0), config.RatePerMinute),
		logger:  logger,
	}
}

// searchResponse is the subset of the API response we consume.
type searchResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search returns ranked excerpts for the query.
func (c *Client) Search(ctx context.Context, query string) ([]Excerpt, error) {
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()

	span.SetAttributes(attribute.Int("max_results", c.config.MaxResults))

	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrSearchUnavailable, err)
	}

	params := url.Values{}
	params.Set("key", c.config.APIKey)
	params.Set("cx", c.config.EngineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(c.config.MaxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d: %s", ErrSearchUnavailable, resp.StatusCode, string(body))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: decoding response: %v", ErrSearchUnavailable, err)
	}

	excerpts := make([]Excerpt, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		excerpts = append(excerpts, Excerpt{
			URL:     item.Link,
			Title:   item.Title,
			Snippet: item.Snippet,
		})
		if len(excerpts) == c.config.MaxResults {
			break
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(excerpts)))
	span.SetStatus(codes.Ok, "success")
	return excerpts, nil
}

// Ensure Client implements Provider.
var _ Provider = (*Client)(nil)
