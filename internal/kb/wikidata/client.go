// Package wikidata links entity names to Wikidata item ids through the
// wbsearchentities API.
package wikidata

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/retry"
)

// DefaultEndpoint is the public Wikidata action API.
const DefaultEndpoint = "https://www.wikidata.org/w/api.php"

// Config tunes the client.
type Config struct {
	Endpoint          string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Limit             int
}

// StatusError is a non-200 answer from the API.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wikidata returned status %d", e.Code)
}

// Client searches Wikidata items.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *zap.Logger
}

// New builds a Client. A nil httpClient uses one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, policy retry.Policy, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "newsfacts-pipeline/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 3
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		policy:  policy,
		logger:  logger.Named("wikidata"),
	}
}

type searchResponse struct {
	Search []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	} `json:"search"`
}

// Search returns the id of the first hit for name, or "" when nothing matches.
func (c *Client) Search(ctx context.Context, name, language string) (string, error) {
	if language == "" {
		language = "en"
	}
	q := url.Values{}
	q.Set("action", "wbsearchentities")
	q.Set("search", name)
	q.Set("language", language)
	q.Set("type", "item")
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	q.Set("format", "json")
	target := c.cfg.Endpoint + "?" + q.Encode()

	id, err := retry.Value(ctx, c.policy, func(ctx context.Context) (string, error) {
		return c.search(ctx, target)
	})
	if err != nil {
		return "", fmt.Errorf("search %q: %w", name, err)
	}
	if id != "" {
		c.logger.Debug("linked entity", zap.String("name", name), zap.String("qid", id))
	}
	return id, nil
}

func (c *Client) search(ctx context.Context, target string) (string, error) {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveRateLimitDelay("wikidata", time.Since(start))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return "", &StatusError{Code: resp.StatusCode}
	}
	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(body.Search) == 0 {
		return "", nil
	}
	return body.Search[0].ID, nil
}

// IsTransient retries rate limiting, server errors and transport failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return retry.DefaultRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}
