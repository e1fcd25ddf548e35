package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sportsdata/pipeline/internal/metrics"
	"sportsdata/pipeline/internal/models"

	"github.com/rs/zerolog/log"
)

// Client is the SportsDataIO API client
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	rateLimiter chan struct{} // Rate limiting semaphore
	maxRetries  int
	retryDelay  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the retry count and the base backoff delay.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

// WithConcurrency caps the number of in-flight requests.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.rateLimiter = newLimiter(n)
		}
	}
}

// NewClient creates a new SportsDataIO API client
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		rateLimiter: newLimiter(20),
		maxRetries:  3,
		retryDelay:  1 * time.Second,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newLimiter(n int) chan struct{} {
	l := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		l <- struct{}{}
	}
	return l
}

// get performs a GET request with retry logic and rate limiting
func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, path)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s
			backoff := c.retryDelay * time.Duration(1<<uint(attempt-1))
			log.Info().
				Str("url", url).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying API request after backoff")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, status, err := c.do(ctx, url, attempt)
		if err != nil {
			lastErr = err
			continue
		}

		switch status {
		case http.StatusOK:
			log.Debug().
				Str("url", url).
				Int("size", len(body)).
				Msg("API request successful")
			metrics.RecordAPICall(endpoint, "success", time.Since(start).Seconds())
			return body, nil

		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("API returned retryable status %d: %s", status, string(body))
			log.Warn().
				Str("url", url).
				Int("status", status).
				Int("attempt", attempt+1).
				Msg("Received retryable error")
			continue

		case http.StatusUnauthorized, http.StatusForbidden:
			metrics.RecordAPICall(endpoint, "auth_error", time.Since(start).Seconds())
			return nil, fmt.Errorf("API authentication failed (status %d): %s", status, string(body))

		default:
			metrics.RecordAPICall(endpoint, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("API returned status %d: %s", status, string(body))
		}
	}

	metrics.RecordAPICall(endpoint, "error", time.Since(start).Seconds())
	return nil, lastErr
}

// do issues one attempt while holding a rate limiter slot.
func (c *Client) do(ctx context.Context, url string, attempt int) ([]byte, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-c.rateLimiter:
	}
	defer func() { c.rateLimiter <- struct{}{} }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sportsdata-pipeline/1.0")

	log.Debug().
		Str("url", url).
		Int("attempt", attempt+1).
		Msg("Making API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// FetchCurrentSeason fetches the current season year
func (c *Client) FetchCurrentSeason(ctx context.Context) (int, error) {
	body, err := c.get(ctx, "current_season", "scores/json/CurrentSeason")
	if err != nil {
		return 0, fmt.Errorf("failed to fetch current season: %w", err)
	}

	var season int
	if err := json.Unmarshal(body, &season); err != nil {
		return 0, fmt.Errorf("failed to unmarshal season: %w", err)
	}

	return season, nil
}

// FetchGamesByDate fetches every game played on date
func (c *Client) FetchGamesByDate(ctx context.Context, date time.Time) ([]models.GameInput, error) {
	path := "scores/json/GamesByDate/" + FormatDate(date)
	body, err := c.get(ctx, "games_by_date", path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch games: %w", err)
	}

	var games []models.GameInput
	if err := json.Unmarshal(body, &games); err != nil {
		return nil, fmt.Errorf("failed to unmarshal games: %w", err)
	}

	return games, nil
}

// FormatDate renders date the way the feed expects it, e.g. 2024-SEP-07.
func FormatDate(date time.Time) string {
	return strings.ToUpper(date.Format("2006-Jan-02"))
}
