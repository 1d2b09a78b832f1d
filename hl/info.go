package hl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/traderank/traderank/ratelimit"
)

// ErrRateLimited reports that the info endpoint returned 429. The shared gate
// has already been put into cooldown when this is returned; callers should
// retry after waiting on it.
var ErrRateLimited = errors.New("info endpoint rate limited")

const (
	// MaxFillsPerRequest is the page size the info endpoint returns for
	// userFillsByTime. A full page means more records may remain.
	MaxFillsPerRequest = 2000

	defaultRateLimitCooldown = 2 * time.Second
)

// InfoClient issues read-only queries against the exchange info endpoint.
// userFillsByTime goes over plain HTTP rather than through the SDK: the SDK
// folds 429 responses into a generic error and drops the Retry-After header,
// and the gate's cooldown needs both.
type InfoClient struct {
	httpClient *http.Client
	baseURL    string
	gate       ratelimit.Gate
	logger     *slog.Logger
}

// InfoClientOption configures an InfoClient.
type InfoClientOption func(*InfoClient)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) InfoClientOption {
	return func(c *InfoClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithGate attaches a pacing gate shared with other info endpoint callers.
func WithGate(gate ratelimit.Gate) InfoClientOption {
	return func(c *InfoClient) {
		c.gate = gate
	}
}

// WithInfoLogger overrides the logger used for diagnostics.
func WithInfoLogger(logger *slog.Logger) InfoClientOption {
	return func(c *InfoClient) {
		if logger != nil {
			c.logger = logger.WithGroup("hyperliquid").WithGroup("info")
		}
	}
}

// NewInfoClient builds a client for the configured network.
func NewInfoClient(cfg ClientConfig, opts ...InfoClientOption) (*InfoClient, error) {
	baseURL, err := cfg.ResolveBaseURL()
	if err != nil {
		return nil, err
	}

	c := &InfoClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		logger:     slog.Default().WithGroup("hyperliquid").WithGroup("info"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UserFillsByTime returns one page of fills for the user, ordered oldest
// first, starting at startMs inclusive. endMs of zero leaves the range
// open-ended. At most MaxFillsPerRequest records come back; a full page means
// the caller should advance the window and ask again.
func (c *InfoClient) UserFillsByTime(ctx context.Context, user string, startMs, endMs int64) ([]Fill, error) {
	if c.gate != nil {
		if err := c.gate.Wait(ctx); err != nil {
			return nil, err
		}
	}

	payload := userFillsByTimeRequest{
		Type:      "userFillsByTime",
		User:      user,
		StartTime: startMs,
	}
	if endMs > 0 {
		payload.EndTime = &endMs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode userFillsByTime request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("info request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		cooldown := retryAfter(resp.Header)
		if c.gate != nil {
			c.gate.Cooldown(cooldown)
		}
		c.logger.Warn("info endpoint throttled",
			slog.String("user", user),
			slog.Duration("cooldown", cooldown),
		)
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("info request returned status %d: %s", resp.StatusCode, snippet)
	}

	var fills []Fill
	if err := json.NewDecoder(resp.Body).Decode(&fills); err != nil {
		return nil, fmt.Errorf("decode userFillsByTime response: %w", err)
	}

	c.logger.Debug("fetched fills page",
		slog.String("user", user),
		slog.Int64("start_ms", startMs),
		slog.Int64("end_ms", endMs),
		slog.Int("count", len(fills)),
	)
	return fills, nil
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRateLimitCooldown
}
