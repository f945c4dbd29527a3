// Package shopify is the Storefront GraphQL client used for checkout creation
// and catalog lookups.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"storefront-cart/internal/transport"
)

// =============================================================================
// STOREFRONT API CLIENT
// =============================================================================
//
// Every operation is a POST of {query, variables} to
//   https://{shop}/api/{version}/graphql.json
// authenticated by the public X-Shopify-Storefront-Access-Token header.
//
// Failure handling, outermost first:
//   1. A circuit breaker fails fast while the platform is known to be down.
//   2. Transport errors, 429 and 5xx are retried with doubling delay.
//   3. Other 4xx, GraphQL errors and userErrors fail immediately.
// =============================================================================

const (
	defaultAPIVersion = "2025-01"
	defaultTimeout    = 15 * time.Second
	defaultAttempts   = 3
	defaultBaseDelay  = 250 * time.Millisecond

	userAgent = "storefront-cart/1.0"
)

// Config configures a Client.
type Config struct {
	ShopDomain     string // e.g. xyz.myshopify.com
	AccessToken    string
	APIVersion     string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Endpoint overrides the derived GraphQL URL. Used by tests.
	Endpoint string
	// HTTPClient overrides the browser-fingerprint client. Used by tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is the Storefront API client. Safe for concurrent use.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	attempts    int
	baseDelay   time.Duration
	breaker     *gobreaker.CircuitBreaker[[]byte]
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Storefront API client.
func NewClient(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultBaseDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/api/%s/graphql.json", NormalizeDomain(cfg.ShopDomain), cfg.APIVersion)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport.NewBrowserTransport(transport.Options{DialTimeout: cfg.Timeout}),
		}
	}

	logger := cfg.Logger.With("component", "shopify")
	c := &Client{
		endpoint:    endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		attempts:    cfg.RetryAttempts,
		baseDelay:   cfg.RetryBaseDelay,
		logger:      logger,
		sleep:       sleepContext,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "shopify-storefront",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Request-level rejections say nothing about platform health.
			var perm *permanentError
			return err == nil || errors.As(err, &perm) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// NormalizeDomain strips scheme and trailing slashes from a shop domain.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimRight(domain, "/")
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// execute runs one GraphQL operation and decodes its data into out.
func (c *Client) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.postWithRetry(ctx, body)
	})
	if err != nil {
		return err
	}

	var resp graphQLResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return fmt.Errorf("empty response data")
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("parsing response data: %w", err)
	}
	return nil
}

// postWithRetry sends body, retrying transient failures with doubling delay.
func (c *Client) postWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= c.attempts; attempt++ {
		raw, err := c.post(ctx, body)
		if err == nil {
			return raw, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err

		if attempt == c.attempts {
			break
		}
		c.logger.Warn("storefront request failed, retrying",
			"attempt", attempt,
			"max_attempts", c.attempts,
			"delay", delay,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.attempts, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Shopify-Storefront-Access-Token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw))
	case resp.StatusCode >= 400:
		return nil, &permanentError{fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw))}
	}
	return raw, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
