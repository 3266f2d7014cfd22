package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FetchConfig holds settings for fetching the schedule document.
type FetchConfig struct {
	URL            string
	Timeout        time.Duration // per attempt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration // total retry budget; 0 retries until ctx is done
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// DefaultFetchConfig returns the default fetch settings for url.
func DefaultFetchConfig(url string) FetchConfig {
	return FetchConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MaxElapsed:     time.Minute,
	}
}

// StatusError is a non-2xx answer from the schedule endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("schedule endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("schedule endpoint returned HTTP %d", e.StatusCode)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Fetch downloads the leader schedule document, retrying transient
// failures with capped exponential backoff. Malformed documents and
// non-retryable HTTP statuses fail immediately.
func Fetch(ctx context.Context, cfg FetchConfig) (Document, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("schedule URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		b.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	b.MaxElapsedTime = cfg.MaxElapsed

	var doc Document
	op := func() error {
		d, err := fetchOnce(ctx, client, cfg.URL)
		if err != nil {
			if se, ok := err.(*StatusError); ok && !se.Retryable() {
				return backoff.Permanent(err)
			}
			if _, ok := err.(*json.SyntaxError); ok {
				return backoff.Permanent(err)
			}
			if _, ok := err.(*json.UnmarshalTypeError); ok {
				return backoff.Permanent(err)
			}
			return err
		}
		doc = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("schedule fetch failed, retrying",
			"url", cfg.URL,
			"error", err,
			"backoff", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("fetch leader schedule: %w", err)
	}
	return doc, nil
}

func fetchOnce(ctx context.Context, client *http.Client, url string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
