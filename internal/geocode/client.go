// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

// Package geocode resolves coordinates to human-readable addresses via
// a Nominatim-compatible reverse geocoding endpoint. Lookups are rate
// limited and guarded by a circuit breaker; callers treat any failure
// as "no address available".
package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/alexroth96/locus/internal/config"
	"github.com/alexroth96/locus/internal/logging"
	"github.com/alexroth96/locus/internal/metrics"
)

// ErrNotFound is returned when the endpoint has no address for the
// coordinates. It is a normal outcome, not a failure.
var ErrNotFound = errors.New("no address found for coordinates")

const breakerName = "geocode"

// Resolver resolves coordinates to an address.
type Resolver interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// Client is a rate-limited, breaker-guarded Nominatim client.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[string]
}

// NewClient creates a reverse geocoding client from configuration.
func NewClient(cfg *config.GeocodeConfig) *Client {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateToString(from), stateToString(to)
			logging.Info().
				Str("component", "geocode").
				Str("from", fromStr).
				Str("to", toStr).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &Client{
		baseURL:   cfg.URL,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		cb:      cb,
	}
}

// reverseResponse is the subset of the Nominatim jsonv2 response we use.
type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Reverse resolves coordinates to a display address. It blocks on the
// rate limiter until a slot is free or ctx is done. ErrNotFound means
// the position has no known address; any other error is transient.
func (c *Client) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		metrics.RecordGeocodeLookup("rejected", time.Since(start))
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	address, err := c.cb.Execute(func() (string, error) {
		return c.doReverse(ctx, lat, lng)
	})

	duration := time.Since(start)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordGeocodeLookup("rejected", duration)
		return "", err
	case errors.Is(err, ErrNotFound):
		metrics.RecordGeocodeLookup("not_found", duration)
		return "", err
	case err != nil:
		metrics.RecordGeocodeLookup("error", duration)
		return "", err
	}

	metrics.RecordGeocodeLookup("hit", duration)
	return address, nil
}

func (c *Client) doReverse(ctx context.Context, lat, lng float64) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse geocode url: %w", err)
	}

	q := u.Query()
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("format", "jsonv2")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocode request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocode endpoint returned status %d", resp.StatusCode)
	}

	var body reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	// Nominatim reports unknown positions with 200 and an error field.
	if body.Error != "" || body.DisplayName == "" {
		return "", ErrNotFound
	}

	return body.DisplayName, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
