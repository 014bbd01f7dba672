package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	metricsOnce sync.Once

	// feedHTTPErrorsTotal tracks upstream feed errors by feed and type
	feedHTTPErrorsTotal *prometheus.CounterVec
)

func initClientMetrics() {
	metricsOnce.Do(func() {
		feedHTTPErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnvault_feed_http_errors_total",
				Help: "Upstream feed HTTP errors by feed and error type",
			},
			[]string{"feed", "error_type"},
		)
	})
}

// ResilientClient wraps an HTTP client with circuit breaker and retry logic.
// Each feed gets its own instance so one feed's outage cannot trip another
// feed's breaker.
type ResilientClient struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	config  ResilientClientConfig
}

// ResilientClientConfig holds configuration for the resilient client.
type ResilientClientConfig struct {
	// Circuit breaker settings
	EnableCircuitBreaker bool
	MaxFailures          uint32
	CircuitTimeout       time.Duration

	// Retry settings
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultResilientClientConfig returns default configuration values.
func DefaultResilientClientConfig() ResilientClientConfig {
	return ResilientClientConfig{
		EnableCircuitBreaker: true,
		MaxFailures:          5,
		CircuitTimeout:       30 * time.Second,
		MaxRetries:           3,
		InitialInterval:      500 * time.Millisecond,
		MaxInterval:          5 * time.Second,
	}
}

// NewResilientClient creates a resilient HTTP client for one feed.
func NewResilientClient(name string, timeout time.Duration, config ResilientClientConfig) *ResilientClient {
	initClientMetrics()

	client := &http.Client{
		Timeout: timeout,
	}

	var breaker *gobreaker.CircuitBreaker
	if config.EnableCircuitBreaker {
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0, // don't reset counts automatically
			Timeout:     config.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.MaxFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Printf("circuit breaker %q changed from %s to %s", name, from, to)
				if to == gobreaker.StateOpen {
					recordClientError(name, "circuit_open")
				}
			},
		}
		breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return &ResilientClient{
		name:    name,
		client:  client,
		breaker: breaker,
		config:  config,
	}
}

// Do executes an HTTP request with circuit breaker and retry logic.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.doWithRetry(req)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(req)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			recordClientError(c.name, "circuit_open")
			return nil, fmt.Errorf("circuit breaker is open: %w", err)
		}
		return nil, err
	}

	return result.(*http.Response), nil
}

// doWithRetry executes an HTTP request with exponential backoff retry logic.
func (c *ResilientClient) doWithRetry(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var lastErr error

	// With retries disabled, a single attempt and a plain error.
	if c.config.MaxRetries == 0 {
		resp, err := c.client.Do(req)
		if err != nil {
			recordClientError(c.name, "connection")
			return nil, err
		}
		if resp.StatusCode >= 400 {
			c.recordErrorFromResponse(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		}
		return resp, nil
	}

	// Capture the body once up front; an http.Client drains req.Body on the
	// first attempt, so every retry must get a fresh reader over the same
	// bytes.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.config.InitialInterval
	expBackoff.MaxInterval = c.config.MaxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0 // bounded by max retries, not wall time

	retryBackoff := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(c.config.MaxRetries)),
		req.Context(),
	)

	operation := func() error {
		if len(bodyBytes) > 0 {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			lastErr = err
			recordClientError(c.name, "connection")
			if c.shouldRetry(err, nil) {
				return err
			}
			return backoff.Permanent(err)
		}

		if c.shouldRetry(nil, resp) {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
			c.recordErrorFromResponse(resp)
			resp.Body.Close()
			return lastErr
		}

		// Remaining 4xx are not retryable.
		if resp.StatusCode >= 400 {
			c.recordErrorFromResponse(resp)
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
			resp.Body.Close()
			return backoff.Permanent(lastErr)
		}

		return nil
	}

	if err := backoff.Retry(operation, retryBackoff); err != nil {
		return nil, fmt.Errorf("request failed after retries: %w", lastErr)
	}

	return resp, nil
}

// shouldRetry determines if an error or response should trigger a retry.
func (c *ResilientClient) shouldRetry(err error, resp *http.Response) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		if strings.Contains(err.Error(), "connection refused") ||
			strings.Contains(err.Error(), "connection reset") ||
			strings.Contains(err.Error(), "EOF") {
			return true
		}
		return false
	}

	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusBadGateway,
			http.StatusInternalServerError:
			return true
		}
	}

	return false
}

func (c *ResilientClient) recordErrorFromResponse(resp *http.Response) {
	if resp == nil {
		return
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		recordClientError(c.name, "auth")
	case http.StatusTooManyRequests:
		recordClientError(c.name, "rate_limit")
	case http.StatusRequestTimeout:
		recordClientError(c.name, "timeout")
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		recordClientError(c.name, "server_error")
	default:
		recordClientError(c.name, "http_error")
	}
}

func recordClientError(feed, errorType string) {
	if feedHTTPErrorsTotal != nil {
		feedHTTPErrorsTotal.WithLabelValues(feed, errorType).Inc()
	}
}
