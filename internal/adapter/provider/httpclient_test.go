package provider

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testClientConfig() ResilientClientConfig {
	return ResilientClientConfig{
		EnableCircuitBreaker: true,
		MaxFailures:          5,
		CircuitTimeout:       30 * time.Second,
		MaxRetries:           3,
		InitialInterval:      10 * time.Millisecond,
		MaxInterval:          50 * time.Millisecond,
	}
}

func TestNewResilientClient(t *testing.T) {
	client := NewResilientClient("test", 30*time.Second, DefaultResilientClientConfig())

	if client == nil {
		t.Fatal("NewResilientClient returned nil")
	}
	if client.client == nil {
		t.Error("HTTP client is nil")
	}
	if client.breaker == nil {
		t.Error("Circuit breaker is nil when enabled")
	}
}

func TestResilientClient_SuccessfulRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	client := NewResilientClient("test", 5*time.Second, testClientConfig())

	req, err := http.NewRequest("GET", server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestResilientClient_RetriesOnServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewResilientClient("test", 5*time.Second, testClientConfig())

	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestResilientClient_RetriesResendRequestBody(t *testing.T) {
	const payload = `{"query":"cve"}`

	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(got))
		attempt := len(bodies)
		mu.Unlock()
		if attempt < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewResilientClient("test", 5*time.Second, testClientConfig())

	req, _ := http.NewRequest("POST", server.URL, strings.NewReader(payload))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(bodies))
	}
	for i, body := range bodies {
		if body != payload {
			t.Errorf("Attempt %d received body %q, want %q", i+1, body, payload)
		}
	}
}

func TestResilientClient_NoRetryOnClientError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewResilientClient("test", 5*time.Second, testClientConfig())

	req, _ := http.NewRequest("GET", server.URL, nil)
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("Expected an error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("Error should carry the status code, got: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", got)
	}
}

func TestResilientClient_RetriesDisabled(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	config := testClientConfig()
	config.MaxRetries = 0
	client := NewResilientClient("test", 5*time.Second, config)

	req, _ := http.NewRequest("GET", server.URL, nil)
	if _, err := client.Do(req); err == nil {
		t.Fatal("Expected an error for 503")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("Expected a single attempt with retries disabled, got %d", got)
	}
}

func TestResilientClient_CircuitBreakerOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	config := testClientConfig()
	config.MaxFailures = 2
	config.MaxRetries = 0
	client := NewResilientClient("test-breaker", 5*time.Second, config)

	// Trip the breaker.
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("GET", server.URL, nil)
		client.Do(req)
	}

	req, _ := http.NewRequest("GET", server.URL, nil)
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("Expected open-circuit error")
	}
	if !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("Expected circuit breaker error, got: %v", err)
	}
}
