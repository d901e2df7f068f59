package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, client *Client)
	}{
		{
			name:    "default_configuration",
			options: []Option{},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 5 {
					t.Errorf("Expected maxRetries=5, got %d", client.maxRetries)
				}
				if client.baseDelay != 2*time.Second {
					t.Errorf("Expected baseDelay=2s, got %v", client.baseDelay)
				}
				if client.client.Timeout != 60*time.Second {
					t.Errorf("Expected timeout=60s, got %v", client.client.Timeout)
				}
				if client.headerParser == nil {
					t.Error("Expected default header parser")
				}
			},
		},
		{
			name:    "custom_max_retries",
			options: []Option{WithMaxRetries(3)},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 3 {
					t.Errorf("Expected maxRetries=3, got %d", client.maxRetries)
				}
			},
		},
		{
			name:    "custom_http_client",
			options: []Option{WithHTTPClient(&http.Client{Timeout: 30 * time.Second})},
			validate: func(t *testing.T, client *Client) {
				if client.client.Timeout != 30*time.Second {
					t.Errorf("Expected timeout=30s, got %v", client.client.Timeout)
				}
			},
		},
		{
			name: "custom_retry_strategy",
			options: []Option{
				WithRetryStrategy(func(statusCode int) RetryStrategy { return SmartRetry }),
			},
			validate: func(t *testing.T, client *Client) {
				if got := client.strategyFunc(404); got != SmartRetry {
					t.Errorf("Expected SmartRetry, got %v", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, New(tt.options...))
		})
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		status int
		want   RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusNotFound, NoRetry},
	}
	for _, tt := range tests {
		if got := DefaultRetryStrategy(tt.status); got != tt.want {
			t.Errorf("DefaultRetryStrategy(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := New().Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestClient_Do_NonRetryableStatusReturnsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := New().Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestClient_Do_NetworkError(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	resp, err := New(WithHTTPClient(&http.Client{Timeout: time.Second})).Do(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp != nil {
		t.Error("expected nil response")
	}
	if IsRetryExhausted(err) {
		t.Error("network errors must not be reported as exhausted retries")
	}
}

func TestClient_Do_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 4)
		n, _ := r.Body.Read(body)
		if string(body[:n]) != "ping" {
			t.Errorf("body not replayed on retry: %q", body[:n])
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(WithMaxRetries(5))
	c.sleep = noSleep

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("ping"))
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 calls, got %d", got)
	}
}

func TestClient_Do_MaxRetriesExceeded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(WithMaxRetries(2))
	c.sleep = noSleep

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := c.Do(req)
	if resp != nil {
		t.Error("expected nil response on exhausted retries")
	}
	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryableError, got %v", err)
	}
	if re.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", re.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 calls, got %d", got)
	}
}

func TestClient_Do_ConservativeRetryLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(WithMaxRetries(10))
	c.sleep = noSleep

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := c.Do(req)
	if !IsRetryExhausted(err) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 calls (1 + 2 quick retries), got %d", got)
	}
}

func TestClient_Do_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(WithBaseDelay(time.Hour))
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := c.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	if got := ParseRetryAfter(h).RetryAfter; got != 7*time.Second {
		t.Errorf("Expected 7s, got %v", got)
	}

	at := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	h.Set("Retry-After", at.Format(http.TimeFormat))
	if got := ParseRetryAfter(h).ResetTime; got != at.Unix() {
		t.Errorf("Expected reset %d, got %d", at.Unix(), got)
	}

	if got := ParseRetryAfter(http.Header{}); got != (RateLimitInfo{}) {
		t.Errorf("Expected empty info, got %+v", got)
	}
}

func TestClient_calculateDelay(t *testing.T) {
	c := New(WithBaseDelay(time.Second))

	tests := []struct {
		name     string
		strategy RetryStrategy
		attempt  int
		info     RateLimitInfo
		want     time.Duration
	}{
		{"smart_retry_after", SmartRetry, 0, RateLimitInfo{RetryAfter: 5 * time.Second}, 5 * time.Second},
		{"smart_exponential_0", SmartRetry, 0, RateLimitInfo{}, 1100 * time.Millisecond},
		{"smart_exponential_2", SmartRetry, 2, RateLimitInfo{}, 4400 * time.Millisecond},
		{"conservative_first", ConservativeRetry, 0, RateLimitInfo{}, 500 * time.Millisecond},
		{"conservative_second", ConservativeRetry, 1, RateLimitInfo{}, time.Second},
		{"conservative_exhausted", ConservativeRetry, 2, RateLimitInfo{}, 0},
		{"no_retry", NoRetry, 0, RateLimitInfo{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.calculateDelay(tt.strategy, tt.attempt, tt.info); got != tt.want {
				t.Errorf("calculateDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}
