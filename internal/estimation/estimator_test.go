package estimation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsombor-n/open-webui/internal/openai"
	"github.com/zsombor-n/open-webui/internal/resilience"
)

func fastOptions() []Option {
	return []Option{
		WithRetryConfig(resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Factor:      2.0,
		}),
		WithBreakerConfig(resilience.BreakerConfig{
			FailureThreshold: 2,
			Cooldown:         50 * time.Millisecond,
			HalfOpenProbes:   1,
		}),
	}
}

func testConfig() Config {
	return Config{
		Model:             "gpt-4o-mini",
		Temperature:       0.3,
		MaxTokens:         4096,
		RequestsPerMinute: 600000, // effectively unlimited in tests
	}
}

func estimateResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID: "chatcmpl-test",
		Choices: []openai.Choice{
			{Message: openai.ChatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
		Usage: openai.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

func TestEstimateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(estimateResponse(
			`{"low": 30, "most_likely": 60, "high": 120, "confidence": 85, "reasoning": "typical debugging session"}`))
	}))
	defer server.Close()

	est := NewEstimator(openai.NewClient("test-key", openai.WithBaseURL(server.URL)), testConfig(), fastOptions()...)
	result := est.Estimate(context.Background(), "debugging a Go service")

	if result.Fallback {
		t.Fatalf("expected real estimate, got fallback: %s", result.RawResponse)
	}
	if result.MostLikelyMinutes != 60 {
		t.Errorf("most_likely = %.0f, want 60", result.MostLikelyMinutes)
	}
	if result.Cost.IsZero() {
		t.Error("cost should be non-zero for a successful call")
	}
	if result.PromptTokens != 100 || result.CompletionTokens != 50 {
		t.Errorf("token usage = %d/%d, want 100/50", result.PromptTokens, result.CompletionTokens)
	}
}

func TestEstimateFallbackAfterExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	defer server.Close()

	est := NewEstimator(openai.NewClient("test-key", openai.WithBaseURL(server.URL)), testConfig(), fastOptions()...)
	result := est.Estimate(context.Background(), "anything")

	if !result.Fallback {
		t.Fatal("expected fallback estimate")
	}
	if result.LowMinutes != 30 || result.MostLikelyMinutes != 60 || result.HighMinutes != 120 || result.Confidence != 50 {
		t.Errorf("fallback = %.0f/%.0f/%.0f conf %.0f, want 30/60/120 conf 50",
			result.LowMinutes, result.MostLikelyMinutes, result.HighMinutes, result.Confidence)
	}
	if !strings.HasPrefix(result.RawResponse, "fallback:") {
		t.Errorf("RawResponse = %q, want fallback tag", result.RawResponse)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("dependency calls = %d, want 3 (all retry attempts)", got)
	}
}

func TestEstimateFallbackOnInvalidResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(estimateResponse(
			`{"low": 90, "most_likely": 30, "high": 120, "confidence": 85, "reasoning": "ordering is wrong"}`))
	}))
	defer server.Close()

	est := NewEstimator(openai.NewClient("test-key", openai.WithBaseURL(server.URL)), testConfig(), fastOptions()...)
	result := est.Estimate(context.Background(), "anything")

	if !result.Fallback {
		t.Fatal("expected fallback estimate for ordering violation")
	}
	if !strings.Contains(result.RawResponse, "invalid_response") {
		t.Errorf("RawResponse = %q, want invalid_response tag", result.RawResponse)
	}
	// Tokens were still consumed by the unusable call
	if result.Cost.IsZero() {
		t.Error("invalid-response fallback should still account for token cost")
	}
}

func TestEstimateNonRetryableFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	est := NewEstimator(openai.NewClient("bad-key", openai.WithBaseURL(server.URL)), testConfig(), fastOptions()...)
	result := est.Estimate(context.Background(), "anything")

	if !result.Fallback {
		t.Fatal("expected fallback estimate")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("dependency calls = %d, want 1 (auth failures are not retried)", got)
	}
}

func TestEstimateCircuitOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"message": "down", "type": "server_error"}}`))
	}))
	defer server.Close()

	est := NewEstimator(openai.NewClient("test-key", openai.WithBaseURL(server.URL)), testConfig(), fastOptions()...)

	// Threshold is 2: two failed estimate cycles open the circuit
	est.Estimate(context.Background(), "one")
	est.Estimate(context.Background(), "two")
	if got := est.BreakerState(); got != resilience.StateOpen {
		t.Fatalf("BreakerState() = %q, want %q", got, resilience.StateOpen)
	}

	before := calls.Load()
	result := est.Estimate(context.Background(), "three")
	if !result.Fallback {
		t.Fatal("expected fallback while circuit open")
	}
	if !strings.Contains(result.RawResponse, "circuit_open") {
		t.Errorf("RawResponse = %q, want circuit_open tag", result.RawResponse)
	}
	if calls.Load() != before {
		t.Error("dependency was invoked while circuit open")
	}

	// After the cooldown one probe goes through again
	time.Sleep(60 * time.Millisecond)
	est.Estimate(context.Background(), "four")
	if calls.Load() == before {
		t.Error("expected a probe call after cooldown")
	}
}
