package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}

		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q, want %q", req.Model, "gpt-4o-mini")
		}

		json.NewEncoder(w).Encode(ChatCompletionResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o-mini",
			Choices: []Choice{
				{Message: ChatMessage{Role: "assistant", Content: `{"low": 10}`}, FinishReason: "stop"},
			},
			Usage: Usage{PromptTokens: 42, CompletionTokens: 7, TotalTokens: 49},
		})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))
	resp, err := client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: "estimate this"}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion() error = %v", err)
	}

	if got := resp.FirstContent(); got != `{"low": 10}` {
		t.Errorf("FirstContent() = %q, want %q", got, `{"low": 10}`)
	}
	if resp.Usage.TotalTokens != 49 {
		t.Errorf("total tokens = %d, want 49", resp.Usage.TotalTokens)
	}
}

func TestCreateChatCompletionAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "Incorrect API key", "type": "invalid_request_error", "code": "invalid_api_key"}}`))
	}))
	defer server.Close()

	client := NewClient("bad-key", WithBaseURL(server.URL))
	_, err := client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "gpt-4o-mini"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusUnauthorized)
	}
	if IsRetryable(apiErr) {
		t.Error("auth failure should not be retryable")
	}
}

func TestFirstContentEmpty(t *testing.T) {
	resp := &ChatCompletionResponse{}
	if got := resp.FirstContent(); got != "" {
		t.Errorf("FirstContent() = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"request timeout", &APIError{StatusCode: 408}, true},
		{"server error", &APIError{StatusCode: 503}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryableTransportTimeout(t *testing.T) {
	// A server that never responds within the client timeout
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL), WithTimeout(20*time.Millisecond))
	_, err := client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "gpt-4o-mini"})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !IsRetryable(err) {
		t.Errorf("transport timeout should be retryable: %v", err)
	}
}
