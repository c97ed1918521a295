// Package estimation obtains manual-effort estimates for conversation
// summaries from an external LLM, shielding the pipeline from that
// dependency's failures with retry, circuit-breaker, and fallback policies.
package estimation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/openai"
	"github.com/zsombor-n/open-webui/internal/resilience"
)

var tracer = otel.Tracer("openwebui/estimation")

// Fallback estimate returned when the estimation service cannot produce a
// usable answer. Conservative on purpose: a wide range with middling
// confidence.
const (
	fallbackLowMinutes        = 30
	fallbackMostLikelyMinutes = 60
	fallbackHighMinutes       = 120
	fallbackConfidence        = 50
)

// Config holds the model parameters and the request rate cap.
type Config struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	RequestsPerMinute int
}

// Estimate is the outcome of one estimation attempt. Fallback estimates
// carry a tagged RawResponse and zero cost.
type Estimate struct {
	LowMinutes        float64
	MostLikelyMinutes float64
	HighMinutes       float64
	Confidence        float64
	Reasoning         string
	RawResponse       string
	Fallback          bool
	PromptTokens      int
	CompletionTokens  int
	Cost              decimal.Decimal
}

// Estimator wraps the OpenAI client with the resilience policies. One
// Estimator serves a whole process; its breaker state is shared across all
// concurrent callers.
type Estimator struct {
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// Option overrides a resilience policy on an Estimator.
type Option func(*Estimator)

// WithRetryConfig replaces the default retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(e *Estimator) {
		e.retry = cfg
	}
}

// WithBreakerConfig replaces the default circuit-breaker policy.
func WithBreakerConfig(cfg resilience.BreakerConfig) Option {
	return func(e *Estimator) {
		e.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// NewEstimator creates an Estimator with the default retry and breaker
// policies.
func NewEstimator(client *openai.Client, cfg Config, opts ...Option) *Estimator {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	e := &Estimator{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate returns a manual-time estimate for the summary. It never returns
// an error: exhausted retries, an open circuit, and invalid responses all
// degrade to the fallback estimate so a flaky estimation service can only
// degrade results, not abort a run.
func (e *Estimator) Estimate(ctx context.Context, summary string) *Estimate {
	ctx, span := tracer.Start(ctx, "estimation.estimate",
		trace.WithAttributes(attribute.String("llm.model", e.cfg.Model)))
	defer span.End()

	if err := e.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return e.fallback(fmt.Sprintf("rate limiter aborted: %v", err))
	}

	var resp *openai.ChatCompletionResponse
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, e.retry, openai.IsRetryable, func(ctx context.Context) error {
			var callErr error
			resp, callErr = e.client.CreateChatCompletion(ctx, e.buildRequest(summary))
			return callErr
		})
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			logger.Warn("estimation circuit open, using fallback")
			return e.fallback("circuit_open")
		}
		logger.Warn("estimation request failed after retries, using fallback", "error", err)
		return e.fallback(fmt.Sprintf("llm_error: %v", err))
	}

	est, err := parseEstimateResponse(resp.FirstContent())
	if err != nil {
		logger.Warn("estimation response invalid, using fallback", "error", err)
		span.SetAttributes(attribute.Bool("estimate.fallback", true))
		fb := e.fallback(fmt.Sprintf("invalid_response: %v", err))
		// The request still cost tokens even though the answer is unusable
		fb.PromptTokens = resp.Usage.PromptTokens
		fb.CompletionTokens = resp.Usage.CompletionTokens
		fb.Cost = costForUsage(e.cfg.Model, resp.Usage)
		return fb
	}

	est.PromptTokens = resp.Usage.PromptTokens
	est.CompletionTokens = resp.Usage.CompletionTokens
	est.Cost = costForUsage(e.cfg.Model, resp.Usage)

	span.SetAttributes(
		attribute.Float64("estimate.most_likely_minutes", est.MostLikelyMinutes),
		attribute.Float64("estimate.confidence", est.Confidence),
		attribute.Int("llm.total_tokens", resp.Usage.TotalTokens),
	)
	return est
}

// BreakerState exposes the circuit state for the health endpoint.
func (e *Estimator) BreakerState() string {
	return e.breaker.State()
}

func (e *Estimator) buildRequest(summary string) *openai.ChatCompletionRequest {
	temp := e.cfg.Temperature
	return &openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		Temperature: &temp,
		MaxTokens:   e.cfg.MaxTokens,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPromptPrefix + summary},
		},
		ResponseFormat: &openai.ResponseFormat{Type: "json_object"},
	}
}

func (e *Estimator) fallback(reason string) *Estimate {
	return &Estimate{
		LowMinutes:        fallbackLowMinutes,
		MostLikelyMinutes: fallbackMostLikelyMinutes,
		HighMinutes:       fallbackHighMinutes,
		Confidence:        fallbackConfidence,
		RawResponse:       "fallback: " + reason,
		Fallback:          true,
		Cost:              decimal.Zero,
	}
}
