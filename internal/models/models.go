// Package models holds the API response types shared between the analytics
// query layer and the HTTP handlers.
package models

import "time"

// AnalyticsSummary aggregates a date range, either globally or for one user.
type AnalyticsSummary struct {
	StartDate                   string  `json:"start_date"`
	EndDate                     string  `json:"end_date"`
	ConversationCount           int     `json:"conversation_count"`
	MessageCount                int     `json:"message_count"`
	TotalActiveMinutes          float64 `json:"total_active_minutes"`
	TotalManualEstimateMinutes  float64 `json:"total_manual_estimate_minutes"`
	TotalTimeSavedMinutes       float64 `json:"total_time_saved_minutes"`
	AvgTimeSavedPerConversation float64 `json:"avg_time_saved_per_conversation"`
	AvgConfidence               float64 `json:"avg_confidence"`
}

// TrendPoint is one day of the daily trend series.
type TrendPoint struct {
	Date              string  `json:"date"`
	ConversationCount int     `json:"conversation_count"`
	TimeSavedMinutes  float64 `json:"time_saved_minutes"`
	ActiveMinutes     float64 `json:"active_minutes"`
}

// UserBreakdownRow ranks one user in the per-user breakdown. DisplayName is
// resolved from the user directory when the hash matches a known user;
// otherwise it stays empty and the hash is the only identifier.
type UserBreakdownRow struct {
	UserIDHash        string  `json:"user_id_hash"`
	DisplayName       string  `json:"display_name,omitempty"`
	ConversationCount int     `json:"conversation_count"`
	TimeSavedMinutes  float64 `json:"time_saved_minutes"`
	ActiveMinutes     float64 `json:"active_minutes"`
	AvgConfidence     float64 `json:"avg_confidence"`
}

// ConversationRow is one analyzed conversation in the paginated detail list.
// The raw LLM response is intentionally absent; it is audit-only.
type ConversationRow struct {
	ChatID             string    `json:"chat_id"`
	UserIDHash         string    `json:"user_id_hash"`
	ProcessedAt        time.Time `json:"processed_at"`
	MessageCount       int       `json:"message_count"`
	TotalMinutes       float64   `json:"total_minutes"`
	ActiveMinutes      float64   `json:"active_minutes"`
	IdleMinutes        float64   `json:"idle_minutes"`
	EstimateMostLikely float64   `json:"estimate_most_likely_minutes"`
	TimeSavedMinutes   float64   `json:"time_saved_minutes"`
	Confidence         float64   `json:"confidence"`
	Summary            string    `json:"summary"`
}

// ConversationPage wraps a detail-list page with pagination metadata.
type ConversationPage struct {
	Conversations []ConversationRow `json:"conversations"`
	Page          int               `json:"page"`
	PageSize      int               `json:"page_size"`
	TotalCount    int               `json:"total_count"`
}

// RunStatus is the API view of one processing_log row.
type RunStatus struct {
	ID              string     `json:"id"`
	RunDate         string     `json:"run_date"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          string     `json:"status"`
	Processed       int        `json:"conversations_processed"`
	Skipped         int        `json:"conversations_skipped"`
	Failed          int        `json:"conversations_failed"`
	LLMRequests     int        `json:"llm_requests_made"`
	LLMCostEstimate string     `json:"llm_cost_estimate"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	TriggeredBy     string     `json:"triggered_by,omitempty"`
}

// CacheStats reports result-cache counters on the health endpoint.
type CacheStats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"max_entries"`
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status       string     `json:"status"`
	LastRun      *RunStatus `json:"last_run,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	Cache        CacheStats `json:"cache"`
	CircuitState string     `json:"circuit_state,omitempty"`
}

// RunResult summarizes a finished pipeline run for logs and the trigger
// endpoint response.
type RunResult struct {
	RunID       string  `json:"run_id"`
	RunDate     string  `json:"run_date"`
	Status      string  `json:"status"`
	Processed   int     `json:"conversations_processed"`
	Skipped     int     `json:"conversations_skipped"`
	Failed      int     `json:"conversations_failed"`
	LLMRequests int     `json:"llm_requests_made"`
	LLMCost     string  `json:"llm_cost_estimate"`
	Fallbacks   int     `json:"fallback_estimates"`
	DurationSec float64 `json:"duration_seconds"`
}
