package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChatAnalysis is one analyzed conversation. Rows are created once per
// chat_id and only replaced by an explicit force reprocess.
type ChatAnalysis struct {
	ID                    int64
	ChatID                string
	UserIDHash            string
	FirstMessageAt        time.Time
	LastMessageAt         time.Time
	TotalDurationMinutes  float64
	ActiveDurationMinutes float64
	IdleDurationMinutes   float64
	EstimateLowMinutes    float64
	EstimateMostLikely    float64
	EstimateHighMinutes   float64
	ConfidenceLevel       float64
	TimeSavedMinutes      float64
	MessageCount          int
	ProcessedAt           time.Time
	ProcessingVersion     string
	SummaryText           string
	RawLLMResponse        string
}

// ProcessingRun is one row of the processing_log table.
type ProcessingRun struct {
	ID              uuid.UUID
	RunDate         time.Time
	StartedAt       time.Time
	CompletedAt     sql.NullTime
	Status          string
	Processed       int
	Skipped         int
	Failed          int
	LLMRequests     int
	LLMCostEstimate decimal.Decimal
	DurationSeconds sql.NullFloat64
	ErrorMessage    sql.NullString
	TriggeredBy     string
}

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunCounts holds the counters finalized when a run closes.
type RunCounts struct {
	Processed   int
	Skipped     int
	Failed      int
	LLMRequests int
	LLMCost     decimal.Decimal
}

// SourceChat is a conversation read from the Open WebUI chat table.
// The message list is extracted from the chat jsonb payload.
type SourceChat struct {
	ID        string
	UserID    string
	Title     string
	Messages  []SourceMessage
	UpdatedAt time.Time
}

// SourceMessage is a single message inside a source conversation.
// Timestamp is zero when the source entry carried none.
type SourceMessage struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// SourceUser is a row from the Open WebUI user table, used only to label
// per-user aggregates with display names.
type SourceUser struct {
	ID    string
	Name  string
	Email string
}
