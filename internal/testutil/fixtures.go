package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/zsombor-n/open-webui/internal/db"
)

// CreateSourceTables creates minimal chat and "user" tables matching the
// columns the analytics pipeline reads. The real tables belong to the chat
// application and carry many more columns; tests only need this subset.
func CreateSourceTables(ctx context.Context, database *db.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			chat JSONB,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS "user" (
			id TEXT PRIMARY KEY,
			name TEXT,
			email TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SeedUser inserts a directory row.
func SeedUser(t *testing.T, env *TestEnvironment, id, name, email string) {
	t.Helper()
	_, err := env.DB.Exec(env.Ctx,
		`INSERT INTO "user" (id, name, email) VALUES ($1, $2, $3)`,
		id, name, email)
	if err != nil {
		t.Fatalf("failed to seed user %s: %v", id, err)
	}
}

// Message is one turn of a seeded conversation.
type Message struct {
	Role    string
	Content string
	At      time.Time
}

// SeedChat inserts a conversation with the given messages. The row's
// updated_at is the timestamp of the last message.
func SeedChat(t *testing.T, env *TestEnvironment, chatID, userID, title string, messages []Message) {
	t.Helper()

	type payloadMessage struct {
		Role      string  `json:"role"`
		Content   string  `json:"content"`
		Timestamp float64 `json:"timestamp"`
	}

	encoded := make([]payloadMessage, len(messages))
	var last time.Time
	for i, m := range messages {
		encoded[i] = payloadMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: float64(m.At.Unix()),
		}
		if m.At.After(last) {
			last = m.At
		}
	}

	payload, err := json.Marshal(map[string]any{"messages": encoded})
	if err != nil {
		t.Fatalf("failed to marshal chat payload: %v", err)
	}

	_, err = env.DB.Exec(env.Ctx,
		`INSERT INTO chat (id, user_id, title, chat, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		chatID, userID, title, payload, last.Unix())
	if err != nil {
		t.Fatalf("failed to seed chat %s: %v", chatID, err)
	}
}
