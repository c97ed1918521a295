package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// The chat and user tables belong to the Open WebUI application; this
// service only ever reads them. Timestamps in those tables are epoch
// seconds, including the per-message timestamps inside the chat jsonb.

// FetchChats returns conversations updated within [windowStart, windowEnd)
// that have not been analyzed yet, oldest first, capped at limit. With
// includeAnalyzed set (force reprocess) already-analyzed conversations are
// returned as well.
func (db *DB) FetchChats(ctx context.Context, windowStart, windowEnd time.Time, limit int, includeAnalyzed bool) ([]SourceChat, error) {
	ctx, span := tracer.Start(ctx, "db.fetch_chats",
		trace.WithAttributes(
			attribute.Int("limit", limit),
			attribute.Bool("include_analyzed", includeAnalyzed),
		))
	defer span.End()

	query := `
		SELECT c.id, c.user_id, COALESCE(c.title, ''), c.chat, c.updated_at
		FROM chat c
		LEFT JOIN chat_analysis ca ON ca.chat_id = c.id
		WHERE c.updated_at >= $1 AND c.updated_at < $2
			AND ($3 OR ca.id IS NULL)
		ORDER BY c.updated_at
		LIMIT $4
	`

	rows, err := db.conn.QueryContext(ctx, query,
		windowStart.Unix(), windowEnd.Unix(), includeAnalyzed, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch chats: %w", err)
	}
	defer rows.Close()

	var chats []SourceChat
	for rows.Next() {
		var chat SourceChat
		var payload []byte
		var updatedAt int64
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chat.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		chat.Messages = parseChatMessages(payload)
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}

	span.SetAttributes(attribute.Int("chat.count", len(chats)))
	return chats, nil
}

// ListUsers returns every row of the user directory. Used by the analytics
// layer to label per-user aggregates: hashes are one-way, so labeling works
// by hashing each directory entry and matching.
func (db *DB) ListUsers(ctx context.Context) ([]SourceUser, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, COALESCE(name, ''), COALESCE(email, '') FROM "user"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []SourceUser
	for rows.Next() {
		var u SourceUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// chatPayload mirrors the subset of the Open WebUI chat jsonb we read.
type chatPayload struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// parseChatMessages extracts the message list from the chat jsonb payload.
// Malformed payloads yield an empty list rather than an error: the pipeline
// treats such conversations as zero-metric, not as failures.
func parseChatMessages(payload []byte) []SourceMessage {
	if len(payload) == 0 {
		return nil
	}

	var parsed chatPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil
	}

	messages := make([]SourceMessage, 0, len(parsed.Messages))
	for _, m := range parsed.Messages {
		msg := SourceMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.Timestamp > 0 {
			sec := int64(m.Timestamp)
			nsec := int64((m.Timestamp - float64(sec)) * 1e9)
			msg.Timestamp = time.Unix(sec, nsec).UTC()
		}
		messages = append(messages, msg)
	}
	return messages
}
