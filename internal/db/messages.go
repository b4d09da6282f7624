package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
)

const messageColumns = `id, conversation_id, role, content, model, token_count, metadata, parent_id, created_at, updated_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg      models.Message
		metadata sql.NullString
		parentID sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Model,
		&msg.TokenCount, &metadata, &parentID, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		msg.Metadata = json.RawMessage(metadata.String)
	}
	msg.ParentID = stringPtr(parentID)
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return &msg, nil
}

// SaveMessage inserts msg. Timestamps that are already set are stored
// as given.
func (q *Queries) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	var metadata any
	if len(msg.Metadata) > 0 {
		metadata = string(msg.Metadata)
	}

	_, err := q.q.ExecContext(ctx, `
        INSERT INTO messages (`+messageColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Model, msg.TokenCount,
		metadata, msg.ParentID, formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessages returns all messages of a conversation in creation order.
func (q *Queries) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return q.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, rowid ASC`, conversationID)
}

// GetConversationHistory returns the latest limit messages, oldest first.
func (q *Queries) GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	messages, err := q.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (q *Queries) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (q *Queries) DeleteMessages(ctx context.Context, conversationID string) error {
	if _, err := q.q.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("failed to delete messages of %s: %w", conversationID, err)
	}
	return nil
}
