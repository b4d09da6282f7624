package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
)

const conversationColumns = `id, user_id, title, description, model, parent_conversation_id, is_branch,
    branch_point_message_id, branch_name, branch_order, branch_created_at, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv            models.Conversation
		parentID        sql.NullString
		branchPointID   sql.NullString
		branchName      sql.NullString
		branchCreatedAt sql.NullTime
		metadataJSON    string
	)

	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Description, &conv.Model,
		&parentID, &conv.IsBranch, &branchPointID, &branchName, &conv.BranchOrder,
		&branchCreatedAt, &metadataJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	conv.ParentConversationID = stringPtr(parentID)
	conv.BranchPointMessageID = stringPtr(branchPointID)
	conv.BranchName = stringPtr(branchName)
	conv.BranchCreatedAt = timePtr(branchCreatedAt)
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()

	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of conversation %s: %w", conv.ID, err)
		}
	}
	return &conv, nil
}

func (q *Queries) queryConversations(ctx context.Context, query string, args ...any) ([]models.Conversation, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

// CreateConversation inserts conv, filling in the id and timestamps when
// they are unset.
func (q *Queries) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
        INSERT INTO conversations (`+conversationColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Description, conv.Model,
		conv.ParentConversationID, conv.IsBranch, conv.BranchPointMessageID, conv.BranchName,
		conv.BranchOrder, nullTime(conv.BranchCreatedAt), string(metadata),
		formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (q *Queries) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := scanConversation(q.q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conv, nil
}

// GetUserConversation returns ErrConversationNotFound both for missing
// rows and for rows owned by another user.
func (q *Queries) GetUserConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	conv, err := scanConversation(q.q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListUserConversations returns every conversation of a user, branches
// included, most recently updated first.
func (q *Queries) ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	conversations, err := q.queryConversations(ctx, `
        SELECT `+conversationColumns+`
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// ListChildren returns the direct branches of parentID ordered by
// branch_order, then created_at.
func (q *Queries) ListChildren(ctx context.Context, parentID string) ([]models.Conversation, error) {
	conversations, err := q.queryConversations(ctx, `
        SELECT `+conversationColumns+`
        FROM conversations
        WHERE parent_conversation_id = ?
        ORDER BY branch_order ASC, created_at ASC, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches of %s: %w", parentID, err)
	}
	return conversations, nil
}

func (q *Queries) CountChildren(ctx context.Context, parentID string) (int, error) {
	var count int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE parent_conversation_id = ?`, parentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count branches of %s: %w", parentID, err)
	}
	return count, nil
}

// RenumberChildren rewrites branch_order of parentID's children to 0..n-1,
// keeping their current relative order.
func (q *Queries) RenumberChildren(ctx context.Context, parentID string) error {
	children, err := q.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for i, child := range children {
		if child.BranchOrder == i {
			continue
		}
		if _, err := q.q.ExecContext(ctx,
			`UPDATE conversations SET branch_order = ? WHERE id = ?`, i, child.ID); err != nil {
			return fmt.Errorf("failed to renumber branch %s: %w", child.ID, err)
		}
	}
	return nil
}

// UpdateMetadata replaces the whole metadata value of a conversation.
func (q *Queries) UpdateMetadata(ctx context.Context, id string, metadata models.ConversationMetadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	result, err := q.q.ExecContext(ctx,
		`UPDATE conversations SET metadata = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update metadata of %s: %w", id, err)
	}
	return expectRow(result, id)
}

func (q *Queries) UpdateConversationTitle(ctx context.Context, id, title string) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	return expectRow(result, id)
}

func (q *Queries) TouchConversation(ctx context.Context, id string) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return nil
}

// DeleteConversation removes the conversation and its messages. Child
// branches are left untouched.
func (q *Queries) DeleteConversation(ctx context.Context, id string) error {
	if err := q.DeleteMessages(ctx, id); err != nil {
		return err
	}
	result, err := q.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return expectRow(result, id)
}

func expectRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}
