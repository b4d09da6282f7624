package branch

import (
	"context"
	"errors"
	"fmt"

	"github.com/mosmn/conversational-glass-ai-sub001/internal/db"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
)

// Aggregate derives the branching metadata of a parent from its direct
// children. Names keep sibling order and appear once.
func Aggregate(children []models.Conversation) models.BranchingMetadata {
	meta := models.BranchingMetadata{
		ChildBranchCount:     len(children),
		IsParentConversation: len(children) > 0,
		BranchNames:          make([]string, 0, len(children)),
	}

	seen := make(map[string]bool, len(children))
	for _, child := range children {
		if name := child.Name(); name != "" && !seen[name] {
			seen[name] = true
			meta.BranchNames = append(meta.BranchNames, name)
		}
		if child.BranchCreatedAt != nil {
			if meta.LastBranchedAt == nil || child.BranchCreatedAt.After(*meta.LastBranchedAt) {
				t := *child.BranchCreatedAt
				meta.LastBranchedAt = &t
			}
		}
	}
	return meta
}

// refreshParentMetadata recomputes the parent's aggregate inside tx. A
// parent that no longer exists has nothing to refresh.
func refreshParentMetadata(ctx context.Context, tx *db.Queries, parentID string) (*models.BranchingMetadata, error) {
	parent, err := tx.GetConversation(ctx, parentID)
	if errors.Is(err, db.ErrConversationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	children, err := tx.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}

	agg := Aggregate(children)
	metadata := parent.Metadata
	metadata.Branching = &agg
	if err := tx.UpdateMetadata(ctx, parentID, metadata); err != nil {
		return nil, fmt.Errorf("failed to refresh metadata of %s: %w", parentID, err)
	}
	return &agg, nil
}
