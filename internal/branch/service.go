// Package branch forks conversations at a message, deletes branches, keeps
// the parent's branch metadata current and rebuilds the conversation
// hierarchy for display.
package branch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/db"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
	"go.uber.org/zap"
)

const maxBranchNameLen = 100

// TitleSuggester proposes a title for a new branch from its copied
// history.
type TitleSuggester interface {
	SuggestBranchTitle(ctx context.Context, parentTitle, branchName string, history []models.Message) (string, error)
}

type Service struct {
	db     *db.Database
	titles TitleSuggester
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Service. titles may be nil, in which case untitled
// branches are named after their parent.
func New(database *db.Database, titles TitleSuggester, logger *zap.Logger) *Service {
	return &Service{
		db:     database,
		titles: titles,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	UserID               string
	ParentConversationID string
	BranchPointMessageID string
	BranchName           string
	Title                string
	Model                string
	Description          string
}

// CreateBranch forks the parent at the branch point message. The new
// conversation starts with copies of every parent message up to and
// including the branch point, with their original timestamps.
func (s *Service) CreateBranch(ctx context.Context, req CreateRequest) (*models.Conversation, error) {
	const op = "create branch"

	name := strings.TrimSpace(req.BranchName)
	if name == "" || utf8.RuneCountInString(name) > maxBranchNameLen {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: must be 1-%d characters", ErrInvalidBranchName, maxBranchNameLen)}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		parent, history, err := s.loadForkSource(ctx, op, s.db.Queries, req)
		if err != nil {
			return nil, err
		}
		title = s.suggestTitle(ctx, parent, name, history)
	}

	var branch *models.Conversation
	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		parent, history, err := s.loadForkSource(ctx, op, tx, req)
		if err != nil {
			return err
		}

		order, err := tx.CountChildren(ctx, parent.ID)
		if err != nil {
			return err
		}

		model := req.Model
		if model == "" {
			model = parent.Model
		}
		now := s.now()
		parentID := parent.ID
		pointID := req.BranchPointMessageID
		branch = &models.Conversation{
			ID:                   uuid.NewString(),
			UserID:               req.UserID,
			Title:                title,
			Description:          req.Description,
			Model:                model,
			ParentConversationID: &parentID,
			IsBranch:             true,
			BranchPointMessageID: &pointID,
			BranchName:           &name,
			BranchOrder:          order,
			BranchCreatedAt:      &now,
			Metadata: models.ConversationMetadata{
				Branching: &models.BranchingMetadata{
					BranchNames: []string{name},
				},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateConversation(ctx, branch); err != nil {
			return err
		}

		for _, msg := range history {
			cp := copyMessage(msg, branch.ID)
			if err := tx.SaveMessage(ctx, &cp); err != nil {
				return fmt.Errorf("failed to copy message %s: %w", msg.ID, err)
			}
		}

		_, err = refreshParentMetadata(ctx, tx, parent.ID)
		return err
	})
	if err != nil {
		if !IsCallerError(err) {
			s.logger.Error("failed to create branch",
				zap.Error(err),
				zap.String("parentConversationId", req.ParentConversationID),
				zap.String("branchPointMessageId", req.BranchPointMessageID))
		}
		return nil, err
	}

	s.logger.Info("created branch",
		zap.String("conversationId", branch.ID),
		zap.String("parentConversationId", req.ParentConversationID),
		zap.String("branchName", name),
		zap.Int("branchOrder", branch.BranchOrder))
	return branch, nil
}

// loadForkSource validates ownership of the parent and returns its
// history truncated after the branch point.
func (s *Service) loadForkSource(ctx context.Context, op string, q *db.Queries, req CreateRequest) (*models.Conversation, []models.Message, error) {
	parent, err := q.GetUserConversation(ctx, req.ParentConversationID, req.UserID)
	if errors.Is(err, db.ErrConversationNotFound) {
		return nil, nil, &Error{Op: op, ID: req.ParentConversationID, Err: ErrParentNotFound}
	}
	if err != nil {
		return nil, nil, err
	}

	messages, err := q.GetMessages(ctx, parent.ID)
	if err != nil {
		return nil, nil, err
	}
	for i, msg := range messages {
		if msg.ID == req.BranchPointMessageID {
			return parent, messages[:i+1], nil
		}
	}
	return nil, nil, &Error{Op: op, ID: req.BranchPointMessageID, Err: ErrBranchPointNotFound}
}

// copyMessage keeps content and timestamps; identity and the
// message-level thread pointer are not carried over.
func copyMessage(msg models.Message, conversationID string) models.Message {
	cp := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Model:          msg.Model,
		TokenCount:     msg.TokenCount,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if len(msg.Metadata) > 0 {
		cp.Metadata = append(cp.Metadata, msg.Metadata...)
	}
	return cp
}

func (s *Service) suggestTitle(ctx context.Context, parent *models.Conversation, name string, history []models.Message) string {
	fallback := fmt.Sprintf("%s - %s", parent.Title, name)
	if s.titles == nil {
		return fallback
	}
	title, err := s.titles.SuggestBranchTitle(ctx, parent.Title, name, history)
	if err != nil {
		s.logger.Warn("title suggestion failed, using fallback",
			zap.Error(err),
			zap.String("parentConversationId", parent.ID))
		return fallback
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return fallback
	}
	return title
}

// DeleteBranch removes a branch owned by userID together with its
// messages. Its own branches are kept and become orphans. Remaining
// siblings are renumbered and the parent's metadata refreshed in the same
// transaction.
func (s *Service) DeleteBranch(ctx context.Context, conversationID, userID string) (bool, error) {
	const op = "delete branch"

	var parentID string
	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		conv, err := tx.GetUserConversation(ctx, conversationID, userID)
		if errors.Is(err, db.ErrConversationNotFound) || (err == nil && !conv.IsBranch) {
			return &Error{Op: op, ID: conversationID, Err: ErrNotFoundOrNotOwned}
		}
		if err != nil {
			return err
		}

		if err := tx.DeleteConversation(ctx, conv.ID); err != nil {
			return err
		}
		parentID = conv.ParentID()
		return s.afterRemoval(ctx, tx, parentID)
	})
	if err != nil {
		if !IsCallerError(err) {
			s.logger.Error("failed to delete branch", zap.Error(err), zap.String("conversationId", conversationID))
		}
		return false, err
	}

	s.logger.Info("deleted branch",
		zap.String("conversationId", conversationID),
		zap.String("parentConversationId", parentID))
	return true, nil
}

// DeleteConversation removes any conversation owned by userID, branch or
// not. Descendants are left in place.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		conv, err := tx.GetUserConversation(ctx, conversationID, userID)
		if errors.Is(err, db.ErrConversationNotFound) {
			return &Error{Op: "delete conversation", ID: conversationID, Err: ErrNotFoundOrNotOwned}
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteConversation(ctx, conv.ID); err != nil {
			return err
		}
		if !conv.IsBranch {
			return nil
		}
		return s.afterRemoval(ctx, tx, conv.ParentID())
	})
	if err != nil {
		return err
	}
	s.logger.Info("deleted conversation", zap.String("conversationId", conversationID))
	return nil
}

func (s *Service) afterRemoval(ctx context.Context, tx *db.Queries, parentID string) error {
	if parentID == "" {
		return nil
	}
	if err := tx.RenumberChildren(ctx, parentID); err != nil {
		return err
	}
	_, err := refreshParentMetadata(ctx, tx, parentID)
	return err
}

// RefreshParentMetadata recomputes the branching metadata of a parent
// from its current children. Running it again without intervening
// changes yields the same value.
func (s *Service) RefreshParentMetadata(ctx context.Context, parentID string) (*models.BranchingMetadata, error) {
	var meta *models.BranchingMetadata
	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		var err error
		meta, err = refreshParentMetadata(ctx, tx, parentID)
		return err
	})
	return meta, err
}

// GetBranches lists the direct branches of a conversation by branch
// order, then creation time.
func (s *Service) GetBranches(ctx context.Context, parentID string) ([]models.Conversation, error) {
	return s.db.ListChildren(ctx, parentID)
}

// BuildTree returns the user's conversations as a forest of branch trees.
func (s *Service) BuildTree(ctx context.Context, userID string) ([]*models.TreeNode, error) {
	conversations, err := s.db.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewHierarchy(conversations).Tree(), nil
}

// GetBranchPath returns the ancestor chain of a conversation, root first.
func (s *Service) GetBranchPath(ctx context.Context, conversationID, userID string) (*models.BranchPath, error) {
	conversations, err := s.db.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	h := NewHierarchy(conversations)
	chain, truncated := h.Ancestors(conversationID)
	if len(chain) == 0 {
		return nil, &Error{Op: "branch path", ID: conversationID, Err: ErrNotFoundOrNotOwned}
	}
	if truncated {
		s.logger.Debug("branch path truncated",
			zap.String("conversationId", conversationID),
			zap.String("rootId", chain[0].ID))
	}

	return &models.BranchPath{
		ConversationID: conversationID,
		RootID:         chain[0].ID,
		Path:           Summaries(chain, func(id string) int { return len(h.Children(id)) }),
		Truncated:      truncated,
	}, nil
}
