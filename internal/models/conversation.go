package models

import (
	"encoding/json"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"` // user, assistant, or system
	Content        string          `json:"content"`
	Model          string          `json:"model,omitempty"`
	TokenCount     int             `json:"tokenCount"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ParentID       *string         `json:"parentId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// BranchingMetadata is derived from the children of a conversation and is
// only ever replaced as a whole value.
type BranchingMetadata struct {
	ChildBranchCount     int        `json:"childBranchCount"`
	IsParentConversation bool       `json:"isParentConversation"`
	BranchNames          []string   `json:"branchNames"`
	LastBranchedAt       *time.Time `json:"lastBranchedAt,omitempty"`
}

type ConversationMetadata struct {
	Branching *BranchingMetadata `json:"branchingMetadata,omitempty"`
}

type Conversation struct {
	ID                   string               `json:"id"`
	UserID               string               `json:"userId"`
	Title                string               `json:"title"`
	Description          string               `json:"description,omitempty"`
	Model                string               `json:"model"`
	ParentConversationID *string              `json:"parentConversationId"`
	IsBranch             bool                 `json:"isBranch"`
	BranchPointMessageID *string              `json:"branchPointMessageId"`
	BranchName           *string              `json:"branchName"`
	BranchOrder          int                  `json:"branchOrder"`
	BranchCreatedAt      *time.Time           `json:"branchCreatedAt"`
	Metadata             ConversationMetadata `json:"metadata"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// ParentID returns the parent conversation id, or "" for roots.
func (c *Conversation) ParentID() string {
	if c.ParentConversationID == nil {
		return ""
	}
	return *c.ParentConversationID
}

// Name returns the branch name, or "" for non-branches.
func (c *Conversation) Name() string {
	if c.BranchName == nil {
		return ""
	}
	return *c.BranchName
}
