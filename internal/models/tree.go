package models

// TreeNode is a conversation placed in the display hierarchy. IsBranch
// reflects how the node is displayed: orphaned and cyclic branches are
// promoted to roots and report false here while Conversation keeps the
// stored value.
type TreeNode struct {
	Conversation Conversation `json:"conversation"`
	IsBranch     bool         `json:"isBranch"`
	IsOrphan     bool         `json:"isOrphan,omitempty"`
	Branches     []*TreeNode  `json:"branches"`
	HasChildren  bool         `json:"hasChildren"`
	Depth        int          `json:"depth"`
}

type BranchSummary struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	BranchName  *string `json:"branchName"`
	BranchOrder int     `json:"branchOrder"`
	IsBranch    bool    `json:"isBranch"`
	Depth       int     `json:"depth"`
	ChildCount  int     `json:"childCount"`
}

// BranchPath is the ancestor chain of a conversation, root first.
type BranchPath struct {
	ConversationID string          `json:"conversationId"`
	RootID         string          `json:"rootId"`
	Path           []BranchSummary `json:"path"`
	// Truncated is set when the walk stopped at a missing parent or a cycle.
	Truncated bool `json:"truncated,omitempty"`
}
