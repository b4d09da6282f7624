package branch

import (
	"sort"

	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
)

// Hierarchy indexes a flat list of conversations by id and by parent.
// It never mutates the conversations it was built from.
type Hierarchy struct {
	order    []*models.Conversation
	byID     map[string]*models.Conversation
	children map[string][]*models.Conversation
}

func NewHierarchy(conversations []models.Conversation) *Hierarchy {
	h := &Hierarchy{
		order:    make([]*models.Conversation, 0, len(conversations)),
		byID:     make(map[string]*models.Conversation, len(conversations)),
		children: make(map[string][]*models.Conversation),
	}
	for i := range conversations {
		conv := &conversations[i]
		if _, dup := h.byID[conv.ID]; dup {
			continue
		}
		h.byID[conv.ID] = conv
		h.order = append(h.order, conv)
	}
	for _, conv := range h.order {
		// a non-branch with a parent pointer is malformed and stays a root
		if conv.IsBranch && conv.ParentID() != "" {
			h.children[conv.ParentID()] = append(h.children[conv.ParentID()], conv)
		}
	}
	for _, siblings := range h.children {
		SortSiblings(siblings)
	}
	return h
}

// SortSiblings orders by branch order, then creation time. The id is a
// last resort so the result is deterministic.
func SortSiblings(siblings []*models.Conversation) {
	sort.SliceStable(siblings, func(i, j int) bool {
		a, b := siblings[i], siblings[j]
		if a.BranchOrder != b.BranchOrder {
			return a.BranchOrder < b.BranchOrder
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (h *Hierarchy) Get(id string) (*models.Conversation, bool) {
	conv, ok := h.byID[id]
	return conv, ok
}

// Children returns the direct branches of id in display order.
func (h *Hierarchy) Children(id string) []*models.Conversation {
	return h.children[id]
}

// isOrphan reports a branch whose parent is not in the hierarchy.
func (h *Hierarchy) isOrphan(conv *models.Conversation) bool {
	if !conv.IsBranch {
		return false
	}
	_, ok := h.byID[conv.ParentID()]
	return !ok
}

// onCycle reports whether following parent pointers from conv leads back
// to conv itself.
func (h *Hierarchy) onCycle(conv *models.Conversation) bool {
	visited := map[string]bool{conv.ID: true}
	cur := conv
	for cur.IsBranch {
		parent, ok := h.byID[cur.ParentID()]
		if !ok {
			return false
		}
		if parent.ID == conv.ID {
			return true
		}
		if visited[parent.ID] {
			// cycle further up that conv is not part of
			return false
		}
		visited[parent.ID] = true
		cur = parent
	}
	return false
}

// Ancestors walks parent pointers from id and returns the chain root
// first. truncated is set when the walk ended at a missing parent or at a
// conversation already seen on the way; in both cases the last
// conversation reached acts as the root.
func (h *Hierarchy) Ancestors(id string) (chain []*models.Conversation, truncated bool) {
	cur, ok := h.byID[id]
	if !ok {
		return nil, false
	}

	visited := make(map[string]bool)
	for {
		visited[cur.ID] = true
		chain = append(chain, cur)
		if !cur.IsBranch {
			break
		}
		parent, ok := h.byID[cur.ParentID()]
		if !ok || visited[parent.ID] {
			truncated = true
			break
		}
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, truncated
}

// RootOf returns the id of the conversation that terminates id's ancestor
// chain, or "" when id is unknown.
func (h *Hierarchy) RootOf(id string) string {
	chain, _ := h.Ancestors(id)
	if len(chain) == 0 {
		return ""
	}
	return chain[0].ID
}

// Tree builds the display forest. Roots, orphaned branches and branches
// on a parent cycle are top-level nodes, kept in the input order; every
// other branch is nested under its parent.
func (h *Hierarchy) Tree() []*models.TreeNode {
	promoted := make(map[string]bool)
	for _, conv := range h.order {
		if conv.IsBranch && (h.isOrphan(conv) || h.onCycle(conv)) {
			promoted[conv.ID] = true
		}
	}

	nodes := make([]*models.TreeNode, 0)
	for _, conv := range h.order {
		if conv.IsBranch && !promoted[conv.ID] {
			continue
		}
		node := &models.TreeNode{
			Conversation: *conv,
			IsBranch:     false,
			IsOrphan:     conv.IsBranch && h.isOrphan(conv),
			Depth:        0,
		}
		h.attach(node, promoted, map[string]bool{conv.ID: true})
		nodes = append(nodes, node)
	}
	return nodes
}

func (h *Hierarchy) attach(node *models.TreeNode, promoted, path map[string]bool) {
	node.Branches = make([]*models.TreeNode, 0)
	for _, child := range h.children[node.Conversation.ID] {
		if promoted[child.ID] || path[child.ID] {
			continue
		}
		childNode := &models.TreeNode{
			Conversation: *child,
			IsBranch:     true,
			Depth:        node.Depth + 1,
		}
		path[child.ID] = true
		h.attach(childNode, promoted, path)
		delete(path, child.ID)
		node.Branches = append(node.Branches, childNode)
	}
	node.HasChildren = len(node.Branches) > 0
}

// Summaries converts an ancestor chain into path entries with depths.
func Summaries(chain []*models.Conversation, counts func(id string) int) []models.BranchSummary {
	path := make([]models.BranchSummary, 0, len(chain))
	for depth, conv := range chain {
		path = append(path, models.BranchSummary{
			ID:          conv.ID,
			Title:       conv.Title,
			BranchName:  conv.BranchName,
			BranchOrder: conv.BranchOrder,
			IsBranch:    conv.IsBranch && depth > 0,
			Depth:       depth,
			ChildCount:  counts(conv.ID),
		})
	}
	return path
}
