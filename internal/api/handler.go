package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub001/internal/branch"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/config"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/db"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/llm"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
	"go.uber.org/zap"
)

// UserHeader carries the caller's identity, set by the authenticating
// proxy in front of this server.
const UserHeader = "X-User-ID"

const messagePageSize = 50

type Handler struct {
	db       *db.Database
	branches *branch.Service
	llm      *llm.Service
	logger   *zap.Logger
	limiter  *userLimiter
}

func NewHandler(database *db.Database, branches *branch.Service, llmService *llm.Service, limits config.RateLimitConfig, logger *zap.Logger) *Handler {
	return &Handler{
		db:       database,
		branches: branches,
		llm:      llmService,
		logger:   logger,
		limiter:  newUserLimiter(limits.PerSecond, limits.Burst),
	}
}

// Register installs all API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations", h.requireUser(h.GetConversations))
	mux.HandleFunc("POST /api/conversations", h.requireUser(h.CreateConversation))
	mux.HandleFunc("PUT /api/conversations/{id}", h.requireUser(h.UpdateConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", h.requireUser(h.limited(h.DeleteConversation)))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.requireUser(h.GetMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.requireUser(h.HandleMessage))

	mux.HandleFunc("GET /api/conversations/tree", h.requireUser(h.GetHierarchicalConversationTree))
	mux.HandleFunc("GET /api/conversations/{id}/branches", h.requireUser(h.GetConversationBranches))
	mux.HandleFunc("POST /api/conversations/{id}/branches", h.requireUser(h.limited(h.CreateBranchConversation)))
	mux.HandleFunc("GET /api/conversations/{id}/path", h.requireUser(h.GetBranchPath))
	mux.HandleFunc("DELETE /api/branches/{id}", h.requireUser(h.limited(h.DeleteBranchConversation)))
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	Message *models.Message `json:"message"`
}

type CreateBranchRequest struct {
	MessageID   string `json:"messageId"`
	BranchName  string `json:"branchName"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model"`
}

type BranchConversation struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	BranchName           string    `json:"branchName"`
	ParentConversationID string    `json:"parentConversationId"`
	BranchPointMessageID string    `json:"branchPointMessageId"`
	CreatedAt            time.Time `json:"createdAt"`
	Model                string    `json:"model"`
}

type CreateBranchResponse struct {
	Success            bool               `json:"success"`
	BranchConversation BranchConversation `json:"branchConversation"`
	Message            string             `json:"message"`
}

type DeleteBranchResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func userFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func (h *Handler) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		h.logger.Error("Failed to encode response",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	}
}

// fail maps err to a status code. Caller errors carry their message to
// the client, anything else is logged and reported generically.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, branch.ErrInvalidBranchName), errors.Is(err, branch.ErrBranchPointNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, branch.ErrParentNotFound),
		errors.Is(err, branch.ErrNotFoundOrNotOwned),
		errors.Is(err, db.ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.db.ListUserConversations(r.Context(), userFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))
	h.respond(w, r, http.StatusOK, conversations)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = "New conversation"
	}

	conv := &models.Conversation{UserID: userFrom(r), Title: req.Title, Model: req.Model}
	if err := h.db.CreateConversation(r.Context(), conv); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, conv)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := r.PathValue("id")
	if _, err := h.db.GetUserConversation(r.Context(), id, userFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.db.UpdateConversationTitle(r.Context(), id, strings.TrimSpace(req.Title)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.branches.DeleteConversation(r.Context(), r.PathValue("id"), userFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.db.GetUserConversation(r.Context(), id, userFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}

	messages, err := h.db.GetConversationHistory(r.Context(), id, messagePageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, messages)
}

// HandleMessage stores a user message and answers it with the model.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conv, err := h.db.GetUserConversation(r.Context(), r.PathValue("id"), userFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	userMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        req.Content,
	}
	if err := h.db.SaveMessage(r.Context(), userMsg); err != nil {
		h.logger.Error("Failed to save user message", zap.Error(err))
		h.fail(w, r, err)
		return
	}

	response, err := h.llm.ProcessMessage(r.Context(), *userMsg)
	if err != nil {
		h.logger.Error("Failed to process message", zap.Error(err), zap.String("conversationId", conv.ID))
		writeError(w, http.StatusBadGateway, "Failed to process message")
		return
	}
	h.respond(w, r, http.StatusOK, MessageResponse{Message: response})
}

func (h *Handler) CreateBranchConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}

	conv, err := h.branches.CreateBranch(r.Context(), branch.CreateRequest{
		UserID:               userFrom(r),
		ParentConversationID: r.PathValue("id"),
		BranchPointMessageID: req.MessageID,
		BranchName:           req.BranchName,
		Title:                req.Title,
		Model:                req.Model,
		Description:          req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respond(w, r, http.StatusCreated, CreateBranchResponse{
		Success: true,
		BranchConversation: BranchConversation{
			ID:                   conv.ID,
			Title:                conv.Title,
			BranchName:           conv.Name(),
			ParentConversationID: conv.ParentID(),
			BranchPointMessageID: req.MessageID,
			CreatedAt:            conv.CreatedAt,
			Model:                conv.Model,
		},
		Message: "Branch created successfully",
	})
}

func (h *Handler) GetConversationBranches(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.db.GetUserConversation(r.Context(), id, userFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}

	branches, err := h.branches.GetBranches(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, branches)
}

func (h *Handler) GetHierarchicalConversationTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.branches.BuildTree(r.Context(), userFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, tree)
}

func (h *Handler) GetBranchPath(w http.ResponseWriter, r *http.Request) {
	path, err := h.branches.GetBranchPath(r.Context(), r.PathValue("id"), userFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, path)
}

func (h *Handler) DeleteBranchConversation(w http.ResponseWriter, r *http.Request) {
	ok, err := h.branches.DeleteBranch(r.Context(), r.PathValue("id"), userFrom(r))
	if err != nil {
		if branch.IsCallerError(err) {
			h.respond(w, r, http.StatusNotFound, DeleteBranchResponse{Success: false, Error: err.Error()})
			return
		}
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, DeleteBranchResponse{Success: ok})
}
