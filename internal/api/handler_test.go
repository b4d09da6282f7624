package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub001/internal/branch"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/config"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/db"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/llm"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

type echoModel struct{}

func (echoModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	last := messages[len(messages)-1].Parts[0].(llms.TextContent).Text
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "echo: " + last}}}, nil
}

func (m echoModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type testServer struct {
	mux      *http.ServeMux
	db       *db.Database
	root     *models.Conversation
	messages []models.Message
}

func newTestServer(t *testing.T, limits config.RateLimitConfig) *testServer {
	t.Helper()
	ctx := context.Background()

	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := zap.NewNop()
	llmService := llm.NewWithModel(echoModel{}, "echo", 5*time.Second, database, logger)
	branches := branch.New(database, llmService, logger)
	handler := NewHandler(database, branches, llmService, limits, logger)

	mux := http.NewServeMux()
	handler.Register(mux)

	root := &models.Conversation{UserID: "alice", Title: "Root", Model: "echo"}
	require.NoError(t, database.CreateConversation(ctx, root))
	var messages []models.Message
	for i, content := range []string{"q1", "a1", "q2"} {
		msg := &models.Message{
			ConversationID: root.ID,
			Role:           models.RoleUser,
			Content:        content,
			CreatedAt:      time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		}
		require.NoError(t, database.SaveMessage(ctx, msg))
		messages = append(messages, *msg)
	}

	return &testServer{mux: mux, db: database, root: root, messages: messages}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func defaultLimits() config.RateLimitConfig {
	return config.Default().RateLimit
}

func TestCreateBranchConversation(t *testing.T) {
	s := newTestServer(t, defaultLimits())

	rec := s.do(t, http.MethodPost, "/api/conversations/"+s.root.ID+"/branches", "alice", CreateBranchRequest{
		MessageID:  s.messages[1].ID,
		BranchName: "alt",
		Title:      "Alternative",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp CreateBranchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Alternative", resp.BranchConversation.Title)
	assert.Equal(t, "alt", resp.BranchConversation.BranchName)
	assert.Equal(t, s.root.ID, resp.BranchConversation.ParentConversationID)
	assert.Equal(t, s.messages[1].ID, resp.BranchConversation.BranchPointMessageID)
	assert.Equal(t, "echo", resp.BranchConversation.Model)

	rec = s.do(t, http.MethodGet, "/api/conversations/"+s.root.ID+"/branches", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var branches []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branches))
	require.Len(t, branches, 1)
	assert.Equal(t, resp.BranchConversation.ID, branches[0].ID)
}

func TestCreateBranchErrors(t *testing.T) {
	s := newTestServer(t, defaultLimits())

	rec := s.do(t, http.MethodPost, "/api/conversations/"+s.root.ID+"/branches", "", CreateBranchRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/conversations/"+s.root.ID+"/branches", "alice", CreateBranchRequest{BranchName: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/conversations/"+s.root.ID+"/branches", "mallory", CreateBranchRequest{
		MessageID: s.messages[0].ID, BranchName: "x",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/conversations/"+s.root.ID+"/branches", "alice", CreateBranchRequest{
		MessageID: "bogus", BranchName: "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bogus")
}

func TestTreeAndDeleteBranch(t *testing.T) {
	s := newTestServer(t, defaultLimits())

	rec := s.do(t, http.MethodPost, "/api/conversations/"+s.root.ID+"/branches", "alice", CreateBranchRequest{
		MessageID: s.messages[2].ID, BranchName: "alt",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created CreateBranchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.BranchConversation.Title, "echo: "), "untitled branches get a suggested title")

	rec = s.do(t, http.MethodGet, "/api/conversations/tree", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tree []*models.TreeNode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Branches, 1)
	assert.Equal(t, created.BranchConversation.ID, tree[0].Branches[0].Conversation.ID)
	assert.Equal(t, 1, tree[0].Branches[0].Depth)

	rec = s.do(t, http.MethodGet, "/api/conversations/"+created.BranchConversation.ID+"/path", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var path models.BranchPath
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &path))
	assert.Equal(t, s.root.ID, path.RootID)
	assert.Len(t, path.Path, 2)

	rec = s.do(t, http.MethodDelete, "/api/branches/"+created.BranchConversation.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var failed DeleteBranchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	assert.False(t, failed.Success)
	assert.NotEmpty(t, failed.Error)

	rec = s.do(t, http.MethodDelete, "/api/branches/"+created.BranchConversation.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted DeleteBranchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	assert.True(t, deleted.Success)

	rec = s.do(t, http.MethodGet, "/api/conversations/tree", "alice", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	require.Len(t, tree, 1)
	assert.Empty(t, tree[0].Branches)
}

func TestHandleMessage(t *testing.T) {
	s := newTestServer(t, defaultLimits())

	rec := s.do(t, http.MethodPost, "/api/conversations/"+s.root.ID+"/messages", "alice", MessageRequest{Content: "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hello", resp.Message.Content)

	rec = s.do(t, http.MethodGet, "/api/conversations/"+s.root.ID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	assert.Len(t, messages, 5)
}

func TestConversationCrud(t *testing.T) {
	s := newTestServer(t, defaultLimits())

	rec := s.do(t, http.MethodPost, "/api/conversations", "alice", CreateConversationRequest{Title: "Second"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	rec = s.do(t, http.MethodPut, "/api/conversations/"+conv.ID, "alice", UpdateConversationRequest{Title: "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "Renamed", list[0].Title)

	rec = s.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMutationsAreRateLimited(t *testing.T) {
	s := newTestServer(t, config.RateLimitConfig{PerSecond: 0.001, Burst: 1})

	rec := s.do(t, http.MethodDelete, "/api/branches/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/branches/missing", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// budgets are per user
	rec = s.do(t, http.MethodDelete, "/api/branches/missing", "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
