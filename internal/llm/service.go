package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub001/internal/db"
	"github.com/mosmn/conversational-glass-ai-sub001/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const (
	historyLimit  = 20
	maxTitleRunes = 80
)

const systemPrompt = `You are a helpful assistant in a chat application where conversations can be
branched at any message to explore alternatives. Answer the latest user message using the
conversation history. Reply in plain natural language.`

var ErrEmptyCompletion = errors.New("model returned no content")

type Service struct {
	llm       llms.Model
	db        *db.Database
	modelName string
	timeout   time.Duration
	logger    *zap.Logger
}

func New(baseURL, token, model string, timeout time.Duration, database *db.Database, logger *zap.Logger) (*Service, error) {
	if token == "" {
		// local OpenAI-compatible servers ignore the key but the client requires one
		token = "unused"
	}
	client, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return NewWithModel(client, model, timeout, database, logger), nil
}

// NewWithModel wraps an already constructed model.
func NewWithModel(model llms.Model, modelName string, timeout time.Duration, database *db.Database, logger *zap.Logger) *Service {
	return &Service{
		llm:       model,
		db:        database,
		modelName: modelName,
		timeout:   timeout,
		logger:    logger,
	}
}

// ProcessMessage generates the assistant reply to msg, which must already
// be stored, and saves it to the same conversation.
func (s *Service) ProcessMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	history, err := s.db.GetConversationHistory(ctx, msg.ConversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}

	content := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt)}
	for _, m := range history {
		content = append(content, llms.TextParts(messageType(m.Role), m.Content))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.llm.GenerateContent(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}
	choice := resp.Choices[0]

	reply := &models.Message{
		ConversationID: msg.ConversationID,
		Role:           models.RoleAssistant,
		Content:        cleanContent(choice.Content),
		Model:          s.modelName,
		TokenCount:     completionTokens(choice.GenerationInfo),
		ParentID:       &msg.ID,
	}
	if err := s.db.SaveMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	if err := s.db.TouchConversation(ctx, msg.ConversationID); err != nil {
		s.logger.Warn("failed to touch conversation", zap.Error(err), zap.String("conversationId", msg.ConversationID))
	}

	s.logger.Debug("generated reply",
		zap.String("conversationId", msg.ConversationID),
		zap.Int("historyLen", len(history)),
		zap.Int("tokens", reply.TokenCount))
	return reply, nil
}

// SuggestBranchTitle asks the model for a short title for a branch
// forked with the given history.
func (s *Service) SuggestBranchTitle(ctx context.Context, parentTitle, branchName string, history []models.Message) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "A conversation titled %q is being branched into a new conversation named %q.\n", parentTitle, branchName)
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nSuggest a concise title (at most 6 words) for the new branch. Respond with only the title.")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	completion, err := llms.GenerateFromSinglePrompt(ctx, s.llm, b.String())
	if err != nil {
		return "", fmt.Errorf("failed to suggest title: %w", err)
	}

	title := cleanContent(strings.SplitN(completion, "\n", 2)[0])
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes-3]) + "..."
	}
	return title, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}

// cleanContent trims whitespace and a single pair of surrounding quotes.
func cleanContent(content string) string {
	content = strings.TrimSpace(content)
	if len(content) >= 2 && strings.HasPrefix(content, "\"") && strings.HasSuffix(content, "\"") {
		content = content[1 : len(content)-1]
	}
	return strings.TrimSpace(content)
}

func completionTokens(info map[string]any) int {
	switch v := info["CompletionTokens"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
