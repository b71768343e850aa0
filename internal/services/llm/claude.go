package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/corpus/internal/interfaces"
)

func (s *Service) claudeClientFor(ctx context.Context) (*anthropic.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claudeClient != nil {
		return s.claudeClient, nil
	}

	apiKey, err := s.resolveAPIKey(ctx, claudeKeyName, s.claude.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve Anthropic API key: %w", err)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	s.claudeClient = &client
	return s.claudeClient, nil
}

func (s *Service) chatClaude(ctx context.Context, model string, messages []interfaces.Message) (string, error) {
	client, err := s.claudeClientFor(ctx)
	if err != nil {
		return "", err
	}
	if model == "" {
		model = s.claude.Model
	}

	claudeMessages, system, err := convertMessagesToClaude(messages)
	if err != nil {
		return "", err
	}

	maxTokens := s.claude.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  claudeMessages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	ctx, cancel := context.WithTimeout(ctx, parseTimeout(s.claude.Timeout))
	defer cancel()

	resp, err := retry(ctx, s.retry, s.logRetry("claude"), func() (*anthropic.Message, error) {
		return client.Messages.New(ctx, params)
	})
	if err != nil {
		return "", fmt.Errorf("Claude API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from Claude API")
	}
	return text.String(), nil
}

// convertMessagesToClaude maps the conversation to Claude message params.
// The first system message is returned separately for the System field.
func convertMessagesToClaude(messages []interfaces.Message) ([]anthropic.MessageParam, string, error) {
	rest, system, err := splitSystem(messages)
	if err != nil {
		return nil, "", err
	}

	out := make([]anthropic.MessageParam, 0, len(rest))
	for _, msg := range rest {
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
	}
	return out, system, nil
}
