package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"google.golang.org/genai"
)

// KV keys checked before the configured API keys
const (
	geminiKeyName = "gemini_api_key"
	claudeKeyName = "anthropic_api_key"
)

// Service routes chat requests to Gemini or Claude by model name.
// Clients are created lazily so a deployment only needs keys for the
// backends its pipelines actually use.
type Service struct {
	gemini   common.GeminiConfig
	claude   common.ClaudeConfig
	fallback common.LLMProvider
	kv       interfaces.KeyValueStorage
	retry    *RetryConfig
	logger   arbor.ILogger

	mu           sync.Mutex
	geminiClient *genai.Client
	claudeClient *anthropic.Client
}

// NewService creates the LLM router. kv may be nil.
func NewService(config *common.Config, kv interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{
		gemini:   config.Gemini,
		claude:   config.Claude,
		fallback: config.LLM.DefaultProvider,
		kv:       kv,
		retry:    NewDefaultRetryConfig(),
		logger:   logger,
	}
}

// DetectProvider determines the backend from a model string:
// "claude-..." or "claude/..." selects Claude, "gemini-..." or "gemini/..."
// selects Gemini, anything else uses the configured default.
func (s *Service) DetectProvider(model string) common.LLMProvider {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude/"), strings.HasPrefix(model, "anthropic/"), strings.HasPrefix(model, "claude-"):
		return common.LLMProviderClaude
	case strings.HasPrefix(model, "gemini/"), strings.HasPrefix(model, "google/"), strings.HasPrefix(model, "gemini-"):
		return common.LLMProviderGemini
	}
	if s.fallback == "" {
		return common.LLMProviderGemini
	}
	return s.fallback
}

// NormalizeModel strips a provider prefix
func NormalizeModel(model string) string {
	if i := strings.Index(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// Chat generates a completion with the backend selected by model
func (s *Service) Chat(ctx context.Context, model string, messages []interfaces.Message) (string, error) {
	provider := s.DetectProvider(model)
	model = NormalizeModel(model)

	start := time.Now()
	var (
		text string
		err  error
	)
	switch provider {
	case common.LLMProviderClaude:
		text, err = s.chatClaude(ctx, model, messages)
	default:
		text, err = s.chatGemini(ctx, model, messages)
	}
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("provider", string(provider)).
			Int("message_count", len(messages)).
			Msg("LLM chat failed")
		return "", err
	}

	s.logger.Debug().
		Str("provider", string(provider)).
		Str("model", model).
		Int("response_length", len(text)).
		Dur("duration", time.Since(start)).
		Msg("LLM chat completed")
	return text, nil
}

// Close releases backend clients
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geminiClient = nil
	s.claudeClient = nil
	return nil
}

func (s *Service) logRetry(provider string) func(attempt int, backoff time.Duration, err error) {
	return func(attempt int, backoff time.Duration, err error) {
		s.logger.Warn().
			Str("provider", provider).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("Retrying LLM API call")
	}
}

// resolveAPIKey prefers a key stored in KV over the configured one
func (s *Service) resolveAPIKey(ctx context.Context, name, configured string) (string, error) {
	if s.kv != nil {
		value, err := s.kv.Get(ctx, name)
		if err == nil && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
		if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
	}
	if configured == "" {
		return "", fmt.Errorf("%s is not configured", name)
	}
	return configured, nil
}

// splitSystem separates the first system message from the conversation and
// checks at least one user message is present
func splitSystem(messages []interfaces.Message) ([]interfaces.Message, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	var (
		system  string
		rest    = make([]interfaces.Message, 0, len(messages))
		hasUser bool
	)
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system == "" {
				system = msg.Content
			}
			continue
		case "user":
			hasUser = true
		}
		rest = append(rest, msg)
	}
	if !hasUser {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}
	return rest, system, nil
}

func parseTimeout(value string) time.Duration {
	return common.Duration(value, 2*time.Minute)
}
