package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/corpus/internal/interfaces"
	"google.golang.org/genai"
)

func (s *Service) geminiClientFor(ctx context.Context) (*genai.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geminiClient != nil {
		return s.geminiClient, nil
	}

	apiKey, err := s.resolveAPIKey(ctx, geminiKeyName, s.gemini.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve Gemini API key: %w", err)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	s.geminiClient = client
	return client, nil
}

func (s *Service) chatGemini(ctx context.Context, model string, messages []interfaces.Message) (string, error) {
	client, err := s.geminiClientFor(ctx)
	if err != nil {
		return "", err
	}
	if model == "" {
		model = s.gemini.Model
	}

	contents, system, err := convertMessagesToGemini(messages)
	if err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{}
	if s.gemini.Temperature > 0 {
		config.Temperature = genai.Ptr(s.gemini.Temperature)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	ctx, cancel := context.WithTimeout(ctx, parseTimeout(s.gemini.Timeout))
	defer cancel()

	resp, err := retry(ctx, s.retry, s.logRetry("gemini"), func() (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, model, contents, config)
	})
	if err != nil {
		return "", fmt.Errorf("Gemini API call failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from Gemini API")
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty text in Gemini response")
	}
	return text, nil
}

// convertMessagesToGemini maps the conversation to Gemini contents
func convertMessagesToGemini(messages []interfaces.Message) ([]*genai.Content, string, error) {
	rest, system, err := splitSystem(messages)
	if err != nil {
		return nil, "", err
	}

	contents := make([]*genai.Content, 0, len(rest))
	for _, msg := range rest {
		role := string(genai.RoleUser)
		if msg.Role == "assistant" {
			role = string(genai.RoleModel)
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
		})
	}
	return contents, system, nil
}
