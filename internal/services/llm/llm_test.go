package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
)

type mapKV map[string]string

func (m mapKV) Get(ctx context.Context, key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", interfaces.ErrKeyNotFound
}
func (m mapKV) Set(ctx context.Context, key, value string) error { m[key] = value; return nil }
func (m mapKV) Delete(ctx context.Context, key string) error     { delete(m, key); return nil }
func (m mapKV) ListByPrefix(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	return nil, nil
}

func newTestService(kv interfaces.KeyValueStorage) *Service {
	return NewService(common.NewDefaultConfig(), kv, arbor.NewLogger())
}

func TestService_DetectProvider(t *testing.T) {
	service := newTestService(nil)

	cases := map[string]common.LLMProvider{
		"claude-haiku-4-5":        common.LLMProviderClaude,
		"anthropic/claude-3":      common.LLMProviderClaude,
		"gemini-2.5-flash":        common.LLMProviderGemini,
		"google/gemini-2.5-flash": common.LLMProviderGemini,
		"":                        common.LLMProviderGemini,
	}
	for model, want := range cases {
		assert.Equal(t, want, service.DetectProvider(model), model)
	}

	assert.Equal(t, "claude-3", NormalizeModel("anthropic/claude-3"))
	assert.Equal(t, "gemini-2.5-flash", NormalizeModel("gemini-2.5-flash"))
}

func TestConvertMessages(t *testing.T) {
	messages := []interfaces.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "summarise"},
		{Role: "assistant", Content: "ok"},
		{Role: "system", Content: "ignored"},
	}

	claude, system, err := convertMessagesToClaude(messages)
	require.NoError(t, err)
	assert.Equal(t, "be brief", system)
	assert.Len(t, claude, 2)

	gemini, system, err := convertMessagesToGemini(messages)
	require.NoError(t, err)
	assert.Equal(t, "be brief", system)
	require.Len(t, gemini, 2)
	assert.Equal(t, "model", gemini[1].Role)

	_, _, err = convertMessagesToGemini([]interfaces.Message{{Role: "assistant", Content: "x"}})
	assert.Error(t, err)
	_, _, err = convertMessagesToClaude(nil)
	assert.Error(t, err)
}

func TestService_ResolveAPIKeyPrefersKV(t *testing.T) {
	ctx := context.Background()
	service := newTestService(mapKV{geminiKeyName: " kv-key "})

	key, err := service.resolveAPIKey(ctx, geminiKeyName, "config-key")
	require.NoError(t, err)
	assert.Equal(t, "kv-key", key)

	key, err = service.resolveAPIKey(ctx, claudeKeyName, "config-key")
	require.NoError(t, err)
	assert.Equal(t, "config-key", key)

	_, err = service.resolveAPIKey(ctx, claudeKeyName, "")
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	config := &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2, TransientBackoff: time.Millisecond}

	calls := 0
	var retried []int
	result, err := retry(context.Background(), config, func(attempt int, backoff time.Duration, err error) {
		retried = append(retried, attempt)
	}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("Error 429 RESOURCE_EXHAUSTED")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, []int{1, 2}, retried)

	calls = 0
	_, err = retry(context.Background(), config, nil, func() (string, error) {
		calls++
		return "", errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 4, calls)
}

func TestRetryConfig_Backoff(t *testing.T) {
	config := NewDefaultRetryConfig()

	delay := ExtractRetryDelay(errors.New("Error 429 ... Please retry in 12.5s., Status: RESOURCE_EXHAUSTED"))
	assert.Equal(t, 12500*time.Millisecond, delay)
	assert.Zero(t, ExtractRetryDelay(errors.New("boom")))

	assert.Equal(t, 17500*time.Millisecond, config.CalculateBackoff(0, delay))
	assert.Equal(t, DefaultMaxBackoff, config.CalculateBackoff(4, 0))
	assert.Equal(t, 2*DefaultTransientBackoff, config.backoffFor(1, errors.New("connection reset")))
}
