package badger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
)

func TestLoadSecrets_EnvFileWinsOverSecretsFile(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	secrets := filepath.Join(dir, "secrets.toml")
	require.NoError(t, os.WriteFile(secrets, []byte(`
[gemini_api_key]
value = "from-toml"

[anthropic_api_key]
value = "claude-key"

[blank]
value = ""
`), 0o600))

	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte(`# local overrides
gemini_api_key="from-env"
export github_token='ghp_123'
EMPTY=
`), 0o600))

	ctx := context.Background()
	require.NoError(t, manager.LoadSecrets(ctx, secrets, env))

	kv := manager.KeyValueStorage()
	for key, want := range map[string]string{
		"gemini_api_key":    "from-env",
		"anthropic_api_key": "claude-key",
		"github_token":      "ghp_123",
	} {
		got, err := kv.Get(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}

	for _, key := range []string{"blank", "EMPTY"} {
		_, err := kv.Get(ctx, key)
		assert.ErrorIs(t, err, interfaces.ErrKeyNotFound, key)
	}
}

func TestLoadSecrets_MissingFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	err = manager.LoadSecrets(context.Background(), filepath.Join(dir, "none.toml"), filepath.Join(dir, "none.env"))
	assert.NoError(t, err)
}
