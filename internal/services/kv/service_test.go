package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	badgerstore "github.com/ternarybob/corpus/internal/storage/badger"
)

func TestService_ListMasksValues(t *testing.T) {
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	defer storage.Close()

	service := NewService(storage.KeyValueStorage(), logger)
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "gemini_api_key", "AIzaSyExample1234"))
	require.NoError(t, service.Set(ctx, "github_token", "short"))
	assert.Error(t, service.Set(ctx, "  ", "x"))

	pairs, err := service.List(ctx, "gemini")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "*************1234", pairs[0].Value)

	raw, err := storage.KeyValueStorage().Get(ctx, "gemini_api_key")
	require.NoError(t, err)
	assert.Equal(t, "AIzaSyExample1234", raw, "masking only applies to listings")

	require.NoError(t, service.Delete(ctx, "github_token"))
	assert.Equal(t, "*****", Mask("short"))
}
