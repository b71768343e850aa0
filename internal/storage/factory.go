package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/storage/badger"
)

// NewStorageManager opens the Badger store and seeds the KV store from the
// configured secrets files
func NewStorageManager(ctx context.Context, logger arbor.ILogger, config *common.Config) (*badger.Manager, error) {
	manager, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	if err := manager.LoadSecrets(ctx, config.Storage.SecretsFile, config.Storage.EnvFile); err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	return manager, nil
}
