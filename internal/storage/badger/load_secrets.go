package badger

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// secretEntry is one table of a secrets TOML file:
//
//	[gemini_api_key]
//	value = "..."
type secretEntry struct {
	Value string `toml:"value"`
}

// LoadSecrets seeds the KV store from a secrets TOML file and a .env file.
// Missing files are skipped. Entries from the .env file win.
func (m *Manager) LoadSecrets(ctx context.Context, secretsFile, envFile string) error {
	loaded := 0

	if secretsFile != "" {
		n, err := m.loadSecretsTOML(ctx, secretsFile)
		if err != nil {
			return err
		}
		loaded += n
	}
	if envFile != "" {
		n, err := m.loadEnvFile(ctx, envFile)
		if err != nil {
			return err
		}
		loaded += n
	}

	m.logger.Debug().Int("loaded", loaded).Msg("Secrets loaded into KV store")
	return nil
}

func (m *Manager) loadSecretsTOML(ctx context.Context, path string) (int, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read secrets file: %w", err)
	}

	var entries map[string]secretEntry
	if err := toml.Unmarshal(content, &entries); err != nil {
		return 0, fmt.Errorf("parse secrets file %s: %w", path, err)
	}

	loaded := 0
	for key, entry := range entries {
		if entry.Value == "" {
			m.logger.Warn().Str("key", key).Msg("Skipping secret with empty value")
			continue
		}
		if err := m.kv.Set(ctx, key, entry.Value); err != nil {
			return loaded, fmt.Errorf("store secret %s: %w", key, err)
		}
		loaded++
	}
	return loaded, nil
}

// loadEnvFile reads a dotenv file. Keys with empty values are skipped.
func (m *Manager) loadEnvFile(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return 0, fmt.Errorf("parse env file %s: %w", path, err)
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	loaded := 0
	for _, key := range keys {
		if values[key] == "" {
			m.logger.Warn().Str("file", path).Str("key", key).Msg("Skipping empty .env value")
			continue
		}
		if err := m.kv.Set(ctx, key, values[key]); err != nil {
			return loaded, fmt.Errorf("store %s: %w", key, err)
		}
		loaded++
	}
	return loaded, nil
}
