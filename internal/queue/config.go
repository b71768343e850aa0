package queue

import (
	"time"

	"github.com/ternarybob/corpus/internal/common"
)

// Config holds configuration for the queue manager and its poller
type Config struct {
	// PollInterval is how often the poller checks for messages when idle
	PollInterval time.Duration

	// Concurrency bounds concurrent activities across all running jobs
	Concurrency int

	// VisibilityTimeout is the message visibility timeout for redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a message can be received before it is dropped
	MaxReceive int

	// QueueName is the key prefix of the queue in Badger
	QueueName string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      250 * time.Millisecond,
		Concurrency:       32,
		VisibilityTimeout: 2 * time.Minute,
		MaxReceive:        25,
		QueueName:         "corpus_jobs",
	}
}

// ConfigFrom converts the TOML queue section, keeping defaults for unset values
func ConfigFrom(cfg common.QueueConfig) Config {
	config := NewDefaultConfig()
	config.PollInterval = common.Duration(cfg.PollInterval, config.PollInterval)
	config.VisibilityTimeout = common.Duration(cfg.VisibilityTimeout, config.VisibilityTimeout)
	if cfg.Concurrency > 0 {
		config.Concurrency = cfg.Concurrency
	}
	if cfg.MaxReceive > 0 {
		config.MaxReceive = cfg.MaxReceive
	}
	if cfg.QueueName != "" {
		config.QueueName = cfg.QueueName
	}
	return config
}
