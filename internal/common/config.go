package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Indexing    IndexingConfig  `toml:"indexing"`
	Pipelines   PipelinesConfig `toml:"pipelines"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
	LLM         LLMConfig       `toml:"llm"`
	Gemini      GeminiConfig    `toml:"gemini"`
	Claude      ClaudeConfig    `toml:"claude"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	GitHub      GitHubConfig    `toml:"github"`
	IMAP        IMAPConfig      `toml:"imap"`
	LocalDir    LocalDirConfig  `toml:"local_dir"`
	Summary     SummaryConfig   `toml:"summary"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	MCP         MCPConfig       `toml:"mcp"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger      BadgerConfig `toml:"badger"`
	Files       FilesConfig  `toml:"files"`
	SecretsFile string       `toml:"secrets_file"` // TOML file of [key] value = "..." entries seeded into the KV store
	EnvFile     string       `toml:"env_file"`     // .env file seeded into the KV store (wins over secrets_file)
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// FilesConfig configures the local file storage plugin
type FilesConfig struct {
	Dir           string `toml:"dir"`             // Root directory for private and public files
	PublicBaseURL string `toml:"public_base_url"` // URL prefix for published files
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "250ms" - how often the runtime polls for jobs
	Concurrency       int    `toml:"concurrency"`        // Max concurrent activities (I/O slots)
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "2m" - redelivery window for a job whose runner died
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before a job message is dropped
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

// IndexingConfig holds the orchestration timing knobs
type IndexingConfig struct {
	EventBatchSize         int    `toml:"event_batch_size"`         // Record-event jobs awaited per batch
	LockPollInterval       string `toml:"lock_poll_interval"`       // Scheduler lock acquisition poll
	TaskPollInterval       string `toml:"task_poll_interval"`       // Pending provider/enhancer task poll
	DependencyPollInterval string `toml:"dependency_poll_interval"` // update-source dependsOn wait
	LockCompactAfter       string `toml:"lock_compact_after"`       // Scheduler lock history compaction age
	ActivityMaxAttempts    int    `toml:"activity_max_attempts"`    // Retries for transient activity failures
	ActivityRetryInterval  string `toml:"activity_retry_interval"`  // Initial backoff between activity attempts
	MaxParseDepth          int    `toml:"max_parse_depth"`          // Attachment recursion bound for file parsing
	MaxAttachments         int    `toml:"max_attachments"`          // Attachments parsed per file
	ExpressionTimeout      string `toml:"expression_timeout"`       // Pipeline expression evaluation timeout
}

// PipelinesConfig points at the enhancer pipeline definitions
type PipelinesConfig struct {
	Dir string `toml:"dir"` // Directory containing *.yaml pipeline definitions
}

// SchedulerConfig controls the cron auto-reindex service
type SchedulerConfig struct {
	Enabled         bool   `toml:"enabled"`
	DefaultSchedule string `toml:"default_schedule"` // Applied to sources without their own schedule (empty = none)
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// LLMProvider identifies the backend used by LLM-powered enhancers
type LLMProvider string

const (
	LLMProviderGemini LLMProvider = "gemini"
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig selects the default LLM backend
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"`
}

// GeminiConfig configures the Google Gemini backend
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	Temperature float32 `toml:"temperature"`
}

// ClaudeConfig configures the Anthropic Claude backend
type ClaudeConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
	Timeout   string `toml:"timeout"`
}

// CrawlerConfig configures the web provider
type CrawlerConfig struct {
	UserAgent          string        `toml:"user_agent"`
	RequestsPerSecond  float64       `toml:"requests_per_second"`
	RequestTimeout     time.Duration `toml:"request_timeout"`
	MaxBodySize        int64         `toml:"max_body_size"`
	MaxDepth           int           `toml:"max_depth"`
	MaxPages           int           `toml:"max_pages"`
	EnableJavaScript   bool          `toml:"enable_javascript"`    // Render pages with chromedp
	JavaScriptWaitTime time.Duration `toml:"javascript_wait_time"` // Settle time after navigation
}

// GitHubConfig configures the GitHub provider
type GitHubConfig struct {
	Token             string  `toml:"token"`               // Fallback token when a source carries none
	WebhookURL        string  `toml:"webhook_url"`         // Observer endpoint registered on init (empty = no webhook)
	WebhookSecret     string  `toml:"webhook_secret"`      // Shared secret for registered webhooks
	RequestsPerSecond float64 `toml:"requests_per_second"` // Client-side pacing
}

// IMAPConfig configures the IMAP provider
type IMAPConfig struct {
	DialTimeout string `toml:"dial_timeout"`
	FetchLimit  int    `toml:"fetch_limit"` // Messages enumerated per init (newest first)
}

// LocalDirConfig configures the local directory provider
type LocalDirConfig struct {
	MaxFileSize int64 `toml:"max_file_size"` // Larger files are skipped during scans (0 = no limit)
}

// SummaryConfig configures the LLM summary enhancer
type SummaryConfig struct {
	Model       string `toml:"model"`        // Empty uses the default provider's model
	Async       bool   `toml:"async"`        // Run summaries as pending tasks polled by the pipeline
	TaskTimeout string `toml:"task_timeout"` // Per-summary LLM timeout
	MaxChars    int    `toml:"max_chars"`    // Input truncation
}

// WebSocketConfig controls job event push to websocket clients
type WebSocketConfig struct {
	FlushInterval string   `toml:"flush_interval"` // Coalescing window for child job events
	AllowedEvents []string `toml:"allowed_events"` // Message types sent to clients (empty = all)
}

// MCPConfig configures the MCP stdio binary
type MCPConfig struct {
	ServerURL string `toml:"server_url"` // Base URL of the corpus HTTP API
	Timeout   string `toml:"timeout"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			Files: FilesConfig{
				Dir:           "./data/files",
				PublicBaseURL: "/files",
			},
			SecretsFile: "./secrets.toml",
			EnvFile:     ".env",
		},
		Queue: QueueConfig{
			PollInterval:      "250ms",
			Concurrency:       32,
			VisibilityTimeout: "2m",
			MaxReceive:        25, // Replays after crashes are cheap, keep this generous
			QueueName:         "corpus_jobs",
		},
		Indexing: IndexingConfig{
			EventBatchSize:         20,
			LockPollInterval:       "1s",
			TaskPollInterval:       "10s",
			DependencyPollInterval: "30s",
			LockCompactAfter:       "24h",
			ActivityMaxAttempts:    5,
			ActivityRetryInterval:  "1s",
			MaxParseDepth:          3,
			MaxAttachments:         50,
			ExpressionTimeout:      "2s",
		},
		Pipelines: PipelinesConfig{
			Dir: "./pipelines",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			Timeout:     "2m",
			Temperature: 0.2,
		},
		Claude: ClaudeConfig{
			Model:     "claude-haiku-4-5",
			MaxTokens: 1024,
			Timeout:   "2m",
		},
		Crawler: CrawlerConfig{
			UserAgent:          "corpus-indexer/1.0",
			RequestsPerSecond:  2,
			RequestTimeout:     30 * time.Second,
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			MaxDepth:           2,
			MaxPages:           200,
			EnableJavaScript:   false,
			JavaScriptWaitTime: 2 * time.Second,
		},
		GitHub: GitHubConfig{
			RequestsPerSecond: 5,
		},
		IMAP: IMAPConfig{
			DialTimeout: "30s",
			FetchLimit:  500,
		},
		LocalDir: LocalDirConfig{
			MaxFileSize: 50 * 1024 * 1024, // 50MB
		},
		Summary: SummaryConfig{
			Async:       true,
			TaskTimeout: "2m",
			MaxChars:    24000,
		},
		WebSocket: WebSocketConfig{
			FlushInterval: "1s",
		},
		MCP: MCPConfig{
			ServerURL: "http://localhost:8085",
			Timeout:   "5m",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the services cannot start with
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Storage.Badger.Path == "" {
		return fmt.Errorf("storage.badger.path is required")
	}
	if c.Storage.Files.Dir == "" {
		return fmt.Errorf("storage.files.dir is required")
	}
	if c.Scheduler.DefaultSchedule != "" {
		if err := ValidateSchedule(c.Scheduler.DefaultSchedule); err != nil {
			return fmt.Errorf("scheduler.default_schedule: %w", err)
		}
	}
	switch c.LLM.DefaultProvider {
	case "", LLMProviderGemini, LLMProviderClaude:
	default:
		return fmt.Errorf("llm.default_provider %q is not supported", c.LLM.DefaultProvider)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CORPUS_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("CORPUS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CORPUS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("CORPUS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if filesDir := os.Getenv("CORPUS_FILES_DIR"); filesDir != "" {
		config.Storage.Files.Dir = filesDir
	}

	// Queue configuration
	if concurrency := os.Getenv("CORPUS_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if pollInterval := os.Getenv("CORPUS_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}

	// Indexing configuration
	if batch := os.Getenv("CORPUS_EVENT_BATCH_SIZE"); batch != "" {
		if b, err := strconv.Atoi(batch); err == nil {
			config.Indexing.EventBatchSize = b
		}
	}
	if poll := os.Getenv("CORPUS_TASK_POLL_INTERVAL"); poll != "" {
		config.Indexing.TaskPollInterval = poll
	}

	if dir := os.Getenv("CORPUS_PIPELINES_DIR"); dir != "" {
		config.Pipelines.Dir = dir
	}

	// Logging configuration
	if level := os.Getenv("CORPUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("CORPUS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// LLM keys (standard vendor variables are honoured as a fallback)
	if key := os.Getenv("CORPUS_GEMINI_API_KEY"); key != "" {
		config.Gemini.APIKey = key
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" && config.Gemini.APIKey == "" {
		config.Gemini.APIKey = key
	}
	if key := os.Getenv("CORPUS_CLAUDE_API_KEY"); key != "" {
		config.Claude.APIKey = key
	} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = key
	}
	if provider := os.Getenv("CORPUS_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}

	if token := os.Getenv("CORPUS_GITHUB_TOKEN"); token != "" {
		config.GitHub.Token = token
	}
	if hook := os.Getenv("CORPUS_GITHUB_WEBHOOK_URL"); hook != "" {
		config.GitHub.WebhookURL = hook
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ValidateSchedule validates a cron schedule expression (5-field or @descriptor)
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// Duration parses a duration string, falling back when empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
