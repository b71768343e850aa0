// Package enhancers holds the built-in enhancer plugins that pipelines call
package enhancers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

const (
	summaryTaskPrefix = "enhance:summary:"
	defaultMaxChars   = 24000

	taskRunning = "running"
	taskDone    = "done"
	taskFailed  = "failed"
)

// SummaryConfig tunes the summary enhancer
type SummaryConfig struct {
	Model string
	// Async hands back a pending task id and summarises in the background
	Async bool
	// TaskTimeout bounds one background summary. A task still running after
	// twice this long is treated as lost.
	TaskTimeout time.Duration
	MaxChars    int
}

// summaryTask is the KV record of a background summary
type summaryTask struct {
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	Model     string    `json:"model,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// SummaryEnhancer asks the LLM service for a summary of args.text.
//
// Args: text (required), title, model, instructions.
// Result: {summary, model}.
type SummaryEnhancer struct {
	llm    interfaces.LLMService
	kv     interfaces.KeyValueStorage
	config SummaryConfig
	logger arbor.ILogger
}

// NewSummaryEnhancer creates the summary enhancer. kv holds background
// task state and is required when config.Async is set.
func NewSummaryEnhancer(llm interfaces.LLMService, kv interfaces.KeyValueStorage, config SummaryConfig, logger arbor.ILogger) *SummaryEnhancer {
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 2 * time.Minute
	}
	if config.MaxChars <= 0 {
		config.MaxChars = defaultMaxChars
	}
	return &SummaryEnhancer{llm: llm, kv: kv, config: config, logger: logger}
}

func (e *SummaryEnhancer) Name() string { return "summary" }

func (e *SummaryEnhancer) Enhance(ctx context.Context, params models.EnhanceParams) (*models.EnhanceResult, error) {
	if params.TaskID != "" {
		return e.poll(ctx, params.TaskID)
	}

	text := strings.TrimSpace(stringArg(params.Args, "text"))
	if text == "" {
		// nothing to summarise is not a failure
		return &models.EnhanceResult{Status: models.TaskReady, Result: map[string]interface{}{"summary": ""}}, nil
	}
	model := stringArg(params.Args, "model")
	if model == "" {
		model = e.config.Model
	}
	messages := e.prompt(stringArg(params.Args, "title"), text, stringArg(params.Args, "instructions"))

	if !e.config.Async || e.kv == nil {
		summary, err := e.llm.Chat(ctx, model, messages)
		if err != nil {
			return nil, fmt.Errorf("failed to generate summary: %w", err)
		}
		return ready(summary, model), nil
	}

	taskID := uuid.New().String()
	if err := e.saveTask(ctx, taskID, summaryTask{Status: taskRunning, Model: model, StartedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	common.SafeGo(e.logger, "summary-task", func() {
		e.runTask(taskID, model, messages)
	})

	e.logger.Debug().Str("task_id", taskID).Int("chars", len(text)).Msg("Summary task started")
	return &models.EnhanceResult{Status: models.TaskPending, TaskID: taskID}, nil
}

func (e *SummaryEnhancer) runTask(taskID, model string, messages []interfaces.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.TaskTimeout)
	defer cancel()

	task := summaryTask{Status: taskDone, Model: model, StartedAt: time.Now().UTC()}
	summary, err := e.llm.Chat(ctx, model, messages)
	if err != nil {
		task.Status = taskFailed
		task.Error = err.Error()
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Summary task failed")
	}
	task.Summary = summary

	if err := e.saveTask(context.Background(), taskID, task); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to save summary task")
	}
}

func (e *SummaryEnhancer) poll(ctx context.Context, taskID string) (*models.EnhanceResult, error) {
	if e.kv == nil {
		return nil, models.NewNonRetryable(models.ErrCodeTaskIDNotFound, "summary task %s", taskID)
	}
	raw, err := e.kv.Get(ctx, summaryTaskPrefix+taskID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, models.NewNonRetryable(models.ErrCodeTaskIDNotFound, "summary task %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summary task: %w", err)
	}

	var task summaryTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to decode summary task: %w", err)
	}

	switch task.Status {
	case taskRunning:
		if time.Since(task.StartedAt) > 2*e.config.TaskTimeout {
			_ = e.kv.Delete(ctx, summaryTaskPrefix+taskID)
			return nil, models.NewNonRetryable(models.ErrCodeTaskIDNotFound, "summary task %s was lost", taskID)
		}
		return &models.EnhanceResult{Status: models.TaskPending, TaskID: taskID}, nil
	case taskFailed:
		_ = e.kv.Delete(ctx, summaryTaskPrefix+taskID)
		return nil, fmt.Errorf("summary task %s failed: %s", taskID, task.Error)
	default:
		if err := e.kv.Delete(ctx, summaryTaskPrefix+taskID); err != nil {
			e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to delete finished summary task")
		}
		return ready(task.Summary, task.Model), nil
	}
}

func (e *SummaryEnhancer) saveTask(ctx context.Context, taskID string, task summaryTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := e.kv.Set(ctx, summaryTaskPrefix+taskID, string(data)); err != nil {
		return fmt.Errorf("failed to save summary task: %w", err)
	}
	return nil
}

func (e *SummaryEnhancer) prompt(title, text, instructions string) []interfaces.Message {
	text = truncateRunes(text, e.config.MaxChars)
	system := "You are a helpful assistant that generates concise, informative summaries of documents. Provide a clear, objective summary that captures the key points."
	if instructions != "" {
		system += " " + instructions
	}
	user := "Summarize the following document:\n\n"
	if title != "" {
		user += "Title: " + title + "\n\n"
	}
	user += "Content:\n" + text
	return []interfaces.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func ready(summary, model string) *models.EnhanceResult {
	result := map[string]interface{}{"summary": strings.TrimSpace(summary)}
	if model != "" {
		result["model"] = model
	}
	return &models.EnhanceResult{Status: models.TaskReady, Result: result}
}

func stringArg(args map[string]interface{}, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// truncateRunes keeps the first max characters of text without splitting a rune
func truncateRunes(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	count := 0
	for i := range text {
		if count == max {
			return text[:i]
		}
		count++
	}
	return text
}
