package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"gopkg.in/yaml.v3"
)

type fakeEnhancer struct {
	name string
	mu   sync.Mutex
	fn   func(params models.EnhanceParams) (*models.EnhanceResult, error)
	seen []models.EnhanceParams
}

func (f *fakeEnhancer) Name() string { return f.name }

func (f *fakeEnhancer) Enhance(ctx context.Context, params models.EnhanceParams) (*models.EnhanceResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, params)
	f.mu.Unlock()
	return f.fn(params)
}

func (f *fakeEnhancer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type resolver map[string]interfaces.Enhancer

func (r resolver) Enhancer(name string) (interfaces.Enhancer, error) {
	if e, ok := r[name]; ok {
		return e, nil
	}
	return nil, models.NewNonRetryable(models.ErrCodeEnhancerNotFound, "%s", name)
}

func ready(result interface{}) (*models.EnhanceResult, error) {
	return &models.EnhanceResult{Status: models.TaskReady, Result: result}, nil
}

func parseDefinition(t *testing.T, source string) *models.PipelineDefinition {
	t.Helper()
	var def models.PipelineDefinition
	require.NoError(t, yaml.Unmarshal([]byte(source), &def))
	return &def
}

func newState(def *models.PipelineDefinition, record map[string]interface{}) *models.PipelineState {
	return NewState(StateParams{
		JobID:    "job-1",
		SourceID: "src-1",
		ObjectID: "obj-1",
		Job:      map[string]interface{}{"id": "job-1"},
		Source:   map[string]interface{}{"id": "src-1"},
		Record:   record,
		Pipeline: def,
	})
}

const resumablePipeline = `
name: summarize
collection: documents
if: record.enabled
vars:
  title:
    computed: record.title
  style: terse
steps:
  - name: extract
    action:
      name: echo
      args:
        text:
          computed: vars.title + "!"
    output:
      extracted:
        computed: result.text
  - name: summarize
    action:
      name: async
      args:
        input:
          computed: steps.extract.output.extracted
        style:
          computed: vars.style
    output:
      summary:
        computed: result.summary
  - name: tag
    action:
      name: echo
      args:
        text:
          literal: done
`

func TestRunner_ResumesPendingStepWithoutReevaluating(t *testing.T) {
	echo := &fakeEnhancer{name: "echo", fn: func(p models.EnhanceParams) (*models.EnhanceResult, error) {
		return ready(map[string]interface{}{"text": p.Args["text"]})
	}}
	async := &fakeEnhancer{name: "async", fn: func(p models.EnhanceParams) (*models.EnhanceResult, error) {
		if p.TaskID == "" {
			return &models.EnhanceResult{Status: models.TaskPending, TaskID: "task-42"}, nil
		}
		return ready(map[string]interface{}{"summary": "summary of " + p.Args["input"].(string)})
	}}
	runner := NewRunner(resolver{"echo": echo, "async": async}, NewEvaluator(time.Second), arbor.NewLogger())
	ctx := context.Background()

	state := newState(parseDefinition(t, resumablePipeline), map[string]interface{}{"enabled": true, "title": "Report"})
	require.NoError(t, runner.Run(ctx, state))

	assert.Equal(t, models.PipelinePending, state.Status())
	assert.Equal(t, "task-42", state.PendingStep().PendingTaskID)
	assert.Equal(t, "Report", state.Vars["title"])
	assert.Equal(t, "terse", state.Vars["style"])
	assert.Equal(t, 1, echo.calls())

	// Round-trip through the persisted form and change the inputs the guard and vars read
	data, err := state.ToJSON()
	require.NoError(t, err)
	resumed, err := models.PipelineStateFromJSON(data)
	require.NoError(t, err)
	resumed.Record["enabled"] = false
	resumed.Record["title"] = "Changed"

	require.NoError(t, runner.Run(ctx, resumed))

	assert.Equal(t, models.PipelineFinished, resumed.Status())
	assert.Equal(t, "Report", resumed.Vars["title"], "vars are bound once")
	assert.Equal(t, 2, echo.calls(), "the finished extract step is not re-run")
	require.Equal(t, 2, async.calls())
	assert.Equal(t, "task-42", async.seen[1].TaskID)
	assert.Equal(t, "Report!", async.seen[1].Args["input"], "resumed step keeps its evaluated args")
	assert.Equal(t, "summary of Report!", resumed.Steps["summarize"].Output["summary"])
	assert.NotNil(t, resumed.Steps["summarize"].ResumedAt)
	assert.Equal(t, map[string]interface{}{"text": "done"}, resumed.Result)
}

func TestRunner_GuardSkipsRun(t *testing.T) {
	echo := &fakeEnhancer{name: "echo", fn: func(p models.EnhanceParams) (*models.EnhanceResult, error) { return ready(nil) }}
	runner := NewRunner(resolver{"echo": echo}, NewEvaluator(time.Second), arbor.NewLogger())

	state := newState(parseDefinition(t, resumablePipeline), map[string]interface{}{"enabled": false})
	require.NoError(t, runner.Run(context.Background(), state))

	assert.Equal(t, models.PipelineSkipped, state.Status())
	assert.Zero(t, echo.calls())
	assert.Empty(t, state.Steps)
}

const failurePipeline = `
name: failing
collection: documents
steps:
  - name: optional
    on_failure: continue
    action:
      name: broken
  - name: conditional
    if: record.never
    action:
      name: echo
  - name: required
    action:
      name: echo
      args:
        value:
          computed: record.value * 2
    output:
      doubled:
        computed: result.value
  - name: fatal
    action:
      name: broken
  - name: unreachable
    action:
      name: echo
`

func TestRunner_FailurePolicies(t *testing.T) {
	echo := &fakeEnhancer{name: "echo", fn: func(p models.EnhanceParams) (*models.EnhanceResult, error) {
		return ready(p.Args)
	}}
	broken := &fakeEnhancer{name: "broken", fn: func(p models.EnhanceParams) (*models.EnhanceResult, error) {
		return nil, errors.New("model unavailable")
	}}
	runner := NewRunner(resolver{"echo": echo, "broken": broken}, NewEvaluator(time.Second), arbor.NewLogger())

	state := newState(parseDefinition(t, failurePipeline), map[string]interface{}{"value": 21})
	require.NoError(t, runner.Run(context.Background(), state))

	assert.Equal(t, models.PipelineFailed, state.Status())
	assert.Equal(t, models.StepFailed, state.Steps["optional"].Status())
	assert.Contains(t, state.Steps["optional"].Error, "model unavailable")
	assert.Equal(t, models.StepSkipped, state.Steps["conditional"].Status())
	assert.Equal(t, models.StepFinished, state.Steps["required"].Status())
	assert.EqualValues(t, 42, state.Steps["required"].Output["doubled"])
	assert.Equal(t, models.StepFailed, state.Steps["fatal"].Status())
	assert.Nil(t, state.Steps["unreachable"])
	assert.Equal(t, 1, echo.calls())
}

func TestRunner_PendingWithoutTaskIDFails(t *testing.T) {
	async := &fakeEnhancer{name: "async", fn: func(p models.EnhanceParams) (*models.EnhanceResult, error) {
		return &models.EnhanceResult{Status: models.TaskPending}, nil
	}}
	runner := NewRunner(resolver{"async": async}, NewEvaluator(time.Second), arbor.NewLogger())

	def := parseDefinition(t, `
name: p
collection: c
steps:
  - name: s
    action:
      name: async
`)
	state := newState(def, map[string]interface{}{})
	require.NoError(t, runner.Run(context.Background(), state))

	assert.Equal(t, models.PipelineFailed, state.Status())
	assert.Contains(t, state.Steps["s"].Error, models.ErrCodeTaskIDNotFound)
}

func TestRunner_UnknownEnhancerAndBadExpression(t *testing.T) {
	runner := NewRunner(resolver{}, NewEvaluator(time.Second), arbor.NewLogger())

	def := parseDefinition(t, `
name: p
collection: c
vars:
  bad:
    computed: "record.(("
steps:
  - name: s
    action:
      name: missing
`)
	state := newState(def, map[string]interface{}{})
	require.NoError(t, runner.Run(context.Background(), state))
	assert.Equal(t, models.PipelineFailed, state.Status())
	assert.Nil(t, state.InitializedAt)
}

func TestStepState_PrepareKeepsOutput(t *testing.T) {
	step := &models.StepState{Name: "s", Output: map[string]interface{}{"summary": "old"}, Error: "x"}
	step.Prepare(time.Now())

	assert.Equal(t, "old", step.Output["summary"])
	assert.Empty(t, step.Error)
	assert.Equal(t, models.StepPrepared, step.Status())
}

func TestEvaluator_Truthiness(t *testing.T) {
	eval := NewEvaluator(time.Second)
	env := map[string]interface{}{"record": map[string]interface{}{
		"tags":  []interface{}{},
		"meta":  map[string]interface{}{},
		"title": "x",
		"empty": "",
		"count": 0,
		"ratio": 0.5,
	}}

	cases := map[string]bool{
		"record.title":          true,
		"record.empty":          false,
		"record.tags":           true,
		"record.meta":           true,
		"len(record.tags) > 0":  false,
		"record.count":          false,
		"record.ratio":          true,
		"record.missing":        false,
		"len(record.title) > 0": true,
	}
	for code, want := range cases {
		got, err := eval.EvalBool(context.Background(), code, env)
		require.NoError(t, err, code)
		assert.Equal(t, want, got, code)
	}
}
