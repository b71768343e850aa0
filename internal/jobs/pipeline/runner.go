// Package pipeline runs enhancer pipelines against one object as a
// resumable state machine. A run can stop at any pending enhancer task and
// be resumed later from its persisted state.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// EnhancerResolver looks enhancers up by action name
type EnhancerResolver interface {
	Enhancer(name string) (interfaces.Enhancer, error)
}

// Runner advances pipeline states
type Runner struct {
	enhancers EnhancerResolver
	eval      *Evaluator
	logger    arbor.ILogger
	now       func() time.Time
}

// NewRunner creates a pipeline runner
func NewRunner(enhancers EnhancerResolver, eval *Evaluator, logger arbor.ILogger) *Runner {
	return &Runner{
		enhancers: enhancers,
		eval:      eval,
		logger:    logger,
		now:       time.Now,
	}
}

// StateParams identifies a new run
type StateParams struct {
	JobID    string
	SourceID string
	ObjectID string
	Job      map[string]interface{}
	Source   map[string]interface{}
	Record   map[string]interface{}
	Pipeline *models.PipelineDefinition
}

// StateID is the deterministic id of a (job, object, pipeline) run
func StateID(jobID, objectID, pipelineName string) string {
	return jobID + "/" + objectID + "/" + pipelineName
}

// NewState creates a fresh, uninitialized run
func NewState(params StateParams) *models.PipelineState {
	now := time.Now()
	return &models.PipelineState{
		ID:         StateID(params.JobID, params.ObjectID, params.Pipeline.Name),
		JobID:      params.JobID,
		SourceID:   params.SourceID,
		ObjectID:   params.ObjectID,
		Collection: params.Pipeline.Collection,
		Job:        params.Job,
		Source:     params.Source,
		Record:     params.Record,
		Pipeline:   params.Pipeline,
		Vars:       map[string]interface{}{},
		Steps:      map[string]*models.StepState{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Run advances state until it is terminal or a step waits on an async task.
// Guard and vars are evaluated only on the first call for a state.
func (r *Runner) Run(ctx context.Context, state *models.PipelineState) error {
	if state.Pipeline == nil {
		return fmt.Errorf("pipeline state %s has no pipeline definition", state.ID)
	}
	if state.IsTerminal() {
		return nil
	}
	defer func() { state.UpdatedAt = r.now() }()

	if state.InitializedAt == nil {
		if done := r.initialize(ctx, state); done {
			return nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := nextStep(state)
		if step == nil {
			now := r.now()
			state.FinishedAt = &now
			r.logger.Debug().
				Str("pipeline", state.Pipeline.Name).
				Str("object_id", state.ObjectID).
				Msg("Pipeline finished")
			return nil
		}

		stop, pending := r.runStep(ctx, state, step)
		if err := ctx.Err(); err != nil {
			return err
		}
		if pending || stop || state.IsTerminal() {
			return nil
		}
	}
}

// initialize evaluates the guard and vars. It returns true when the run ended (skipped or failed).
func (r *Runner) initialize(ctx context.Context, state *models.PipelineState) bool {
	env := r.baseEnv(state)
	def := state.Pipeline

	if def.If != "" {
		ok, err := r.eval.EvalBool(ctx, def.If, env)
		if err != nil {
			r.failRun(state, fmt.Errorf("pipeline guard: %w", err))
			return true
		}
		if !ok {
			now := r.now()
			state.SkippedAt = &now
			r.logger.Debug().
				Str("pipeline", def.Name).
				Str("object_id", state.ObjectID).
				Msg("Pipeline skipped by guard")
			return true
		}
	}

	vars := map[string]interface{}{}
	for _, binding := range def.Vars {
		env["vars"] = vars
		value, err := r.eval.Bind(ctx, binding.Binding, env)
		if err != nil {
			r.failRun(state, fmt.Errorf("pipeline var %s: %w", binding.Name, err))
			return true
		}
		vars[binding.Name] = value
	}
	state.Vars = vars

	now := r.now()
	state.InitializedAt = &now
	return false
}

// runStep executes or resumes one step. stop ends the run, pending suspends it.
func (r *Runner) runStep(ctx context.Context, state *models.PipelineState, step *models.PipelineStep) (stop bool, pending bool) {
	stepState := state.Steps[step.Name]
	if stepState == nil {
		stepState = &models.StepState{Name: step.Name}
		state.Steps[step.Name] = stepState
	}

	taskID := ""
	if stepState.Status() == models.StepPending {
		taskID = stepState.PendingTaskID
		now := r.now()
		stepState.ResumedAt = &now
		stepState.Log("resumed task %s", taskID)
	} else {
		stepState.Prepare(r.now())

		if step.If != "" {
			ok, err := r.eval.EvalBool(ctx, step.If, r.env(state))
			if err != nil {
				return r.failStep(state, step, stepState, fmt.Errorf("step guard: %w", err)), false
			}
			if !ok {
				now := r.now()
				stepState.SkippedAt = &now
				stepState.Log("skipped by guard")
				return false, false
			}
		}

		now := r.now()
		stepState.StartedAt = &now

		args, err := r.bindAll(ctx, step.Action.Args, r.env(state))
		if err != nil {
			return r.failStep(state, step, stepState, fmt.Errorf("args: %w", err)), false
		}
		stepState.Args = args
	}

	enhancer, err := r.enhancers.Enhancer(step.Action.Name)
	if err != nil {
		return r.failStep(state, step, stepState, err), false
	}

	result, err := enhancer.Enhance(ctx, models.EnhanceParams{Args: stepState.Args, TaskID: taskID})
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a step failure
			return true, false
		}
		return r.failStep(state, step, stepState, fmt.Errorf("enhancer %s: %w", step.Action.Name, err)), false
	}

	if result.Status == models.TaskPending {
		if result.TaskID == "" {
			return r.failStep(state, step, stepState, models.NewNonRetryable(models.ErrCodeTaskIDNotFound, "enhancer %s reported pending without a task id", step.Action.Name)), false
		}
		now := r.now()
		stepState.PendingTaskID = result.TaskID
		stepState.PendingAt = &now
		stepState.Log("pending task %s", result.TaskID)
		return false, true
	}

	stepState.PendingTaskID = ""
	stepState.RawResult = result.Result
	state.Result = result.Result

	output, err := r.bindAll(ctx, step.Output, r.env(state))
	if err != nil {
		return r.failStep(state, step, stepState, fmt.Errorf("output: %w", err)), false
	}
	stepState.Output = output

	now := r.now()
	stepState.FinishedAt = &now
	return false, false
}

func (r *Runner) bindAll(ctx context.Context, bindings models.NamedBindings, env map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(bindings))
	for _, binding := range bindings {
		value, err := r.eval.Bind(ctx, binding.Binding, env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", binding.Name, err)
		}
		out[binding.Name] = value
	}
	return out, nil
}

// failStep records the failure and returns whether the run stops
func (r *Runner) failStep(state *models.PipelineState, step *models.PipelineStep, stepState *models.StepState, err error) bool {
	now := r.now()
	stepState.PendingTaskID = ""
	stepState.Error = err.Error()
	stepState.FailedAt = &now
	stepState.Log("failed: %v", err)

	r.logger.Warn().
		Err(err).
		Str("pipeline", state.Pipeline.Name).
		Str("step", step.Name).
		Str("object_id", state.ObjectID).
		Str("on_failure", string(step.FailurePolicy())).
		Msg("Pipeline step failed")

	if step.FailurePolicy() == models.OnFailureStop {
		state.FailedAt = &now
		return true
	}
	return false
}

func (r *Runner) failRun(state *models.PipelineState, err error) {
	now := r.now()
	state.FailedAt = &now
	r.logger.Warn().
		Err(err).
		Str("pipeline", state.Pipeline.Name).
		Str("object_id", state.ObjectID).
		Msg("Pipeline failed before its steps")
}

// nextStep is the first declared step that never ran or waits on a task
func nextStep(state *models.PipelineState) *models.PipelineStep {
	for i := range state.Pipeline.Steps {
		step := &state.Pipeline.Steps[i]
		switch state.Steps[step.Name].Status() {
		case models.StepNotRun, models.StepPending:
			return step
		}
	}
	return nil
}

func (r *Runner) baseEnv(state *models.PipelineState) map[string]interface{} {
	return map[string]interface{}{
		"job":      orEmpty(state.Job),
		"source":   orEmpty(state.Source),
		"record":   orEmpty(state.Record),
		"pipeline": plain(state.Pipeline),
		"vars":     map[string]interface{}{},
		"steps":    map[string]interface{}{},
		"result":   map[string]interface{}{},
	}
}

// env is the accumulated context: step states as their JSON form plus the last result
func (r *Runner) env(state *models.PipelineState) map[string]interface{} {
	env := r.baseEnv(state)
	env["vars"] = orEmpty(state.Vars)
	if steps, ok := plain(state.Steps).(map[string]interface{}); ok {
		env["steps"] = steps
	}
	if state.Result != nil {
		env["result"] = state.Result
	}
	return env
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// plain converts typed values into the maps and slices expressions navigate
func plain(value interface{}) interface{} {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
