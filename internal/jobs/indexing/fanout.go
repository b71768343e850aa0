package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/jobs/pipeline"
	"github.com/ternarybob/corpus/internal/models"
	"golang.org/x/sync/errgroup"
)

type fanoutCounters struct {
	runs    atomic.Int64
	patched atomic.Int64
}

// runFanout enhances every object of a persisted record, deepest objects
// first, so a parent's pipelines see what its children's pipelines produced
func (s *Service) runFanout(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var in fanoutInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	logger := jc.Logger()

	objects := in.Objects
	if len(objects) == 0 && in.ObjectID != "" {
		objects = []models.ObjectRef{{Path: "", ObjectID: in.ObjectID}}
	}

	source, err := s.loadSource(jc, in.SourceID)
	if err != nil {
		return nil, err
	}
	sourceEnv := sourceContext(source)
	jobEnv := map[string]interface{}{
		"id":        jc.JobID(),
		"kind":      string(jc.Job().Kind),
		"source_id": in.SourceID,
		"record_id": in.RecordID,
	}

	// Run states stay until the job closes; an interrupted job resumes from them
	defer func() {
		if jc.Err() != nil {
			return
		}
		if _, err := engine.Activity(jc, "pipeline-states", func(ctx context.Context) (bool, error) {
			return true, s.states.DeleteJobStates(ctx, jc.JobID())
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete pipeline states")
		}
	}()

	counters := &fanoutCounters{}
	for _, level := range levelsByDepth(objects) {
		byCollection := make(map[string][]models.ObjectRef)
		var collections []string
		for _, ref := range level {
			if _, ok := byCollection[ref.Collection]; !ok {
				collections = append(collections, ref.Collection)
			}
			byCollection[ref.Collection] = append(byCollection[ref.Collection], ref)
		}

		var g errgroup.Group
		for _, collection := range collections {
			definitions := s.pipelines.ForCollection(collection)
			if len(definitions) == 0 {
				continue
			}
			for _, ref := range byCollection[collection] {
				ref := ref
				g.Go(func() error {
					return s.enhanceObject(jc, in, ref, definitions, jobEnv, sourceEnv, counters)
				})
			}
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	result := FanoutResult{
		Objects:   len(objects),
		Pipelines: int(counters.runs.Load()),
		Patched:   int(counters.patched.Load()),
	}
	logger.Debug().
		Str("record_id", in.RecordID).
		Int("objects", result.Objects).
		Int("pipelines", result.Pipelines).
		Int("patched", result.Patched).
		Msg("Enhancement fan-out finished")
	return result, nil
}

// enhanceObject runs each pipeline of the object's collection in order. A
// working copy of the object accumulates finished step outputs so later
// pipelines see what earlier ones produced.
func (s *Service) enhanceObject(jc *engine.Context, in fanoutInput, ref models.ObjectRef, definitions []*models.PipelineDefinition, jobEnv, sourceEnv map[string]interface{}, counters *fanoutCounters) error {
	database := s.registry.Database()

	object, err := engine.Activity(jc, "object:"+ref.ObjectID, func(ctx context.Context) (map[string]interface{}, error) {
		return database.GetObject(ctx, ref.ObjectID)
	})
	if err != nil {
		return err
	}
	persisted := copyMap(object)
	working := copyMap(object)

	for _, def := range definitions {
		outcome, err := s.runPipeline(jc, in, ref, def, working, jobEnv, sourceEnv)
		if err != nil {
			return err
		}
		counters.runs.Add(1)

		for k, v := range outcome.Fields {
			working[k] = v
		}

		patch := netNewFields(persisted, working)
		key := fmt.Sprintf("patch:%s:%s", ref.ObjectID, def.Name)
		if _, err := engine.Activity(jc, key, func(ctx context.Context) (int, error) {
			if len(patch) == 0 {
				return 0, nil
			}
			return len(patch), database.PatchObject(ctx, ref.ObjectID, patch)
		}); err != nil {
			return err
		}
		if len(patch) > 0 {
			counters.patched.Add(1)
			for k, v := range patch {
				persisted[k] = v
			}
		}

		jc.Logger().Debug().
			Str("object_id", ref.ObjectID).
			Str("collection", ref.Collection).
			Str("pipeline", def.Name).
			Str("status", outcome.Status).
			Int("patched_fields", len(patch)).
			Msg("Pipeline run closed")
	}
	return nil
}

// pipelineOutcome is the checkpointed result of one closed pipeline run
type pipelineOutcome struct {
	Status string                 `json:"status"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// runPipeline returns the outcome of a pipeline over one object. A run that
// already closed in an earlier delivery of this job is not run again.
func (s *Service) runPipeline(jc *engine.Context, in fanoutInput, ref models.ObjectRef, def *models.PipelineDefinition, working map[string]interface{}, jobEnv, sourceEnv map[string]interface{}) (pipelineOutcome, error) {
	key := fmt.Sprintf("pipeline:%s:%s", ref.ObjectID, def.Name)
	if outcome, ok, err := engine.Recorded[pipelineOutcome](jc, key); err != nil || ok {
		return outcome, err
	}

	state, err := s.runToCompletion(jc, in, ref, def, working, jobEnv, sourceEnv)
	if err != nil {
		return pipelineOutcome{}, err
	}
	fields, err := finishedOutputs(def, state)
	if err != nil {
		return pipelineOutcome{}, err
	}
	return engine.Activity(jc, key, func(ctx context.Context) (pipelineOutcome, error) {
		return pipelineOutcome{Status: state.Status(), Fields: fields}, nil
	})
}

// finishedOutputs merges the outputs of finished steps in declared order,
// normalized to their JSON form so first runs and replays see the same values
func finishedOutputs(def *models.PipelineDefinition, state *models.PipelineState) (map[string]interface{}, error) {
	merged := make(map[string]interface{})
	for _, step := range def.Steps {
		if st := state.Steps[step.Name]; st.Status() == models.StepFinished {
			for k, v := range st.Output {
				merged[k] = v
			}
		}
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outputs of pipeline %s: %w", def.Name, err)
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// runToCompletion drives one pipeline state until it is terminal. The
// state is persisted after every advance, so a replayed job resumes a run
// suspended on an async task instead of starting over.
func (s *Service) runToCompletion(jc *engine.Context, in fanoutInput, ref models.ObjectRef, def *models.PipelineDefinition, working map[string]interface{}, jobEnv, sourceEnv map[string]interface{}) (*models.PipelineState, error) {
	stateID := pipeline.StateID(jc.JobID(), ref.ObjectID, def.Name)

	state, err := s.states.GetState(jc, stateID)
	if errors.Is(err, interfaces.ErrNotFound) {
		state = pipeline.NewState(pipeline.StateParams{
			JobID:    jc.JobID(),
			SourceID: in.SourceID,
			ObjectID: ref.ObjectID,
			Job:      jobEnv,
			Source:   sourceEnv,
			Record:   copyMap(working),
			Pipeline: def,
		})
	} else if err != nil {
		return nil, err
	}

	for {
		if err := s.runner.Run(jc, state); err != nil {
			return nil, err
		}
		if err := s.states.SaveState(jc, state); err != nil {
			return nil, err
		}
		if state.IsTerminal() {
			return state, nil
		}
		if err := jc.Sleep(s.config.TaskPollInterval); err != nil {
			return nil, err
		}
	}
}

// levelsByDepth groups objects by path depth, deepest level first
func levelsByDepth(objects []models.ObjectRef) [][]models.ObjectRef {
	byDepth := make(map[int][]models.ObjectRef)
	var depths []int
	for _, ref := range objects {
		depth := ref.Depth()
		if _, ok := byDepth[depth]; !ok {
			depths = append(depths, depth)
		}
		byDepth[depth] = append(byDepth[depth], ref)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(depths)))

	levels := make([][]models.ObjectRef, 0, len(depths))
	for _, depth := range depths {
		levels = append(levels, byDepth[depth])
	}
	return levels
}

// netNewFields returns the fields of working that are absent from or differ in persisted
func netNewFields(persisted, working map[string]interface{}) map[string]interface{} {
	patch := make(map[string]interface{})
	for k, v := range working {
		if old, ok := persisted[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		patch[k] = v
	}
	return patch
}

// sourceContext is the source as pipelines see it, without credentials
func sourceContext(source *models.Source) map[string]interface{} {
	return map[string]interface{}{
		"id":            source.ID,
		"name":          source.Name,
		"provider_type": source.ProviderType,
		"initialized":   source.Initialized,
		"lifecycle":     string(source.Lifecycle),
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
