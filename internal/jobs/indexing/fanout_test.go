package indexing

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/jobs/pipeline"
	"github.com/ternarybob/corpus/internal/models"
)

const tracePipeline = `
name: trace-%s
collection: %s
steps:
  - name: trace
    action:
      name: trace
      args:
        collection:
          computed: record["_collection"]
        child:
          computed: 'record["_collection"] == "documents" ? record.sections[0].figure.traced : nil'
    output:
      traced:
        computed: result.order
`

func TestFanout_EnhancesDeepestObjectsFirst(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var order []string
	var rootSawChild interface{}
	h.registry.RegisterEnhancer(&funcEnhancer{name: "trace", fn: func(params models.EnhanceParams) (*models.EnhanceResult, error) {
		mu.Lock()
		defer mu.Unlock()
		collection := params.Args["collection"].(string)
		order = append(order, collection)
		if collection == "documents" {
			rootSawChild = params.Args["child"]
		}
		return &models.EnhanceResult{Status: models.TaskReady, Result: map[string]interface{}{"order": len(order)}}, nil
	}})
	for _, collection := range []string{"documents", "sections", "figures"} {
		h.pipelines.add(t, fmt.Sprintf(tracePipeline, collection, collection))
	}

	h.provider.records["doc"] = contentRecord("documents", map[string]interface{}{
		"title": "Report",
		"sections": []interface{}{
			map[string]interface{}{
				models.CollectionKey: "sections",
				"heading":            "Intro",
				"figure":             map[string]interface{}{models.CollectionKey: "figures", "caption": "chart"},
			},
			map[string]interface{}{models.CollectionKey: "sections", "heading": "Body"},
		},
	})
	h.start(t)
	ctx := awaitCtx(t)

	result, err := h.recordEvent(ctx, models.IndexingEvent{EventName: models.EventCreated, RecordID: "doc"})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"figures", "sections", "sections", "documents"}, order)
	assert.EqualValues(t, 1, rootSawChild, "the root pipeline sees its child's enhancement")
	mu.Unlock()

	database := h.storage.Database()
	figure, err := database.GetObject(ctx, common.NestedObjectID(result.ObjectID, "sections.0.figure"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, figure["traced"])

	root, err := database.GetObject(ctx, result.ObjectID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, root["traced"])
}

const autoSummaryPipeline = `
name: AutoSummary
collection: documents
steps:
  - name: autosummary
    action:
      name: summarize
      args:
        text:
          computed: record.body
    output:
      autoSummary:
        computed: result.summary
`

func TestFanout_AutoSummaryPatchesUpdatedRecord(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	pending := 0
	h.registry.RegisterEnhancer(&funcEnhancer{name: "summarize", fn: func(params models.EnhanceParams) (*models.EnhanceResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if params.TaskID == "" {
			pending++
			return &models.EnhanceResult{Status: models.TaskPending, TaskID: "summary-task"}, nil
		}
		return &models.EnhanceResult{
			Status: models.TaskReady,
			Result: map[string]interface{}{"summary": "Summary of " + params.Args["text"].(string)},
		}, nil
	}})
	h.pipelines.add(t, autoSummaryPipeline)

	h.provider.records["doc"] = contentRecord("documents", map[string]interface{}{"body": "first draft"})
	h.start(t)
	ctx := awaitCtx(t)

	_, err := h.recordEvent(ctx, models.IndexingEvent{EventName: models.EventCreated, RecordID: "doc"})
	require.NoError(t, err)

	h.provider.records["doc"].Content["body"] = "final text"
	result, err := h.recordEvent(ctx, models.IndexingEvent{EventName: models.EventUpdated, RecordID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, result.Action)

	object, err := h.storage.Database().GetObject(ctx, result.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, "Summary of final text", object["autoSummary"])
	assert.Equal(t, "final text", object["body"])

	mu.Lock()
	assert.Equal(t, 2, pending, "each run suspended on the async task once")
	mu.Unlock()

	jobs, err := h.engine.ListJobs(ctx, models.JobFilter{SourceID: testSourceID, Kinds: []models.JobKind{models.JobKindFanout}})
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	for _, job := range jobs {
		_, err := h.storage.PipelineStateStorage().GetState(ctx, pipeline.StateID(job.ID, result.ObjectID, "AutoSummary"))
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "closed runs drop their state")
	}
}

const countPipeline = `
name: Count
collection: notes
steps:
  - name: count
    action:
      name: counter
    output:
      first:
        computed: result.n
`

const echoFirstPipeline = `
name: EchoFirst
collection: notes
steps:
  - name: echo
    action:
      name: waiter
      args:
        first:
          computed: record.first
    output:
      second:
        computed: result.seen
`

func TestFanout_ReplayKeepsClosedPipelineOutcomes(t *testing.T) {
	h := newHarness(t)

	var counted atomic.Int32
	var hold atomic.Bool
	hold.Store(true)
	waiting := make(chan struct{})
	var once sync.Once

	h.registry.RegisterEnhancer(&funcEnhancer{name: "counter", fn: func(params models.EnhanceParams) (*models.EnhanceResult, error) {
		n := counted.Add(1)
		return &models.EnhanceResult{Status: models.TaskReady, Result: map[string]interface{}{"n": n}}, nil
	}})
	h.registry.RegisterEnhancer(&funcEnhancer{name: "waiter", fn: func(params models.EnhanceParams) (*models.EnhanceResult, error) {
		if hold.Load() {
			once.Do(func() { close(waiting) })
			return &models.EnhanceResult{Status: models.TaskPending, TaskID: "wait-task"}, nil
		}
		return &models.EnhanceResult{Status: models.TaskReady, Result: map[string]interface{}{"seen": params.Args["first"]}}, nil
	}})
	h.pipelines.add(t, countPipeline)
	h.pipelines.add(t, echoFirstPipeline)
	h.provider.records["note"] = contentRecord("notes", map[string]interface{}{"text": "hello"})

	pool := h.start(t)
	ctx := awaitCtx(t)

	job, err := h.engine.Start(ctx, engine.StartOptions{
		Kind:     models.JobKindRecordEvent,
		SourceID: testSourceID,
		Input:    recordEventInput{SourceID: testSourceID, Event: models.IndexingEvent{EventName: models.EventCreated, RecordID: "note"}},
	})
	require.NoError(t, err)

	select {
	case <-waiting:
	case <-ctx.Done():
		t.Fatal("second pipeline never started")
	}

	// Restart the workers while the second pipeline waits on its task
	require.NoError(t, pool.Stop())
	hold.Store(false)
	h.start(t)

	var result RecordEventResult
	require.NoError(t, h.engine.Result(ctx, job.ID, &result))
	assert.EqualValues(t, 1, counted.Load(), "a closed pipeline is not run again on replay")

	object, err := h.storage.Database().GetObject(ctx, result.ObjectID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, object["first"])
	assert.EqualValues(t, 1, object["second"], "later pipelines see the persisted value")
}

func TestLevelsByDepth(t *testing.T) {
	levels := levelsByDepth([]models.ObjectRef{
		{Path: "", ObjectID: "root"},
		{Path: "blocks.0", ObjectID: "b0"},
		{Path: "blocks.0.image", ObjectID: "img"},
		{Path: "blocks.1", ObjectID: "b1"},
	})

	require.Len(t, levels, 3)
	assert.Equal(t, "img", levels[0][0].ObjectID)
	assert.Len(t, levels[1], 2)
	assert.Equal(t, "root", levels[2][0].ObjectID)
}

func TestNetNewFields(t *testing.T) {
	persisted := map[string]interface{}{"title": "x", "summary": "old"}
	working := map[string]interface{}{"title": "x", "summary": "new", "tags": []interface{}{"a"}}

	assert.Equal(t, map[string]interface{}{"summary": "new", "tags": []interface{}{"a"}}, netNewFields(persisted, working))
}
