package indexing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

func TestRecordEvent_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.provider.records["page-1"] = contentRecord("pages", map[string]interface{}{"title": "First"})
	h.start(t)
	ctx := awaitCtx(t)

	deleted := models.IndexingEvent{EventName: models.EventDeleted, RecordID: "page-1"}
	updated := models.IndexingEvent{EventName: models.EventUpdated, RecordID: "page-1", RecordType: "page"}

	for i := 0; i < 2; i++ {
		result, err := h.recordEvent(ctx, deleted)
		require.NoError(t, err)
		assert.Equal(t, ActionNoop, result.Action, "deleting a missing record")
	}

	result, err := h.recordEvent(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, result.Action, "update of a missing record inserts")

	result, err = h.recordEvent(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, result.Action)

	record, err := h.storage.Database().GetRecord(ctx, testSourceID, "page-1")
	require.NoError(t, err)
	assert.Equal(t, result.ObjectID, record.ObjectID)

	for _, want := range []string{ActionDeleted, ActionNoop} {
		result, err = h.recordEvent(ctx, deleted)
		require.NoError(t, err)
		assert.Equal(t, want, result.Action)
	}
	_, err = h.storage.Database().GetRecord(ctx, testSourceID, "page-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRecordEvent_PatchUsesMetadataOnly(t *testing.T) {
	h := newHarness(t)
	h.provider.records["page-1"] = contentRecord("pages", map[string]interface{}{"title": "First"})
	h.start(t)
	ctx := awaitCtx(t)

	patched := models.IndexingEvent{
		EventName:  models.EventPatched,
		RecordID:   "page-1",
		RecordType: "page",
		Metadata:   map[string]interface{}{"starred": true},
	}

	result, err := h.recordEvent(ctx, patched)
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, result.Action, "patch of a missing record inserts")

	h.provider.records["page-1"].Content["title"] = "Changed remotely"

	result, err = h.recordEvent(ctx, patched)
	require.NoError(t, err)
	assert.Equal(t, ActionPatched, result.Action)

	record, err := h.storage.Database().GetRecord(ctx, testSourceID, "page-1")
	require.NoError(t, err)
	content, err := record.DecodeContent()
	require.NoError(t, err)
	assert.Equal(t, true, content["starred"])
	assert.Equal(t, "First", content["title"], "patch does not refetch content")
}

func TestRecordContent_AttachmentsArePublishedAndParsed(t *testing.T) {
	h := newHarness(t)
	h.provider.records["note"] = &models.RemoteRecord{
		Type:       models.RemoteRecordContent,
		Collection: "notes",
		Content:    map[string]interface{}{"title": "Note"},
		Attachments: []models.RemoteFile{
			{Filename: "a.txt", MimeType: "text/plain", Data: []byte("hello")},
			{Filename: "b.png", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
		},
	}
	h.start(t)
	ctx := awaitCtx(t)

	_, err := h.recordEvent(ctx, models.IndexingEvent{EventName: models.EventCreated, RecordID: "note", RecordType: "note"})
	require.NoError(t, err)

	record, err := h.storage.Database().GetRecord(ctx, testSourceID, "note")
	require.NoError(t, err)
	assert.Equal(t, "notes", record.Collection)

	content, err := record.DecodeContent()
	require.NoError(t, err)
	attachments, ok := content["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 2)

	first := attachments[0].(map[string]interface{})
	second := attachments[1].(map[string]interface{})
	assert.Equal(t, true, first["parsed"])
	assert.Equal(t, false, second["parsed"], "unsupported attachments keep only the raw file")
	assert.NotEmpty(t, first["url"])
	assert.NotEmpty(t, second["url"])
}

func TestRecordContent_PollsPendingFetchUntilReady(t *testing.T) {
	h := newHarness(t)
	h.provider.pendingFetches.Store(2)
	h.provider.records["slow"] = contentRecord("notes", map[string]interface{}{"text": "eventually"})
	h.start(t)
	ctx := awaitCtx(t)

	result, err := h.recordEvent(ctx, models.IndexingEvent{EventName: models.EventCreated, RecordID: "slow"})
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, result.Action)
	assert.EqualValues(t, 2, h.provider.resumedFetches.Load(), "every poll after the first carries the task id")

	record, err := h.storage.Database().GetRecord(ctx, testSourceID, "slow")
	require.NoError(t, err)
	content, err := record.DecodeContent()
	require.NoError(t, err)
	assert.Equal(t, "eventually", content["text"])
}

func TestRecordContent_UnsupportedMimeTypeFailsFast(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := awaitCtx(t)

	_, err := h.recordEvent(ctx, models.IndexingEvent{
		EventName: models.EventCreated,
		RecordID:  "scan",
		Metadata:  map[string]interface{}{"mimeType": "image/tiff"},
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeUnsupportedMimeType, models.CodeOf(err))
	assert.True(t, models.IsNonRetryable(err))
}

func TestFileParse_RecursionIsBounded(t *testing.T) {
	h := newHarness(t)
	nest := &nestingParser{}
	h.registry.RegisterParser(nest)
	h.provider.records["bundle"] = fileRecord("bundles", "outer.nest", nestMimeType, "outer")
	h.start(t)
	ctx := awaitCtx(t)

	_, err := h.recordEvent(ctx, models.IndexingEvent{EventName: models.EventCreated, RecordID: "bundle"})
	require.NoError(t, err)

	assert.EqualValues(t, 3, nest.calls.Load(), "one parse per level up to the depth limit")

	record, err := h.storage.Database().GetRecord(ctx, testSourceID, "bundle")
	require.NoError(t, err)
	content, err := record.DecodeContent()
	require.NoError(t, err)
	assert.EqualValues(t, 1, content["parsed_children"])
	assert.Equal(t, "outer.nest", content["filename"])
}
