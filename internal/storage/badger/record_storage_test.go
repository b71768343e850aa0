package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

func TestRecordStorage_NestedObjects(t *testing.T) {
	db := newTestDB(t)
	storage := NewRecordStorage(db, arbor.NewLogger())
	ctx := context.Background()

	content := map[string]interface{}{
		"title": "Quarterly report",
		"author": map[string]interface{}{
			"_collection": "people",
			"name":        "Ada",
		},
		"sections": []interface{}{
			map[string]interface{}{"_collection": "sections", "heading": "Intro"},
			map[string]interface{}{"heading": "plain"},
		},
	}

	result, err := storage.InsertRecord(ctx, "src-1", "doc-1", "documents", content)
	require.NoError(t, err)

	rootID := common.ObjectID("src-1", "doc-1")
	assert.Equal(t, rootID, result.ObjectID)
	require.Len(t, result.Objects, 3)
	assert.Equal(t, "", result.Objects[0].Path)
	assert.Equal(t, "author", result.Objects[1].Path)
	assert.Equal(t, "sections.0", result.Objects[2].Path)
	assert.Equal(t, 1, result.Objects[2].Depth())

	author, err := storage.GetObject(ctx, common.NestedObjectID(rootID, "author"))
	require.NoError(t, err)
	assert.Equal(t, "Ada", author["name"])

	require.NoError(t, storage.PatchObject(ctx, common.NestedObjectID(rootID, "sections.0"), map[string]interface{}{"summary": "short"}))

	record, err := storage.GetRecord(ctx, "src-1", "doc-1")
	require.NoError(t, err)
	decoded, err := record.DecodeContent()
	require.NoError(t, err)
	sections := decoded["sections"].([]interface{})
	assert.Equal(t, "short", sections[0].(map[string]interface{})["summary"])
	assert.Equal(t, rootID, decoded[models.ObjectIDKey])
}

func TestRecordStorage_PatchAndDelete(t *testing.T) {
	db := newTestDB(t)
	storage := NewRecordStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.PatchRecord(ctx, "src-1", "missing", map[string]interface{}{"a": 1})
	assert.Equal(t, models.ErrCodeRecordNotFound, models.CodeOf(err))

	_, err = storage.InsertRecord(ctx, "src-1", "doc-1", "documents", map[string]interface{}{"title": "v1", "body": "x"})
	require.NoError(t, err)

	_, err = storage.PatchRecord(ctx, "src-1", "doc-1", map[string]interface{}{"title": "v2"})
	require.NoError(t, err)

	object, err := storage.GetObject(ctx, common.ObjectID("src-1", "doc-1"))
	require.NoError(t, err)
	assert.Equal(t, "v2", object["title"])
	assert.Equal(t, "x", object["body"])

	count, err := storage.DeleteSourceRecords(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = storage.GetRecord(ctx, "src-1", "doc-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = storage.GetObject(ctx, common.ObjectID("src-1", "doc-1"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
