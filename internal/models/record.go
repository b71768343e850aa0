package models

import (
	"encoding/json"
	"strings"
	"time"
)

// CollectionKey marks a nested map inside record content as an object of its
// own collection. The database plugin assigns every such map an object id.
const CollectionKey = "_collection"

// ObjectIDKey is written into persisted object maps
const ObjectIDKey = "_id"

// Record is the canonical persisted unit for one source item
type Record struct {
	ObjectID   string          `json:"object_id"`
	SourceID   string          `json:"source_id" badgerhold:"index"`
	RemoteID   string          `json:"remote_id"`
	Collection string          `json:"collection" badgerhold:"index"`
	Content    json.RawMessage `json:"content"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// DecodeContent unmarshals the record content into a map
func (r *Record) DecodeContent() (map[string]interface{}, error) {
	content := map[string]interface{}{}
	if len(r.Content) == 0 {
		return content, nil
	}
	if err := json.Unmarshal(r.Content, &content); err != nil {
		return nil, err
	}
	return content, nil
}

// ObjectEntry indexes one object (root or nested) back to its record
type ObjectEntry struct {
	ObjectID       string `json:"object_id"`
	RecordObjectID string `json:"record_object_id" badgerhold:"index"`
	SourceID       string `json:"source_id" badgerhold:"index"`
	Path           string `json:"path"`
	Collection     string `json:"collection"`
}

// ObjectRef identifies one object inside a persisted record
type ObjectRef struct {
	Path       string `json:"path"`
	ObjectID   string `json:"object_id"`
	Collection string `json:"collection"`
}

// Depth is the number of structural path segments ("" is the root, depth 0)
func (o ObjectRef) Depth() int {
	return PathDepth(o.Path)
}

// PathDepth counts dot-separated path segments
func PathDepth(path string) int {
	if path == "" {
		return 0
	}
	return len(strings.Split(path, "."))
}

// PersistResult is returned by insert/update/patch so enhancement knows every object
type PersistResult struct {
	ObjectID string      `json:"object_id"`
	Objects  []ObjectRef `json:"objects"`
}

// RecordContent is the persistable shape materialised by the record content job
type RecordContent struct {
	Collection string                 `json:"collection"`
	Content    map[string]interface{} `json:"content,omitempty"`
	Empty      bool                   `json:"empty,omitempty"`
}

// File visibility values
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// StoredFile is a file held by the storage plugin
type StoredFile struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id" badgerhold:"index"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Visibility string    `json:"visibility"`
	PrivateURL string    `json:"private_url"`
	PublicURL  string    `json:"public_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
