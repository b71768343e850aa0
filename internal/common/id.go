package common

import (
	"github.com/google/uuid"
)

// objectNamespace seeds deterministic object ids
var objectNamespace = uuid.MustParse("6f1c2a8e-3b1d-4c55-9a07-0d6c3f0b8e21")

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewSourceID generates a unique source ID with the "src_" prefix
func NewSourceID() string {
	return "src_" + uuid.New().String()
}

// NewFileID generates a unique stored file ID
func NewFileID() string {
	return "file_" + uuid.New().String()
}

// ObjectID maps (sourceID, remoteID) to a stable object id.
// The same remote record always resolves to the same object across re-indexing.
func ObjectID(sourceID, remoteID string) string {
	return uuid.NewSHA1(objectNamespace, []byte(sourceID+"/"+remoteID)).String()
}

// NestedObjectID derives the id of an object nested at path inside a record
func NestedObjectID(rootObjectID, path string) string {
	if path == "" {
		return rootObjectID
	}
	root, err := uuid.Parse(rootObjectID)
	if err != nil {
		root = objectNamespace
	}
	return uuid.NewSHA1(root, []byte(path)).String()
}
