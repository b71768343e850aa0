package badger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
)

// indexObjects stamps object ids into content and returns every object,
// the root first. Nested maps become objects when they carry a collection key.
func indexObjects(rootObjectID, rootCollection string, content map[string]interface{}) []models.ObjectRef {
	content[models.ObjectIDKey] = rootObjectID
	content[models.CollectionKey] = rootCollection

	objects := []models.ObjectRef{{Path: "", ObjectID: rootObjectID, Collection: rootCollection}}
	walkValue(rootObjectID, "", content, &objects, true)
	return objects
}

func walkValue(rootObjectID, path string, value interface{}, objects *[]models.ObjectRef, isRoot bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		if !isRoot {
			if collection, ok := v[models.CollectionKey].(string); ok && collection != "" {
				objectID := common.NestedObjectID(rootObjectID, path)
				v[models.ObjectIDKey] = objectID
				*objects = append(*objects, models.ObjectRef{Path: path, ObjectID: objectID, Collection: collection})
			}
		}
		// Deterministic order keeps object lists stable across replays
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if strings.HasPrefix(key, "_") {
				continue
			}
			walkValue(rootObjectID, joinPath(path, key), v[key], objects, false)
		}
	case []interface{}:
		for i, item := range v {
			walkValue(rootObjectID, joinPath(path, strconv.Itoa(i)), item, objects, false)
		}
	}
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

// objectAt resolves a structural path to the nested map it names
func objectAt(content map[string]interface{}, path string) (map[string]interface{}, error) {
	if path == "" {
		return content, nil
	}

	var current interface{} = content
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, fmt.Errorf("path %s: missing key %s", path, segment)
			}
			current = next
		case []interface{}:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, fmt.Errorf("path %s: bad index %s", path, segment)
			}
			current = node[index]
		default:
			return nil, fmt.Errorf("path %s: cannot descend into %T", path, current)
		}
	}

	object, ok := current.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("path %s: not an object", path)
	}
	return object, nil
}
