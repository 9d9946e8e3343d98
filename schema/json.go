package schema

import (
	"bytes"
	"encoding/json"
	"reflect"

	"go.powersync.dev/core/protocol"
)

func decodeObject(data string) (map[string]interface{}, error) {
	var decoder = json.NewDecoder(bytes.NewReader([]byte(data)))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, protocol.ConfigErrorf("invalid JSON object: %v", err)
	}
	var object, ok = value.(map[string]interface{})
	if !ok {
		return nil, protocol.ConfigErrorf("expected a JSON object")
	}
	return object, nil
}

// DiffObjects produces the JSON object carried in CRUD entries: only keys
// whose value changed from old to new are present, and keys removed in new
// are set to null. Backs the powersync_diff function used by generated
// triggers.
func DiffObjects(oldData, newData string) (string, error) {
	var oldObject, err = decodeObject(oldData)
	if err != nil {
		return "", err
	}
	newObject, err := decodeObject(newData)
	if err != nil {
		return "", err
	}

	// Null values are equivalent to absent keys on both sides.
	for key, value := range oldObject {
		if value == nil {
			delete(oldObject, key)
		}
	}
	var diff = make(map[string]interface{})
	for key, value := range newObject {
		if value == nil {
			continue
		}
		if previous, ok := oldObject[key]; !ok || !reflect.DeepEqual(previous, value) {
			diff[key] = value
		}
	}
	for key := range oldObject {
		if _, ok := newObject[key]; ok {
			if newObject[key] == nil {
				diff[key] = nil
			}
		} else {
			diff[key] = nil
		}
	}

	var encoded, e = json.Marshal(diff)
	if e != nil {
		return "", protocol.InternalError(e)
	}
	return string(encoded), nil
}

// MergeObjects merges any number of JSON objects into one, later arguments
// winning. Backs powersync_json_merge, which generated triggers use for
// tables too wide for a single json_object call.
func MergeObjects(objects ...string) (string, error) {
	var merged = make(map[string]interface{})
	for _, data := range objects {
		var object, err = decodeObject(data)
		if err != nil {
			return "", err
		}
		for key, value := range object {
			merged[key] = value
		}
	}

	var encoded, err = json.Marshal(merged)
	if err != nil {
		return "", protocol.InternalError(err)
	}
	return string(encoded), nil
}
