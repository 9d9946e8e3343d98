package extension

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/schema"
	"go.powersync.dev/core/storage"
)

func marshalInstructions(instructions []protocol.Instruction) (string, error) {
	var encoded, err = json.Marshal(instructions)
	if err != nil {
		return "", protocol.InternalError(err)
	}
	return string(encoded), nil
}

// fnDiff computes the changed-keys JSON object between two row states. See
// schema.DiffObjects.
func fnDiff(oldData, newData string) (string, error) {
	var diff, err = schema.DiffObjects(oldData, newData)
	return diff, errors.WithMessage(err, "powersync_diff")
}

// fnJSONMerge merges JSON objects, later arguments winning.
func fnJSONMerge(args ...interface{}) (string, error) {
	var objects = make([]string, len(args))
	for i, arg := range args {
		var text, ok = arg.(string)
		if !ok {
			return "", errors.WithMessage(
				protocol.ConfigErrorf("argument %d is not text", i+1), "powersync_json_merge")
		}
		objects[i] = text
	}
	var merged, err = schema.MergeObjects(objects...)
	return merged, errors.WithMessage(err, "powersync_json_merge")
}

// fnStripSubtype returns its argument with any JSON subtype discarded, so
// json_object embeds text columns as strings rather than subobjects. Values
// cross the driver boundary as plain Go values, which carry no subtype, so
// passing them through is the whole implementation.
func fnStripSubtype(value interface{}) interface{} { return value }

// fnRemoveDuplicateKeyEncoding fixes oplog keys whose subkey was written
// JSON-encoded by older JavaScript SDKs. Returns NULL when the key doesn't
// need fixing.
func fnRemoveDuplicateKeyEncoding(key string) interface{} {
	if fixed, ok := storage.RemoveDuplicateKeyEncoding(key); ok {
		return fixed
	}
	return nil
}

func fnUUID() string { return uuid.NewString() }

// fnZstdDecompressText decompresses a zstd blob with the given dictionary
// into text. The sync service compresses large row payloads this way.
func fnZstdDecompressText(compressed, dict []byte) (string, error) {
	var decoder, err = zstd.NewReader(nil, zstd.WithDecoderDicts(dict))
	if err != nil {
		return "", errors.WithMessage(err, "zstd_decompress_text")
	}
	defer decoder.Close()

	decompressed, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return "", errors.WithMessage(err, "zstd_decompress_text")
	}
	return string(decompressed), nil
}
