package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// OpID is a 64-bit operation id, transmitted on the wire as a decimal string.
type OpID int64

// MaxOpID is the target_op of the reserved $local bucket.
const MaxOpID OpID = 1<<63 - 1

func (id OpID) String() string { return strconv.FormatInt(int64(id), 10) }

func (id OpID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *OpID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected op-id as a string, got %s", data)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid op-id %q", s)
	}
	*id = OpID(v)
	return nil
}

// UnmarshalBSONValue accepts both the string encoding used on the wire and a
// plain int64, which some BSON writers emit for op-ids.
func (id *OpID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var rv = bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.String:
		v, err := strconv.ParseInt(rv.StringValue(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid op-id %q", rv.StringValue())
		}
		*id = OpID(v)
	case bsontype.Int64:
		*id = OpID(rv.Int64())
	case bsontype.Int32:
		*id = OpID(rv.Int32())
	default:
		return fmt.Errorf("invalid BSON type %s for op-id", t)
	}
	return nil
}
