package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// BucketPriority orders buckets within a checkpoint. Numerically smaller
// priorities are more important and may complete (and publish) before the
// full checkpoint does.
type BucketPriority int32

const (
	// PriorityHighest is the only priority which may publish while local
	// uploads are still outstanding.
	PriorityHighest BucketPriority = 0
	// PriorityFallback applies when the sync service doesn't attach
	// priorities to checkpoint buckets.
	PriorityFallback BucketPriority = 3
	// PrioritySentinel represents a fully-completed sync across all
	// priorities in ps_sync_state.
	PrioritySentinel BucketPriority = math.MaxInt32
)

// MayPublishWithOutstandingUploads reports whether buckets at this priority
// may be published to user tables while ps_crud is non-empty.
func (p BucketPriority) MayPublishWithOutstandingUploads() bool {
	return p == PriorityHighest
}

// IncludedIn reports whether a bucket at priority p participates in a sync
// constrained to limit. A nil limit means a full (unconstrained) sync.
func (p BucketPriority) IncludedIn(limit *BucketPriority) bool {
	return limit == nil || p <= *limit
}

// Validate rejects priorities outside the range the sync service may send.
func (p BucketPriority) Validate() error {
	if p < PriorityHighest || p == PrioritySentinel {
		return ConfigErrorf("invalid bucket priority %d", p)
	}
	return nil
}

func (p *BucketPriority) UnmarshalJSON(data []byte) error {
	var v int32
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid bucket priority %s", data)
	}
	*p = BucketPriority(v)
	return p.Validate()
}

func (p *BucketPriority) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var rv = bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Int32:
		*p = BucketPriority(rv.Int32())
	case bsontype.Int64:
		*p = BucketPriority(rv.Int64())
	case bsontype.Double:
		*p = BucketPriority(int32(rv.Double()))
	default:
		return fmt.Errorf("invalid BSON type %s for priority", t)
	}
	return p.Validate()
}
