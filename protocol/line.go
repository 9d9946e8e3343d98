package protocol

import (
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"
)

// SyncLine is one line received from the sync service. Exactly one of the
// pointer fields is set for a recognized line; a line with no recognized
// field is reported by IsUnknown and ignored by the state machine.
type SyncLine struct {
	Checkpoint                *Checkpoint                  `json:"checkpoint,omitempty" bson:"checkpoint,omitempty"`
	CheckpointDiff            *CheckpointDiff              `json:"checkpoint_diff,omitempty" bson:"checkpoint_diff,omitempty"`
	Data                      *DataLine                    `json:"data,omitempty" bson:"data,omitempty"`
	CheckpointComplete        *CheckpointComplete          `json:"checkpoint_complete,omitempty" bson:"checkpoint_complete,omitempty"`
	PartialCheckpointComplete *CheckpointPartiallyComplete `json:"partial_checkpoint_complete,omitempty" bson:"partial_checkpoint_complete,omitempty"`
	TokenExpiresIn            *float64                     `json:"token_expires_in,omitempty" bson:"token_expires_in,omitempty"`
	StreamError               json.RawMessage              `json:"stream_error,omitempty" bson:"-"`
}

// IsUnknown reports whether no recognized line field was present.
func (l *SyncLine) IsUnknown() bool {
	return l.Checkpoint == nil && l.CheckpointDiff == nil && l.Data == nil &&
		l.CheckpointComplete == nil && l.PartialCheckpointComplete == nil &&
		l.TokenExpiresIn == nil && l.StreamError == nil
}

// Checkpoint declares that the union of the listed buckets at last_op_id
// represents a consistent snapshot.
type Checkpoint struct {
	LastOpID        OpID                `json:"last_op_id" bson:"last_op_id"`
	WriteCheckpoint *OpID               `json:"write_checkpoint,omitempty" bson:"write_checkpoint,omitempty"`
	Buckets         []BucketChecksum    `json:"buckets" bson:"buckets"`
	Streams         []StreamDescription `json:"streams,omitempty" bson:"streams,omitempty"`
}

// CheckpointDiff mutates the checkpoint currently being tracked. Receiving
// one without a prior checkpoint is a protocol error.
type CheckpointDiff struct {
	LastOpID        OpID             `json:"last_op_id" bson:"last_op_id"`
	WriteCheckpoint *OpID            `json:"write_checkpoint,omitempty" bson:"write_checkpoint,omitempty"`
	UpdatedBuckets  []BucketChecksum `json:"updated_buckets" bson:"updated_buckets"`
	RemovedBuckets  []string         `json:"removed_buckets" bson:"removed_buckets"`
}

// BucketChecksum is one bucket of a checkpoint, with its declared checksum,
// priority and operation count.
type BucketChecksum struct {
	Bucket        string                     `json:"bucket" bson:"bucket"`
	Checksum      Checksum                   `json:"checksum" bson:"checksum"`
	Priority      *BucketPriority            `json:"priority,omitempty" bson:"priority,omitempty"`
	Count         *int64                     `json:"count,omitempty" bson:"count,omitempty"`
	Subscriptions []BucketSubscriptionReason `json:"subscriptions,omitempty" bson:"subscriptions,omitempty"`
}

// EffectivePriority resolves the bucket's priority, falling back to
// PriorityFallback when the service didn't attach one.
func (b *BucketChecksum) EffectivePriority() BucketPriority {
	if b.Priority == nil {
		return PriorityFallback
	}
	return *b.Priority
}

// BucketSubscriptionReason explains why a bucket is part of the checkpoint:
// it was derived from a default stream (by index into Checkpoint.Streams) or
// from an explicit subscription (by index into the request's subscriptions).
type BucketSubscriptionReason struct {
	Default *int `json:"default,omitempty" bson:"default,omitempty"`
	Sub     *int `json:"sub,omitempty" bson:"sub,omitempty"`
}

// StreamDescription is a stream acknowledged by the service in a checkpoint.
type StreamDescription struct {
	Name      string                    `json:"name" bson:"name"`
	IsDefault bool                      `json:"is_default" bson:"is_default"`
	Errors    []StreamSubscriptionError `json:"errors,omitempty" bson:"errors,omitempty"`
}

// StreamSubscriptionError is a service-reported error for one subscription of
// a stream. Subscription is nil when the default subscription is affected,
// and otherwise indexes the explicit subscriptions of the request.
type StreamSubscriptionError struct {
	Message      string `json:"message" bson:"message"`
	Subscription *int   `json:"subscription,omitempty" bson:"subscription,omitempty"`
}

// DataLine carries a batch of operations for one bucket.
type DataLine struct {
	Bucket    string       `json:"bucket" bson:"bucket"`
	Data      []OplogEntry `json:"data" bson:"data"`
	HasMore   bool         `json:"has_more" bson:"has_more"`
	After     *OpID        `json:"after,omitempty" bson:"after,omitempty"`
	NextAfter *OpID        `json:"next_after,omitempty" bson:"next_after,omitempty"`
}

// OpType is the kind of one oplog operation.
type OpType string

const (
	OpPut    OpType = "PUT"
	OpRemove OpType = "REMOVE"
	OpMove   OpType = "MOVE"
	OpClear  OpType = "CLEAR"
)

// OplogEntry is a single downloaded operation.
type OplogEntry struct {
	OpID       OpID     `json:"op_id" bson:"op_id"`
	Op         OpType   `json:"op" bson:"op"`
	ObjectType string   `json:"object_type,omitempty" bson:"object_type,omitempty"`
	ObjectID   string   `json:"object_id,omitempty" bson:"object_id,omitempty"`
	Subkey     string   `json:"subkey,omitempty" bson:"subkey,omitempty"`
	Checksum   Checksum `json:"checksum" bson:"checksum"`
	Data       *string  `json:"data,omitempty" bson:"data,omitempty"`
}

// CheckpointComplete signals that all data of the current checkpoint has been
// sent.
type CheckpointComplete struct {
	LastOpID OpID `json:"last_op_id" bson:"last_op_id"`
}

// CheckpointPartiallyComplete signals that all data of buckets at priorities
// numerically at or below Priority has been sent.
type CheckpointPartiallyComplete struct {
	LastOpID OpID           `json:"last_op_id" bson:"last_op_id"`
	Priority BucketPriority `json:"priority" bson:"priority"`
}

// ParseLine decodes one JSON-encoded sync line.
func ParseLine(data []byte) (*SyncLine, error) {
	var line SyncLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, ProtocolErrorf("invalid sync line: %v", err)
	}
	if err := validateLine(&line); err != nil {
		return nil, err
	}
	return &line, nil
}

// ParseBinaryLine decodes one BSON-encoded sync line.
func ParseBinaryLine(data []byte) (*SyncLine, error) {
	var line SyncLine
	if err := bson.Unmarshal(data, &line); err != nil {
		return nil, ProtocolErrorf("invalid binary sync line: %v", err)
	}
	if err := validateLine(&line); err != nil {
		return nil, err
	}
	return &line, nil
}

func validateLine(line *SyncLine) error {
	if line.Data != nil {
		for i := range line.Data.Data {
			switch line.Data.Data[i].Op {
			case OpPut, OpRemove, OpMove, OpClear:
			default:
				return ProtocolErrorf("unknown op %q", line.Data.Data[i].Op)
			}
		}
	}
	return nil
}
