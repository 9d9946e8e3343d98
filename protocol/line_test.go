package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestParseCheckpointLine(t *testing.T) {
	var line, err = ParseLine([]byte(`{"checkpoint":{
		"last_op_id":"10",
		"write_checkpoint":null,
		"buckets":[
			{"bucket":"a","checksum":3573495687,"priority":1,"count":5},
			{"bucket":"b","checksum":-10,"count":2,"subscriptions":[{"default":0},{"sub":1}]}
		],
		"streams":[{"name":"s","is_default":true,"errors":[{"message":"nope","subscription":1}]}]}}`))
	require.NoError(t, err)

	var cp = line.Checkpoint
	require.NotNil(t, cp)
	require.Equal(t, OpID(10), cp.LastOpID)
	require.Nil(t, cp.WriteCheckpoint)
	require.Len(t, cp.Buckets, 2)

	require.Equal(t, "a", cp.Buckets[0].Bucket)
	require.Equal(t, Checksum(3573495687), cp.Buckets[0].Checksum)
	require.Equal(t, BucketPriority(1), cp.Buckets[0].EffectivePriority())

	// Negative checksums are the same 32 bits.
	require.Equal(t, Checksum(4294967286), cp.Buckets[1].Checksum)
	// Absent priorities fall back.
	require.Equal(t, PriorityFallback, cp.Buckets[1].EffectivePriority())
	require.Equal(t, 0, *cp.Buckets[1].Subscriptions[0].Default)
	require.Equal(t, 1, *cp.Buckets[1].Subscriptions[1].Sub)

	require.Len(t, cp.Streams, 1)
	require.True(t, cp.Streams[0].IsDefault)
	require.Equal(t, 1, *cp.Streams[0].Errors[0].Subscription)
}

func TestParseDataLine(t *testing.T) {
	var line, err = ParseLine([]byte(`{"data":{
		"bucket":"a","has_more":false,"after":null,"next_after":null,
		"data":[
			{"op_id":"1","op":"PUT","object_type":"items","object_id":"row-0",
			 "checksum":120,"data":"{\"col\":\"hi\"}"},
			{"op_id":"2","op":"REMOVE","object_type":"items","object_id":"row-0","checksum":3},
			{"op_id":"3","op":"CLEAR","checksum":4}
		]}}`))
	require.NoError(t, err)

	var data = line.Data
	require.NotNil(t, data)
	require.Equal(t, "a", data.Bucket)
	require.Len(t, data.Data, 3)
	require.Equal(t, OpPut, data.Data[0].Op)
	require.Equal(t, `{"col":"hi"}`, *data.Data[0].Data)
	require.Equal(t, OpID(2), data.Data[1].OpID)
	require.Nil(t, data.Data[1].Data)
	require.Equal(t, OpClear, data.Data[2].Op)
}

func TestParseCompletionLines(t *testing.T) {
	var line, err = ParseLine([]byte(`{"checkpoint_complete":{"last_op_id":"5"}}`))
	require.NoError(t, err)
	require.Equal(t, OpID(5), line.CheckpointComplete.LastOpID)

	line, err = ParseLine([]byte(`{"partial_checkpoint_complete":{"last_op_id":"5","priority":2}}`))
	require.NoError(t, err)
	require.Equal(t, BucketPriority(2), line.PartialCheckpointComplete.Priority)

	line, err = ParseLine([]byte(`{"token_expires_in":60}`))
	require.NoError(t, err)
	require.Equal(t, float64(60), *line.TokenExpiresIn)

	line, err = ParseLine([]byte(`{"something_else":{}}`))
	require.NoError(t, err)
	require.True(t, line.IsUnknown())
}

func TestParseLineErrors(t *testing.T) {
	var _, err = ParseLine([]byte(`{"checkpoint":`))
	require.Error(t, err)
	require.Equal(t, KindProtocol, KindOf(err))

	_, err = ParseLine([]byte(`{"data":{"bucket":"a","data":[{"op_id":"1","op":"FROB","checksum":0}]}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown op "FROB"`)

	// Op-ids are decimal strings on the wire.
	_, err = ParseLine([]byte(`{"checkpoint_complete":{"last_op_id":5}}`))
	require.Error(t, err)
}

func TestParseBinaryLine(t *testing.T) {
	var doc, err = bson.Marshal(bson.M{
		"data": bson.M{
			"bucket":   "a",
			"has_more": false,
			"data": bson.A{bson.M{
				"op_id":       "7",
				"op":          "PUT",
				"object_type": "items",
				"object_id":   "row-0",
				"checksum":    int64(3573495687),
				"data":        `{"col":"hi"}`,
			}},
		},
	})
	require.NoError(t, err)

	line, err := ParseBinaryLine(doc)
	require.NoError(t, err)
	require.NotNil(t, line.Data)
	require.Equal(t, OpID(7), line.Data.Data[0].OpID)
	require.Equal(t, Checksum(3573495687), line.Data.Data[0].Checksum)
	require.Equal(t, `{"col":"hi"}`, *line.Data.Data[0].Data)
}

func TestInstructionEncoding(t *testing.T) {
	var encoded, err = json.Marshal([]Instruction{
		Log(SeverityWarning, "watch out"),
		{CloseSyncStream: &CloseSyncStream{HideDisconnect: true}},
		{DidCompleteSync: &struct{}{}},
	})
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"LogLine":{"severity":"WARNING","line":"watch out"}},
		{"CloseSyncStream":{"hide_disconnect":true}},
		{"DidCompleteSync":{}}
	]`, string(encoded))
}

func TestStreamRequestEqual(t *testing.T) {
	var p2 = BucketPriority(2)
	var a = StreamSubscriptionRequest{
		IncludeDefaults: true,
		Subscriptions: []RequestedStreamSubscription{
			{Stream: "s", Parameters: json.RawMessage(`{"x":1}`), OverridePriority: &p2},
		},
	}
	var b = a
	require.True(t, a.Equal(&b))

	b.Subscriptions = []RequestedStreamSubscription{
		{Stream: "s", Parameters: json.RawMessage(`{"x":2}`), OverridePriority: &p2},
	}
	require.False(t, a.Equal(&b))

	b = a
	b.IncludeDefaults = false
	require.False(t, a.Equal(&b))
}
