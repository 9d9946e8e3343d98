package protocol

import "encoding/json"

// Severity of a LogLine instruction.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
)

// Instruction is one element of the JSON array returned by
// powersync_control. Instructions use an externally-tagged encoding: exactly
// one field is set, and its name is the instruction tag.
type Instruction struct {
	LogLine             *LogLine             `json:"LogLine,omitempty"`
	UpdateSyncStatus    *UpdateSyncStatus    `json:"UpdateSyncStatus,omitempty"`
	EstablishSyncStream *EstablishSyncStream `json:"EstablishSyncStream,omitempty"`
	FetchCredentials    *FetchCredentials    `json:"FetchCredentials,omitempty"`
	CloseSyncStream     *CloseSyncStream     `json:"CloseSyncStream,omitempty"`
	FlushFileSystem     *struct{}            `json:"FlushFileSystem,omitempty"`
	DidCompleteSync     *struct{}            `json:"DidCompleteSync,omitempty"`
}

// LogLine asks the host SDK to log a line at the given severity.
type LogLine struct {
	Severity Severity `json:"severity"`
	Line     string   `json:"line"`
}

// UpdateSyncStatus publishes the download status of the ongoing iteration.
type UpdateSyncStatus struct {
	Status *SyncStatus `json:"status"`
}

// EstablishSyncStream asks the host to connect to the sync service with the
// given request and to forward received lines via line_text / line_binary.
type EstablishSyncStream struct {
	Request StreamingSyncRequest `json:"request"`
}

// FetchCredentials asks the host to fetch fresh credentials. When DidExpire
// is false this is a pre-fetch and the current stream stays open.
type FetchCredentials struct {
	DidExpire bool `json:"did_expire"`
}

// CloseSyncStream asks the host to close the stream. HideDisconnect is set
// when the engine immediately wants a new stream (eg after a subscription
// change) and the SDK shouldn't surface a disconnected state.
type CloseSyncStream struct {
	HideDisconnect bool `json:"hide_disconnect"`
}

// Log returns a LogLine instruction.
func Log(severity Severity, line string) Instruction {
	return Instruction{LogLine: &LogLine{Severity: severity, Line: line}}
}

// StreamingSyncRequest is the request body for EstablishSyncStream.
type StreamingSyncRequest struct {
	Buckets         []BucketRequest           `json:"buckets"`
	IncludeChecksum bool                      `json:"include_checksum"`
	RawData         bool                      `json:"raw_data"`
	BinaryData      bool                      `json:"binary_data"`
	ClientID        string                    `json:"client_id"`
	Parameters      json.RawMessage           `json:"parameters,omitempty"`
	Streams         StreamSubscriptionRequest `json:"streams"`
}

// BucketRequest names a locally-known bucket and the op-id to resume after.
type BucketRequest struct {
	Name  string `json:"name"`
	After string `json:"after"`
}

// StreamSubscriptionRequest lists the stream subscriptions to request.
type StreamSubscriptionRequest struct {
	IncludeDefaults bool                          `json:"include_defaults"`
	Subscriptions   []RequestedStreamSubscription `json:"subscriptions"`
}

// Equal reports whether two requests would ask the service for the same
// streams. A session whose stored subscriptions no longer produce an equal
// request must reconnect.
func (r *StreamSubscriptionRequest) Equal(other *StreamSubscriptionRequest) bool {
	if r.IncludeDefaults != other.IncludeDefaults ||
		len(r.Subscriptions) != len(other.Subscriptions) {
		return false
	}
	for i := range r.Subscriptions {
		var a, b = &r.Subscriptions[i], &other.Subscriptions[i]
		if a.Stream != b.Stream || string(a.Parameters) != string(b.Parameters) {
			return false
		}
		if (a.OverridePriority == nil) != (b.OverridePriority == nil) {
			return false
		}
		if a.OverridePriority != nil && *a.OverridePriority != *b.OverridePriority {
			return false
		}
	}
	return true
}

// RequestedStreamSubscription is one explicit stream subscription of a
// StreamingSyncRequest.
type RequestedStreamSubscription struct {
	Stream           string          `json:"stream"`
	Parameters       json.RawMessage `json:"parameters"`
	OverridePriority *BucketPriority `json:"override_priority"`
}
