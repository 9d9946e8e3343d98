package protocol

import "encoding/json"

// SyncStatus is the serialized form of UpdateSyncStatus.Status: the host's
// view of the ongoing iteration.
type SyncStatus struct {
	Connected      bool             `json:"connected"`
	Connecting     bool             `json:"connecting"`
	PriorityStatus []PriorityStatus `json:"priority_status"`
	Downloading    *DownloadMap     `json:"downloading"`
	Streams        []StreamStatus   `json:"streams"`
}

// PriorityStatus records when buckets at one priority were last fully
// synced. Entries are sorted by increasing priority number.
type PriorityStatus struct {
	Priority     BucketPriority `json:"priority"`
	LastSyncedAt *int64         `json:"last_synced_at"`
	HasSynced    *bool          `json:"has_synced"`
}

// DownloadMap reports per-priority download progress while a checkpoint is
// being tracked. One synthetic "prio_<n>" entry is reported per priority
// group rather than one per bucket, keeping status updates small.
type DownloadMap struct {
	Buckets map[string]BucketProgress `json:"buckets"`
}

// BucketProgress is the progress of one priority group of buckets.
type BucketProgress struct {
	Priority    BucketPriority `json:"priority"`
	AtLast      int64          `json:"at_last"`
	SinceLast   int64          `json:"since_last"`
	TargetCount int64          `json:"target_count"`
}

// StreamStatus is the host-visible state of one stream subscription.
type StreamStatus struct {
	Name                    string          `json:"name"`
	Parameters              json.RawMessage `json:"parameters"`
	Priority                *BucketPriority `json:"priority"`
	Active                  bool            `json:"active"`
	IsDefault               bool            `json:"is_default"`
	HasExplicitSubscription bool            `json:"has_explicit_subscription"`
	ExpiresAt               *int64          `json:"expires_at"`
	LastSyncedAt            *int64          `json:"last_synced_at"`
	Progress                StreamProgress  `json:"progress"`
}

// StreamProgress totals download progress over the buckets associated with a
// stream subscription.
type StreamProgress struct {
	Total      int64 `json:"total"`
	Downloaded int64 `json:"downloaded"`
}
