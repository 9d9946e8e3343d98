package sync

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/storage"
)

// bucketProgress tracks download progress of one bucket of the current
// checkpoint.
type bucketProgress struct {
	priority    protocol.BucketPriority
	atLast      int64
	sinceLast   int64
	targetCount int64
}

// streamState is the in-memory side of one stream subscription: its stored
// row plus the buckets the current checkpoint associates with it.
type streamState struct {
	sub        storage.Subscription
	priority   *protocol.BucketPriority
	associated map[string]struct{}
}

func (s *streamState) markAssociated(bucket string, priority protocol.BucketPriority) {
	if s.associated == nil {
		s.associated = make(map[string]struct{})
	}
	s.associated[bucket] = struct{}{}

	if s.priority == nil || priority < *s.priority {
		var p = priority
		s.priority = &p
	}
}

// isInPriority reports whether a sync completion at the given priority
// covers this stream's buckets.
func (s *streamState) isInPriority(priority *protocol.BucketPriority) bool {
	if priority == nil {
		return true
	}
	return s.priority != nil && *s.priority <= *priority
}

// statusState is the mutable download status of an iteration.
type statusState struct {
	connected      bool
	connecting     bool
	priorityStatus []protocol.PriorityStatus
	// downloading holds per-bucket progress while a checkpoint is tracked,
	// and is nil otherwise.
	downloading map[string]*bucketProgress
	streams     []streamState
}

func (s *statusState) disconnect() {
	s.connected = false
	s.connecting = false
	s.downloading = nil
}

func (s *statusState) startConnecting() {
	s.connected = false
	s.downloading = nil
	s.connecting = true
}

func (s *statusState) markConnected() {
	s.connecting = false
	s.connected = true
}

// startTrackingCheckpoint installs progress for a received checkpoint line.
func (s *statusState) startTrackingCheckpoint(progress map[string]*bucketProgress, streams []streamState) {
	s.markConnected()
	s.downloading = progress
	s.streams = streams
}

// trackLine increments download counts for a data line.
func (s *statusState) trackLine(line *protocol.DataLine) {
	if info, ok := s.downloading[line.Bucket]; ok {
		info.sinceLast += int64(len(line.Data))
	}
}

// partialCheckpointComplete records a partial sync at the given priority.
// Entries at more important (numerically smaller) priorities are dropped:
// this partial sync includes them.
func (s *statusState) partialCheckpointComplete(priority protocol.BucketPriority, now int64) {
	var kept = s.priorityStatus[:0]
	for _, entry := range s.priorityStatus {
		if entry.Priority > priority {
			kept = append(kept, entry)
		}
	}
	var synced = true
	s.priorityStatus = append(kept, protocol.PriorityStatus{
		Priority:     priority,
		LastSyncedAt: &now,
		HasSynced:    &synced,
	})
	sort.Slice(s.priorityStatus, func(i, j int) bool {
		return s.priorityStatus[i].Priority < s.priorityStatus[j].Priority
	})
}

// appliedCheckpoint records a completed full sync.
func (s *statusState) appliedCheckpoint(now int64) {
	s.downloading = nil
	var synced = true
	s.priorityStatus = []protocol.PriorityStatus{{
		Priority:     protocol.PrioritySentinel,
		LastSyncedAt: &now,
		HasSynced:    &synced,
	}}
}

// render serializes the state into the wire form. Per-bucket progress is
// folded into one synthetic entry per priority group so status updates stay
// small regardless of bucket count.
func (s *statusState) render() *protocol.SyncStatus {
	var status = &protocol.SyncStatus{
		Connected:      s.connected,
		Connecting:     s.connecting,
		PriorityStatus: append([]protocol.PriorityStatus{}, s.priorityStatus...),
		Streams:        []protocol.StreamStatus{},
	}

	if s.downloading != nil {
		var byPriority = make(map[protocol.BucketPriority]*protocol.BucketProgress)
		for _, progress := range s.downloading {
			var entry = byPriority[progress.priority]
			if entry == nil {
				entry = &protocol.BucketProgress{Priority: progress.priority}
				byPriority[progress.priority] = entry
			}
			entry.SinceLast += progress.sinceLast
			entry.TargetCount += progress.targetCount - progress.atLast
		}

		status.Downloading = &protocol.DownloadMap{Buckets: make(map[string]protocol.BucketProgress)}
		for priority, entry := range byPriority {
			status.Downloading.Buckets[fmt.Sprintf("prio_%d", priority)] = *entry
		}
	}

	for i := range s.streams {
		var stream = &s.streams[i]
		var entry = protocol.StreamStatus{
			Name:                    stream.sub.StreamName,
			Parameters:              stream.sub.Parameters,
			Priority:                stream.priority,
			Active:                  stream.sub.Active,
			IsDefault:               stream.sub.IsDefault,
			HasExplicitSubscription: stream.sub.ExplicitSubscription,
			ExpiresAt:               stream.sub.ExpiresAt,
			LastSyncedAt:            stream.sub.LastSyncedAt,
		}
		for bucket := range stream.associated {
			if progress, ok := s.downloading[bucket]; ok {
				entry.Progress.Downloaded += progress.sinceLast
				entry.Progress.Total += progress.targetCount - progress.atLast
			}
		}
		status.Streams = append(status.Streams, entry)
	}
	return status
}

// statusContainer publishes UpdateSyncStatus instructions whenever the
// rendered status changed since it was last emitted.
type statusContainer struct {
	state         statusState
	lastPublished string
}

func (c *statusContainer) updateOnly(apply func(*statusState)) {
	apply(&c.state)
}

func (c *statusContainer) update(out *[]protocol.Instruction, apply func(*statusState)) {
	apply(&c.state)
	c.emitChanges(out)
}

func (c *statusContainer) emitChanges(out *[]protocol.Instruction) {
	var status = c.state.render()
	var encoded, err = json.Marshal(status)
	if err != nil {
		return
	}
	if string(encoded) == c.lastPublished {
		return
	}
	c.lastPublished = string(encoded)
	*out = append(*out, protocol.Instruction{
		UpdateSyncStatus: &protocol.UpdateSyncStatus{Status: status},
	})
}
