package sync

import (
	"fmt"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/metrics"
	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/storage"
)

// tokenPrefetchThreshold is the remaining token lifetime, in seconds, below
// which fresh credentials are pre-fetched.
const tokenPrefetchThreshold = 30

// requestedSubscriptions is the stream request sent when the iteration was
// established, plus the local subscription ids in request order (used to
// resolve explicit-subscription references of checkpoint buckets).
type requestedSubscriptions struct {
	request protocol.StreamSubscriptionRequest
	ids     []int64
}

// trackedCheckpoint is the checkpoint the iteration currently works toward,
// patched in place by checkpoint_diff lines.
type trackedCheckpoint struct {
	checkpoint *storage.Checkpoint
	// reasons maps bucket names to the subscriptions which caused them.
	reasons map[string][]protocol.BucketSubscriptionReason
	streams []protocol.StreamDescription
}

// syncTarget is the iteration's position in the checkpoint lifecycle: before
// the first checkpoint it keeps local bucket names (to delete buckets absent
// from the first checkpoint), afterwards the tracked checkpoint.
type syncTarget struct {
	tracking     *trackedCheckpoint
	localBuckets []string
	requested    requestedSubscriptions
}

// knownBuckets returns the bucket names that would be deleted if absent from
// the next checkpoint.
func (t *syncTarget) knownBuckets() []string {
	if t.tracking == nil {
		return t.localBuckets
	}
	var names = make([]string, 0, len(t.tracking.checkpoint.Buckets))
	for name := range t.tracking.checkpoint.Buckets {
		names = append(names, name)
	}
	return names
}

// iteration is one sync session between start and stop (or a close emitted
// by the state machine itself).
type iteration struct {
	db      *hostdb.DB
	state   *storage.DatabaseState
	options StartOptions
	status  *statusContainer
	target  syncTarget
	// validatedButNotApplied is a checkpoint that was fully received and
	// validated but withheld due to pending local data. It's retried when
	// the host reports a completed upload.
	validatedButNotApplied *storage.Checkpoint
}

func newIteration(db *hostdb.DB, state *storage.DatabaseState, options StartOptions) *iteration {
	return &iteration{db: db, state: state, options: options, status: &statusContainer{}}
}

// initialize prepares the EstablishSyncStream request from local state.
func (it *iteration) initialize(out *[]protocol.Instruction) error {
	var offline, err = storage.SyncStateRows(it.db)
	if err != nil {
		return err
	}
	it.status.update(out, func(s *statusState) {
		s.priorityStatus = offline
		s.startConnecting()
	})

	requests, err := storage.CollectBucketRequests(it.db)
	if err != nil {
		return err
	}
	it.target.localBuckets = make([]string, len(requests))
	for i := range requests {
		it.target.localBuckets[i] = requests[i].Name
	}

	if err = storage.ExtendSubscriptionTTLs(it.db, it.options.ActiveStreams); err != nil {
		return err
	}
	request, ids, err := storage.CollectSubscriptionRequests(it.db, it.options.includeDefaults())
	if err != nil {
		return err
	}
	it.target.requested = requestedSubscriptions{request: request, ids: ids}

	clientID, err := storage.ClientID(it.db)
	if err != nil {
		return err
	}

	*out = append(*out, protocol.Instruction{
		EstablishSyncStream: &protocol.EstablishSyncStream{
			Request: protocol.StreamingSyncRequest{
				Buckets:         requests,
				IncludeChecksum: true,
				RawData:         true,
				BinaryData:      true,
				ClientID:        clientID,
				Parameters:      it.options.Parameters,
				Streams:         request,
			},
		},
	})
	return nil
}

// handleLine processes one sync line. A non-nil CloseSyncStream return ends
// the iteration.
func (it *iteration) handleLine(line *protocol.SyncLine, out *[]protocol.Instruction) (*protocol.CloseSyncStream, error) {
	switch {
	case line.Checkpoint != nil:
		metrics.SyncLinesTotal.WithLabelValues("checkpoint").Inc()
		return nil, it.startTracking(line.Checkpoint, out)

	case line.CheckpointDiff != nil:
		metrics.SyncLinesTotal.WithLabelValues("checkpoint_diff").Inc()
		return nil, it.applyCheckpointDiff(line.CheckpointDiff, out)

	case line.Data != nil:
		metrics.SyncLinesTotal.WithLabelValues("data").Inc()
		if err := storage.InsertBucketOperations(it.db, line.Data); err != nil {
			return nil, err
		}
		it.status.updateOnly(func(s *statusState) { s.trackLine(line.Data) })
		return nil, nil

	case line.CheckpointComplete != nil:
		metrics.SyncLinesTotal.WithLabelValues("checkpoint_complete").Inc()
		return it.completeCheckpoint(nil, out)

	case line.PartialCheckpointComplete != nil:
		metrics.SyncLinesTotal.WithLabelValues("partial_checkpoint_complete").Inc()
		var priority = line.PartialCheckpointComplete.Priority
		return it.completeCheckpoint(&priority, out)

	case line.TokenExpiresIn != nil:
		metrics.SyncLinesTotal.WithLabelValues("token_expires_in").Inc()
		return it.tokenExpiresIn(*line.TokenExpiresIn, out)

	case line.StreamError != nil:
		metrics.SyncLinesTotal.WithLabelValues("stream_error").Inc()
		*out = append(*out, protocol.Log(protocol.SeverityWarning,
			fmt.Sprintf("Stream error: %s", line.StreamError)))
		return nil, nil

	default:
		metrics.SyncLinesTotal.WithLabelValues("unknown").Inc()
		*out = append(*out, protocol.Log(protocol.SeverityDebug, "Unknown sync line"))
		return nil, nil
	}
}

// startTracking replaces the session checkpoint from a checkpoint line.
func (it *iteration) startTracking(checkpoint *protocol.Checkpoint, out *[]protocol.Instruction) error {
	var toDelete = make(map[string]struct{})
	for _, name := range it.target.knownBuckets() {
		toDelete[name] = struct{}{}
	}

	var tracked = &trackedCheckpoint{
		checkpoint: &storage.Checkpoint{
			LastOpID:        checkpoint.LastOpID,
			WriteCheckpoint: checkpoint.WriteCheckpoint,
			Buckets:         make(map[string]*storage.Bucket),
		},
		reasons: make(map[string][]protocol.BucketSubscriptionReason),
		streams: checkpoint.Streams,
	}
	for i := range checkpoint.Buckets {
		var b = &checkpoint.Buckets[i]
		tracked.checkpoint.Buckets[b.Bucket] = &storage.Bucket{
			Name:     b.Bucket,
			Checksum: b.Checksum,
			Priority: b.EffectivePriority(),
			Count:    b.Count,
		}
		tracked.reasons[b.Bucket] = b.Subscriptions
		delete(toDelete, b.Bucket)
	}

	if err := it.deleteBuckets(toDelete); err != nil {
		return err
	}
	return it.finishTracking(tracked, out)
}

// applyCheckpointDiff mutates the tracked checkpoint from a checkpoint_diff
// line.
func (it *iteration) applyCheckpointDiff(diff *protocol.CheckpointDiff, out *[]protocol.Instruction) error {
	if it.target.tracking == nil {
		return protocol.ProtocolErrorf("Received checkpoint_diff without previous checkpoint")
	}

	var previous = it.target.tracking
	var tracked = &trackedCheckpoint{
		checkpoint: &storage.Checkpoint{
			LastOpID:        diff.LastOpID,
			WriteCheckpoint: diff.WriteCheckpoint,
			Buckets:         make(map[string]*storage.Bucket),
		},
		reasons: make(map[string][]protocol.BucketSubscriptionReason),
		streams: previous.streams,
	}
	for name, bucket := range previous.checkpoint.Buckets {
		tracked.checkpoint.Buckets[name] = bucket
		tracked.reasons[name] = previous.reasons[name]
	}

	var toDelete = make(map[string]struct{})
	for _, removed := range diff.RemovedBuckets {
		delete(tracked.checkpoint.Buckets, removed)
		delete(tracked.reasons, removed)
		toDelete[removed] = struct{}{}
	}
	for i := range diff.UpdatedBuckets {
		var b = &diff.UpdatedBuckets[i]
		tracked.checkpoint.Buckets[b.Bucket] = &storage.Bucket{
			Name:     b.Bucket,
			Checksum: b.Checksum,
			Priority: b.EffectivePriority(),
			Count:    b.Count,
		}
		tracked.reasons[b.Bucket] = b.Subscriptions
	}

	if err := it.deleteBuckets(toDelete); err != nil {
		return err
	}
	return it.finishTracking(tracked, out)
}

func (it *iteration) deleteBuckets(names map[string]struct{}) error {
	for name := range names {
		if name == storage.LocalBucket {
			continue
		}
		if err := storage.DeleteBucket(it.db, name); err != nil {
			return err
		}
	}
	return nil
}

// finishTracking loads download progress and reconciled subscription state,
// then installs the new tracked checkpoint.
func (it *iteration) finishTracking(tracked *trackedCheckpoint, out *[]protocol.Instruction) error {
	var progress, err = it.loadProgress(tracked.checkpoint)
	if err != nil {
		return err
	}
	streams, err := it.resolveSubscriptionState(tracked, out)
	if err != nil {
		return err
	}

	it.status.update(out, func(s *statusState) {
		s.startTrackingCheckpoint(progress, streams)
	})

	// A pending checkpoint could technically still be applied, but
	// sync_local assumes it only runs against the oplog state of its own
	// checkpoint, so the pending one is abandoned.
	it.validatedButNotApplied = nil
	it.target.tracking = tracked
	return nil
}

// loadProgress seeds per-bucket download progress from the persisted
// counters, resetting them when a checkpoint shrank below the local counts
// (after a service-side defrag or compaction).
func (it *iteration) loadProgress(checkpoint *storage.Checkpoint) (map[string]*bucketProgress, error) {
	var progress = make(map[string]*bucketProgress, len(checkpoint.Buckets))
	for name, bucket := range checkpoint.Buckets {
		var target int64
		if bucket.Count != nil {
			target = *bucket.Count
		}
		progress[name] = &bucketProgress{priority: bucket.Priority, targetCount: target}
	}

	var persisted, err = storage.BucketProgressRows(it.db)
	if err != nil {
		return nil, err
	}

	var needsReset bool
	for _, row := range persisted {
		var entry, ok = progress[row.Bucket]
		if !ok {
			continue
		}
		entry.atLast = row.CountAtLast
		entry.sinceLast = row.CountSinceLast

		if entry.targetCount < row.CountAtLast+row.CountSinceLast {
			// The bucket shrank so much that local op counts exceed the
			// updated bucket; progress can't be reported without
			// overshooting 100%.
			needsReset = true
			break
		}
	}
	if needsReset {
		for _, entry := range progress {
			entry.atLast, entry.sinceLast = 0, 0
		}
		if err = storage.ResetProgress(it.db); err != nil {
			return nil, err
		}
	}
	return progress, nil
}

// completeCheckpoint runs sync_local for a (partial) checkpoint completion.
func (it *iteration) completeCheckpoint(priority *protocol.BucketPriority, out *[]protocol.Instruction) (*protocol.CloseSyncStream, error) {
	if it.target.tracking == nil {
		return nil, protocol.ProtocolErrorf("Received checkpoint complete without previous checkpoint")
	}
	var checkpoint = it.target.tracking.checkpoint

	var result, err = it.applyCheckpoint(checkpoint, priority)
	if err != nil {
		return nil, err
	}

	switch result.Result {
	case storage.SyncLocalChecksumFailure:
		// Start again with a new checkpoint.
		var kind = "checkpoint"
		if priority != nil {
			kind = "partial checkpoint"
		}
		*out = append(*out, protocol.Log(protocol.SeverityWarning,
			fmt.Sprintf("Could not apply %s, %s", kind, storage.DescribeMismatches(result.Mismatches))))
		return &protocol.CloseSyncStream{}, nil

	case storage.SyncLocalPendingLocalChanges:
		if priority != nil {
			// Pending uploads block checkpoints outside priority 0; the full
			// checkpoint resolves this later.
			return nil, nil
		}
		*out = append(*out, protocol.Log(protocol.SeverityInfo,
			"Could not apply checkpoint due to local data. Will retry at completed upload or next checkpoint."))
		it.validatedButNotApplied = checkpoint
		return nil, nil

	default:
		now, err := storage.Now(it.db)
		if err != nil {
			return nil, err
		}
		if priority != nil {
			it.status.update(out, func(s *statusState) {
				s.partialCheckpointComplete(*priority, now)
			})
		} else {
			*out = append(*out, protocol.Log(protocol.SeverityDebug, "Validated and applied checkpoint"))
			*out = append(*out, protocol.Instruction{FlushFileSystem: &struct{}{}})
			it.checkpointApplied(now, out)
		}
		return nil, nil
	}
}

// applyCheckpoint wraps storage.ApplyCheckpoint and stamps affected stream
// subscriptions when changes were published.
func (it *iteration) applyCheckpoint(checkpoint *storage.Checkpoint, priority *protocol.BucketPriority) (*storage.ApplyResult, error) {
	var result, err = storage.ApplyCheckpoint(it.db, it.state, checkpoint, priority, it.options.Schema)
	if err != nil {
		return nil, err
	}

	if result.Result == storage.SyncLocalApplied {
		var state = &it.status.state
		for i := range state.streams {
			var stream = &state.streams[i]
			if !stream.isInPriority(priority) {
				continue
			}
			var ts, err = storage.MarkSubscriptionSynced(it.db, stream.sub.ID)
			if err != nil {
				return nil, err
			}
			stream.sub.LastSyncedAt = &ts
		}
	}
	return result, nil
}

func (it *iteration) checkpointApplied(now int64, out *[]protocol.Instruction) {
	*out = append(*out, protocol.Instruction{DidCompleteSync: &struct{}{}})
	it.status.update(out, func(s *statusState) { s.appliedCheckpoint(now) })
}

// completedUpload retries a validated-but-unapplied checkpoint after the
// host finished uploading local changes.
func (it *iteration) completedUpload(out *[]protocol.Instruction) error {
	var checkpoint = it.validatedButNotApplied
	if checkpoint == nil {
		return nil
	}

	// If the pending checkpoint predates the write checkpoint created during
	// the upload, it's guaranteed to be outdated and not worth applying.
	var target, err = storage.LocalBucketTargetOp(it.db)
	if err != nil {
		return err
	}
	if target != nil && (checkpoint.WriteCheckpoint == nil || *checkpoint.WriteCheckpoint < *target) {
		it.validatedButNotApplied = nil
		return nil
	}

	result, err := it.applyCheckpoint(checkpoint, nil)
	if err != nil {
		return err
	}
	if result.Result == storage.SyncLocalApplied {
		*out = append(*out, protocol.Log(protocol.SeverityDebug,
			"Applied pending checkpoint after completed upload"))
		now, err := storage.Now(it.db)
		if err != nil {
			return err
		}
		it.validatedButNotApplied = nil
		it.checkpointApplied(now, out)
	} else {
		it.validatedButNotApplied = nil
		*out = append(*out, protocol.Log(protocol.SeverityWarning,
			"Could not apply pending checkpoint even after completed upload"))
	}
	return nil
}

// tokenExpiresIn tracks the token expiry reported by keep-alive lines.
func (it *iteration) tokenExpiresIn(seconds float64, out *[]protocol.Instruction) (*protocol.CloseSyncStream, error) {
	if err := storage.ExtendSubscriptionTTLs(it.db, it.options.ActiveStreams); err != nil {
		return nil, err
	}

	if seconds <= 0 {
		// Token expired already, stop the connection immediately.
		*out = append(*out, protocol.Instruction{
			FetchCredentials: &protocol.FetchCredentials{DidExpire: true}})
		return &protocol.CloseSyncStream{}, nil
	}
	if seconds <= tokenPrefetchThreshold {
		*out = append(*out, protocol.Instruction{
			FetchCredentials: &protocol.FetchCredentials{DidExpire: false}})
		return nil, nil
	}

	// Periodically check whether subscriptions of this stream expired, by
	// re-creating the request and reconnecting if it changed.
	var request, _, err = storage.CollectSubscriptionRequests(it.db, it.options.includeDefaults())
	if err != nil {
		return nil, err
	}
	if !request.Equal(&it.target.requested.request) {
		return &protocol.CloseSyncStream{HideDisconnect: true}, nil
	}
	return nil, nil
}
