package sync

import (
	"fmt"

	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/storage"
)

// resolveSubscriptionState reconciles local stream subscriptions with the
// service-side state received in a checkpoint:
//
//  1. local streams absent from the checkpoint are marked inactive or
//     deleted,
//  2. auto-subscribed default streams we weren't tracking get subscription
//     rows,
//  3. checkpoint buckets are associated with the subscriptions that caused
//     them,
//  4. errors the checkpoint reports for subscriptions are logged.
func (it *iteration) resolveSubscriptionState(tracked *trackedCheckpoint, out *[]protocol.Instruction) ([]streamState, error) {
	type localAndServer struct {
		local storage.Subscription
		// serverIndex is the index into tracked.streams of the acknowledged
		// stream, or -1.
		serverIndex int
	}

	var subs, err = storage.ListSubscriptions(it.db)
	if err != nil {
		return nil, err
	}
	var locals = make([]localAndServer, 0, len(subs))
	for _, sub := range subs {
		// Re-marked below if the checkpoint still includes the stream.
		sub.Active = false
		sub.IsDefault = false
		locals = append(locals, localAndServer{local: sub, serverIndex: -1})
	}

	for serverIndex := range tracked.streams {
		var stream = &tracked.streams[serverIndex]

		var hasLocal = false
		for i := range locals {
			if locals[i].local.StreamName == stream.Name {
				locals[i].serverIndex = serverIndex
				locals[i].local.Active = true
				locals[i].local.IsDefault = stream.IsDefault
				hasLocal = true
			}
		}

		for _, streamError := range stream.Errors {
			if streamError.Subscription == nil {
				*out = append(*out, protocol.Log(protocol.SeverityWarning, fmt.Sprintf(
					"Default subscription %s has errors: %s", stream.Name, streamError.Message)))
				continue
			}

			// Contextualize the error with the name and parameters of the
			// explicit subscription it refers to.
			var index = *streamError.Subscription
			if index < 0 || index >= len(it.target.requested.ids) {
				continue
			}
			var localID = it.target.requested.ids[index]
			for i := range locals {
				if locals[i].local.ID != localID {
					continue
				}
				var desc = fmt.Sprintf("Subscription to stream %s ", locals[i].local.StreamName)
				if locals[i].local.Parameters != nil {
					desc += fmt.Sprintf("(with parameters %s)", locals[i].local.Parameters)
				} else {
					desc += "(without parameters)"
				}
				desc += fmt.Sprintf(" could not be resolved: %s", streamError.Message)
				*out = append(*out, protocol.Log(protocol.SeverityWarning, desc))
			}
		}

		if !hasLocal && stream.IsDefault {
			var created, err = storage.CreateDefaultSubscription(it.db, stream.Name)
			if err != nil {
				return nil, err
			}
			locals = append(locals, localAndServer{local: created, serverIndex: serverIndex})
		}
	}

	// Clean up subscriptions that are no longer active and weren't requested
	// explicitly; persist the updated state of the rest.
	var kept = locals[:0]
	for _, entry := range locals {
		if !entry.local.ExplicitSubscription && entry.serverIndex < 0 {
			if err = storage.DeleteSubscription(it.db, entry.local.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err = storage.UpdateSubscription(it.db, &entry.local); err != nil {
			return nil, err
		}
		kept = append(kept, entry)
	}
	locals = kept

	var resolved = make([]streamState, len(locals))
	// Maps a default stream's index in tracked.streams to its index in
	// resolved.
	var defaultStreamIndex = make(map[int]int)
	// Maps local subscription ids to their index in resolved.
	var byLocalID = make(map[int64]int)

	for i, entry := range locals {
		resolved[i] = streamState{sub: entry.local}
		byLocalID[entry.local.ID] = i

		if entry.serverIndex >= 0 &&
			tracked.streams[entry.serverIndex].IsDefault && !entry.local.ExplicitSubscription {
			defaultStreamIndex[entry.serverIndex] = i
		}
	}

	// Associate checkpoint buckets with the subscriptions that caused them.
	for bucketName, reasons := range tracked.reasons {
		var bucket, ok = tracked.checkpoint.Buckets[bucketName]
		if !ok {
			continue
		}
		for _, reason := range reasons {
			var index = -1
			switch {
			case reason.Default != nil:
				if i, ok := defaultStreamIndex[*reason.Default]; ok {
					index = i
				}
			case reason.Sub != nil:
				if *reason.Sub >= 0 && *reason.Sub < len(it.target.requested.ids) {
					if i, ok := byLocalID[it.target.requested.ids[*reason.Sub]]; ok {
						index = i
					}
				}
			}
			if index >= 0 {
				resolved[index].markAssociated(bucketName, bucket.Priority)
			}
		}
	}

	return resolved, nil
}
