package storage

import (
	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
)

// CollectBucketRequests lists the locally-known buckets (excluding $local)
// for an EstablishSyncStream request.
func CollectBucketRequests(db *hostdb.DB) ([]protocol.BucketRequest, error) {
	var rows, err = db.Query(
		`SELECT name, last_op FROM ps_buckets WHERE pending_delete = 0 AND name != '$local'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []protocol.BucketRequest
	for rows.Next() {
		var name string
		var lastOp int64
		if err = rows.Scan(&name, &lastOp); err != nil {
			return nil, err
		}
		requests = append(requests, protocol.BucketRequest{
			Name:  name,
			After: protocol.OpID(lastOp).String(),
		})
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return requests, rows.Close()
}

// BucketProgress is the persisted download progress of one bucket.
type BucketProgress struct {
	Bucket         string
	CountAtLast    int64
	CountSinceLast int64
}

// BucketProgressRows reads the persisted per-bucket progress counters.
func BucketProgressRows(db *hostdb.DB) ([]BucketProgress, error) {
	var rows, err = db.Query(
		`SELECT name, count_at_last, count_since_last FROM ps_buckets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BucketProgress
	for rows.Next() {
		var p BucketProgress
		if err = rows.Scan(&p.Bucket, &p.CountAtLast, &p.CountSinceLast); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, rows.Close()
}

// ResetProgress zeroes the persisted progress counters. Used when a
// checkpoint reports fewer operations than the local counters, which happens
// after a defrag or compaction on the service.
func ResetProgress(db *hostdb.DB) error {
	return db.Exec(`UPDATE ps_buckets SET count_since_last = 0, count_at_last = 0`)
}
