package storage

import (
	"fmt"
	"sort"
	"strings"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/metrics"
	"go.powersync.dev/core/protocol"
)

// Bucket is the engine's owned view of one checkpoint bucket.
type Bucket struct {
	Name     string
	Checksum protocol.Checksum
	Priority protocol.BucketPriority
	Count    *int64
}

// IncludedIn reports whether this bucket participates in a sync constrained
// to the given priority (nil meaning a full sync).
func (b *Bucket) IncludedIn(priority *protocol.BucketPriority) bool {
	return b.Priority.IncludedIn(priority)
}

// Checkpoint is the engine's owned view of the checkpoint currently tracked
// by a sync session, patched in place by checkpoint_diff lines.
type Checkpoint struct {
	LastOpID        protocol.OpID
	WriteCheckpoint *protocol.OpID
	Buckets         map[string]*Bucket
}

// SortedBuckets returns the checkpoint's buckets ordered by name, for
// deterministic iteration.
func (c *Checkpoint) SortedBuckets() []*Bucket {
	var names = make([]string, 0, len(c.Buckets))
	for name := range c.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	var out = make([]*Bucket, len(names))
	for i, name := range names {
		out[i] = c.Buckets[name]
	}
	return out
}

// ChecksumMismatch describes one bucket whose computed checksum disagrees
// with the checkpoint.
type ChecksumMismatch struct {
	Bucket           string
	ExpectedChecksum protocol.Checksum
	ActualOpChecksum protocol.Checksum
	ActualAddCheck   protocol.Checksum
}

func (m *ChecksumMismatch) String() string {
	var actual = m.ActualAddCheck.Add(m.ActualOpChecksum)
	return fmt.Sprintf("%s (expected %s, got %s = %s (op) + %s (add))",
		m.Bucket, m.ExpectedChecksum, actual, m.ActualOpChecksum, m.ActualAddCheck)
}

// DescribeMismatches formats a failed validation the way it's logged to the
// host.
func DescribeMismatches(mismatches []ChecksumMismatch) string {
	var parts = make([]string, len(mismatches))
	for i := range mismatches {
		parts[i] = mismatches[i].String()
	}
	return "Checksums didn't match, failed for: " + strings.Join(parts, ", ")
}

// ValidateCheckpoint compares each declared bucket checksum at the given
// priority against the local accumulators. Buckets without a local row
// validate against zero.
func ValidateCheckpoint(db *hostdb.DB, checkpoint *Checkpoint, priority *protocol.BucketPriority) ([]ChecksumMismatch, error) {
	var mismatches []ChecksumMismatch

	for _, bucket := range checkpoint.SortedBuckets() {
		if !bucket.IncludedIn(priority) {
			continue
		}

		var addBits, opBits int64
		if _, err := db.QueryRow(`
SELECT
    ps_buckets.add_checksum as add_checksum,
    ps_buckets.op_checksum as oplog_checksum
FROM ps_buckets WHERE name = ?`,
			[]interface{}{bucket.Name}, &addBits, &opBits); err != nil {
			return nil, err
		}

		var addChecksum = protocol.ChecksumFromSigned(addBits)
		var opChecksum = protocol.ChecksumFromSigned(opBits)

		if addChecksum.Add(opChecksum) != bucket.Checksum {
			mismatches = append(mismatches, ChecksumMismatch{
				Bucket:           bucket.Name,
				ExpectedChecksum: bucket.Checksum,
				ActualOpChecksum: opChecksum,
				ActualAddCheck:   addChecksum,
			})
		}
	}

	metrics.ChecksumFailuresTotal.Add(float64(len(mismatches)))
	return mismatches, nil
}
