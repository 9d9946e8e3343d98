package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/pstest"
	"go.powersync.dev/core/storage"
)

func opID(v int64) protocol.OpID { return protocol.OpID(v) }

func put(op int64, rowID string, data string, checksum uint32) protocol.OplogEntry {
	return protocol.OplogEntry{
		OpID: opID(op), Op: protocol.OpPut,
		ObjectType: "items", ObjectID: rowID,
		Checksum: protocol.Checksum(checksum), Data: &data,
	}
}

func remove(op int64, rowID string, checksum uint32) protocol.OplogEntry {
	return protocol.OplogEntry{
		OpID: opID(op), Op: protocol.OpRemove,
		ObjectType: "items", ObjectID: rowID,
		Checksum: protocol.Checksum(checksum),
	}
}

func insertOps(t *testing.T, db *hostdb.DB, bucket string, entries ...protocol.OplogEntry) {
	require.NoError(t, storage.InsertBucketOperations(db,
		&protocol.DataLine{Bucket: bucket, Data: entries}))
}

// bucketChecksums reads the stored accumulators of a bucket.
func bucketChecksums(t *testing.T, db *hostdb.DB, bucket string) (add, op protocol.Checksum) {
	var addBits, opBits int64
	var ok, err = db.QueryRow(
		`SELECT add_checksum, op_checksum FROM ps_buckets WHERE name = ?`,
		[]interface{}{bucket}, &addBits, &opBits)
	require.NoError(t, err)
	require.True(t, ok)
	return protocol.ChecksumFromSigned(addBits), protocol.ChecksumFromSigned(opBits)
}

// liveHashSum sums the hashes of live oplog rows, mod 2³².
func liveHashSum(t *testing.T, db *hostdb.DB, bucket string) protocol.Checksum {
	var sum = pstest.QueryInt64(t, db, `
SELECT ifnull(sum(hash), 0) & 0xffffffff FROM ps_oplog
 WHERE bucket = (SELECT id FROM ps_buckets WHERE name = ?)`, bucket)
	return protocol.Checksum(uint32(sum))
}

// The checksum law: after any sequence of operations, add_checksum +
// op_checksum equals the declared checksums of all operations ever applied,
// and op_checksum tracks the live rows.
func TestChecksumLaw(t *testing.T) {
	var db = pstest.NewDB(t)

	insertOps(t, db, "b1",
		put(1, "row-0", `{"col":"a"}`, 100),
		put(2, "row-1", `{"col":"b"}`, 200),
		// Supersedes op 1.
		put(3, "row-0", `{"col":"c"}`, 300),
		remove(4, "row-1", 50),
	)

	var add, op = bucketChecksums(t, db, "b1")
	require.Equal(t, protocol.Checksum(100+200+300+50), add.Add(op))
	require.Equal(t, liveHashSum(t, db, "b1"), op)

	// CLEAR resets the bucket to the CLEAR's checksum.
	insertOps(t, db, "b1", protocol.OplogEntry{
		OpID: opID(5), Op: protocol.OpClear, Checksum: protocol.Checksum(777),
	})
	add, op = bucketChecksums(t, db, "b1")
	require.Equal(t, protocol.Checksum(777), add.Add(op))
	require.Equal(t, protocol.Checksum(0), op)
	require.Equal(t, int64(0), pstest.QueryInt64(t, db,
		`SELECT count(*) FROM ps_oplog WHERE bucket = (SELECT id FROM ps_buckets WHERE name = 'b1')`))

	// MOVE contributes its checksum without a row.
	insertOps(t, db, "b1", protocol.OplogEntry{
		OpID: opID(6), Op: protocol.OpMove, Checksum: protocol.Checksum(23),
	})
	add, op = bucketChecksums(t, db, "b1")
	require.Equal(t, protocol.Checksum(800), add.Add(op))
}

func TestChecksumWrapsAround(t *testing.T) {
	var db = pstest.NewDB(t)

	insertOps(t, db, "b1",
		put(1, "row-0", `{}`, 0xffffffff),
		put(2, "row-1", `{}`, 2),
	)
	var add, op = bucketChecksums(t, db, "b1")
	require.Equal(t, protocol.Checksum(1), add.Add(op))
}

func TestSupersededRowIsReplaced(t *testing.T) {
	var db = pstest.NewDB(t)

	insertOps(t, db, "b1", put(1, "row-0", `{"col":"a"}`, 100))
	insertOps(t, db, "b1", put(2, "row-0", `{"col":"b"}`, 200))

	require.Equal(t, []string{`{"col":"b"}`}, pstest.QueryStrings(t, db,
		`SELECT data FROM ps_oplog WHERE row_id = 'row-0'`))

	var add, op = bucketChecksums(t, db, "b1")
	require.Equal(t, protocol.Checksum(200), op)
	require.Equal(t, protocol.Checksum(100), add)
}

func TestRemoveOnEmptyBucketIsNotPersisted(t *testing.T) {
	var db = pstest.NewDB(t)

	// With last_applied_op = 0, REMOVE operations only contribute checksum.
	insertOps(t, db, "b1", remove(1, "row-0", 10))
	require.Equal(t, int64(0), pstest.QueryInt64(t, db, `SELECT count(*) FROM ps_oplog`))
	require.Equal(t, int64(0), pstest.QueryInt64(t, db, `SELECT count(*) FROM ps_updated_rows`))

	var add, op = bucketChecksums(t, db, "b1")
	require.Equal(t, protocol.Checksum(10), add)
	require.Equal(t, protocol.Checksum(0), op)
}

func TestDeleteBucketMarksRows(t *testing.T) {
	var db = pstest.NewDB(t)

	insertOps(t, db, "b1", put(1, "row-0", `{"col":"a"}`, 1))
	require.NoError(t, storage.DeleteBucket(db, "b1"))

	require.Equal(t, int64(0), pstest.QueryInt64(t, db, `SELECT count(*) FROM ps_buckets`))
	require.Equal(t, int64(0), pstest.QueryInt64(t, db, `SELECT count(*) FROM ps_oplog`))
	require.Equal(t, []string{"row-0"}, pstest.QueryStrings(t, db,
		`SELECT row_id FROM ps_updated_rows WHERE row_type = 'items'`))
}

func TestValidateCheckpoint(t *testing.T) {
	var db = pstest.NewDB(t)
	insertOps(t, db, "b1", put(1, "row-0", `{}`, 4321))

	var checkpoint = &storage.Checkpoint{
		LastOpID: opID(1),
		Buckets: map[string]*storage.Bucket{
			"b1": {Name: "b1", Checksum: 1234, Priority: 1},
		},
	}
	var mismatches, err = storage.ValidateCheckpoint(db, checkpoint, nil)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t,
		"b1 (expected 0x000004d2, got 0x000010e1 = 0x000010e1 (op) + 0x00000000 (add))",
		mismatches[0].String())

	checkpoint.Buckets["b1"].Checksum = 4321
	mismatches, err = storage.ValidateCheckpoint(db, checkpoint, nil)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}
