package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/pstest"
	"go.powersync.dev/core/storage"
)

const itemsSchema = `{"tables": [
	{"name": "items", "columns": [{"name": "col", "type": "TEXT"}]}
]}`

func checkpointFor(lastOp int64, buckets ...*storage.Bucket) *storage.Checkpoint {
	var cp = &storage.Checkpoint{
		LastOpID: opID(lastOp),
		Buckets:  make(map[string]*storage.Bucket),
	}
	for _, b := range buckets {
		cp.Buckets[b.Name] = b
	}
	return cp
}

func TestApplyCheckpointMaterializesRows(t *testing.T) {
	var db = pstest.NewDB(t)
	pstest.ApplySchema(t, db, itemsSchema)

	insertOps(t, db, "b1", put(1, "row-0", `{"col":"hi"}`, 0))

	var result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(1, &storage.Bucket{Name: "b1", Checksum: 0, Priority: 1}), nil, nil)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalApplied, result.Result)

	require.Equal(t, []string{"hi"},
		pstest.QueryStrings(t, db, `SELECT col FROM items WHERE id = 'row-0'`))

	// last_applied_op advanced and updated rows were consumed.
	require.Equal(t, int64(1), pstest.QueryInt64(t, db,
		`SELECT last_applied_op FROM ps_buckets WHERE name = 'b1'`))
	require.Equal(t, int64(0), pstest.QueryInt64(t, db, `SELECT count(*) FROM ps_updated_rows`))

	// A full sync records the sentinel priority in ps_sync_state.
	require.Equal(t, int64(protocol.PrioritySentinel), pstest.QueryInt64(t, db,
		`SELECT priority FROM ps_sync_state`))
}

// Publication gating: pending local CRUD blocks sync_local outside
// priority 0.
func TestApplyCheckpointWithPendingCrud(t *testing.T) {
	var db = pstest.NewDB(t)
	pstest.ApplySchema(t, db, itemsSchema)

	require.NoError(t, db.Exec(`INSERT INTO items(id, col) VALUES('local', 'data')`))
	require.Equal(t, int64(1), pstest.QueryInt64(t, db, `SELECT count(*) FROM ps_crud`))

	insertOps(t, db, "b1", put(1, "row-0", `{"col":"hi"}`, 0))

	var bucket = &storage.Bucket{Name: "b1", Checksum: 0, Priority: 1}
	var result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(1, bucket), nil, nil)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalPendingLocalChanges, result.Result)

	// No ps_data__ table was modified.
	require.Equal(t, []string{"local"}, pstest.QueryStrings(t, db, `SELECT id FROM items`))

	// Priority 0 overrides local writes.
	var p0 = protocol.PriorityHighest
	bucket.Priority = 0
	result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(1, bucket), &p0, nil)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalApplied, result.Result)
	require.ElementsMatch(t, []string{"local", "row-0"},
		pstest.QueryStrings(t, db, `SELECT id FROM items`))
}

func TestApplyCheckpointChecksumFailure(t *testing.T) {
	var db = pstest.NewDB(t)
	pstest.ApplySchema(t, db, itemsSchema)

	insertOps(t, db, "b1", put(1, "row-0", `{"col":"hi"}`, 4321))

	var result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(1, &storage.Bucket{Name: "b1", Checksum: 1234, Priority: 1}), nil, nil)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalChecksumFailure, result.Result)

	// The offending bucket is dropped and nothing was published.
	require.Equal(t, int64(0), pstest.QueryInt64(t, db,
		`SELECT count(*) FROM ps_buckets WHERE name = 'b1'`))
	require.Empty(t, pstest.QueryStrings(t, db, `SELECT id FROM items`))
}

// The winning operation for a row is the one with the highest op_id across
// all buckets, not only the filtered ones.
func TestLatestOpAcrossBucketsWins(t *testing.T) {
	var db = pstest.NewDB(t)
	pstest.ApplySchema(t, db, itemsSchema)

	insertOps(t, db, "b1", put(1, "row-0", `{"col":"old"}`, 0))
	insertOps(t, db, "b2", put(2, "row-0", `{"col":"new"}`, 0))

	var result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(2,
			&storage.Bucket{Name: "b1", Checksum: 0, Priority: 1},
			&storage.Bucket{Name: "b2", Checksum: 0, Priority: 1}), nil, nil)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalApplied, result.Result)

	require.Equal(t, []string{"new"},
		pstest.QueryStrings(t, db, `SELECT col FROM items WHERE id = 'row-0'`))
}

func TestRowsWithoutTableGoToUntyped(t *testing.T) {
	var db = pstest.NewDB(t)
	pstest.ApplySchema(t, db, itemsSchema)

	var data = `{"col":"x"}`
	insertOps(t, db, "b1", protocol.OplogEntry{
		OpID: opID(1), Op: protocol.OpPut,
		ObjectType: "unknown_type", ObjectID: "row-0",
		Data: &data,
	})

	var result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(1, &storage.Bucket{Name: "b1", Checksum: 0, Priority: 1}), nil, nil)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalApplied, result.Result)

	require.Equal(t, []string{"row-0"}, pstest.QueryStrings(t, db,
		`SELECT id FROM ps_untyped WHERE type = 'unknown_type'`))
}

func TestPartialSyncOnlyTouchesFilteredBuckets(t *testing.T) {
	var db = pstest.NewDB(t)
	pstest.ApplySchema(t, db, itemsSchema)

	insertOps(t, db, "prio1", put(1, "row-0", `{"col":"a"}`, 0))
	insertOps(t, db, "prio3", put(2, "row-1", `{"col":"b"}`, 0))

	var p1 = protocol.BucketPriority(1)
	var result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(2,
			&storage.Bucket{Name: "prio1", Checksum: 0, Priority: 1},
			&storage.Bucket{Name: "prio3", Checksum: 0, Priority: 3}), &p1, nil)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalApplied, result.Result)

	// Only the priority-1 bucket's row was published, but row-1 remains
	// pending for the full checkpoint.
	require.Equal(t, []string{"row-0"}, pstest.QueryStrings(t, db, `SELECT id FROM items`))
	require.Equal(t, int64(1), pstest.QueryInt64(t, db,
		`SELECT last_applied_op != last_op FROM ps_buckets WHERE name = 'prio3'`))

	// ps_sync_state records the partial priority.
	require.Equal(t, int64(1), pstest.QueryInt64(t, db, `SELECT priority FROM ps_sync_state`))
}
