package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/pstest"
	"go.powersync.dev/core/schema"
	"go.powersync.dev/core/storage"
)

func TestApplyV035Fix(t *testing.T) {
	var db = pstest.NewDB(t)
	pstest.ApplySchema(t, db, itemsSchema)

	// A dangling row: present in the data table without any oplog backing.
	require.NoError(t, db.Exec(
		`INSERT INTO ps_data__items(id, data) VALUES('dangling', '{}')`))
	// A backed row.
	insertOps(t, db, "b1", put(1, "row-0", `{"col":"a"}`, 0))
	require.NoError(t, db.Exec(
		`INSERT INTO ps_data__items(id, data) VALUES('row-0', '{}')`))
	require.NoError(t, db.Exec(`DELETE FROM ps_updated_rows`))

	require.NoError(t, storage.ApplyV035Fix(db))

	require.Equal(t, []string{"dangling"}, pstest.QueryStrings(t, db,
		`SELECT row_id FROM ps_updated_rows WHERE row_type = 'items'`))
}

func TestRemoveDuplicateKeyEncoding(t *testing.T) {
	var cases = []struct {
		key    string
		expect string
		fixed  bool
	}{
		{`items/id-1/subkey`, "", false},
		{`items/id-1/"subkey"`, `items/id-1/subkey`, true},
		{`items/id-1/"sub\"key"`, `items/id-1/sub"key`, true},
		{`items/"quoted"/subkey`, "", false},
	}
	for _, c := range cases {
		var fixed, ok = storage.RemoveDuplicateKeyEncoding(c.key)
		require.Equal(t, c.fixed, ok, c.key)
		if ok {
			require.Equal(t, c.expect, fixed, c.key)
		}
	}
}

// Raw tables route materialized rows through user-supplied statements.
func TestSyncLocalWithRawTable(t *testing.T) {
	var db = pstest.NewDB(t)
	require.NoError(t, db.Exec(
		`CREATE TABLE todos(id TEXT PRIMARY KEY, content TEXT, extra TEXT)`))

	var schemaJSON = `{"tables": [], "raw_tables": [{
		"name": "todos",
		"table_name": "todos",
		"put": {
			"sql": "INSERT OR REPLACE INTO todos(id, content, extra) VALUES(?, ?, ?)",
			"params": ["Id", {"Column": "content"}, "Rest"]
		},
		"delete": {"sql": "DELETE FROM todos WHERE id = ?", "params": ["Id"]}
	}]}`
	pstest.ApplySchema(t, db, schemaJSON)

	insertOps(t, db, "b1", protocol.OplogEntry{
		OpID: opID(1), Op: protocol.OpPut,
		ObjectType: "todos", ObjectID: "t-1",
		Data: strptr(`{"content":"write tests","other":1}`),
	})

	var sch, err = schema.Parse(schemaJSON)
	require.NoError(t, err)

	result, err := storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(1, &storage.Bucket{Name: "b1", Checksum: 0, Priority: 1}), nil, sch)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalApplied, result.Result)

	require.Equal(t, []string{`t-1|write tests|{"other":1}`}, pstest.QueryStrings(t, db,
		`SELECT id || '|' || content || '|' || extra FROM todos`))

	// A REMOVE routes through the delete statement.
	insertOps(t, db, "b1", protocol.OplogEntry{
		OpID: opID(2), Op: protocol.OpRemove,
		ObjectType: "todos", ObjectID: "t-1",
	})

	result, err = storage.ApplyCheckpoint(db, pstest.State(db),
		checkpointFor(2, &storage.Bucket{Name: "b1", Checksum: 0, Priority: 1}), nil, sch)
	require.NoError(t, err)
	require.Equal(t, storage.SyncLocalApplied, result.Result)
	require.Empty(t, pstest.QueryStrings(t, db, `SELECT id FROM todos`))
}

func strptr(s string) *string { return &s }
