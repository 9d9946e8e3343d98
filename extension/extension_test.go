package extension_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"go.powersync.dev/core/extension"
)

func openDB(t *testing.T) *sql.DB {
	var db, err = sql.Open(extension.DriverName, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// The engine instance lives on the connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`SELECT powersync_init()`)
	require.NoError(t, err)
	return db
}

func TestInitCreatesInternalTables(t *testing.T) {
	var db = openDB(t)

	var names []string
	var rows, err = db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name GLOB 'ps_*' ORDER BY name`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())

	require.Subset(t, names, []string{
		"ps_buckets", "ps_crud", "ps_kv", "ps_migration", "ps_oplog",
		"ps_stream_subscriptions", "ps_sync_state", "ps_tx", "ps_untyped", "ps_updated_rows",
	})
}

func TestClientID(t *testing.T) {
	var db = openDB(t)

	var id string
	require.NoError(t, db.QueryRow(`SELECT powersync_client_id()`).Scan(&id))
	require.Len(t, id, 36)

	// Stable across calls.
	var again string
	require.NoError(t, db.QueryRow(`SELECT powersync_client_id()`).Scan(&again))
	require.Equal(t, id, again)
}

func TestCrudCaptureThroughView(t *testing.T) {
	var db = openDB(t)
	_, err := db.Exec(`SELECT powersync_replace_schema(?)`, `{"tables": [
		{"name": "items", "columns": [{"name": "col", "type": "TEXT"}]}
	]}`)
	require.NoError(t, err)

	var txn *sql.Tx
	txn, err = db.Begin()
	require.NoError(t, err)
	_, err = txn.Exec(`INSERT INTO items(id, col) VALUES('row-0', 'hi')`)
	require.NoError(t, err)
	_, err = txn.Exec(`UPDATE items SET col = 'ho' WHERE id = 'row-0'`)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	// Both writes share one transaction id.
	var crud []string
	rows, err := db.Query(`SELECT tx_id || '|' || data FROM ps_crud ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var entry string
		require.NoError(t, rows.Scan(&entry))
		crud = append(crud, entry)
	}
	require.NoError(t, rows.Err())

	require.Equal(t, []string{
		`1|{"op":"PUT","type":"items","id":"row-0","data":{"col":"hi"}}`,
		`1|{"op":"PATCH","type":"items","id":"row-0","data":{"col":"ho"}}`,
	}, crud)

	// The $local bucket marks pending writes.
	var count int
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM ps_buckets WHERE name = '$local'`).Scan(&count))
	require.Equal(t, 1, count)

	// A later transaction draws a fresh id.
	_, err = db.Exec(`INSERT INTO items(id, col) VALUES('row-1', 'x')`)
	require.NoError(t, err)
	var lastTx int
	require.NoError(t, db.QueryRow(
		`SELECT tx_id FROM ps_crud ORDER BY id DESC LIMIT 1`).Scan(&lastTx))
	require.Equal(t, 2, lastTx)
}

// powersync_crud accepts direct inserts of pre-formed operations.
func TestCrudDirectInsert(t *testing.T) {
	var db = openDB(t)

	var _, err = db.Exec(`
INSERT INTO powersync_crud(op, id, type, data) VALUES('PUT', 'row-0', 'items', '{"col":"hi"}')`)
	require.NoError(t, err)
	_, err = db.Exec(`
INSERT INTO powersync_crud(op, id, type) VALUES('DELETE', 'row-0', 'items')`)
	require.NoError(t, err)

	var crud []string
	rows, err := db.Query(`SELECT data FROM ps_crud ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var entry string
		require.NoError(t, rows.Scan(&entry))
		crud = append(crud, entry)
	}
	require.NoError(t, rows.Err())

	require.Equal(t, []string{
		`{"op":"PUT","type":"items","id":"row-0","data":{"col":"hi"}}`,
		`{"op":"DELETE","type":"items","id":"row-0"}`,
	}, crud)

	// The staging table itself stays empty, and side effects happened.
	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM powersync_crud`).Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM ps_updated_rows WHERE row_type = 'items' AND row_id = 'row-0'`).Scan(&count))
	require.Equal(t, 1, count)
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM ps_buckets WHERE name = '$local'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestInsertRequiresTextID(t *testing.T) {
	var db = openDB(t)
	var _, err = db.Exec(`SELECT powersync_replace_schema(?)`, `{"tables": [
		{"name": "items", "columns": [{"name": "col", "type": "TEXT"}]}
	]}`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO items(id, col) VALUES(NULL, 'x')`)
	require.ErrorContains(t, err, "id is required")

	_, err = db.Exec(`INSERT INTO items(id, col) VALUES(42, 'x')`)
	require.ErrorContains(t, err, "id should be text")

	_, err = db.Exec(`UPDATE items SET id = 'other' WHERE id = 'row-0'`)
	require.NoError(t, err) // No rows matched; the trigger never fired.
}

func TestControlRequiresTransaction(t *testing.T) {
	var db = openDB(t)

	var out string
	var err = db.QueryRow(`SELECT powersync_control('start', NULL)`).Scan(&out)
	require.ErrorContains(t, err, "powersync_control")
	require.ErrorContains(t, err, "transaction")

	var ctx = context.Background()
	txn, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer txn.Rollback()

	require.NoError(t, txn.QueryRow(`SELECT powersync_control('start', NULL)`).Scan(&out))
	require.Contains(t, out, "EstablishSyncStream")
}

func TestDiffFunction(t *testing.T) {
	var db = openDB(t)

	var out string
	require.NoError(t, db.QueryRow(
		`SELECT powersync_diff('{"a": 1, "b": 2}', '{"a": 1, "b": 3}')`).Scan(&out))
	require.JSONEq(t, `{"b":3}`, out)
}

func TestLastSyncedAtIsNullBeforeSync(t *testing.T) {
	var db = openDB(t)

	var at sql.NullString
	require.NoError(t, db.QueryRow(`SELECT powersync_last_synced_at()`).Scan(&at))
	require.False(t, at.Valid)
}

func TestClear(t *testing.T) {
	var db = openDB(t)
	var _, err = db.Exec(`SELECT powersync_replace_schema(?)`, `{"tables": [
		{"name": "items", "columns": [{"name": "col", "type": "TEXT"}]}
	]}`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO items(id, col) VALUES('row-0', 'hi')`)
	require.NoError(t, err)

	_, err = db.Exec(`SELECT powersync_clear(0)`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM items`).Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM ps_crud`).Scan(&count))
	require.Equal(t, 0, count)

	// The client id survives a clear.
	var id string
	require.NoError(t, db.QueryRow(`SELECT powersync_client_id()`).Scan(&id))
	require.Len(t, id, 36)
}
