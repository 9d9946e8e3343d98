// Package pstest provides test support for engine packages: in-memory
// databases with the extension attached, plus small query helpers.
package pstest

import (
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"go.powersync.dev/core/extension"
	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/storage"
)

// NewRawDB opens an in-memory database with the extension's functions
// registered but no internal tables created.
func NewRawDB(t testing.TB) *hostdb.DB {
	var conn, err = extension.Driver().Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return hostdb.Wrap(conn.(*sqlite3.SQLiteConn))
}

// NewDB opens an in-memory database with the extension attached and the
// internal tables migrated to the latest version.
func NewDB(t testing.TB) *hostdb.DB {
	var db = NewRawDB(t)
	require.NoError(t, db.Exec(`SELECT powersync_init()`))
	return db
}

// State returns the per-connection engine state of a database opened by
// NewDB, shared with the SQL-visible powersync_in_sync_operation function.
func State(db *hostdb.DB) *storage.DatabaseState {
	return extension.ForConnection(db.Conn()).State()
}

// ApplySchema runs powersync_replace_schema with the given document.
func ApplySchema(t testing.TB, db *hostdb.DB, schemaJSON string) {
	require.NoError(t, db.Exec(`SELECT powersync_replace_schema(?)`, schemaJSON))
}

// QueryInt64 runs a query expected to produce one integer.
func QueryInt64(t testing.TB, db *hostdb.DB, query string, args ...interface{}) int64 {
	var v, err = db.QueryInt64(query, args...)
	require.NoError(t, err)
	return v
}

// QueryStrings collects the first column of a query as strings.
func QueryStrings(t testing.TB, db *hostdb.DB, query string, args ...interface{}) []string {
	var rows, err = db.Query(query, args...)
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

// SchemaDump serializes the database schema and ps_migration contents, for
// structural comparisons across migrations.
func SchemaDump(t testing.TB, db *hostdb.DB) []string {
	var dump = QueryStrings(t, db, `
SELECT type || '|' || name || '|' || ifnull(sql, '')
  FROM sqlite_master
  WHERE name NOT LIKE 'sqlite_%'
  ORDER BY type, name`)
	return append(dump, QueryStrings(t, db, `
SELECT 'migration|' || id || '|' || ifnull(down_migrations, '')
  FROM ps_migration ORDER BY id`)...)
}
