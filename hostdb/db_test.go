package hostdb_test

import (
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
)

func newDB(t *testing.T) *hostdb.DB {
	var d = &sqlite3.SQLiteDriver{}
	var conn, err = d.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return hostdb.Wrap(conn.(*sqlite3.SQLiteConn))
}

func TestExecAndQuery(t *testing.T) {
	var db = newDB(t)

	require.NoError(t, db.Exec(`
CREATE TABLE t(id INTEGER, name TEXT, blob BLOB);
INSERT INTO t VALUES(1, 'one', x'01'), (2, 'two', NULL);`))

	var rows, err = db.Query(`SELECT id, name, blob FROM t ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var id int64
	var name string
	var blob []byte
	require.NoError(t, rows.Scan(&id, &name, &blob))
	require.Equal(t, int64(1), id)
	require.Equal(t, "one", name)
	require.Equal(t, []byte{1}, blob)

	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&id, &name, &blob))
	require.Nil(t, blob)

	require.False(t, rows.Next())
	require.NoError(t, rows.Err())
}

func TestQueryRowNullable(t *testing.T) {
	var db = newDB(t)
	require.NoError(t, db.Exec(`CREATE TABLE t(v TEXT); INSERT INTO t VALUES(NULL), ('x')`))

	var v *string
	var ok, err = db.QueryRow(`SELECT v FROM t WHERE v IS NULL`, nil, &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, v)

	ok, err = db.QueryRow(`SELECT v FROM t WHERE v = 'x'`, nil, &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", *v)

	ok, err = db.QueryRow(`SELECT v FROM t WHERE v = 'missing'`, nil, &v)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArgumentNormalization(t *testing.T) {
	var db = newDB(t)
	require.NoError(t, db.Exec(`CREATE TABLE t(a, b, c, d)`))
	require.NoError(t, db.Exec(`INSERT INTO t VALUES(?, ?, ?, ?)`,
		protocol.OpID(7), protocol.Checksum(0xffffffff), nil, true))

	var a, b int64
	var c *string
	var d bool
	var ok, err = db.QueryRow(`SELECT a, b, c, d FROM t`, nil, &a, &b, &c, &d)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), a)
	// Checksums are stored as their signed 32-bit reinterpretation.
	require.Equal(t, int64(-1), b)
	require.Nil(t, c)
	require.True(t, d)
}

func TestQueryInt64(t *testing.T) {
	var db = newDB(t)
	var v, err = db.QueryInt64(`SELECT 41 + ?`, 1)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func TestErrorsCarryKind(t *testing.T) {
	var db = newDB(t)
	var err = db.Exec(`SELECT * FROM missing_table`)
	require.Error(t, err)
	require.Equal(t, protocol.KindInternal, protocol.KindOf(err))
	require.Contains(t, err.Error(), "missing_table")
}

func TestQuoting(t *testing.T) {
	require.Equal(t, `'it''s'`, hostdb.Quote("it's"))
	require.Equal(t, `"wei""rd"`, hostdb.QuoteIdentifier(`wei"rd`))
	require.Equal(t, `'$.col'`, hostdb.QuoteJSONPath("col"))
}
