package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawTriggerSQL(t *testing.T) {
	var raw = &RawTable{Name: "todos", TableName: "todos_local"}
	var columns = []Column{{Name: "content"}}

	var insert, update, del, err = RawTriggerSQL(raw, columns)
	require.NoError(t, err)

	require.Contains(t, insert, `CREATE TRIGGER "ps_raw_insert_todos"
AFTER INSERT ON "todos_local"`)
	// Captures are suppressed while sync_local writes the table itself.
	require.Contains(t, insert, `WHEN NOT powersync_in_sync_operation()`)
	require.Contains(t, insert, `'op', 'PUT', 'type', 'todos'`)

	require.Contains(t, update, `AFTER UPDATE ON "todos_local"`)
	require.Contains(t, update,
		`json(powersync_diff(json_object('content', powersync_strip_subtype(OLD."content")), json_object('content', powersync_strip_subtype(NEW."content"))))`)

	require.Contains(t, del, `AFTER DELETE ON "todos_local"`)
	require.Contains(t, del, `'op', 'DELETE', 'type', 'todos', 'id', OLD."id"`)
}

func TestParseRawTableStatements(t *testing.T) {
	var s, err = Parse(`{"tables": [], "raw_tables": [{
		"name": "todos",
		"put": {"sql": "INSERT INTO todos VALUES (?, ?, ?)", "params": ["Id", {"Column": "content"}, "Rest"]},
		"delete": {"sql": "DELETE FROM todos WHERE id = ?", "params": ["Id"]}
	}]}`)
	require.NoError(t, err)
	require.Len(t, s.RawTables, 1)

	var put = s.RawTables[0].Put
	require.Equal(t, []Param{
		{Kind: ParamID},
		{Kind: ParamColumn, Column: "content"},
		{Kind: ParamRest},
	}, put.Params)

	require.NotNil(t, s.RawTableFor("todos"))
	require.Nil(t, s.RawTableFor("other"))

	_, err = Parse(`{"tables": [], "raw_tables": [{
		"name": "todos",
		"put": {"sql": "INSERT", "params": ["Bogus"]}
	}]}`)
	require.Error(t, err)
}
