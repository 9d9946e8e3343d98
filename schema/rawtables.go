package schema

import (
	"fmt"
	"sort"

	"go.powersync.dev/core/hostdb"
)

// rawTableColumns resolves the columns captured for a raw table: the
// declared synced_columns, or every non-id column of the local table when
// none are declared.
func rawTableColumns(db *hostdb.DB, raw *RawTable) ([]Column, error) {
	if len(raw.SyncedColumns) != 0 {
		var columns = make([]Column, len(raw.SyncedColumns))
		for i, name := range raw.SyncedColumns {
			columns[i] = Column{Name: name}
		}
		return columns, nil
	}

	var rows, err = db.Query(`SELECT name FROM pragma_table_info(?)`, raw.TableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		if name != "id" {
			columns = append(columns, Column{Name: name})
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return columns, rows.Close()
}

// RawTriggerSQL generates the three AFTER triggers capturing local writes on
// a raw table. The triggers are suppressed while sync_local itself is
// writing the table, via the powersync_in_sync_operation guard.
func RawTriggerSQL(raw *RawTable, columns []Column) (insert, update, del string, err error) {
	var tableName = hostdb.QuoteIdentifier(raw.TableName)
	var typeString = hostdb.Quote(raw.Name)

	var jsonNew string
	if jsonNew, err = jsonObjectFragment("NEW", columns); err != nil {
		return "", "", "", err
	}
	var jsonOld string
	if jsonOld, err = jsonObjectFragment("OLD", columns); err != nil {
		return "", "", "", err
	}

	var guard string
	if raw.IgnoreEmptyUpdate {
		guard = fmt.Sprintf(" WHERE json(powersync_diff(%s, %s)) != '{}'", jsonOld, jsonNew)
	}

	var old string
	if raw.IncludeOld != nil {
		var oldColumns = columns
		if !raw.IncludeOld.All {
			oldColumns = filterColumns(columns, raw.IncludeOld.Columns)
		}
		var fragment string
		if fragment, err = jsonObjectFragment("OLD", oldColumns); err != nil {
			return "", "", "", err
		}
		if raw.IncludeOldOnlyWhenChange {
			var newFragment string
			if newFragment, err = jsonObjectFragment("NEW", oldColumns); err != nil {
				return "", "", "", err
			}
			fragment = fmt.Sprintf("json(powersync_diff(%s, %s))", newFragment, fragment)
		}
		old = ", 'old', " + fragment
	}

	insert = fmt.Sprintf(`CREATE TRIGGER %s
AFTER INSERT ON %s
FOR EACH ROW
WHEN NOT powersync_in_sync_operation()
BEGIN
INSERT INTO ps_crud(tx_id, data) VALUES(powersync_tx_id(), json_object('op', 'PUT', 'type', %s, 'id', NEW."id", 'data', json(powersync_diff('{}', %s))));
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) VALUES(%s, NEW."id");
%s;
END`,
		hostdb.QuoteIdentifier("ps_raw_insert_"+raw.Name), tableName,
		typeString, jsonNew, typeString, localBucketUpsert)

	update = fmt.Sprintf(`CREATE TRIGGER %s
AFTER UPDATE ON %s
FOR EACH ROW
WHEN NOT powersync_in_sync_operation()
BEGIN
INSERT INTO ps_crud(tx_id, data) SELECT powersync_tx_id(), json_object('op', 'PATCH', 'type', %s, 'id', NEW."id", 'data', json(powersync_diff(%s, %s))%s)%s;
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) SELECT %s, NEW."id"%s;
%s%s;
END`,
		hostdb.QuoteIdentifier("ps_raw_update_"+raw.Name), tableName,
		typeString, jsonOld, jsonNew, old, guard,
		typeString, guard,
		localBucketSelect(guard), guard)

	del = fmt.Sprintf(`CREATE TRIGGER %s
AFTER DELETE ON %s
FOR EACH ROW
WHEN NOT powersync_in_sync_operation()
BEGIN
INSERT INTO ps_crud(tx_id, data) VALUES(powersync_tx_id(), json_object('op', 'DELETE', 'type', %s, 'id', OLD."id"%s));
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) VALUES(%s, OLD."id");
%s;
END`,
		hostdb.QuoteIdentifier("ps_raw_delete_"+raw.Name), tableName,
		typeString, old, typeString, localBucketUpsert)

	return insert, update, del, nil
}

func filterColumns(columns []Column, names []string) []Column {
	var wanted = make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	var out []Column
	for _, c := range columns {
		if _, ok := wanted[c.Name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// updateRawTableTriggers reconciles the generated ps_raw_* triggers with the
// schema's raw tables.
func updateRawTableTriggers(db *hostdb.DB, s *Schema) error {
	var expected = make(map[string]string)

	for i := range s.RawTables {
		var raw = &s.RawTables[i]
		if raw.TableName == "" {
			// Without a local table name there's nothing to put triggers on;
			// sync_local still routes downloaded rows via the statement
			// templates.
			continue
		}
		var columns, err = rawTableColumns(db, raw)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			continue
		}
		insert, update, del, err := RawTriggerSQL(raw, columns)
		if err != nil {
			return err
		}
		expected["ps_raw_insert_"+raw.Name] = insert
		expected["ps_raw_update_"+raw.Name] = update
		expected["ps_raw_delete_"+raw.Name] = del
	}

	var rows, err = db.Query(
		`SELECT name, sql FROM sqlite_master WHERE type = 'trigger' AND name GLOB 'ps_raw_*'`)
	if err != nil {
		return err
	}
	var stale []string
	var current = make(map[string]string)
	for rows.Next() {
		var name, sql string
		if err = rows.Scan(&name, &sql); err != nil {
			rows.Close()
			return err
		}
		current[name] = sql
		if wanted, ok := expected[name]; !ok || wanted != sql {
			stale = append(stale, name)
		}
	}
	if err = rows.Err(); err != nil {
		return err
	}
	if err = rows.Close(); err != nil {
		return err
	}

	sort.Strings(stale)
	for _, name := range stale {
		if err = DropTrigger(db, name); err != nil {
			return err
		}
	}

	var names []string
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if sql, ok := current[name]; ok && sql == expected[name] {
			continue
		}
		if err = db.Exec(expected[name]); err != nil {
			return err
		}
	}
	return nil
}
