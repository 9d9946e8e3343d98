package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.powersync.dev/core/hostdb"
)

// existingView is a generated view found in sqlite_master, together with the
// triggers implementing its CRUD capture.
type existingView struct {
	name      string
	sql       string
	deleteSQL string
	insertSQL string
	updateSQL string
}

func listExistingViews(db *hostdb.DB) (map[string]existingView, error) {
	var rows, err = db.Query(`
SELECT
    view.name,
    view.sql,
    ifnull(group_concat(trigger1.sql, ';' || char(10) ORDER BY trigger1.name DESC), ''),
    ifnull(trigger2.sql, ''),
    ifnull(trigger3.sql, '')
    FROM sqlite_master view
    LEFT JOIN sqlite_master trigger1
        ON trigger1.tbl_name = view.name AND trigger1.type = 'trigger' AND trigger1.name GLOB 'ps_view_delete*'
    LEFT JOIN sqlite_master trigger2
        ON trigger2.tbl_name = view.name AND trigger2.type = 'trigger' AND trigger2.name GLOB 'ps_view_insert*'
    LEFT JOIN sqlite_master trigger3
        ON trigger3.tbl_name = view.name AND trigger3.type = 'trigger' AND trigger3.name GLOB 'ps_view_update*'
    WHERE view.type = 'view' AND view.sql GLOB  '*-- powersync-auto-generated'
    GROUP BY view.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views = make(map[string]existingView)
	for rows.Next() {
		var v existingView
		if err = rows.Scan(&v.name, &v.sql, &v.deleteSQL, &v.insertSQL, &v.updateSQL); err != nil {
			return nil, err
		}
		views[v.name] = v
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return views, rows.Close()
}

// DropView drops a generated view by name. Also reachable from SQL as
// powersync_drop_view, which recorded down-migrations invoke.
func DropView(db *hostdb.DB, name string) error {
	return db.Exec(`DROP VIEW IF EXISTS ` + hostdb.QuoteIdentifier(name))
}

// DropTrigger drops a generated trigger by name.
func DropTrigger(db *hostdb.DB, name string) error {
	return db.Exec(`DROP TRIGGER IF EXISTS ` + hostdb.QuoteIdentifier(name))
}

// existingTable is a ps_data__ or ps_data_local__ table found in
// sqlite_master.
type existingTable struct {
	name         string
	internalName string
	localOnly    bool
}

func listExistingTables(db *hostdb.DB) (map[string]existingTable, error) {
	var rows, err = db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name GLOB 'ps_data_*'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables = make(map[string]existingTable)
	for rows.Next() {
		var internal string
		if err = rows.Scan(&internal); err != nil {
			return nil, err
		}
		var name, localOnly, ok = externalTableName(internal)
		if !ok {
			continue
		}
		tables[name] = existingTable{name: name, internalName: internal, localOnly: localOnly}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return tables, rows.Close()
}

// externalTableName extracts the public name from a ps_data__ or
// ps_data_local__ table name, and whether the table is local-only.
func externalTableName(internal string) (string, bool, bool) {
	const localPrefix = "ps_data_local__"
	const normalPrefix = "ps_data__"

	if len(internal) > len(localPrefix) && internal[:len(localPrefix)] == localPrefix {
		return internal[len(localPrefix):], true, true
	}
	if len(internal) > len(normalPrefix) && internal[:len(normalPrefix)] == normalPrefix {
		return internal[len(normalPrefix):], false, true
	}
	return "", false, false
}

// Replace reconciles the database with the given schema: data tables first
// (moving displaced rows through ps_untyped), then indexes, then views with
// their triggers. Re-applying an identical schema issues no DDL.
func Replace(db *hostdb.DB, s *Schema) error {
	if err := updateTables(db, s); err != nil {
		return err
	}
	if err := updateIndexes(db, s); err != nil {
		return err
	}
	if err := updateViews(db, s); err != nil {
		return err
	}
	return updateRawTableTriggers(db, s)
}

func updateTables(db *hostdb.DB, s *Schema) error {
	var existing, err = listExistingTables(db)
	if err != nil {
		return err
	}

	for i := range s.Tables {
		var table = &s.Tables[i]
		if _, ok := existing[table.Name]; ok {
			delete(existing, table.Name)
			continue
		}

		var quotedInternal = hostdb.QuoteIdentifier(table.InternalName())
		if err = db.Exec(fmt.Sprintf(
			`CREATE TABLE %s(id TEXT PRIMARY KEY NOT NULL, data TEXT)`, quotedInternal)); err != nil {
			return err
		}

		if !table.LocalOnly {
			// Move previously-untyped rows of this type, if any.
			if err = db.Exec(fmt.Sprintf(`
INSERT INTO %s(id, data)
    SELECT id, data
    FROM ps_untyped
    WHERE type = ?`, quotedInternal), table.Name); err != nil {
				return err
			}
			if err = db.Exec(`DELETE FROM ps_untyped WHERE type = ?`, table.Name); err != nil {
				return err
			}
		}
	}

	// Remaining tables are dropped, moving their content to ps_untyped
	// first so a later schema can pick the rows back up.
	var remaining []existingTable
	for _, t := range existing {
		remaining = append(remaining, t)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].name < remaining[j].name })

	for _, t := range remaining {
		if !t.localOnly {
			if err = db.Exec(fmt.Sprintf(
				`INSERT INTO ps_untyped(type, id, data) SELECT ?, id, data FROM %s`,
				hostdb.QuoteIdentifier(t.internalName)), t.name); err != nil {
				return err
			}
		}
		if err = db.Exec(`DROP TABLE ` + hostdb.QuoteIdentifier(t.internalName)); err != nil {
			return err
		}
	}
	return nil
}

func updateIndexes(db *hostdb.DB, s *Schema) error {
	var statements []string
	// Non-nil so it encodes as [] rather than null when no index is declared.
	var expectedNames = []string{}

	for i := range s.Tables {
		var table = &s.Tables[i]
		var tableName = table.InternalName()

		for _, index := range table.Indexes {
			var indexName = tableName + "__" + index.Name

			var existingSQL *string
			if _, err := db.QueryRow(
				`SELECT sql FROM sqlite_master WHERE name = ? AND type = 'index'`,
				[]interface{}{indexName}, &existingSQL); err != nil {
				return err
			}

			var columnValues = make([]string, len(index.Columns))
			for j, col := range index.Columns {
				columnValues[j] = fmt.Sprintf("CAST(json_extract(data, %s) as %s)",
					hostdb.QuoteJSONPath(col.Name), col.Type)
				if !col.Ascending {
					columnValues[j] += " DESC"
				}
			}

			var sql = fmt.Sprintf("CREATE INDEX %s ON %s(%s)",
				hostdb.QuoteIdentifier(indexName),
				hostdb.QuoteIdentifier(tableName),
				strings.Join(columnValues, ", "))

			if existingSQL == nil {
				statements = append(statements, sql)
			} else if *existingSQL != sql {
				statements = append(statements,
					"DROP INDEX "+hostdb.QuoteIdentifier(indexName), sql)
			}
			expectedNames = append(expectedNames, indexName)
		}
	}

	var encoded, err = json.Marshal(expectedNames)
	if err != nil {
		return err
	}
	rows, err := db.Query(`
SELECT
    sqlite_master.name as index_name
      FROM sqlite_master
          WHERE sqlite_master.type = 'index'
            AND sqlite_master.name GLOB 'ps_data_*'
            AND sqlite_master.name NOT IN (SELECT value FROM json_each(?))`,
		string(encoded))
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		statements = append(statements, "DROP INDEX "+hostdb.QuoteIdentifier(name))
	}
	if err = rows.Err(); err != nil {
		return err
	}
	if err = rows.Close(); err != nil {
		return err
	}

	// Statements run only after sqlite_master queries are finalized; open
	// queries there make DROP fail with "table is locked".
	for _, sql := range statements {
		if err = db.Exec(sql); err != nil {
			return err
		}
	}
	return nil
}

func updateViews(db *hostdb.DB, s *Schema) error {
	var existing, err = listExistingViews(db)
	if err != nil {
		return err
	}

	for i := range s.Tables {
		var table = &s.Tables[i]

		var wanted = existingView{name: table.ViewName(), sql: ViewSQL(table)}
		if wanted.deleteSQL, err = DeleteTriggerSQL(table); err != nil {
			return err
		}
		if wanted.insertSQL, err = InsertTriggerSQL(table); err != nil {
			return err
		}
		if wanted.updateSQL, err = UpdateTriggerSQL(table); err != nil {
			return err
		}

		if actual, ok := existing[wanted.name]; ok {
			delete(existing, wanted.name)
			if actual == wanted {
				// View exists with an identical definition, don't re-create.
				continue
			}
		}

		if err = createView(db, &wanted); err != nil {
			return err
		}
	}

	var remaining []string
	for name := range existing {
		remaining = append(remaining, name)
	}
	sort.Strings(remaining)
	for _, name := range remaining {
		if err = DropView(db, name); err != nil {
			return err
		}
	}
	return nil
}

func createView(db *hostdb.DB, view *existingView) error {
	if err := DropView(db, view.name); err != nil {
		return err
	}
	for _, sql := range []string{view.sql, view.deleteSQL, view.insertSQL, view.updateSQL} {
		if sql == "" {
			continue
		}
		if err := db.Exec(sql); err != nil {
			return err
		}
	}
	return nil
}
