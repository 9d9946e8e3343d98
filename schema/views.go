package schema

import (
	"fmt"
	"strings"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
)

// maxOpID is the target_op of the $local bucket, as SQL text.
const maxOpID = "9223372036854775807"

// localBucketUpsert marks pending local writes by upserting the $local
// bucket.
const localBucketUpsert = `INSERT OR REPLACE INTO ps_buckets(name, last_op, target_op) VALUES('$local', 0, ` + maxOpID + `)`

// ViewSQL generates the CREATE VIEW statement projecting the table's
// declared columns out of the data JSON.
func ViewSQL(t *Table) string {
	var names = []string{hostdb.QuoteIdentifier("id")}
	var values = []string{"id"}

	for _, c := range t.Columns {
		names = append(names, hostdb.QuoteIdentifier(c.Name))
		values = append(values, fmt.Sprintf("CAST(json_extract(data, %s) as %s)",
			hostdb.QuoteJSONPath(c.Name), c.Type))
	}
	if t.IncludeMeta {
		names = append(names, hostdb.QuoteIdentifier("_metadata"), hostdb.QuoteIdentifier("_deleted"))
		values = append(values, "NULL", "NULL")
	}

	return fmt.Sprintf("CREATE VIEW %s(%s) AS SELECT %s FROM %s -- powersync-auto-generated",
		hostdb.QuoteIdentifier(t.ViewName()),
		strings.Join(names, ", "),
		strings.Join(values, ", "),
		hostdb.QuoteIdentifier(t.InternalName()))
}

// jsonObjectFragment builds "json_object('a', powersync_strip_subtype(NEW."a"), …)"
// over the given columns. Individual text columns may carry a JSON subtype
// (eg when NEW.column was produced by a JSON function), which would make
// json_object embed them as subobjects instead of strings; stripping the
// subtype keeps them as they appear in the database.
//
// json_object takes at most half of SQLITE_MAX_FUNCTION_ARG pairs; larger
// column sets are built in chunks merged through powersync_json_merge. The
// default limit of 100 args is assumed so generated SQL stays portable.
func jsonObjectFragment(prefix string, columns []Column) (string, error) {
	const maxArgPairs = 50

	// SQLITE_MAX_COLUMN - 1, accounting for the id column.
	if len(columns) > 1999 {
		return "", protocol.ConfigErrorf("too many columns for a CRUD trigger")
	}

	var pairs = make([]string, len(columns))
	for i, c := range columns {
		pairs[i] = fmt.Sprintf("%s, powersync_strip_subtype(%s.%s)",
			hostdb.Quote(c.Name), prefix, hostdb.QuoteIdentifier(c.Name))
	}

	if len(pairs) <= maxArgPairs {
		return "json_object(" + strings.Join(pairs, ", ") + ")", nil
	}

	var chunks []string
	for len(pairs) > 0 {
		var n = maxArgPairs
		if len(pairs) < n {
			n = len(pairs)
		}
		chunks = append(chunks, "json_object("+strings.Join(pairs[:n], ", ")+")")
		pairs = pairs[n:]
	}
	return "powersync_json_merge(" + strings.Join(chunks, ", ") + ")", nil
}

// oldValuesFragment resolves the include_old options into the SQL expression
// carried as the CRUD entry's 'old' value, or "" when old values aren't
// captured.
func oldValuesFragment(t *Table) (string, error) {
	if t.IncludeOld == nil {
		return "", nil
	}

	var columns = t.Columns
	if !t.IncludeOld.All {
		columns = t.filteredColumns(t.IncludeOld.Columns)
	}
	var oldFragment, err = jsonObjectFragment("OLD", columns)
	if err != nil {
		return "", err
	}

	if !t.IncludeOldOnlyWhenChange {
		return oldFragment, nil
	}
	newFragment, err := jsonObjectFragment("NEW", columns)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json(powersync_diff(%s, %s))", newFragment, oldFragment), nil
}

// InsertTriggerSQL generates the INSTEAD OF INSERT trigger of the table's
// view, or "" when the table doesn't capture inserts through a trigger.
func InsertTriggerSQL(t *Table) (string, error) {
	var triggerName = hostdb.QuoteIdentifier("ps_view_insert_" + t.ViewName())
	var viewName = hostdb.QuoteIdentifier(t.ViewName())
	var internalName = hostdb.QuoteIdentifier(t.InternalName())
	var typeString = hostdb.Quote(t.Name)

	var jsonFragment, err = jsonObjectFragment("NEW", t.Columns)
	if err != nil {
		return "", err
	}

	if t.LocalOnly {
		return fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF INSERT ON %s
FOR EACH ROW
BEGIN
INSERT INTO %s SELECT NEW.id, %s;
END`, triggerName, viewName, internalName, jsonFragment), nil
	}

	if t.insertOnly() {
		// Insert-only writes don't touch ps_updated_rows or $local: they
		// shouldn't prevent new data from being published.
		return fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF INSERT ON %s
FOR EACH ROW
BEGIN
INSERT INTO ps_crud(tx_id, data) VALUES(powersync_tx_id(), json_object('op', 'PUT', 'type', %s, 'id', NEW.id, 'data', json(powersync_diff('{}', %s))));
END`, triggerName, viewName, typeString, jsonFragment), nil
	}

	var metadata string
	if t.IncludeMeta {
		metadata = ", 'metadata', NEW._metadata"
	}

	return fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF INSERT ON %s
FOR EACH ROW
BEGIN
SELECT CASE
WHEN (NEW.id IS NULL)
THEN RAISE (FAIL, 'id is required')
WHEN (typeof(NEW.id) != 'text')
THEN RAISE (FAIL, 'id should be text')
END;
INSERT INTO %s SELECT NEW.id, %s;
INSERT INTO ps_crud(tx_id, data) VALUES(powersync_tx_id(), json_object('op', 'PUT', 'type', %s, 'id', NEW.id, 'data', json(powersync_diff('{}', %s))%s));
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) VALUES(%s, NEW.id);
%s;
END`, triggerName, viewName, internalName, jsonFragment, typeString, jsonFragment,
		metadata, typeString, localBucketUpsert), nil
}

// UpdateTriggerSQL generates the INSTEAD OF UPDATE trigger of the table's
// view, or "" for insert-only tables (updates on those raise because no
// trigger exists).
func UpdateTriggerSQL(t *Table) (string, error) {
	if t.insertOnly() {
		return "", nil
	}

	var triggerName = hostdb.QuoteIdentifier("ps_view_update_" + t.ViewName())
	var viewName = hostdb.QuoteIdentifier(t.ViewName())
	var internalName = hostdb.QuoteIdentifier(t.InternalName())
	var typeString = hostdb.Quote(t.Name)

	var jsonNew, err = jsonObjectFragment("NEW", t.Columns)
	if err != nil {
		return "", err
	}
	jsonOld, err := jsonObjectFragment("OLD", t.Columns)
	if err != nil {
		return "", err
	}

	if t.LocalOnly {
		return fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF UPDATE ON %s
FOR EACH ROW
BEGIN
SELECT CASE
WHEN (OLD.id != NEW.id)
THEN RAISE (FAIL, 'Cannot update id')
END;
UPDATE %s
SET data = %s
WHERE id = NEW.id;
END`, triggerName, viewName, internalName, jsonNew), nil
	}

	var when string
	if t.IncludeMeta {
		// Deletes with metadata arrive as UPDATE ... SET _deleted = TRUE and
		// are handled by a second delete trigger.
		when = "\nWHEN NEW._deleted IS NOT TRUE"
	}

	var old string
	oldFragment, err := oldValuesFragment(t)
	if err != nil {
		return "", err
	}
	if oldFragment != "" {
		old = ", 'old', " + oldFragment
	}

	var metadata string
	if t.IncludeMeta {
		metadata = ", 'metadata', NEW._metadata"
	}

	var guard string
	if t.IgnoreEmptyUpdate {
		guard = fmt.Sprintf(" WHERE json(powersync_diff(%s, %s)) != '{}'", jsonOld, jsonNew)
	}

	return fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF UPDATE ON %s
FOR EACH ROW%s
BEGIN
SELECT CASE
WHEN (OLD.id != NEW.id)
THEN RAISE (FAIL, 'Cannot update id')
END;
UPDATE %s
SET data = %s
WHERE id = NEW.id;
INSERT INTO ps_crud(tx_id, data) SELECT powersync_tx_id(), json_object('op', 'PATCH', 'type', %s, 'id', NEW.id, 'data', json(powersync_diff(%s, %s))%s%s)%s;
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) SELECT %s, NEW.id%s;
%s%s;
END`, triggerName, viewName, when, internalName, jsonNew,
		typeString, jsonOld, jsonNew, old, metadata, guard,
		typeString, guard,
		localBucketSelect(guard), guard), nil
}

// DeleteTriggerSQL generates the INSTEAD OF DELETE trigger(s) of the table's
// view, or "" for insert-only tables.
func DeleteTriggerSQL(t *Table) (string, error) {
	if t.insertOnly() {
		return "", nil
	}

	var triggerName = hostdb.QuoteIdentifier("ps_view_delete_" + t.ViewName())
	var viewName = hostdb.QuoteIdentifier(t.ViewName())
	var internalName = hostdb.QuoteIdentifier(t.InternalName())
	var typeString = hostdb.Quote(t.Name)

	if t.LocalOnly {
		return fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF DELETE ON %s
FOR EACH ROW
BEGIN
DELETE FROM %s WHERE id = OLD.id;
END`, triggerName, viewName, internalName), nil
	}

	var old string
	var oldFragment, err = oldValuesFragmentForDelete(t)
	if err != nil {
		return "", err
	}
	if oldFragment != "" {
		old = ", 'old', " + oldFragment
	}

	var trigger = fmt.Sprintf(`CREATE TRIGGER %s
INSTEAD OF DELETE ON %s
FOR EACH ROW
BEGIN
DELETE FROM %s WHERE id = OLD.id;
INSERT INTO ps_crud(tx_id, data) VALUES(powersync_tx_id(), json_object('op', 'DELETE', 'type', %s, 'id', OLD.id%s));
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) VALUES(%s, OLD.id);
%s;
END`, triggerName, viewName, internalName, typeString, old, typeString, localBucketUpsert)

	if t.IncludeMeta {
		// A DELETE statement can't carry metadata, so deletes with metadata
		// use a fake UPDATE syntax handled by this second trigger.
		var trigger2Name = hostdb.QuoteIdentifier("ps_view_delete2_" + t.ViewName())
		trigger += fmt.Sprintf(`;
CREATE TRIGGER %s
INSTEAD OF UPDATE ON %s
FOR EACH ROW
WHEN NEW._deleted IS TRUE
BEGIN
DELETE FROM %s WHERE id = NEW.id;
INSERT INTO ps_crud(tx_id, data) VALUES(powersync_tx_id(), json_object('op', 'DELETE', 'type', %s, 'id', OLD.id, 'metadata', NEW._metadata%s));
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) VALUES(%s, OLD.id);
%s;
END`, trigger2Name, viewName, internalName, typeString, old, typeString, localBucketUpsert)
	}
	return trigger, nil
}

// oldValuesFragmentForDelete never applies the only-when-changed diff: a
// deleted row's values are always "changed".
func oldValuesFragmentForDelete(t *Table) (string, error) {
	if t.IncludeOld == nil {
		return "", nil
	}
	var columns = t.Columns
	if !t.IncludeOld.All {
		columns = t.filteredColumns(t.IncludeOld.Columns)
	}
	return jsonObjectFragment("OLD", columns)
}

// localBucketSelect is the SELECT form of localBucketUpsert for statements
// carrying a trailing guard clause.
func localBucketSelect(guard string) string {
	if guard == "" {
		return localBucketUpsert
	}
	return `INSERT OR REPLACE INTO ps_buckets(name, last_op, target_op) SELECT '$local', 0, ` + maxOpID
}
