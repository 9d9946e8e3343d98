package storage

import (
	"encoding/json"

	"github.com/pkg/errors"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/metrics"
	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/schema"
)

// SyncLocalResult is the outcome of applying a checkpoint.
type SyncLocalResult int

const (
	// SyncLocalApplied means the checkpoint was validated and published.
	SyncLocalApplied SyncLocalResult = iota
	// SyncLocalPendingLocalChanges means publication was withheld because
	// local CRUD entries are waiting to be uploaded.
	SyncLocalPendingLocalChanges
	// SyncLocalChecksumFailure means one or more buckets failed validation
	// and were dropped.
	SyncLocalChecksumFailure
)

// ApplyResult carries the outcome of ApplyCheckpoint, with the failed
// buckets on a checksum failure.
type ApplyResult struct {
	Result     SyncLocalResult
	Mismatches []ChecksumMismatch
}

// ApplyCheckpoint validates the checkpoint's buckets at the given priority
// (nil for a full checkpoint) and, if they validate, materializes downloaded
// operations into user tables. Buckets failing validation are deleted.
//
// The whole call happens inside the host transaction: a failure part-way
// leaves no committed side effects and the command can be retried.
func ApplyCheckpoint(db *hostdb.DB, state *DatabaseState, checkpoint *Checkpoint,
	priority *protocol.BucketPriority, sch *schema.Schema) (*ApplyResult, error) {

	var mismatches, err = ValidateCheckpoint(db, checkpoint, priority)
	if err != nil {
		return nil, err
	}
	if len(mismatches) != 0 {
		for i := range mismatches {
			if err = DeleteBucket(db, mismatches[i].Bucket); err != nil {
				return nil, err
			}
		}
		metrics.SyncLocalTotal.WithLabelValues("checksum_failure").Inc()
		return &ApplyResult{Result: SyncLocalChecksumFailure, Mismatches: mismatches}, nil
	}

	for _, bucket := range checkpoint.SortedBuckets() {
		if bucket.IncludedIn(priority) {
			if err = db.Exec(`UPDATE ps_buckets SET last_op = ? WHERE name = ?`,
				checkpoint.LastOpID, bucket.Name); err != nil {
				return nil, err
			}
		}
	}
	if priority == nil && checkpoint.WriteCheckpoint != nil {
		if err = db.Exec(`UPDATE ps_buckets SET last_op = ? WHERE name = ?`,
			*checkpoint.WriteCheckpoint, LocalBucket); err != nil {
			return nil, err
		}
	}

	applied, err := syncLocal(db, state, checkpoint, priority, sch)
	if err != nil {
		return nil, err
	}
	if !applied {
		metrics.SyncLocalTotal.WithLabelValues("pending_local").Inc()
		return &ApplyResult{Result: SyncLocalPendingLocalChanges}, nil
	}

	if priority == nil {
		// Reset progress counters, only on a complete sync: download progress
		// always covers a complete checkpoint rather than resetting at
		// partial completions.
		for _, bucket := range checkpoint.SortedBuckets() {
			if bucket.Count != nil {
				if err = db.Exec(
					`UPDATE ps_buckets SET count_since_last = 0, count_at_last = ? WHERE name = ?`,
					*bucket.Count, bucket.Name); err != nil {
					return nil, err
				}
			}
		}
	}

	metrics.SyncLocalTotal.WithLabelValues("applied").Inc()
	return &ApplyResult{Result: SyncLocalApplied}, nil
}

// canApplySyncChanges is the publication gate: downloaded data is not
// published while the upload queue is non-empty, except at priority 0 which
// is defined to override local writes.
func canApplySyncChanges(db *hostdb.DB, priority *protocol.BucketPriority) (bool, error) {
	if priority != nil && priority.MayPublishWithOutstandingUploads() {
		return true, nil
	}
	var one int64
	var hasCrud, err = db.QueryRow(`SELECT 1 FROM ps_crud LIMIT 1`, nil, &one)
	if err != nil {
		return false, err
	}
	return !hasCrud, nil
}

func syncLocal(db *hostdb.DB, state *DatabaseState, checkpoint *Checkpoint,
	priority *protocol.BucketPriority, sch *schema.Schema) (bool, error) {

	var ok, err = canApplySyncChanges(db, priority)
	if err != nil || !ok {
		return false, err
	}

	tables, err := dataTables(db)
	if err != nil {
		return false, err
	}

	var partialArgs string
	if priority != nil {
		var names []string
		for _, bucket := range checkpoint.SortedBuckets() {
			if bucket.IncludedIn(priority) {
				names = append(names, bucket.Name)
			}
		}
		var encoded, err = json.Marshal(struct {
			Priority protocol.BucketPriority `json:"priority"`
			Buckets  []string                `json:"buckets"`
		}{*priority, names})
		if err != nil {
			return false, protocol.InternalError(err)
		}
		partialArgs = string(encoded)
	}

	defer state.enterSyncOperation()()

	// Group updated rows and pick the winning operation per row: the oplog
	// row with the maximum op_id across all buckets supplies the peer data
	// column of the max() aggregate.
	var rows *hostdb.Rows
	if priority == nil {
		rows, err = db.Query(`
WITH updated_rows AS (
  SELECT DISTINCT b.row_type, b.row_id FROM ps_buckets AS buckets
    CROSS JOIN ps_oplog AS b ON b.bucket = buckets.id AND (b.op_id > buckets.last_applied_op)
  UNION SELECT row_type, row_id FROM ps_updated_rows
)
SELECT b.row_type as type,
    b.row_id as id,
    r.data as data,
    count(r.bucket) as buckets,
    max(r.op_id) as op_id
FROM updated_rows b
    LEFT OUTER JOIN ps_oplog AS r
               ON r.row_type = b.row_type
                 AND r.row_id = b.row_id
GROUP BY b.row_type, b.row_id`)
	} else {
		// Partial syncs don't consume ps_updated_rows: those markers may
		// cover rows of buckets outside the filter, or pending local writes
		// which a priority-0 sync must leave in place.
		rows, err = db.Query(`
WITH involved_buckets (id) AS MATERIALIZED (
  SELECT id FROM ps_buckets WHERE name IN (SELECT value FROM json_each(json_extract(?1, '$.buckets')))
),
updated_rows AS (
  SELECT DISTINCT b.row_type, b.row_id FROM ps_oplog b
    WHERE b.bucket IN (SELECT id FROM involved_buckets)
      AND b.op_id > (SELECT last_applied_op FROM ps_buckets WHERE id = b.bucket)
)
SELECT b.row_type as type,
    b.row_id as id,
    r.data as data,
    count(r.bucket) as buckets,
    max(r.op_id) as op_id
FROM updated_rows b
    LEFT OUTER JOIN ps_oplog AS r
               ON r.row_type = b.row_type
                 AND r.row_id = b.row_id
GROUP BY b.row_type, b.row_id`, partialArgs)
	}
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var rowType, rowID string
		var data *string
		var bucketCount int64
		if err = rows.Scan(&rowType, &rowID, &data, &bucketCount); err != nil {
			return false, err
		}

		var live = bucketCount > 0 && data != nil
		if raw := sch.RawTableFor(rowType); raw != nil {
			err = applyRawOp(db, raw, rowID, data, live)
		} else if _, isTable := tables["ps_data__"+rowType]; isTable {
			var quoted = hostdb.QuoteIdentifier("ps_data__" + rowType)
			if !live {
				err = db.Exec(`DELETE FROM `+quoted+` WHERE id = ?`, rowID)
			} else {
				err = db.Exec(`REPLACE INTO `+quoted+`(id, data) VALUES(?, ?)`, rowID, *data)
			}
		} else {
			if !live {
				err = db.Exec(`DELETE FROM ps_untyped WHERE type = ? AND id = ?`, rowType, rowID)
			} else {
				err = db.Exec(`REPLACE INTO ps_untyped(type, id, data) VALUES(?, ?, ?)`,
					rowType, rowID, *data)
			}
		}
		if err != nil {
			return false, err
		}
	}
	if err = rows.Err(); err != nil {
		return false, err
	}
	if err = rows.Close(); err != nil {
		return false, err
	}

	if priority == nil {
		err = db.Exec(`
UPDATE ps_buckets
   SET last_applied_op = last_op
 WHERE last_applied_op != last_op`)
	} else {
		err = db.Exec(`
UPDATE ps_buckets
   SET last_applied_op = last_op
 WHERE last_applied_op != last_op
   AND name IN (SELECT value FROM json_each(json_extract(?1, '$.buckets')))`, partialArgs)
	}
	if err != nil {
		return false, err
	}

	if priority == nil {
		if err = db.Exec(`DELETE FROM ps_updated_rows`); err != nil {
			return false, err
		}
		if err = db.Exec(`DELETE FROM ps_sync_state`); err != nil {
			return false, err
		}
		err = db.Exec(
			`INSERT OR REPLACE INTO ps_sync_state(priority, last_synced_at) VALUES(?, datetime())`,
			protocol.PrioritySentinel)
	} else {
		if err = db.Exec(`DELETE FROM ps_sync_state WHERE priority < ?`, *priority); err != nil {
			return false, err
		}
		err = db.Exec(
			`INSERT OR REPLACE INTO ps_sync_state(priority, last_synced_at) VALUES(?, datetime())`,
			*priority)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func dataTables(db *hostdb.DB) (map[string]struct{}, error) {
	var rows, err = db.Query(
		`SELECT name FROM sqlite_master WHERE type='table' AND name GLOB 'ps_data__*'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables = make(map[string]struct{})
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[name] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return tables, rows.Close()
}

// applyRawOp routes one materialized row into a raw table by executing its
// PUT or DELETE statement template.
func applyRawOp(db *hostdb.DB, raw *schema.RawTable, rowID string, data *string, live bool) error {
	var stmt *schema.PendingStatement
	var values map[string]json.RawMessage

	if live {
		stmt = raw.Put
		if err := json.Unmarshal([]byte(*data), &values); err != nil {
			return protocol.ProtocolErrorf("invalid data for raw table %s row %s: %v", raw.Name, rowID, err)
		}
	} else {
		stmt = raw.Delete
	}
	if stmt == nil {
		return nil
	}

	var args, err = bindPendingStatement(stmt, rowID, values)
	if err != nil {
		return err
	}
	return errors.WithMessagef(db.Exec(stmt.SQL, args...), "raw table %s", raw.Name)
}

func bindPendingStatement(stmt *schema.PendingStatement, rowID string, values map[string]json.RawMessage) ([]interface{}, error) {
	var referenced = make(map[string]struct{})
	for _, p := range stmt.Params {
		if p.Kind == schema.ParamColumn {
			referenced[p.Column] = struct{}{}
		}
	}

	var args = make([]interface{}, 0, len(stmt.Params))
	for _, p := range stmt.Params {
		switch p.Kind {
		case schema.ParamID:
			args = append(args, rowID)
		case schema.ParamColumn:
			var arg, err = jsonValueArg(values[p.Column])
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		case schema.ParamRest:
			var rest = make(map[string]json.RawMessage)
			for k, v := range values {
				if _, ok := referenced[k]; !ok {
					rest[k] = v
				}
			}
			var encoded, err = json.Marshal(rest)
			if err != nil {
				return nil, protocol.InternalError(err)
			}
			args = append(args, string(encoded))
		}
	}
	return args, nil
}

// jsonValueArg converts a JSON value into a SQL binding: scalars bind as
// their SQLite affinity, objects and arrays bind as their JSON text.
func jsonValueArg(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, protocol.InternalError(err)
		}
		return s, nil
	case '{', '[':
		return string(raw), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, protocol.InternalError(err)
		}
		return b, nil
	default:
		var i int64
		if err := json.Unmarshal(raw, &i); err == nil {
			return i, nil
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, protocol.InternalError(err)
		}
		return f, nil
	}
}
