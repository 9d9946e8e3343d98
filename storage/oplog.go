package storage

import (
	"fmt"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/metrics"
	"go.powersync.dev/core/protocol"
)

// LocalBucket is the reserved bucket whose presence indicates pending local
// writes.
const LocalBucket = "$local"

// BucketInfo identifies a bucket row and the op-id fully reflected in user
// tables.
type BucketInfo struct {
	ID            int64
	LastAppliedOp protocol.OpID
}

// LookupBucket returns the bucket row for name, creating it when first
// referenced.
func LookupBucket(db *hostdb.DB, name string) (BucketInfo, error) {
	// The ON CONFLICT UPDATE is a no-op so that RETURNING also works for
	// existing rows.
	var info BucketInfo
	var ok, err = db.QueryRow(`
INSERT INTO ps_buckets(name)
      VALUES(?)
  ON CONFLICT DO UPDATE
      SET last_applied_op = last_applied_op
  RETURNING id, last_applied_op`,
		[]interface{}{name}, &info.ID, (*int64)(&info.LastAppliedOp))
	if err != nil {
		return info, err
	} else if !ok {
		return info, protocol.InternalError(fmt.Errorf("bucket upsert returned no row"))
	}
	return info, nil
}

// InsertBucketOperations appends one data line's operations to the bucket's
// oplog, maintaining the checksum accumulators and progress counters of
// ps_buckets.
func InsertBucketOperations(db *hostdb.DB, line *protocol.DataLine) error {
	var info, err = LookupBucket(db, line.Bucket)
	if err != nil {
		return err
	}

	// An optimization for initial sync: individual REMOVE operations need not
	// be persisted while last_applied_op = 0. The supersede step still runs,
	// since a REMOVE can supersede a PUT synced in the same batch.
	var isEmpty = info.LastAppliedOp == 0

	var lastOp *protocol.OpID
	var addChecksum, opChecksum protocol.Checksum
	var addedOps int64

	for i := range line.Data {
		var entry = &line.Data[i]
		lastOp = &entry.OpID
		addedOps++

		switch entry.Op {
		case protocol.OpPut, protocol.OpRemove:
			var key = oplogKey(entry)

			var superseded bool
			var rows, err = db.Query(`
DELETE FROM ps_oplog
    WHERE unlikely(ps_oplog.bucket = ?1)
    AND ps_oplog.key = ?2
RETURNING op_id, hash`, info.ID, key)
			if err != nil {
				return err
			}
			for rows.Next() {
				var opID, hash int64
				if err = rows.Scan(&opID, &hash); err != nil {
					rows.Close()
					return err
				}
				// A previous operation was superseded (deleted): move its
				// checksum contribution from op_checksum to add_checksum.
				var supersedeChecksum = protocol.ChecksumFromSigned(hash)
				addChecksum = addChecksum.Add(supersedeChecksum)
				opChecksum = opChecksum.Sub(supersedeChecksum)

				if !isEmpty {
					superseded = true
				}
			}
			if err = rows.Err(); err != nil {
				return err
			}
			if err = rows.Close(); err != nil {
				return err
			}

			if entry.Op == protocol.OpRemove {
				addChecksum = addChecksum.Add(entry.Checksum)

				if superseded && entry.ObjectType != "" && entry.ObjectID != "" {
					if err = db.Exec(
						`INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id) VALUES(?1, ?2)`,
						entry.ObjectType, entry.ObjectID,
					); err != nil {
						return err
					}
				}
				continue
			}

			var rowType, rowID interface{}
			if entry.ObjectType != "" && entry.ObjectID != "" {
				rowType, rowID = entry.ObjectType, entry.ObjectID
			}
			var keyArg interface{}
			if key != "" {
				keyArg = key
			}
			if err = db.Exec(`
INSERT INTO ps_oplog(bucket, op_id, key, row_type, row_id, data, hash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				info.ID, entry.OpID, keyArg, rowType, rowID, entry.Data, entry.Checksum,
			); err != nil {
				return err
			}
			opChecksum = opChecksum.Add(entry.Checksum)

		case protocol.OpMove:
			addChecksum = addChecksum.Add(entry.Checksum)

		case protocol.OpClear:
			// Any remaining PUT operations get an implicit REMOVE, and the
			// bucket checksum restarts from the CLEAR's checksum.
			if err = db.Exec(`
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
SELECT row_type, row_id
FROM ps_oplog
WHERE bucket = ?1`, info.ID); err != nil {
				return err
			}
			if err = db.Exec(`DELETE FROM ps_oplog WHERE bucket = ?1`, info.ID); err != nil {
				return err
			}
			if err = db.Exec(
				`UPDATE ps_buckets SET last_applied_op = 0, add_checksum = ?1, op_checksum = 0 WHERE id = ?2`,
				entry.Checksum, info.ID,
			); err != nil {
				return err
			}
			addChecksum, opChecksum = 0, 0
			isEmpty = true

		default:
			return protocol.ProtocolErrorf("unknown op %q", entry.Op)
		}
	}

	if lastOp != nil {
		if err = db.Exec(`
UPDATE ps_buckets
   SET last_op = ?2,
       add_checksum = (add_checksum + ?3) & 0xffffffff,
       op_checksum = (op_checksum + ?4) & 0xffffffff,
       count_since_last = count_since_last + ?5
 WHERE id = ?1`,
			info.ID, *lastOp, addChecksum, opChecksum, addedOps,
		); err != nil {
			return err
		}
	}

	metrics.OplogOpsTotal.Add(float64(addedOps))
	return nil
}

// oplogKey is the dedup key of an oplog entry: row_type/row_id/subkey.
func oplogKey(entry *protocol.OplogEntry) string {
	if entry.ObjectType == "" || entry.ObjectID == "" {
		return ""
	}
	var subkey = entry.Subkey
	if subkey == "" {
		subkey = "null"
	}
	return entry.ObjectType + "/" + entry.ObjectID + "/" + subkey
}

// DeleteBucket removes a bucket and its operations, marking affected rows for
// re-evaluation at the next sync_local.
func DeleteBucket(db *hostdb.DB, name string) error {
	var id int64
	var ok, err = db.QueryRow(
		`DELETE FROM ps_buckets WHERE name = ?1 RETURNING id`, []interface{}{name}, &id)
	if err != nil || !ok {
		return err
	}

	if err = db.Exec(`
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
SELECT row_type, row_id
FROM ps_oplog
WHERE bucket = ?1`, id); err != nil {
		return err
	}
	return db.Exec(`DELETE FROM ps_oplog WHERE bucket = ?1`, id)
}
