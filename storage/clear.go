package storage

import (
	"github.com/pkg/errors"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/schema"
)

// ClearFlags controls what powersync_clear removes.
type ClearFlags int

const (
	// ClearLocal also clears ps_data_local__ tables.
	ClearLocal ClearFlags = 0x01
	// SoftClear keeps oplog and bucket state around, only resetting
	// last_applied_op. When connect() is later called with compatible
	// credentials yielding a large bucket overlap, this speeds up the next
	// sync.
	SoftClear ClearFlags = 0x02
)

// Clear deletes synced data from the database. Internal bookkeeping
// (ps_crud, ps_untyped, ps_updated_rows, sync state and subscriptions) is
// always cleared; the client id is kept.
func Clear(db *hostdb.DB, flags ClearFlags, sch *schema.Schema) error {
	var err error
	if flags&SoftClear == 0 {
		err = db.Exec(`DELETE FROM ps_oplog; DELETE FROM ps_buckets`)
	} else {
		err = db.Exec(`
UPDATE ps_buckets SET last_applied_op = 0;
DELETE FROM ps_buckets WHERE name = '$local'`)
	}
	if err != nil {
		return err
	}

	if err = db.Exec(`
DELETE FROM ps_crud;
DELETE FROM ps_untyped;
DELETE FROM ps_updated_rows;
DELETE FROM ps_kv WHERE key != 'client_id';
DELETE FROM ps_sync_state;
DELETE FROM ps_stream_subscriptions;
`); err != nil {
		return err
	}

	var tableGlob = "ps_data__*"
	if flags&ClearLocal != 0 {
		tableGlob = "ps_data_*"
	}

	var rows, e = db.Query(
		`SELECT name FROM sqlite_master WHERE type='table' AND name GLOB ?1`, tableGlob)
	if e != nil {
		return e
	}
	var tables []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	if err = rows.Err(); err != nil {
		return err
	}
	if err = rows.Close(); err != nil {
		return err
	}

	for _, name := range tables {
		var quoted = hostdb.QuoteIdentifier(name)
		// The first statement deletes a single row to fire an update
		// notification for the table; the second uses the truncate
		// optimization for the remainder.
		if err = db.Exec(`
DELETE FROM ` + quoted + ` WHERE rowid IN (SELECT rowid FROM ` + quoted + ` LIMIT 1);
DELETE FROM ` + quoted + `;`); err != nil {
			return err
		}
	}

	if sch != nil {
		for i := range sch.RawTables {
			if clear := sch.RawTables[i].Clear; clear != "" {
				if err = db.Exec(clear); err != nil {
					return errors.WithMessagef(err, "clearing raw table %s", sch.RawTables[i].Name)
				}
			}
		}
	}
	return nil
}
