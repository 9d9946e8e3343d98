package storage

import (
	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/metrics"
	"go.powersync.dev/core/protocol"
)

// TxState allocates ps_crud transaction ids. One id is handed out per host
// write transaction: the first CRUD capture of a transaction draws a fresh
// id from ps_tx, and the cached id is discarded on both COMMIT and ROLLBACK
// (the extension wires those hooks).
type TxState struct {
	current *int64
}

// CurrentTxID returns the transaction id for the ongoing host transaction,
// allocating one on first use.
func (s *TxState) CurrentTxID(db *hostdb.DB) (int64, error) {
	if s.current != nil {
		return *s.current, nil
	}
	var next, err = db.QueryInt64(
		`UPDATE ps_tx SET next_tx = next_tx + 1 WHERE id = 1 RETURNING next_tx`)
	if err != nil {
		return 0, err
	}
	var id = next - 1
	s.current = &id
	metrics.CrudTransactionsTotal.Inc()
	return id, nil
}

// Reset discards the cached transaction id. Called from the host's commit
// and rollback hooks.
func (s *TxState) Reset() { s.current = nil }

// EnsureCrudStaging creates the powersync_crud entry point: a staging table
// whose inserts of pre-formed operations are transformed into ps_crud
// entries, ps_updated_rows markers and the $local bucket, then discarded.
// It's engine infrastructure rather than user data, so it's (re-)created at
// init instead of through a numbered migration.
//
// json_patch drops null-valued keys, which omits absent data/old/metadata
// fields from the stored entry. Captures are suppressed while sync_local is
// writing tables itself.
func EnsureCrudStaging(db *hostdb.DB) error {
	if err := db.Exec(`
CREATE TABLE IF NOT EXISTS powersync_crud(
  op TEXT,
  id TEXT,
  type TEXT,
  data TEXT,
  old_values TEXT,
  metadata TEXT
)`); err != nil {
		return err
	}
	return db.Exec(`
CREATE TRIGGER IF NOT EXISTS powersync_crud_insert
AFTER INSERT ON powersync_crud
FOR EACH ROW
BEGIN
INSERT INTO ps_crud(tx_id, data)
  SELECT powersync_tx_id(), json_patch(
      json_object('op', NEW.op, 'type', NEW."type", 'id', NEW.id),
      json_object('data', json(NEW.data), 'old', json(NEW.old_values), 'metadata', NEW.metadata))
  WHERE NOT powersync_in_sync_operation();
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
  SELECT NEW."type", NEW.id WHERE NOT powersync_in_sync_operation();
INSERT OR REPLACE INTO ps_buckets(name, last_op, target_op)
  SELECT '$local', 0, 9223372036854775807 WHERE NOT powersync_in_sync_operation();
DELETE FROM powersync_crud WHERE rowid = NEW.rowid;
END`)
}

// HasCrudEntries reports whether local mutations are waiting to be uploaded.
func HasCrudEntries(db *hostdb.DB) (bool, error) {
	var one int64
	return db.QueryRow(`SELECT 1 FROM ps_crud LIMIT 1`, nil, &one)
}

// LocalBucketTargetOp returns the target_op of the $local bucket, or nil if
// no local writes are pending.
func LocalBucketTargetOp(db *hostdb.DB) (*protocol.OpID, error) {
	var target int64
	var ok, err = db.QueryRow(
		`SELECT target_op FROM ps_buckets WHERE name = ?`,
		[]interface{}{LocalBucket}, &target)
	if err != nil || !ok {
		return nil, err
	}
	var op = protocol.OpID(target)
	return &op, nil
}
