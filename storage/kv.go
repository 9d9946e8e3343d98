package storage

import (
	"github.com/pkg/errors"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
)

// ClientID returns the stable client id generated for this database at
// migration time.
func ClientID(db *hostdb.DB) (string, error) {
	var id string
	var ok, err = db.QueryRow(
		`SELECT value FROM ps_kv WHERE key = 'client_id'`, nil, &id)
	if err != nil {
		return "", err
	} else if !ok {
		return "", protocol.InternalError(errors.New("no client_id found in ps_kv"))
	}
	return id, nil
}

// LastSyncedAt returns the time the last full checkpoint completed, or nil
// if none has.
func LastSyncedAt(db *hostdb.DB) (*string, error) {
	var value *string
	var _, err = db.QueryRow(
		`SELECT last_synced_at FROM ps_sync_state WHERE priority = ?`,
		[]interface{}{protocol.PrioritySentinel}, &value)
	return value, err
}

// Now returns the host database's unix epoch time; the engine itself has no
// clock.
func Now(db *hostdb.DB) (int64, error) {
	return db.QueryInt64(`SELECT unixepoch()`)
}

// SyncStateRows returns (priority, unix time) pairs of ps_sync_state ordered
// by priority, for seeding offline status.
func SyncStateRows(db *hostdb.DB) ([]protocol.PriorityStatus, error) {
	var rows, err = db.Query(
		`SELECT priority, unixepoch(last_synced_at) FROM ps_sync_state ORDER BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.PriorityStatus
	for rows.Next() {
		var priority, ts int64
		if err = rows.Scan(&priority, &ts); err != nil {
			return nil, err
		}
		var t, synced = ts, true
		out = append(out, protocol.PriorityStatus{
			Priority:     protocol.BucketPriority(priority),
			LastSyncedAt: &t,
			HasSynced:    &synced,
		})
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, rows.Close()
}
