package storage

import (
	"github.com/pkg/errors"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
)

// LatestVersion is the current version of the internal schema.
const LatestVersion = 11

// Migrate brings the internal ps_* tables to targetVersion, running down
// migrations recorded in ps_migration when targetVersion is below the
// current version and the numbered up migrations otherwise.
func Migrate(db *hostdb.DB, targetVersion int) error {
	if err := db.Exec(
		`CREATE TABLE IF NOT EXISTS ps_migration(id INTEGER PRIMARY KEY, down_migrations TEXT)`,
	); err != nil {
		return err
	}

	var current, err = currentVersion(db)
	if err != nil {
		return err
	}

	if current > targetVersion {
		// The staging entry point references columns the down scripts may
		// drop; it's re-created when migrating back up.
		if err = db.Exec(`
DROP TRIGGER IF EXISTS powersync_crud_insert;
DROP TABLE IF EXISTS powersync_crud;`); err != nil {
			return err
		}
	}

	for current > targetVersion {
		if err = runDownMigration(db, targetVersion); err != nil {
			return err
		}
		var next int
		if next, err = currentVersion(db); err != nil {
			return err
		}
		if next >= current {
			return protocol.InternalError(errors.Errorf(
				"down migration from version %d did not update version", current))
		}
		current = next
	}

	for _, m := range upMigrations {
		if current < m.id && targetVersion >= m.id {
			if err = m.apply(db, current); err != nil {
				return errors.WithMessagef(err, "migration %d", m.id)
			}
		}
	}

	if targetVersion >= LatestVersion {
		return EnsureCrudStaging(db)
	}
	return nil
}

func currentVersion(db *hostdb.DB) (int, error) {
	var v, err = db.QueryInt64(`SELECT ifnull(max(id), 0) FROM ps_migration`)
	return int(v), err
}

func runDownMigration(db *hostdb.DB, targetVersion int) error {
	var rows, err = db.Query(`
SELECT e.value ->> 'sql'
  FROM (SELECT id, down_migrations FROM ps_migration WHERE id > ?1 ORDER BY id DESC LIMIT 1) m,
       json_each(m.down_migrations) e`, targetVersion)
	if err != nil {
		return err
	}
	defer rows.Close()

	var statements []string
	for rows.Next() {
		var sql string
		if err = rows.Scan(&sql); err != nil {
			return err
		}
		statements = append(statements, sql)
	}
	if err = rows.Err(); err != nil {
		return err
	}
	if err = rows.Close(); err != nil {
		return err
	}

	for _, sql := range statements {
		if err = db.Exec(sql); err != nil {
			return errors.WithMessagef(err, "down migration %q", sql)
		}
	}
	return nil
}

type upMigration struct {
	id    int
	apply func(db *hostdb.DB, fromVersion int) error
}

func execMigration(id int, sql string) upMigration {
	return upMigration{id: id, apply: func(db *hostdb.DB, _ int) error {
		return db.Exec(sql)
	}}
}

var upMigrations = []upMigration{
	execMigration(1, `
CREATE TABLE ps_oplog(
bucket TEXT NOT NULL,
op_id INTEGER NOT NULL,
op INTEGER NOT NULL,
row_type TEXT,
row_id TEXT,
key TEXT,
data TEXT,
hash INTEGER NOT NULL,
superseded INTEGER NOT NULL);

CREATE INDEX ps_oplog_by_row ON ps_oplog (row_type, row_id) WHERE superseded = 0;
CREATE INDEX ps_oplog_by_opid ON ps_oplog (bucket, op_id);
CREATE INDEX ps_oplog_by_key ON ps_oplog (bucket, key) WHERE superseded = 0;

CREATE TABLE ps_buckets(
name TEXT PRIMARY KEY,
last_applied_op INTEGER NOT NULL DEFAULT 0,
last_op INTEGER NOT NULL DEFAULT 0,
target_op INTEGER NOT NULL DEFAULT 0,
add_checksum INTEGER NOT NULL DEFAULT 0,
pending_delete INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE ps_untyped(type TEXT NOT NULL, id TEXT NOT NULL, data TEXT, PRIMARY KEY (type, id));

CREATE TABLE ps_crud (id INTEGER PRIMARY KEY AUTOINCREMENT, data TEXT);

INSERT INTO ps_migration(id, down_migrations) VALUES(1, NULL);
`),

	execMigration(2, `
CREATE TABLE ps_tx(id INTEGER PRIMARY KEY NOT NULL, current_tx INTEGER, next_tx INTEGER);
INSERT INTO ps_tx(id, current_tx, next_tx) VALUES(1, NULL, 1);

ALTER TABLE ps_crud ADD COLUMN tx_id INTEGER;

INSERT INTO ps_migration(id, down_migrations) VALUES(2, json_array(json_object('sql', 'DELETE FROM ps_migration WHERE id >= 2', 'params', json_array()), json_object('sql', 'DROP TABLE ps_tx', 'params', json_array()), json_object('sql', 'ALTER TABLE ps_crud DROP COLUMN tx_id', 'params', json_array())));
`),

	execMigration(3, `
CREATE TABLE ps_kv(key TEXT PRIMARY KEY NOT NULL, value BLOB);
INSERT INTO ps_kv(key, value) values('client_id', uuid());

INSERT INTO ps_migration(id, down_migrations) VALUES(3, json_array(json_object('sql', 'DELETE FROM ps_migration WHERE id >= 3'), json_object('sql', 'DROP TABLE ps_kv')));
`),

	execMigration(4, `
ALTER TABLE ps_buckets ADD COLUMN op_checksum INTEGER NOT NULL DEFAULT 0;
ALTER TABLE ps_buckets ADD COLUMN remove_operations INTEGER NOT NULL DEFAULT 0;

UPDATE ps_buckets SET op_checksum = (
SELECT IFNULL(SUM(ps_oplog.hash), 0) & 0xffffffff FROM ps_oplog WHERE ps_oplog.bucket = ps_buckets.name
);

INSERT INTO ps_migration(id, down_migrations)
VALUES(4,
  json_array(
    json_object('sql', 'DELETE FROM ps_migration WHERE id >= 4'),
    json_object('sql', 'ALTER TABLE ps_buckets DROP COLUMN op_checksum'),
    json_object('sql', 'ALTER TABLE ps_buckets DROP COLUMN remove_operations')
  ));
`),

	// Triggers are restructured in this version and are re-created from
	// scratch when the user schema is next applied. Leaving them in place
	// could make them refer to tables or columns that no longer exist. The
	// names are collected before dropping: DDL against sqlite_master while a
	// query on it is open fails with "table is locked".
	{id: 5, apply: func(db *hostdb.DB, _ int) error {
		var rows, err = db.Query(
			`SELECT name FROM sqlite_master WHERE type = 'trigger' AND name GLOB 'ps_view_*'`)
		if err != nil {
			return err
		}
		var triggers []string
		for rows.Next() {
			var name string
			if err = rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			triggers = append(triggers, name)
		}
		if err = rows.Err(); err != nil {
			return err
		}
		if err = rows.Close(); err != nil {
			return err
		}
		for _, name := range triggers {
			if err = db.Exec(`DROP TRIGGER ` + hostdb.QuoteIdentifier(name)); err != nil {
				return err
			}
		}
		return db.Exec(migration5SQL)
	}},

	{id: 6, apply: func(db *hostdb.DB, fromVersion int) error {
		if fromVersion != 0 {
			// Remove dangling rows, but skip if the database is created from
			// scratch.
			if err := ApplyV035Fix(db); err != nil {
				return err
			}
		}
		return db.Exec(`
INSERT INTO ps_migration(id, down_migrations)
VALUES(6,
json_array(
  json_object('sql', 'DELETE FROM ps_migration WHERE id >= 6')
));
`)
	}},

	execMigration(7, `
CREATE TABLE ps_sync_state (
  priority INTEGER NOT NULL,
  last_synced_at TEXT NOT NULL
) STRICT;
INSERT OR IGNORE INTO ps_sync_state (priority, last_synced_at)
  SELECT 2147483647, value from ps_kv where key = 'last_synced_at';

INSERT INTO ps_migration(id, down_migrations)
VALUES(7,
json_array(
json_object('sql', 'INSERT OR REPLACE INTO ps_kv(key, value) SELECT ''last_synced_at'', last_synced_at FROM ps_sync_state WHERE priority = 2147483647'),
json_object('sql', 'DROP TABLE ps_sync_state'),
json_object('sql', 'DELETE FROM ps_migration WHERE id >= 7')
));
`),

	execMigration(8, `
ALTER TABLE ps_sync_state RENAME TO ps_sync_state_old;
CREATE TABLE ps_sync_state (
  priority INTEGER NOT NULL PRIMARY KEY,
  last_synced_at TEXT NOT NULL
) STRICT;
INSERT INTO ps_sync_state (priority, last_synced_at)
  SELECT priority, MAX(last_synced_at) FROM ps_sync_state_old GROUP BY priority;
DROP TABLE ps_sync_state_old;
INSERT INTO ps_migration(id, down_migrations) VALUES(8, json_array(
json_object('sql', 'ALTER TABLE ps_sync_state RENAME TO ps_sync_state_new'),
json_object('sql', 'CREATE TABLE ps_sync_state (' || char(10) || '  priority INTEGER NOT NULL,' || char(10) || '  last_synced_at TEXT NOT NULL' || char(10) || ') STRICT'),
json_object('sql', 'INSERT INTO ps_sync_state SELECT * FROM ps_sync_state_new'),
json_object('sql', 'DROP TABLE ps_sync_state_new'),
json_object('sql', 'DELETE FROM ps_migration WHERE id >= 8')
));
`),

	execMigration(9, `
ALTER TABLE ps_buckets ADD COLUMN count_at_last INTEGER NOT NULL DEFAULT 0;
ALTER TABLE ps_buckets ADD COLUMN count_since_last INTEGER NOT NULL DEFAULT 0;
INSERT INTO ps_migration(id, down_migrations) VALUES(9, json_array(
json_object('sql', 'ALTER TABLE ps_buckets DROP COLUMN count_at_last'),
json_object('sql', 'ALTER TABLE ps_buckets DROP COLUMN count_since_last'),
json_object('sql', 'DELETE FROM ps_migration WHERE id >= 9')
));
`),

	// Views and triggers are re-created after migrations finish because their
	// definitions at version 10 and above may reference functions that don't
	// exist on older versions.
	execMigration(10, `
INSERT INTO ps_migration(id, down_migrations) VALUES (10, json_array(
  json_object('sql', 'SELECT powersync_drop_view(view.name)' || char(10) || '  FROM sqlite_master view' || char(10) || '  WHERE view.type = ''view''' || char(10) || '    AND view.sql GLOB  ''*-- powersync-auto-generated'''),
  json_object('sql', 'DELETE FROM ps_migration WHERE id >= 10')
));
`),

	execMigration(11, `
CREATE TABLE ps_stream_subscriptions (
  id INTEGER NOT NULL PRIMARY KEY,
  stream_name TEXT NOT NULL,
  parameters TEXT NOT NULL DEFAULT 'null',
  ttl INTEGER,
  expires_at INTEGER,
  last_synced_at INTEGER,
  is_default INTEGER NOT NULL DEFAULT FALSE,
  active INTEGER NOT NULL DEFAULT FALSE,
  has_explicit_subscription INTEGER NOT NULL DEFAULT FALSE,
  local_priority INTEGER,
  UNIQUE (stream_name, parameters)
) STRICT;

INSERT INTO ps_migration(id, down_migrations) VALUES(11, json_array(
json_object('sql', 'DROP TABLE ps_stream_subscriptions'),
json_object('sql', 'DELETE FROM ps_migration WHERE id >= 11')
));
`),
}

const migration5SQL = `
ALTER TABLE ps_buckets RENAME TO ps_buckets_old;
ALTER TABLE ps_oplog RENAME TO ps_oplog_old;

CREATE TABLE ps_buckets(
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  last_applied_op INTEGER NOT NULL DEFAULT 0,
  last_op INTEGER NOT NULL DEFAULT 0,
  target_op INTEGER NOT NULL DEFAULT 0,
  add_checksum INTEGER NOT NULL DEFAULT 0,
  op_checksum INTEGER NOT NULL DEFAULT 0,
  pending_delete INTEGER NOT NULL DEFAULT 0
) STRICT;

CREATE UNIQUE INDEX ps_buckets_name ON ps_buckets (name);

CREATE TABLE ps_oplog(
  bucket INTEGER NOT NULL,
  op_id INTEGER NOT NULL,
  row_type TEXT,
  row_id TEXT,
  key TEXT,
  data TEXT,
  hash INTEGER NOT NULL) STRICT;

CREATE INDEX ps_oplog_row ON ps_oplog (row_type, row_id);
CREATE INDEX ps_oplog_opid ON ps_oplog (bucket, op_id);
CREATE INDEX ps_oplog_key ON ps_oplog (bucket, key);

CREATE TABLE ps_updated_rows(
  row_type TEXT,
  row_id TEXT,
  PRIMARY KEY(row_type, row_id)) STRICT, WITHOUT ROWID;

INSERT INTO ps_buckets(name, last_applied_op, last_op, target_op, add_checksum, op_checksum, pending_delete)
SELECT name, last_applied_op, last_op, target_op, add_checksum, op_checksum, pending_delete FROM ps_buckets_old;

DROP TABLE ps_buckets_old;

INSERT INTO ps_oplog(bucket, op_id, row_type, row_id, key, data, hash)
SELECT ps_buckets.id, oplog.op_id, oplog.row_type, oplog.row_id, oplog.key, oplog.data, oplog.hash
  FROM ps_oplog_old oplog
  JOIN ps_buckets
    ON ps_buckets.name = oplog.bucket
    WHERE oplog.superseded = 0 AND oplog.op = 3
    ORDER BY oplog.bucket, oplog.op_id;

INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
SELECT row_type, row_id
 FROM ps_oplog_old oplog
 WHERE oplog.op != 3;

UPDATE ps_buckets SET add_checksum = 0xffffffff & (add_checksum + (
SELECT IFNULL(SUM(oplog.hash), 0)
  FROM ps_oplog_old oplog
  WHERE oplog.bucket = ps_buckets.name
    AND (oplog.superseded = 1 OR oplog.op != 3)
));

UPDATE ps_buckets SET op_checksum = 0xffffffff & (op_checksum - (
  SELECT IFNULL(SUM(oplog.hash), 0)
    FROM ps_oplog_old oplog
    WHERE oplog.bucket = ps_buckets.name
      AND (oplog.superseded = 1 OR oplog.op != 3)
));

DROP TABLE ps_oplog_old;

INSERT INTO ps_migration(id, down_migrations)
VALUES(5,
  json_array(
    json_object('sql', 'SELECT powersync_drop_view(view.name)' || char(10) || '  FROM sqlite_master view' || char(10) || '  WHERE view.type = ''view''' || char(10) || '    AND view.sql GLOB  ''*-- powersync-auto-generated'''),
    json_object('sql', 'ALTER TABLE ps_buckets RENAME TO ps_buckets_5'),
    json_object('sql', 'ALTER TABLE ps_oplog RENAME TO ps_oplog_5'),
    json_object('sql', 'CREATE TABLE ps_buckets(' || char(10) || '  name TEXT PRIMARY KEY,' || char(10) || '  last_applied_op INTEGER NOT NULL DEFAULT 0,' || char(10) || '  last_op INTEGER NOT NULL DEFAULT 0,' || char(10) || '  target_op INTEGER NOT NULL DEFAULT 0,' || char(10) || '  add_checksum INTEGER NOT NULL DEFAULT 0,' || char(10) || '  pending_delete INTEGER NOT NULL DEFAULT 0' || char(10) || ', op_checksum INTEGER NOT NULL DEFAULT 0, remove_operations INTEGER NOT NULL DEFAULT 0)'),
    json_object('sql', 'INSERT INTO ps_buckets(name, last_applied_op, last_op, target_op, add_checksum, op_checksum, pending_delete)' || char(10) || '    SELECT name, last_applied_op, last_op, target_op, add_checksum, op_checksum, pending_delete FROM ps_buckets_5'),
    json_object('sql', 'CREATE TABLE ps_oplog(' || char(10) || '  bucket TEXT NOT NULL,' || char(10) || '  op_id INTEGER NOT NULL,' || char(10) || '  op INTEGER NOT NULL,' || char(10) || '  row_type TEXT,' || char(10) || '  row_id TEXT,' || char(10) || '  key TEXT,' || char(10) || '  data TEXT,' || char(10) || '  hash INTEGER NOT NULL,' || char(10) || '  superseded INTEGER NOT NULL)'),
    json_object('sql', 'CREATE INDEX ps_oplog_by_row ON ps_oplog (row_type, row_id) WHERE superseded = 0'),
    json_object('sql', 'CREATE INDEX ps_oplog_by_opid ON ps_oplog (bucket, op_id)'),
    json_object('sql', 'CREATE INDEX ps_oplog_by_key ON ps_oplog (bucket, key) WHERE superseded = 0'),
    json_object('sql', 'INSERT INTO ps_oplog(bucket, op_id, op, row_type, row_id, key, data, hash, superseded)' || char(10) || '    SELECT ps_buckets_5.name, oplog.op_id, 3, oplog.row_type, oplog.row_id, oplog.key, oplog.data, oplog.hash, 0' || char(10) || '    FROM ps_oplog_5 oplog' || char(10) || '    JOIN ps_buckets_5' || char(10) || '        ON ps_buckets_5.id = oplog.bucket'),
    json_object('sql', 'DROP TABLE ps_oplog_5'),
    json_object('sql', 'DROP TABLE ps_buckets_5'),
    json_object('sql', 'INSERT INTO ps_oplog(bucket, op_id, op, row_type, row_id, hash, superseded)' || char(10) || '    SELECT ''$local'', 1, 4, r.row_type, r.row_id, 0, 0' || char(10) || '    FROM ps_updated_rows r'),
    json_object('sql', 'INSERT OR REPLACE INTO ps_buckets(name, pending_delete, last_op, target_op) VALUES(''$local'', 1, 0, 9223372036854775807)'),
    json_object('sql', 'DROP TABLE ps_updated_rows'),
    json_object('sql', 'DELETE FROM ps_migration WHERE id >= 5')
  ));
`
