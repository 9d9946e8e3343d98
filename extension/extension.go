package extension

import (
	"database/sql"
	gosync "sync"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/schema"
	"go.powersync.dev/core/storage"
	syncclient "go.powersync.dev/core/sync"
)

// DriverName is the database/sql driver registered by this package: a
// go-sqlite3 driver with the sync engine attached to every connection.
const DriverName = "sqlite3_powersync"

func init() {
	sql.Register(DriverName, Driver())
}

// Driver returns a go-sqlite3 driver with Connect installed as its hook.
// Use it directly to compose with other connection hooks.
func Driver() *sqlite3.SQLiteDriver {
	return &sqlite3.SQLiteDriver{ConnectHook: Connect}
}

// Extension is the engine instance owned by one host connection. All of its
// state is in-memory session state; durable state lives in the ps_* tables.
type Extension struct {
	db    *hostdb.DB
	state *storage.DatabaseState
	tx    *storage.TxState
	// schema is the parsed schema most recently applied with
	// powersync_replace_schema, used by powersync_clear for raw tables.
	schema *schema.Schema
	client *syncclient.Client
}

// Connect attaches a new Extension to the connection, registering all
// user-defined functions and transaction hooks.
func Connect(conn *sqlite3.SQLiteConn) error {
	var ext = &Extension{
		db:    hostdb.Wrap(conn),
		state: &storage.DatabaseState{},
		tx:    &storage.TxState{},
	}
	ext.client = syncclient.NewClient(ext.db, ext.state)
	if err := ext.register(conn); err != nil {
		return err
	}

	liveExtensions.mu.Lock()
	liveExtensions.m[conn] = ext
	liveExtensions.mu.Unlock()
	return nil
}

// liveExtensions indexes Extension instances by their connection.
var liveExtensions = struct {
	m  map[*sqlite3.SQLiteConn]*Extension
	mu gosync.Mutex
}{m: make(map[*sqlite3.SQLiteConn]*Extension)}

// ForConnection returns the Extension attached to a connection, or nil.
func ForConnection(conn *sqlite3.SQLiteConn) *Extension {
	liveExtensions.mu.Lock()
	defer liveExtensions.mu.Unlock()
	return liveExtensions.m[conn]
}

// State returns the per-connection engine state observed by generated SQL.
func (e *Extension) State() *storage.DatabaseState { return e.state }

// SyncClient returns the connection's sync client.
func (e *Extension) SyncClient() *syncclient.Client { return e.client }

func (e *Extension) register(conn *sqlite3.SQLiteConn) error {
	var funcs = []struct {
		name string
		impl interface{}
		pure bool
	}{
		{"powersync_init", e.fnInit, false},
		{"powersync_test_migration", e.fnTestMigration, false},
		{"powersync_replace_schema", e.fnReplaceSchema, false},
		{"powersync_clear", e.fnClear, false},
		{"powersync_control", e.fnControl, false},
		{"powersync_client_id", e.fnClientID, false},
		{"powersync_last_synced_at", e.fnLastSyncedAt, false},
		{"powersync_tx_id", e.fnTxID, false},
		{"powersync_in_sync_operation", e.fnInSyncOperation, false},
		{"powersync_drop_view", e.fnDropView, false},
		{"powersync_drop_trigger", e.fnDropTrigger, false},
		{"powersync_diff", fnDiff, true},
		{"powersync_json_merge", fnJSONMerge, true},
		{"powersync_strip_subtype", fnStripSubtype, true},
		{"powersync_remove_duplicate_key_encoding", fnRemoveDuplicateKeyEncoding, true},
		{"uuid", fnUUID, false},
		{"zstd_decompress_text", fnZstdDecompressText, true},
	}
	for _, f := range funcs {
		if err := conn.RegisterFunc(f.name, f.impl, f.pure); err != nil {
			return errors.WithMessagef(err, "registering %s", f.name)
		}
	}

	// CRUD transaction ids are handed out once per write transaction and
	// reset on both COMMIT and ROLLBACK.
	conn.RegisterCommitHook(func() int {
		e.tx.Reset()
		return 0
	})
	conn.RegisterRollbackHook(e.tx.Reset)
	return nil
}

// autoTx wraps fn in a transaction when the connection is in autocommit
// mode; inside a host transaction it runs fn directly.
func (e *Extension) autoTx(fn func() error) error {
	if !e.db.Conn().AutoCommit() {
		return fn()
	}

	if err := e.db.Exec("BEGIN"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rollbackErr := e.db.Exec("ROLLBACK"); rollbackErr != nil {
			log.WithFields(log.Fields{"err": rollbackErr}).Error("failed to roll back")
		}
		return err
	}
	return e.db.Exec("COMMIT")
}

func (e *Extension) fnInit() (string, error) {
	var err = e.autoTx(func() error {
		return storage.Migrate(e.db, storage.LatestVersion)
	})
	return "", errors.WithMessage(err, "powersync_init")
}

func (e *Extension) fnTestMigration(targetVersion int64) (string, error) {
	var err = e.autoTx(func() error {
		return storage.Migrate(e.db, int(targetVersion))
	})
	return "", errors.WithMessage(err, "powersync_test_migration")
}

// fnReplaceSchema reconciles user tables, views and triggers with the given
// schema. This is a plain function rather than a trigger or virtual table
// write: those would hold sqlite_master locks that break the DDL it runs.
func (e *Extension) fnReplaceSchema(schemaJSON string) (string, error) {
	var parsed *schema.Schema
	var err = e.autoTx(func() error {
		var err error
		if parsed, err = schema.Parse(schemaJSON); err != nil {
			return err
		}
		if err = storage.Migrate(e.db, storage.LatestVersion); err != nil {
			return err
		}
		return schema.Replace(e.db, parsed)
	})
	if err != nil {
		return "", errors.WithMessage(err, "powersync_replace_schema")
	}
	e.schema = parsed
	return "", nil
}

func (e *Extension) fnClear(flags int64) (string, error) {
	var err = e.autoTx(func() error {
		return storage.Clear(e.db, storage.ClearFlags(flags), e.schema)
	})
	return "", errors.WithMessage(err, "powersync_clear")
}

// fnControl is the single entry point into the sync client state machine.
// It must run inside a host transaction so that all effects of one command
// commit atomically.
func (e *Extension) fnControl(op string, payload interface{}) (string, error) {
	if e.db.Conn().AutoCommit() {
		return "", errors.WithMessage(
			protocol.ConfigErrorf("must be called inside a transaction"), "powersync_control")
	}

	var data []byte
	switch p := payload.(type) {
	case nil:
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		return "", errors.WithMessage(
			protocol.ConfigErrorf("payload must be text, a blob, or null"), "powersync_control")
	}

	var instructions, err = e.client.Control(op, data)
	if err != nil {
		return "", errors.WithMessage(err, "powersync_control")
	}
	if instructions == nil {
		instructions = []protocol.Instruction{}
	}
	var encoded, marshalErr = marshalInstructions(instructions)
	if marshalErr != nil {
		return "", errors.WithMessage(marshalErr, "powersync_control")
	}
	return encoded, nil
}

func (e *Extension) fnClientID() (string, error) {
	var id, err = storage.ClientID(e.db)
	return id, errors.WithMessage(err, "powersync_client_id")
}

func (e *Extension) fnLastSyncedAt() (interface{}, error) {
	var at, err = storage.LastSyncedAt(e.db)
	if err != nil {
		return nil, errors.WithMessage(err, "powersync_last_synced_at")
	}
	if at == nil {
		return nil, nil
	}
	return *at, nil
}

func (e *Extension) fnTxID() (int64, error) {
	var id, err = e.tx.CurrentTxID(e.db)
	return id, errors.WithMessage(err, "powersync_tx_id")
}

func (e *Extension) fnInSyncOperation() int64 {
	if e.state.InSyncOperation() {
		return 1
	}
	return 0
}

func (e *Extension) fnDropView(name string) (string, error) {
	return "", errors.WithMessage(schema.DropView(e.db, name), "powersync_drop_view")
}

func (e *Extension) fnDropTrigger(name string) (string, error) {
	return "", errors.WithMessage(schema.DropTrigger(e.db, name), "powersync_drop_trigger")
}
