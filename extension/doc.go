// Package extension embeds the sync engine into SQLite connections.
//
// Registering the driver (or installing Connect as a ConnectHook on a custom
// go-sqlite3 driver) attaches one Extension instance to every new
// connection. The instance registers the engine's user-defined functions —
// powersync_init, powersync_replace_schema, powersync_control and the
// helpers generated SQL relies on — plus the commit and rollback hooks that
// reset per-transaction CRUD state.
//
//	db, err := sql.Open(extension.DriverName, "file:app.db")
//	...
//	_, err = db.Exec(`SELECT powersync_init()`)
package extension
