// Package hostdb is the narrow adapter between the sync engine and the host
// SQLite connection it runs inside.
//
// The engine's user-defined functions execute while the host connection is
// live, so all SQL runs directly against the raw *sqlite3.SQLiteConn rather
// than through database/sql. DB wraps that connection with Exec / Query
// helpers, argument normalization, and the BUSY / internal error mapping
// required by the engine's error taxonomy: a SQLITE_BUSY from the host is
// surfaced unchanged so the caller can retry the whole command in a fresh
// transaction, and any other host error is wrapped with its description
// attached.
package hostdb
