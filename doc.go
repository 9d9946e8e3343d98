// Package core is the client-side PowerSync engine for SQLite databases.
//
// The engine runs entirely inside a host SQLite connection: it registers a
// set of user-defined functions (see package extension) through which a
// client SDK drives a sync session, and it keeps all durable state in ps_*
// tables of the host database. Sub-packages divide the work:
//
//   - protocol defines the wire shapes of the sync stream (checkpoints,
//     data lines, instructions) with JSON and BSON codecs.
//   - hostdb is the narrow adapter over a raw SQLite connection.
//   - storage owns the internal tables: migrations, the operation log,
//     checkpoint validation, and the sync_local materializer.
//   - schema turns a user-provided schema into data tables, views and
//     CRUD-capturing triggers.
//   - sync implements the streaming sync client state machine.
//
// See cmd/powersync-shell for a small operator tool built on the engine.
package core
