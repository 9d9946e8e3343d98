// Package storage owns the engine's internal tables.
//
// It applies schema migrations between versions of the ps_* tables (both
// forward and backward, with down-migration scripts recorded alongside each
// version), persists downloaded operations into the bucket operation log,
// validates checkpoint checksums, and materializes downloaded state into
// user tables via SyncLocal.
//
// All functions operate on a borrowed hostdb.DB and assume the host has an
// open write transaction; nothing here begins or commits transactions.
package storage
