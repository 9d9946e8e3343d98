// Package sync implements the streaming sync client: a state machine that
// consumes lines from the sync service, maintains checkpoint and download
// state, persists operations through package storage, and emits instructions
// for the host SDK (connect, close, log, status updates).
//
// A Client is either idle or running one iteration. Every control command is
// handled to completion inside the host's write transaction; the state
// machine applies in-memory transitions only after the corresponding
// database writes succeeded, so a command failing with BUSY can be retried
// in a fresh transaction without desynchronizing in-memory state.
package sync
