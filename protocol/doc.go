// Package protocol defines the wire-level shapes of the PowerSync sync
// protocol: the lines received from the sync service, the instructions the
// engine returns to the host SDK, and the small value types (checksums,
// op-ids, bucket priorities) shared by both.
//
// Lines arrive in one of two encodings carrying identical field semantics:
// JSON text (the `line_text` control command) and BSON (`line_binary`).
// ParseLine and ParseBinaryLine decode either into the same SyncLine value.
// The one exception is stream_error, which is only decoded from JSON lines; a
// BSON line carrying it decodes as an unknown line.
//
// The package also defines the Error taxonomy used across the engine. Errors
// of kind KindProtocol abort the current control invocation without
// committing state; KindChecksumMismatch is the only kind that is recoverable
// across a session boundary.
package protocol
