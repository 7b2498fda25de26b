// Package audit is the append-only record of every attempted action.
//
// Log.Append never fails the caller: a persistence failure is logged at
// error level and counted, and the request carries on. Records are
// immutable once written and Query returns them most recent first.
//
// Two stores are provided. SQLiteStore is the durable one and owns the
// on-disk schema (table audit_records); MemoryStore keeps records in
// process memory for development and tests.
package audit
