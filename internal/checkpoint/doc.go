// Package checkpoint defines the append-only completion ledger.
//
// A Checkpoint is written exactly once per task that reaches done. The latest
// checkpoint is the authoritative resume point; the full history is an event
// log that Replay folds back into a completion order.
package checkpoint
