// Package orchestrator is the only writer of the task graph for external
// requests.
//
// # Overview
//
// Every request enters through an Orchestrator method and is checked, in
// order, against dependency satisfaction, the decomposition threshold and
// the declared deliverable before a task starts, and against the
// verification gate before it completes. A completion commits the done
// write and its checkpoint together, so the ledger holds exactly one
// checkpoint per done task.
//
// # Concurrency
//
// Task writes are compare-and-swap on version. Two callers leasing the same
// task race to one commit; the loser observes the lease and gets
// task.ErrLeaseHeld. Completions are serialized so checkpoint order is the
// order tasks reached done.
//
// # Recovery
//
// Resume compares what the caller believes was last completed with the
// ledger head. A mismatch is reported as a *Discontinuity and the returned
// Snapshot is rebuilt from the store alone.
package orchestrator
