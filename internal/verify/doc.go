// Package verify decides whether a task's evidence proves it complete.
//
// The Gate is a pure function of a task's verification spec and the evidence
// offered for it: the same pair always yields the same Verdict. Fail verdicts
// carry a machine-readable Code and a human Reason that the orchestrator
// records verbatim in the task's notes.
//
// Producing evidence is a separate concern. A Checker runs whatever the task
// specifies (CommandChecker shells out) and is cancelled through its context.
package verify
