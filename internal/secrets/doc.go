// Package secrets redacts credentials from free text before it is persisted.
//
// Verification output, block reasons and auditor findings end up in task
// notes, checkpoints and published events. The Scrubber runs the gitleaks
// default rule set over that text and replaces every detected secret with a
// "[REDACTED:<rule>]" marker, keeping the rule id so operators can see what
// was removed.
package secrets
