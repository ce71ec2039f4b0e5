// Package incident defines the data model shared by every stage of the
// remediation pipeline: the normalized FailureEvent, knowledge Candidates,
// policy Decisions, execution results, and the append-only state machine
// that an Incident is projected from.
//
// The package has no I/O and no dependencies beyond the standard library
// so that the normalizer, engine, executor and ledger can all import it.
package incident
