// Package aggregates contains the write boundaries of the run lifecycle.
//
// Implementations here compose table-level repos from internal/data/repos and
// own transaction boundaries for invariant-critical writes. The run status
// transition is the single choke point every writer (API, event ingestion,
// reconciliation) goes through.
package aggregates
