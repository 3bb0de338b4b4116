// Package aggregates defines domain-facing aggregate contracts and the shared
// error vocabulary every write boundary reports through.
//
// These contracts avoid persistence and transport details. They describe the
// semantic write boundaries where run lifecycle invariants are enforced atomically.
package aggregates
