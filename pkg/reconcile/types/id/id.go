// Package id defines identifier types shared across the reconcile packages.
package id

import "github.com/google/uuid"

// RunID uniquely identifies a reconciliation run.
type RunID = uuid.UUID

// Nil is the zero RunID.
var Nil = uuid.Nil

// New returns a fresh random RunID.
func New() RunID {
	return uuid.New()
}

// Parse parses a RunID from its canonical string form.
func Parse(s string) (RunID, error) {
	return uuid.Parse(s)
}
