// Package giterrors defines the shared error taxonomy used across the
// object database, reference store, and protocol engine (spec §7). Every
// package-level error returned from this module wraps one of these
// sentinels so callers can dispatch on errors.Is regardless of which
// component produced the error.
//
// The pairing of a plain sentinel with a structured *Error type carrying
// context follows the teacher's own idiom (errors.go's
// ErrObjectNotFound/ObjectNotFoundError).
package giterrors

import "errors"

var (
	// ErrIO is an underlying filesystem or network failure.
	ErrIO = errors.New("io error")
	// ErrCorrupt is returned when stored data fails an integrity check
	// (hash, trailer, delta chain depth).
	ErrCorrupt = errors.New("corrupt data")
	// ErrNotFound is returned when an OID or ref is absent.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when an abbreviated OID matches more than
	// one candidate.
	ErrAmbiguous = errors.New("ambiguous")
	// ErrStalePrecondition is returned when a ref CAS precondition does
	// not match the currently resolved value.
	ErrStalePrecondition = errors.New("stale precondition")
	// ErrContended is returned when a lockfile is already held.
	ErrContended = errors.New("lock contended")
	// ErrProtocolViolation is returned when a peer sends a disallowed
	// protocol sequence.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrHookRejected is returned when a hook exits non-zero.
	ErrHookRejected = errors.New("hook rejected")
	// ErrPartialCommit is returned in non-atomic mode when a transaction
	// fails partway through.
	ErrPartialCommit = errors.New("partial commit")
	// ErrCancelled is returned when a task is cancelled.
	ErrCancelled = errors.New("cancelled")
)
