// Package errs defines the typed error kinds the replication core surfaces
// to callers, per the error-handling contract of the merge engine.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry.
type Kind int

const (
	// KindUnsupported means a table is not CRR-compatible.
	KindUnsupported Kind = iota + 1
	// KindUnknownTable means an incoming change named a table the Table
	// Info Cache has no record of.
	KindUnknownTable
	// KindMalformed means a pk_blob or value encoding failed to parse.
	KindMalformed
	// KindSchema means the Table Info Cache could not be loaded.
	KindSchema
	// KindIORetry means the host engine reported a transient busy/locked
	// condition; safe to retry.
	KindIORetry
	// KindIOFatal means the host engine returned a non-recoverable code.
	KindIOFatal
	// KindInvariant means an internal invariant check failed; the caller
	// must abort the transaction rather than retry.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindUnsupported:
		return "UNSUPPORTED"
	case KindUnknownTable:
		return "UNKNOWN_TABLE"
	case KindMalformed:
		return "MALFORMED"
	case KindSchema:
		return "SCHEMA"
	case KindIORetry:
		return "IO_RETRY"
	case KindIOFatal:
		return "IO_FATAL"
	case KindInvariant:
		return "INVARIANT"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type every KIND/* failure is wrapped in.
type Error struct {
	Kind  Kind
	Op    string // the operation that failed, e.g. "as_crr", "changes.write"
	Table string // table name, when applicable
	Err   error  // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("crsql: %s(%s): %s: %v", e.Op, e.Table, e.Kind, e.Err)
	}
	return fmt.Sprintf("crsql: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error.
func New(kind Kind, op, table string, err error) *Error {
	return &Error{Kind: kind, Op: op, Table: table, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the caller should retry the operation.
func Retryable(err error) bool {
	return Is(err, KindIORetry)
}
