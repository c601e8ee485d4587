// Package errkind classifies runtime errors the way the scheduler and
// drivers need to react to them: by kind, not by type assertion chains.
package errkind

import "fmt"

// Kind is a closed set of error categories. New kinds are never added at
// runtime; they mirror the five error kinds the runtime distinguishes.
type Kind string

const (
	InvalidConfig Kind = "invalid_config"
	ControlError  Kind = "control_error"
	IoDriver      Kind = "io_driver"
	ThreadSpawn   Kind = "thread_spawn"
	Execution     Kind = "execution"
)

// Diagnostic further tags an Execution-kind error with the specific
// per-instruction failure mode, so fault policy can log or route on it.
type Diagnostic string

const (
	DiagRange        Diagnostic = "range"
	DiagOverflow     Diagnostic = "overflow"
	DiagDivideByZero Diagnostic = "divide_by_zero"
	DiagConversion   Diagnostic = "conversion"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, so callers can branch on Kind without string matching.
type Error struct {
	Kind       Kind
	Op         string
	Diagnostic Diagnostic
	Err        error
}

func (e *Error) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Diagnostic, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name. Returns nil if err
// is nil, so it composes with the `if err := f(); err != nil` idiom.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewExecution wraps err as an Execution-kind diagnostic.
func NewExecution(op string, diag Diagnostic, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Execution, Op: op, Diagnostic: diag, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
