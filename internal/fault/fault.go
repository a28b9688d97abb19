// Package fault defines the error taxonomy shared across the agent pipeline.
// Components wrap their failures in one of these kinds so the orchestrator
// can decide, at its boundary, what is retryable and what is terminal.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindTransient marks a temporarily unavailable upstream (model or
	// sandbox). Eligible for a bounded retry.
	KindTransient Kind = iota
	// KindValidation marks malformed input (bad path, empty payload).
	// Never retried.
	KindValidation
	// KindConflict marks a lost concurrent version-write race. The
	// version append may be retried, not the whole pipeline.
	KindConflict
	// KindPersistence marks a storage write failure after upstream work
	// already succeeded. The generated content must not be lost silently.
	KindPersistence
	// KindSandboxCrash marks a dead sandbox session. Terminal for that
	// session; requires reinitialization.
	KindSandboxCrash
	// KindBusy marks a sandbox that already has a command in flight.
	// Retryable by the caller after the current command completes.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindPersistence:
		return "persistence"
	case KindSandboxCrash:
		return "sandbox_crash"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string // component operation, e.g. "project.Create"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or ok=false when err carries
// no *Error in its chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the failure is worth one more attempt at the
// same level: transient upstreams and busy sandboxes are, everything else
// (and unclassified errors) is not.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindTransient || k == KindBusy
}
