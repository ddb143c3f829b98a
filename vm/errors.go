package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error tiers
// ---------------------------------------------------------------------------
//
// Language errors are heap values raised inside a process and unwound to
// the nearest error block of that process. Resource exhaustion and
// scheduler faults are FatalErrors: they stop the whole runtime.

// ErrHeapExhausted is reported when the heap cannot grow any further.
var ErrHeapExhausted = errors.New("heap exhausted")

// ErrDeadlock is reported when processes wait on locks nobody can release.
var ErrDeadlock = errors.New("lock wait with no possible waker")

// ErrStuck is reported when the root process is alive but nothing can
// ever wake it.
var ErrStuck = errors.New("root process can never be woken")

// FatalKind classifies fatal errors.
type FatalKind int

const (
	FatalHeap      FatalKind = iota // resource exhaustion
	FatalScheduler                  // scheduler-detected fault
	FatalInternal                   // broken runtime invariant
)

func (k FatalKind) String() string {
	switch k {
	case FatalHeap:
		return "heap"
	case FatalScheduler:
		return "scheduler"
	default:
		return "internal"
	}
}

// FatalError terminates the whole runtime.
type FatalError struct {
	Kind FatalKind
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// faultf panics with an internal FatalError. It is used for invariant
// violations such as tag mismatches in typed accessors.
func faultf(format string, args ...any) {
	panic(&FatalError{Kind: FatalInternal, Err: fmt.Errorf(format, args...)})
}

// LangError describes a language-level error that terminated a process
// because no error block was installed.
type LangError struct {
	PID   uint64
	Value string // formatted error value
}

func (e *LangError) Error() string {
	return fmt.Sprintf("process %d terminated by error %s", e.PID, e.Value)
}

// Well-known error kinds raised by the runtime itself.
const (
	errBadArg         = "badarg"
	errNotCallable    = "not-callable"
	errArity          = "arity"
	errStackOverflow  = "stack-overflow"
	errQuotaExhausted = "quota-exhausted"
	errNotOwner       = "not-owner"
	errPrivilege      = "privilege"
	errBadOpcode      = "bad-opcode"
	errAlreadyBound   = "already-bound"
	errNoEscape       = "no-escape"
	errOutOfSpace     = "out-of-space"
)
