package api

import (
	"context"
	"errors"
	"fmt"
)

// FaultKind classifies why a sub-operation or stage failed. Executors map raw
// collaborator errors onto this taxonomy before anything reaches the
// orchestrator; the orchestrator only ever looks at the kind plus the attempt
// count, never at raw error detail.
type FaultKind string

const (
	// FaultTimeout means a sub-operation exceeded its deadline.
	FaultTimeout FaultKind = "timeout"
	// FaultTransient is a network or service error expected to clear.
	FaultTransient FaultKind = "transient"
	// FaultRateLimited is a throttling response; retried with a longer
	// backoff than generic transient failures.
	FaultRateLimited FaultKind = "rate_limited"
	// FaultNotFound means the referenced input does not exist.
	FaultNotFound FaultKind = "not_found"
	// FaultValidation means the input is fundamentally unprocessable.
	FaultValidation FaultKind = "validation"
)

// Retryable reports whether a fault of this kind is worth another stage
// attempt. NotFound and validation faults are terminal immediately.
func (k FaultKind) Retryable() bool {
	switch k {
	case FaultTimeout, FaultTransient, FaultRateLimited:
		return true
	}
	return false
}

// Fault is a classified error. Op names the sub-operation that failed
// (e.g. "download", "extract").
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with a classification.
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Classify maps an arbitrary error onto the fault taxonomy. Already-classified
// faults keep their kind; context deadline expiry becomes a timeout; anything
// else is assumed transient.
func Classify(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultTimeout
	}
	return FaultTransient
}
