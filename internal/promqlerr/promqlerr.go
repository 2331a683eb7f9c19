// Package promqlerr defines the typed errors the query engine reports. The
// evaluator surfaces every error immediately and cancels outstanding work;
// there is no local recovery inside a single query.
package promqlerr

import "fmt"

// Kind identifies one of the query-engine error kinds.
type Kind int

const (
	// KindPlan covers a malformed expression: or_matchers present, a
	// quantile/topk parameter that isn't numeric, an invalid label_replace
	// destination, an unsupported extension node, histogram arity
	// mismatch.
	KindPlan Kind = iota
	// KindExecution is a task error propagated from the worker pool.
	KindExecution
	// KindTimeout means the query exceeded its configured timeout.
	KindTimeout
	// KindCancelled means an external trigger aborted the query.
	KindCancelled
	// KindProvider means TableProvider.CreateContext or the physical plan
	// it returned failed.
	KindProvider
	// KindSuperCluster means the peer channel closed or the peer returned
	// an error. There is no partial-result mode in the core.
	KindSuperCluster
)

func (k Kind) String() string {
	switch k {
	case KindPlan:
		return "plan"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindProvider:
		return "provider"
	case KindSuperCluster:
		return "super_cluster"
	default:
		return "unknown"
	}
}

// Error is a typed promql evaluation error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Plan and the constructors below are shorthand for the common kinds.
func Plan(format string, args ...interface{}) *Error {
	return New(KindPlan, fmt.Sprintf(format, args...))
}

func Timeout(msg string) *Error { return New(KindTimeout, msg) }

func Cancelled(msg string) *Error { return New(KindCancelled, msg) }

func Provider(err error) *Error { return Wrap(KindProvider, "table provider failed", err) }

func SuperCluster(err error) *Error { return Wrap(KindSuperCluster, "peer query failed", err) }

func Execution(err error) *Error { return Wrap(KindExecution, "task failed", err) }
