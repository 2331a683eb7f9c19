// Package capability declares the three external collaborators the core
// consumes rather than implements: a columnar sample store (TableProvider),
// a super-cluster peer (PeerQuerier), and a cancellation registry. None of
// these are implemented here — the driver binary wires concrete
// implementations in; tests use in-package spies.
package capability

import (
	"context"
	"time"

	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"github.com/prometheus/prometheus/model/labels"
)

// ExecutionContext is one scan target returned by TableProvider.CreateContext:
// its own scan stats and whether the provider already pushed down every
// matcher (KeepFilters == false means the engine must re-apply matchers
// in-process).
type ExecutionContext struct {
	Schema      []string
	ScanStats   promqlvalue.ScanStats
	KeepFilters bool

	// Load streams the samples (or exemplars, if WantExemplars was set on
	// the request) visible to this execution context, already filtered to
	// the requested window and matchers when KeepFilters is true.
	Load func(ctx context.Context) (map[uint64]*promqlvalue.RangeValue, error)
}

// LoadRequest bundles the parameters TableProvider.CreateContext needs to
// plan a scan.
type LoadRequest struct {
	OrgID          string
	StreamName     string
	StartUs, EndUs int64
	Matchers       []*labels.Matcher
	LabelSelector  map[string]bool
	WantExemplars  bool

	// InlistFilter asks the provider to fetch label columns with an
	// IN-list filter instead of a BETWEEN range; PrintPlan asks it to log
	// the physical plan it builds, for operator debugging.
	InlistFilter bool
	PrintPlan    bool
}

// TableProvider is the capability the selector loader consumes in place of
// direct storage access. The physical storage layer is outside this
// module; TableProvider is the seam.
type TableProvider interface {
	CreateContext(ctx context.Context, req LoadRequest) ([]ExecutionContext, error)
}

// PeerQuerier is the super-cluster fan-out capability: a single-shot call
// per selector per query. Failure is propagated as an evaluation error.
type PeerQuerier interface {
	SelectorLoadData(ctx context.Context, q promqlvalue.QueryContext, req LoadRequest, rangeWindow time.Duration, step time.Duration) (map[uint64]*promqlvalue.RangeValue, promqlvalue.ScanStats, error)
}

// CancellationRegistry lets an external trigger abort an in-flight query by
// trace ID.
type CancellationRegistry interface {
	// InsertSender registers a cancellation channel for traceID. If
	// overwrite is false and a sender is already registered, it returns an
	// error instead of replacing it.
	InsertSender(traceID string, cancel chan struct{}, overwrite bool) error
}
