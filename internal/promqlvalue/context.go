package promqlvalue

import "sync"

// QueryContext is the immutable per-query bundle carried through evaluation:
// identity, feature flags, and the super-cluster topology for this query.
type QueryContext struct {
	TraceID         string
	OrgID           string
	QueryExemplars  bool
	QueryData       bool
	NeedWAL         bool
	UseCache        bool
	TimeoutSecs     uint64
	SearchEventType string
	Regions         []string
	Clusters        []string
	IsSuperCluster  bool
}

// EvalContext carries the evaluation window: start, end, step, and the
// trace ID the cancellation registry keys on.
type EvalContext struct {
	StartUs int64
	EndUs   int64
	StepUs  int64
	TraceID string
}

// IsInstant reports whether this is a single-point evaluation.
func (e EvalContext) IsInstant() bool {
	return e.StartUs == e.EndUs
}

// Timestamps yields the inclusive arithmetic sequence start, start+step,
// ..., end. For instant queries this is the single value start. StepUs <= 0
// is treated as a single-point (instant) sequence to avoid an infinite
// loop on malformed input.
func (e EvalContext) Timestamps() []int64 {
	if e.IsInstant() || e.StepUs <= 0 {
		return []int64{e.StartUs}
	}
	n := (e.EndUs-e.StartUs)/e.StepUs + 1
	out := make([]int64, 0, n)
	for t := e.StartUs; t <= e.EndUs; t += e.StepUs {
		out = append(out, t)
	}
	return out
}

// PromqlContext is the shared, read-mostly state threaded through one
// query execution. The table-provider capability is not carried here —
// internal/capability depends on this package for the types its methods
// return, so engine/selector hold the concrete provider directly instead.
// ScanStats is the only interior-mutable field, guarded by a lock (the
// loader holds the write lock only long enough to add a delta).
type PromqlContext struct {
	Query            QueryContext
	LabelSelector    map[string]bool
	StartUs          int64
	EndUs            int64
	IntervalUs       int64
	LookbackDeltaUs  int64

	mu        sync.Mutex
	scanStats ScanStats
}

// AddScanStats merges delta into the shared accumulator under lock.
func (c *PromqlContext) AddScanStats(delta ScanStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanStats.Add(delta)
}

// ScanStats returns a copy of the accumulated scan stats.
func (c *PromqlContext) ScanStats() ScanStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanStats
}
