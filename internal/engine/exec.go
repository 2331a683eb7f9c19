package engine

import (
	"context"
	"time"

	"code.cloudfoundry.org/metric-query/internal/promqlerr"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"code.cloudfoundry.org/metric-query/internal/rewrite"
	"code.cloudfoundry.org/metric-query/internal/selector"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"
	"golang.org/x/sync/errgroup"
)

// withCancellation registers traceID with the cancellation registry (when
// one is wired) and returns a context that is cancelled if the registered
// channel fires. The returned release func must be deferred; it also
// reaps the watcher goroutine.
func (e *Evaluator) withCancellation(ctx context.Context, traceID string) (context.Context, context.CancelFunc) {
	if e.Cancel == nil || traceID == "" {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	trip := make(chan struct{})
	if err := e.Cancel.InsertSender(traceID, trip, true); err != nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-trip:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Statement bundles the parameters one query execution takes: the
// unparsed expression text and the instant-or-range window it runs over.
// Start == End means an instant query.
type Statement struct {
	Expr            string
	StartUs         int64
	EndUs           int64
	IntervalUs      int64
	LookbackDeltaUs int64
}

// Result is Exec's return value: the shaped, sorted Value, its inferred
// result-type string ("matrix" | "vector" | "scalar" | "string" |
// "exemplars"), and the scan statistics accumulated while evaluating
// it. On error, ScanStats still reflects whatever was accumulated before
// the failure; Value is undefined in that case.
type Result struct {
	Value      promqlvalue.Value
	ResultType string
	ScanStats  promqlvalue.ScanStats
}

// Exec is the engine's principal operation: parse stmt.Expr, strip
// dashboard-placeholder matchers, recursively evaluate, and shape the
// result for the caller.
func (e *Evaluator) Exec(ctx context.Context, query promqlvalue.QueryContext, labelSelector map[string]bool, stmt Statement) (Result, error) {
	expr, err := parser.ParseExpr(stmt.Expr)
	if err != nil {
		return Result{}, promqlerr.Plan("parse error: %v", err)
	}
	if err := rewrite.Apply(expr, e.Placeholder); err != nil {
		return Result{}, promqlerr.Wrap(promqlerr.KindPlan, "rewrite", err)
	}

	qctx := &promqlvalue.PromqlContext{
		Query:           query,
		LabelSelector:   labelSelector,
		StartUs:         stmt.StartUs,
		EndUs:           stmt.EndUs,
		IntervalUs:      stmt.IntervalUs,
		LookbackDeltaUs: stmt.LookbackDeltaUs,
	}
	evalCtx := promqlvalue.EvalContext{
		StartUs: stmt.StartUs,
		EndUs:   stmt.EndUs,
		StepUs:  stmt.IntervalUs,
		TraceID: query.TraceID,
	}

	ctx, release := e.withCancellation(ctx, query.TraceID)
	defer release()

	val, err := e.Eval(ctx, qctx, evalCtx, expr)
	if err != nil {
		e.logf("query failed: trace_id=%s err=%v", query.TraceID, err)
		return Result{ScanStats: qctx.ScanStats()}, err
	}

	shaped, resultType := shapeResult(val, evalCtx)
	shaped = promqlvalue.SortBySignature(shaped)
	return Result{Value: shaped, ResultType: resultType, ScanStats: qctx.ScanStats()}, nil
}

// shapeResult is the top-level result shaping: for an instant query, a
// Matrix collapses to a Vector, a Float becomes a
// Sample at the query end timestamp, and None/String pass through. For a
// range query, a bare Float is replicated across every evaluation
// timestamp into a single-series Matrix.
func shapeResult(v promqlvalue.Value, evalCtx promqlvalue.EvalContext) (promqlvalue.Value, string) {
	if evalCtx.IsInstant() {
		switch v.Kind {
		case promqlvalue.KindFloat:
			return promqlvalue.Value{Kind: promqlvalue.KindSample, Sample: promqlvalue.Sample{TimestampUs: evalCtx.EndUs, Value: v.Float}}, "scalar"
		case promqlvalue.KindString:
			return v, "string"
		case promqlvalue.KindMatrix:
			return ToVector(v), "vector"
		case promqlvalue.KindVector:
			return v, "vector"
		default:
			return promqlvalue.None, "vector"
		}
	}

	switch v.Kind {
	case promqlvalue.KindFloat:
		return ReplicateScalar(v.Float, evalCtx), "matrix"
	case promqlvalue.KindMatrix:
		return v, "matrix"
	default:
		return promqlvalue.None, "matrix"
	}
}

// QueryExemplars walks stmt.Expr collecting every vector/matrix selector
// (regardless of nesting under calls or aggregations), evaluates each in
// isolation with start == end and WantExemplars set, and merges the
// resulting exemplars by series hash into a single matrix with
// result-type "exemplars".
func (e *Evaluator) QueryExemplars(ctx context.Context, query promqlvalue.QueryContext, labelSelector map[string]bool, stmt Statement) (Result, error) {
	expr, err := parser.ParseExpr(stmt.Expr)
	if err != nil {
		return Result{}, promqlerr.Plan("parse error: %v", err)
	}
	if err := rewrite.Apply(expr, e.Placeholder); err != nil {
		return Result{}, promqlerr.Wrap(promqlerr.KindPlan, "rewrite", err)
	}

	qctx := &promqlvalue.PromqlContext{
		Query:           query,
		LabelSelector:   labelSelector,
		StartUs:         stmt.StartUs,
		EndUs:           stmt.StartUs,
		LookbackDeltaUs: stmt.LookbackDeltaUs,
	}

	ctx, release := e.withCancellation(ctx, query.TraceID)
	defer release()

	sels := collectSelectors(expr)
	loaded := make([]map[uint64]*promqlvalue.RangeValue, len(sels))

	g, gctx := errgroup.WithContext(ctx)
	if e.CPUNum > 0 {
		g.SetLimit(e.CPUNum)
	}
	for i, sel := range sels {
		i, sel := i, sel
		g.Go(func() error {
			name := ""
			matchers := make([]*labels.Matcher, 0, len(sel.vs.LabelMatchers))
			for _, m := range sel.vs.LabelMatchers {
				if m.Name == labels.MetricName {
					name = m.Value
				}
				matchers = append(matchers, m)
			}

			req := selector.Request{
				Name:          name,
				Matchers:      matchers,
				OffsetUs:      sel.vs.OriginalOffset.Microseconds(),
				RangeUs:       int64(sel.rangeDur / 1000),
				WantExemplars: true,
			}

			raw, err := e.Selector.Load(gctx, qctx, req)
			if err != nil {
				return err
			}
			loaded[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{ScanStats: qctx.ScanStats()}, err
	}

	merged := map[uint64]*promqlvalue.RangeValue{}
	var order []uint64

	for _, raw := range loaded {
		for hash, rv := range raw {
			if len(rv.Exemplars) == 0 {
				continue
			}
			existing, ok := merged[hash]
			if !ok {
				cp := promqlvalue.RangeValue{
					Labels:    rv.Labels,
					Exemplars: append([]promqlvalue.Exemplar(nil), rv.Exemplars...),
				}
				merged[hash] = &cp
				order = append(order, hash)
				continue
			}
			existing.Exemplars = append(existing.Exemplars, rv.Exemplars...)
		}
	}

	out := make([]promqlvalue.RangeValue, 0, len(order))
	for _, hash := range order {
		rv := merged[hash]
		rv.SortExemplars()
		out = append(out, *rv)
	}

	val := promqlvalue.SortBySignature(promqlvalue.NewMatrix(out))
	return Result{Value: val, ResultType: "exemplars", ScanStats: qctx.ScanStats()}, nil
}

// selectorNode is one selector found by collectSelectors: its
// VectorSelector (matrix selectors embed one) and the range duration, zero
// for a bare vector selector.
type selectorNode struct {
	vs       *parser.VectorSelector
	rangeDur time.Duration
}

func collectSelectors(expr parser.Expr) []selectorNode {
	var out []selectorNode
	_ = parser.Walk(selectorCollector(func(n selectorNode) { out = append(out, n) }), expr, nil)
	return out
}

type selectorCollector func(selectorNode)

func (f selectorCollector) Visit(node parser.Node, _ []parser.Node) (parser.Visitor, error) {
	switch n := node.(type) {
	case *parser.VectorSelector:
		f(selectorNode{vs: n})
		return nil, nil
	case *parser.MatrixSelector:
		// Don't descend into the embedded VectorSelector: it would be
		// recorded a second time, as a bare vector selector with no range.
		if vs, ok := n.VectorSelector.(*parser.VectorSelector); ok {
			f(selectorNode{vs: vs, rangeDur: n.Range})
		}
		return nil, nil
	}
	return f, nil
}
