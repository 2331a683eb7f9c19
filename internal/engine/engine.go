// Package engine implements the recursive PromQL evaluator: it walks a
// parser.Expr AST and produces a promqlvalue.Value at every node,
// delegating selector loads to internal/selector, binary-operator math to
// internal/binaries, aggregation folds to internal/aggregations, and the
// function library to internal/functions. Every node works on the same
// Matrix-wide Value shape internal/selector and internal/aggregations
// already use; a Matrix only collapses into a Vector at the top-level
// instant-query conversion, never mid-evaluation.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"code.cloudfoundry.org/metric-query/internal/aggregations"
	"code.cloudfoundry.org/metric-query/internal/binaries"
	"code.cloudfoundry.org/metric-query/internal/capability"
	"code.cloudfoundry.org/metric-query/internal/promqlerr"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"code.cloudfoundry.org/metric-query/internal/rewrite"
	"code.cloudfoundry.org/metric-query/internal/selector"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"
)

// Evaluator holds the capabilities an evaluation needs: the selector
// loader, the dashboard placeholder string the rewriter strips before
// every selector load, an optional cancellation registry, and the
// semaphore size for the exemplar walk.
type Evaluator struct {
	Selector    *selector.Loader
	Placeholder string

	// Log receives terse per-query failure diagnostics. Nil means silent.
	Log *log.Logger

	// Cancel, when non-nil, lets an external trigger abort a query by its
	// trace ID mid-flight.
	Cancel capability.CancellationRegistry

	// CPUNum bounds how many selectors QueryExemplars evaluates
	// concurrently. Zero or negative means unbounded.
	CPUNum int
}

func (e *Evaluator) logf(format string, args ...interface{}) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// Eval walks expr and returns the Value it produces. qctx carries
// per-query identity/feature flags and the shared scan-stats accumulator;
// evalCtx carries the window and step this evaluation runs over.
func (e *Evaluator) Eval(ctx context.Context, qctx *promqlvalue.PromqlContext, evalCtx promqlvalue.EvalContext, expr parser.Expr) (promqlvalue.Value, error) {
	select {
	case <-ctx.Done():
		return promqlvalue.None, promqlerr.Cancelled(fmt.Sprintf("evaluation cancelled: %v", ctx.Err()))
	default:
	}

	switch n := expr.(type) {
	case *parser.NumberLiteral:
		return promqlvalue.NewFloat(n.Val), nil

	case *parser.StringLiteral:
		return promqlvalue.NewString(n.Val), nil

	case *parser.ParenExpr:
		return e.Eval(ctx, qctx, evalCtx, n.Expr)

	case *parser.UnaryExpr:
		return e.evalUnary(ctx, qctx, evalCtx, n)

	case *parser.BinaryExpr:
		return e.evalBinary(ctx, qctx, evalCtx, n)

	case *parser.SubqueryExpr:
		return e.evalSubquery(ctx, qctx, evalCtx, n)

	case *parser.AggregateExpr:
		return e.evalAggregate(ctx, qctx, evalCtx, n)

	case *parser.VectorSelector:
		return e.evalVectorSelector(ctx, qctx, evalCtx, n, 0)

	case *parser.MatrixSelector:
		vs, ok := n.VectorSelector.(*parser.VectorSelector)
		if !ok {
			return promqlvalue.None, promqlerr.Plan("matrix selector: unexpected child node type")
		}
		return e.evalVectorSelector(ctx, qctx, evalCtx, vs, n.Range)

	case *parser.Call:
		return e.evalCall(ctx, qctx, evalCtx, n)

	default:
		return promqlvalue.None, promqlerr.Plan("unsupported expression node: %T", expr)
	}
}

func (e *Evaluator) evalUnary(ctx context.Context, qctx *promqlvalue.PromqlContext, evalCtx promqlvalue.EvalContext, n *parser.UnaryExpr) (promqlvalue.Value, error) {
	val, err := e.Eval(ctx, qctx, evalCtx, n.Expr)
	if err != nil {
		return promqlvalue.None, err
	}
	switch val.Kind {
	case promqlvalue.KindFloat:
		return promqlvalue.NewFloat(-val.Float), nil
	case promqlvalue.KindMatrix:
		out := make([]promqlvalue.RangeValue, len(val.Matrix))
		for i, rv := range val.Matrix {
			samples := make([]promqlvalue.Sample, len(rv.Samples))
			for j, s := range rv.Samples {
				samples[j] = promqlvalue.Sample{TimestampUs: s.TimestampUs, Value: -s.Value}
			}
			out[i] = promqlvalue.RangeValue{Labels: rv.Labels.WithoutMetricName(), Samples: samples, TimeWindow: rv.TimeWindow}
		}
		return promqlvalue.NewMatrix(out), nil
	case promqlvalue.KindNone:
		return promqlvalue.None, nil
	default:
		return promqlvalue.None, promqlerr.Plan("unary minus: unsupported operand %s", val.Kind)
	}
}

func (e *Evaluator) evalSubquery(ctx context.Context, qctx *promqlvalue.PromqlContext, evalCtx promqlvalue.EvalContext, n *parser.SubqueryExpr) (promqlvalue.Value, error) {
	val, err := e.Eval(ctx, qctx, evalCtx, n.Expr)
	if err != nil {
		return promqlvalue.None, err
	}
	if val.Kind == promqlvalue.KindNone {
		return promqlvalue.None, nil
	}
	if val.Kind != promqlvalue.KindMatrix {
		return promqlvalue.None, promqlerr.Plan("subquery: expected matrix-producing child, got %s", val.Kind)
	}
	tw := &promqlvalue.TimeWindow{Range: n.Range, Offset: n.OriginalOffset}
	out := make([]promqlvalue.RangeValue, len(val.Matrix))
	for i, rv := range val.Matrix {
		out[i] = promqlvalue.RangeValue{Labels: rv.Labels, Samples: rv.Samples, Exemplars: rv.Exemplars, TimeWindow: tw}
	}
	return promqlvalue.NewMatrix(out), nil
}

func (e *Evaluator) evalVectorSelector(ctx context.Context, qctx *promqlvalue.PromqlContext, evalCtx promqlvalue.EvalContext, vs *parser.VectorSelector, rangeDur time.Duration) (promqlvalue.Value, error) {
	rewrite.RemoveFilterAll(vs, e.Placeholder)

	name := ""
	matchers := make([]*labels.Matcher, 0, len(vs.LabelMatchers))
	for _, m := range vs.LabelMatchers {
		if m.Name == labels.MetricName {
			name = m.Value
		}
		matchers = append(matchers, m)
	}

	req := selector.Request{
		Name:     name,
		Matchers: matchers,
		OffsetUs: vs.OriginalOffset.Microseconds(),
		RangeUs:  int64(rangeDur / 1000),
	}
	if vs.Timestamp != nil {
		atUs := *vs.Timestamp * 1000
		req.AtUs = &atUs
	}

	raw, err := e.Selector.Load(ctx, qctx, req)
	if err != nil {
		return promqlvalue.None, err
	}

	if rangeDur > 0 {
		return selector.ShapeMatrix(raw, req.RangeUs, req.OffsetUs), nil
	}
	return selector.ShapeVector(raw, evalCtx, req.OffsetUs, qctx.LookbackDeltaUs), nil
}

// evalBinary evaluates both operands, normalizes degenerate single-series,
// single-sample matrices to scalars, and
// dispatches on the resulting Kind pair. Matrix/Matrix and Matrix/Float
// operations are stepped one evaluation timestamp at a time (stepBinary),
// since internal/binaries' VectorVector/VectorScalar operate on a single
// instant's worth of series.
func (e *Evaluator) evalBinary(ctx context.Context, qctx *promqlvalue.PromqlContext, evalCtx promqlvalue.EvalContext, n *parser.BinaryExpr) (promqlvalue.Value, error) {
	lhs, err := e.Eval(ctx, qctx, evalCtx, n.LHS)
	if err != nil {
		return promqlvalue.None, err
	}
	rhs, err := e.Eval(ctx, qctx, evalCtx, n.RHS)
	if err != nil {
		return promqlvalue.None, err
	}

	lf, lIsScalar := lhs.AsScalar()
	rf, rIsScalar := rhs.AsScalar()

	switch {
	case lIsScalar && rIsScalar:
		return binaries.ScalarScalar(n, lf, rf)
	case lhs.Kind == promqlvalue.KindMatrix && rIsScalar:
		return stepBinaryScalar(n, lhs.Matrix, rf, false)
	case lIsScalar && rhs.Kind == promqlvalue.KindMatrix:
		return stepBinaryScalar(n, rhs.Matrix, lf, true)
	case lhs.Kind == promqlvalue.KindMatrix && rhs.Kind == promqlvalue.KindMatrix:
		return stepBinaryVector(n, lhs.Matrix, rhs.Matrix)
	case lhs.Kind == promqlvalue.KindNone && rhs.Kind == promqlvalue.KindNone:
		return promqlvalue.None, nil
	default:
		return promqlvalue.NewMatrix(nil), nil
	}
}

// stepBinaryScalar applies binaries.VectorScalar independently at every
// timestamp present across matrix, reassembling one RangeValue per input
// series (a series with no surviving sample at any timestamp is dropped).
func stepBinaryScalar(expr *parser.BinaryExpr, matrix []promqlvalue.RangeValue, scalar float64, swapped bool) (promqlvalue.Value, error) {
	byTimestamp := groupByTimestamp(matrix)
	results := make(map[uint64]*promqlvalue.RangeValue)
	var order []uint64

	timestamps := sortedKeys(byTimestamp)
	for _, ts := range timestamps {
		vec, err := binaries.VectorScalar(expr, byTimestamp[ts], scalar, swapped)
		if err != nil {
			return promqlvalue.None, err
		}
		for _, iv := range vec.Vector {
			sig := iv.Labels.Signature()
			rv, ok := results[sig]
			if !ok {
				rv = &promqlvalue.RangeValue{Labels: iv.Labels}
				results[sig] = rv
				order = append(order, sig)
			}
			rv.Samples = append(rv.Samples, promqlvalue.Sample{TimestampUs: ts, Value: iv.Sample.Value})
		}
	}
	return assembleMatrix(results, order), nil
}

// stepBinaryVector applies binaries.VectorVector independently at every
// timestamp present in either operand.
func stepBinaryVector(expr *parser.BinaryExpr, lhs, rhs []promqlvalue.RangeValue) (promqlvalue.Value, error) {
	lhsByTs := groupByTimestamp(lhs)
	rhsByTs := groupByTimestamp(rhs)

	tsSet := map[int64]bool{}
	for ts := range lhsByTs {
		tsSet[ts] = true
	}
	for ts := range rhsByTs {
		tsSet[ts] = true
	}

	results := make(map[uint64]*promqlvalue.RangeValue)
	var order []uint64

	for _, ts := range sortedTimestamps(tsSet) {
		vec, err := binaries.VectorVector(expr, lhsByTs[ts], rhsByTs[ts])
		if err != nil {
			return promqlvalue.None, err
		}
		for _, iv := range vec.Vector {
			sig := iv.Labels.Signature()
			rv, ok := results[sig]
			if !ok {
				rv = &promqlvalue.RangeValue{Labels: iv.Labels}
				results[sig] = rv
				order = append(order, sig)
			}
			rv.Samples = append(rv.Samples, promqlvalue.Sample{TimestampUs: ts, Value: iv.Sample.Value})
		}
	}
	return assembleMatrix(results, order), nil
}

// groupByTimestamp inverts a Matrix into one InstantValue slice per
// timestamp, across every series that has a sample there.
func groupByTimestamp(matrix []promqlvalue.RangeValue) map[int64][]promqlvalue.InstantValue {
	out := map[int64][]promqlvalue.InstantValue{}
	for _, rv := range matrix {
		for _, s := range rv.Samples {
			out[s.TimestampUs] = append(out[s.TimestampUs], promqlvalue.InstantValue{Labels: rv.Labels, Sample: s})
		}
	}
	return out
}

func sortedKeys(m map[int64][]promqlvalue.InstantValue) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortInt64s(out)
	return out
}

func sortedTimestamps(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortInt64s(out)
	return out
}

func sortInt64s(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func assembleMatrix(results map[uint64]*promqlvalue.RangeValue, order []uint64) promqlvalue.Value {
	out := make([]promqlvalue.RangeValue, 0, len(order))
	for _, sig := range order {
		rv := results[sig]
		rv.SortSamples()
		out = append(out, *rv)
	}
	return promqlvalue.NewMatrix(out)
}

func (e *Evaluator) evalAggregate(ctx context.Context, qctx *promqlvalue.PromqlContext, evalCtx promqlvalue.EvalContext, n *parser.AggregateExpr) (promqlvalue.Value, error) {
	data, err := e.Eval(ctx, qctx, evalCtx, n.Expr)
	if err != nil {
		return promqlvalue.None, err
	}

	var mod *aggregations.Modifier
	if len(n.Grouping) > 0 || n.Without {
		mod = &aggregations.Modifier{Include: !n.Without, Labels: n.Grouping}
	}

	switch n.Op {
	case parser.SUM:
		return aggregations.Sum(data, mod)
	case parser.AVG:
		return aggregations.Avg(data, mod)
	case parser.MAX:
		return aggregations.Max(data, mod)
	case parser.MIN:
		return aggregations.Min(data, mod)
	case parser.COUNT:
		return aggregations.Count(data, mod)
	case parser.GROUP:
		return aggregations.Group(data, mod)
	case parser.STDDEV:
		return aggregations.Stddev(data, mod)
	case parser.STDVAR:
		return aggregations.Stdvar(data, mod)
	case parser.TOPK, parser.BOTTOMK:
		param, err := e.Eval(ctx, qctx, evalCtx, n.Param)
		if err != nil {
			return promqlvalue.None, err
		}
		k, ok := param.AsScalar()
		if !ok {
			return promqlvalue.None, promqlerr.Plan("%s: scalar parameter expected", n.Op)
		}
		if n.Op == parser.TOPK {
			return aggregations.TopK(int(k), data, mod)
		}
		return aggregations.BottomK(int(k), data, mod)
	case parser.QUANTILE:
		param, err := e.Eval(ctx, qctx, evalCtx, n.Param)
		if err != nil {
			return promqlvalue.None, err
		}
		phi, ok := param.AsScalar()
		if !ok {
			return promqlvalue.None, promqlerr.Plan("quantile: scalar parameter expected")
		}
		return aggregations.Quantile(phi, data, mod)
	case parser.COUNT_VALUES:
		param, err := e.Eval(ctx, qctx, evalCtx, n.Param)
		if err != nil {
			return promqlvalue.None, err
		}
		if param.Kind != promqlvalue.KindString {
			return promqlvalue.None, promqlerr.Plan("count_values: string label name expected")
		}
		return aggregations.CountValues(param.String, data, mod)
	default:
		return promqlvalue.None, promqlerr.Plan("unsupported aggregation operator: %s", n.Op)
	}
}

// ToVector collapses a Matrix into a Vector by taking each series's first
// sample — the top-level instant-query conversion of result shaping.
// Series are assumed to carry exactly one sample
// when evalCtx.IsInstant(), since ShapeVector/EvalRange only ever produce
// one sample per evaluation timestamp.
func ToVector(v promqlvalue.Value) promqlvalue.Value {
	if v.Kind != promqlvalue.KindMatrix {
		return v
	}
	out := make([]promqlvalue.InstantValue, 0, len(v.Matrix))
	for _, rv := range v.Matrix {
		if len(rv.Samples) == 0 {
			continue
		}
		out = append(out, promqlvalue.InstantValue{Labels: rv.Labels, Sample: rv.Samples[0]})
	}
	return promqlvalue.NewVector(out)
}

// ReplicateScalar turns a bare Float result into a single-series Matrix
// spanning every evaluation timestamp, the range-query shape of a scalar
// expression.
func ReplicateScalar(f float64, evalCtx promqlvalue.EvalContext) promqlvalue.Value {
	timestamps := evalCtx.Timestamps()
	samples := make([]promqlvalue.Sample, len(timestamps))
	for i, ts := range timestamps {
		samples[i] = promqlvalue.Sample{TimestampUs: ts, Value: f}
	}
	return promqlvalue.NewMatrix([]promqlvalue.RangeValue{{Samples: samples}})
}
