// Package binaries implements PromQL's binary operators: scalar-scalar,
// vector-scalar, and vector-vector arithmetic/comparison/set operations,
// including `on`/`ignoring` label matching and `group_left`/`group_right`
// many-to-one joins.
package binaries

import (
	"fmt"
	"math"

	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"github.com/prometheus/prometheus/promql/parser"
)

// ScalarOp applies op to two float operands.
//
// For comparison operators, the boolean result of the comparison itself is
// returned in matched and value is 1 (true) or 0 (false); callers decide
// whether to emit that 0/1 (`bool` comparisons) or to filter on matched.
func ScalarOp(op parser.ItemType, lhs, rhs float64) (value float64, matched bool, err error) {
	switch op {
	case parser.ADD:
		return lhs + rhs, true, nil
	case parser.SUB:
		return lhs - rhs, true, nil
	case parser.MUL:
		return lhs * rhs, true, nil
	case parser.DIV:
		return lhs / rhs, true, nil
	case parser.MOD:
		return math.Mod(lhs, rhs), true, nil
	case parser.POW:
		return math.Pow(lhs, rhs), true, nil
	case parser.EQLC:
		return boolFloat(lhs == rhs), lhs == rhs, nil
	case parser.NEQ:
		return boolFloat(lhs != rhs), lhs != rhs, nil
	case parser.GTR:
		return boolFloat(lhs > rhs), lhs > rhs, nil
	case parser.LSS:
		return boolFloat(lhs < rhs), lhs < rhs, nil
	case parser.GTE:
		return boolFloat(lhs >= rhs), lhs >= rhs, nil
	case parser.LTE:
		return boolFloat(lhs <= rhs), lhs <= rhs, nil
	case parser.ATAN2:
		return math.Atan2(lhs, rhs), true, nil
	default:
		return 0, false, fmt.Errorf("unsupported scalar binary operator %s", op)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func isComparison(op parser.ItemType) bool {
	switch op {
	case parser.EQLC, parser.NEQ, parser.GTR, parser.LSS, parser.GTE, parser.LTE:
		return true
	default:
		return false
	}
}

// ScalarScalar evaluates op between two Floats.
func ScalarScalar(expr *parser.BinaryExpr, lhs, rhs float64) (promqlvalue.Value, error) {
	v, matched, err := ScalarOp(expr.Op, lhs, rhs)
	if err != nil {
		return promqlvalue.None, err
	}
	if isComparison(expr.Op) && expr.ReturnBool {
		return promqlvalue.NewFloat(boolFloat(matched)), nil
	}
	return promqlvalue.NewFloat(v), nil
}

// VectorScalar applies op between every sample of vec and the scalar rhs.
// For comparisons without `bool`, non-matching samples are dropped from
// the result rather than replaced by 0/1.
func VectorScalar(expr *parser.BinaryExpr, vec []promqlvalue.InstantValue, rhs float64, swapped bool) (promqlvalue.Value, error) {
	out := make([]promqlvalue.InstantValue, 0, len(vec))
	for _, iv := range vec {
		l, r := iv.Sample.Value, rhs
		if swapped {
			l, r = r, l
		}
		v, matched, err := ScalarOp(expr.Op, l, r)
		if err != nil {
			return promqlvalue.None, err
		}
		if isComparison(expr.Op) && !expr.ReturnBool && !matched {
			continue
		}
		if isComparison(expr.Op) && expr.ReturnBool {
			v = boolFloat(matched)
		}
		if isComparison(expr.Op) && !expr.ReturnBool {
			v = iv.Sample.Value
		}
		labels := iv.Labels
		if !isComparison(expr.Op) {
			labels = labels.WithoutMetricName()
		}
		out = append(out, promqlvalue.InstantValue{Labels: labels, Sample: promqlvalue.Sample{TimestampUs: iv.Sample.TimestampUs, Value: v}})
	}
	return promqlvalue.NewVector(out), nil
}

// matchKey builds the join key for one series under the expr's `on`/
// `ignoring` modifier (or all labels but __name__ if neither was given).
func matchKey(expr *parser.BinaryExpr, l promqlvalue.Labels) uint64 {
	vm := expr.VectorMatching
	if vm == nil {
		return promqlvalue.SignatureWithoutLabels(l, promqlvalue.MetricNameLabel)
	}
	if vm.On {
		return promqlvalue.SignatureWithoutLabels(l.Include(vm.MatchingLabels...))
	}
	excl := append([]string{promqlvalue.MetricNameLabel}, vm.MatchingLabels...)
	return promqlvalue.SignatureWithoutLabels(l, excl...)
}

// VectorVector implements one-to-one and many-to-one vector matching.
// The "many" side is the left-hand side by default and under group_left;
// under group_right the right-hand side supplies the extra labels, so it
// becomes the "many" side instead.
// Each many-side series looks up its partner(s) on the one side by match
// key; a one side carrying more than one series per key is the classic
// "many-to-many matching not allowed" error. group_left/group_right
// promote the labels named in `Include` from the one side onto the
// (many-side-shaped) result.
func VectorVector(expr *parser.BinaryExpr, lhs, rhs []promqlvalue.InstantValue) (promqlvalue.Value, error) {
	switch expr.Op {
	case parser.LAND:
		return vectorAnd(expr, lhs, rhs), nil
	case parser.LOR:
		return vectorOr(expr, lhs, rhs), nil
	case parser.LUNLESS:
		return vectorUnless(expr, lhs, rhs), nil
	}

	vm := expr.VectorMatching
	card := parser.CardOneToOne
	if vm != nil {
		card = vm.Card
	}

	manySide, oneSide := lhs, rhs
	manyIsLeft := true
	if card == parser.CardOneToMany {
		manySide, oneSide = rhs, lhs
		manyIsLeft = false
	}

	oneByKey := map[uint64][]promqlvalue.InstantValue{}
	for _, iv := range oneSide {
		k := matchKey(expr, iv.Labels)
		oneByKey[k] = append(oneByKey[k], iv)
	}

	out := make([]promqlvalue.InstantValue, 0, len(manySide))
	seen := map[uint64]bool{}

	for _, many := range manySide {
		k := matchKey(expr, many.Labels)
		matches := oneByKey[k]
		if len(matches) > 1 {
			return promqlvalue.None, fmt.Errorf("many-to-many matching not allowed: matching labels must be unique on one side")
		}
		for _, one := range matches {
			l, r := many.Sample.Value, one.Sample.Value
			if !manyIsLeft {
				l, r = one.Sample.Value, many.Sample.Value
			}

			v, matched, err := ScalarOp(expr.Op, l, r)
			if err != nil {
				return promqlvalue.None, err
			}
			if isComparison(expr.Op) && !expr.ReturnBool && !matched {
				continue
			}
			if isComparison(expr.Op) && expr.ReturnBool {
				v = boolFloat(matched)
			}

			resultLabels := joinLabels(expr, many.Labels, one.Labels, card != parser.CardOneToOne)
			sig := resultLabels.Signature()
			if seen[sig] {
				return promqlvalue.None, fmt.Errorf("duplicate output series for binary operation: %v", resultLabels)
			}
			seen[sig] = true

			out = append(out, promqlvalue.InstantValue{
				Labels: resultLabels,
				Sample: promqlvalue.Sample{TimestampUs: many.Sample.TimestampUs, Value: v},
			})
		}
	}
	return promqlvalue.NewVector(out), nil
}

// vectorAnd implements `and`: keep every lhs series whose match key also
// appears on the rhs, discarding rhs entirely (upstream `and` never emits
// rhs values).
func vectorAnd(expr *parser.BinaryExpr, lhs, rhs []promqlvalue.InstantValue) promqlvalue.Value {
	rightKeys := map[uint64]bool{}
	for _, iv := range rhs {
		rightKeys[matchKey(expr, iv.Labels)] = true
	}
	out := make([]promqlvalue.InstantValue, 0, len(lhs))
	for _, iv := range lhs {
		if rightKeys[matchKey(expr, iv.Labels)] {
			out = append(out, iv)
		}
	}
	return promqlvalue.NewVector(out)
}

// vectorUnless implements `unless`: keep every lhs series whose match key
// does NOT appear on the rhs.
func vectorUnless(expr *parser.BinaryExpr, lhs, rhs []promqlvalue.InstantValue) promqlvalue.Value {
	rightKeys := map[uint64]bool{}
	for _, iv := range rhs {
		rightKeys[matchKey(expr, iv.Labels)] = true
	}
	out := make([]promqlvalue.InstantValue, 0, len(lhs))
	for _, iv := range lhs {
		if !rightKeys[matchKey(expr, iv.Labels)] {
			out = append(out, iv)
		}
	}
	return promqlvalue.NewVector(out)
}

// vectorOr implements `or`: every lhs series, plus every rhs series whose
// match key is not already present on the lhs (or already emitted from an
// earlier rhs series sharing that key).
func vectorOr(expr *parser.BinaryExpr, lhs, rhs []promqlvalue.InstantValue) promqlvalue.Value {
	seen := map[uint64]bool{}
	out := make([]promqlvalue.InstantValue, 0, len(lhs)+len(rhs))
	for _, iv := range lhs {
		out = append(out, iv)
		seen[matchKey(expr, iv.Labels)] = true
	}
	for _, iv := range rhs {
		k := matchKey(expr, iv.Labels)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, iv)
	}
	return promqlvalue.NewVector(out)
}

// joinLabels computes the result labels for one matched pair: the
// many-side's labels (minus __name__ for arithmetic ops), optionally
// extended with the one-side's Include labels for group_left/group_right.
func joinLabels(expr *parser.BinaryExpr, manyLabels, oneLabels promqlvalue.Labels, manyToOne bool) promqlvalue.Labels {
	base := manyLabels
	if !isComparison(expr.Op) || expr.ReturnBool {
		base = base.WithoutMetricName()
	}
	if manyToOne && expr.VectorMatching != nil {
		for _, name := range expr.VectorMatching.Include {
			if v, ok := oneLabels.Get(name); ok {
				base = base.Set(name, v)
			}
		}
	}
	return base
}
