// Package rewrite implements the AST normalization pass that strips
// matchers whose value equals the configured dashboard-placeholder string,
// implementing the "filter all" UI convention without the evaluator having
// to know about it. It runs before evaluation and before selector loading.
package rewrite

import (
	"fmt"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"
)

// RemoveFilterAll strips, in place, every matcher on vs whose value equals
// placeholder. If placeholder is empty, RemoveFilterAll is a no-op.
func RemoveFilterAll(vs *parser.VectorSelector, placeholder string) {
	if placeholder == "" {
		return
	}
	kept := vs.LabelMatchers[:0]
	for _, m := range vs.LabelMatchers {
		if m.Value == placeholder {
			continue
		}
		kept = append(kept, m)
	}
	vs.LabelMatchers = kept
}

// visitor walks the whole expression tree applying RemoveFilterAll to every
// VectorSelector and MatrixSelector it finds (matrix selectors embed a
// VectorSelector).
type visitor struct {
	placeholder string
}

func (v *visitor) Visit(node parser.Node, _ []parser.Node) (parser.Visitor, error) {
	switch n := node.(type) {
	case *parser.VectorSelector:
		RemoveFilterAll(n, v.placeholder)
	case *parser.MatrixSelector:
		if vs, ok := n.VectorSelector.(*parser.VectorSelector); ok {
			RemoveFilterAll(vs, v.placeholder)
		}
	}
	return v, nil
}

// Apply walks expr and strips placeholder matchers from every selector it
// contains.
func Apply(expr parser.Expr, placeholder string) error {
	if placeholder == "" {
		return nil
	}
	return parser.Walk(&visitor{placeholder: placeholder}, expr, nil)
}

// RejectOrMatchers returns an error if the selector carries an
// Or-combined matcher set. The rewriter never introduces or_matchers; the
// selector loader rejects any selector whose matchers include one.
func RejectOrMatchers(name string, matchers []*labels.Matcher, hasOr bool) error {
	if hasOr {
		return fmt.Errorf("%s: or_matchers is not supported", name)
	}
	return nil
}
