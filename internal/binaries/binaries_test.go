package binaries_test

import (
	"code.cloudfoundry.org/metric-query/internal/binaries"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/prometheus/promql/parser"
)

func iv(name string, extra map[string]string, v float64) promqlvalue.InstantValue {
	m := map[string]string{"__name__": name}
	for k, v := range extra {
		m[k] = v
	}
	return promqlvalue.InstantValue{Labels: promqlvalue.NewLabels(m), Sample: promqlvalue.Sample{Value: v}}
}

var _ = Describe("ScalarOp", func() {
	It("computes arithmetic operators", func() {
		v, _, err := binaries.ScalarOp(parser.ADD, 2, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(5.0))

		v, _, _ = binaries.ScalarOp(parser.DIV, 10, 4)
		Expect(v).To(Equal(2.5))
	})

	It("computes comparison operators as 1/0", func() {
		v, matched, _ := binaries.ScalarOp(parser.GTR, 5, 3)
		Expect(v).To(Equal(1.0))
		Expect(matched).To(BeTrue())

		v, matched, _ = binaries.ScalarOp(parser.GTR, 3, 5)
		Expect(v).To(Equal(0.0))
		Expect(matched).To(BeFalse())
	})
})

var _ = Describe("VectorScalar", func() {
	It("drops samples that fail a bare comparison", func() {
		expr := &parser.BinaryExpr{Op: parser.GTR}
		vec := []promqlvalue.InstantValue{iv("m", nil, 1), iv("m", nil, 5)}
		out, err := binaries.VectorScalar(expr, vec, 3, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector).To(HaveLen(1))
		Expect(out.Vector[0].Sample.Value).To(Equal(5.0))
	})

	It("keeps every sample and emits 0/1 for `bool` comparisons", func() {
		expr := &parser.BinaryExpr{Op: parser.GTR, ReturnBool: true}
		vec := []promqlvalue.InstantValue{iv("m", nil, 1), iv("m", nil, 5)}
		out, err := binaries.VectorScalar(expr, vec, 3, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector).To(HaveLen(2))
		Expect(out.Vector[0].Sample.Value).To(Equal(0.0))
		Expect(out.Vector[1].Sample.Value).To(Equal(1.0))
	})

	It("strips __name__ for arithmetic results", func() {
		expr := &parser.BinaryExpr{Op: parser.MUL}
		vec := []promqlvalue.InstantValue{iv("m", nil, 2)}
		out, err := binaries.VectorScalar(expr, vec, 10, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector[0].Sample.Value).To(Equal(20.0))
		Expect(out.Vector[0].Labels.Name()).To(Equal(""))
	})
})

var _ = Describe("VectorVector", func() {
	It("matches one-to-one on identical label sets by default", func() {
		lhs := []promqlvalue.InstantValue{iv("a", map[string]string{"instance": "1"}, 10)}
		rhs := []promqlvalue.InstantValue{iv("b", map[string]string{"instance": "1"}, 3)}
		expr := &parser.BinaryExpr{Op: parser.ADD}
		out, err := binaries.VectorVector(expr, lhs, rhs)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector).To(HaveLen(1))
		Expect(out.Vector[0].Sample.Value).To(Equal(13.0))
	})

	It("errors on ambiguous matches without a group modifier", func() {
		lhs := []promqlvalue.InstantValue{iv("a", map[string]string{"instance": "1"}, 10)}
		rhs := []promqlvalue.InstantValue{
			iv("b", map[string]string{"instance": "1", "extra": "x"}, 3),
			iv("b", map[string]string{"instance": "1", "extra": "y"}, 4),
		}
		expr := &parser.BinaryExpr{
			Op:             parser.ADD,
			VectorMatching: &parser.VectorMatching{On: true, MatchingLabels: []string{"instance"}},
		}
		_, err := binaries.VectorVector(expr, lhs, rhs)
		Expect(err).To(HaveOccurred())
	})

	It("group_left promotes the one side's extra label onto the many-side result", func() {
		lhs := []promqlvalue.InstantValue{
			iv("a", map[string]string{"instance": "1", "extra": "x"}, 10),
			iv("a", map[string]string{"instance": "1", "extra": "y"}, 20),
		}
		rhs := []promqlvalue.InstantValue{iv("b", map[string]string{"instance": "1"}, 3)}
		expr := &parser.BinaryExpr{
			Op: parser.ADD,
			VectorMatching: &parser.VectorMatching{
				On: true, MatchingLabels: []string{"instance"},
				Card: parser.CardManyToOne, Include: []string{"extra"},
			},
		}
		out, err := binaries.VectorVector(expr, lhs, rhs)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector).To(HaveLen(2))
	})

	It("and keeps only lhs series with a matching rhs key", func() {
		lhs := []promqlvalue.InstantValue{
			iv("a", map[string]string{"instance": "1"}, 10),
			iv("a", map[string]string{"instance": "2"}, 20),
		}
		rhs := []promqlvalue.InstantValue{iv("b", map[string]string{"instance": "1"}, 0)}
		expr := &parser.BinaryExpr{Op: parser.LAND}
		out, err := binaries.VectorVector(expr, lhs, rhs)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector).To(HaveLen(1))
		Expect(out.Vector[0].Sample.Value).To(Equal(10.0))
	})

	It("unless keeps only lhs series with no matching rhs key", func() {
		lhs := []promqlvalue.InstantValue{
			iv("a", map[string]string{"instance": "1"}, 10),
			iv("a", map[string]string{"instance": "2"}, 20),
		}
		rhs := []promqlvalue.InstantValue{iv("b", map[string]string{"instance": "1"}, 0)}
		expr := &parser.BinaryExpr{Op: parser.LUNLESS}
		out, err := binaries.VectorVector(expr, lhs, rhs)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector).To(HaveLen(1))
		Expect(out.Vector[0].Sample.Value).To(Equal(20.0))
	})

	It("or keeps every lhs series plus unmatched rhs series", func() {
		lhs := []promqlvalue.InstantValue{iv("a", map[string]string{"instance": "1"}, 10)}
		rhs := []promqlvalue.InstantValue{
			iv("b", map[string]string{"instance": "1"}, 0),
			iv("b", map[string]string{"instance": "2"}, 30),
		}
		expr := &parser.BinaryExpr{Op: parser.LOR}
		out, err := binaries.VectorVector(expr, lhs, rhs)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Vector).To(HaveLen(2))
	})
})
