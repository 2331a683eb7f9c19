package functions_test

import (
	"math"

	"code.cloudfoundry.org/metric-query/internal/functions"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func mat(values ...float64) promqlvalue.Value {
	out := make([]promqlvalue.RangeValue, len(values))
	for i, v := range values {
		out[i] = promqlvalue.RangeValue{Samples: []promqlvalue.Sample{{TimestampUs: int64(i), Value: v}}}
	}
	return promqlvalue.NewMatrix(out)
}

var _ = Describe("instant functions", func() {
	It("abs/ceil/floor/round apply elementwise", func() {
		out, err := functions.EvalInstant(mat(-5, 3.2, -3.2, 3.5), functions.Abs)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(5.0))

		out, _ = functions.EvalInstant(mat(3.2), functions.Ceil)
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(4.0))

		out, _ = functions.EvalInstant(mat(3.2), functions.Floor)
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(3.0))

		out, _ = functions.EvalInstant(mat(3.5), functions.Round)
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(4.0))
	})

	It("sgn reports the sign", func() {
		out, _ := functions.EvalInstant(mat(5, -5, 0), functions.Sgn)
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(1.0))
		Expect(out.Matrix[1].Samples[0].Value).To(Equal(-1.0))
		Expect(out.Matrix[2].Samples[0].Value).To(Equal(0.0))
	})

	It("clamp bounds a value on both sides", func() {
		out, _ := functions.EvalInstant(mat(5, 15, 25), functions.Clamp(10, 20))
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(10.0))
		Expect(out.Matrix[1].Samples[0].Value).To(Equal(15.0))
		Expect(out.Matrix[2].Samples[0].Value).To(Equal(20.0))
	})

	It("passes None through untouched", func() {
		out, err := functions.EvalInstant(promqlvalue.None, functions.Abs)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Kind).To(Equal(promqlvalue.KindNone))
	})

	It("rejects non-matrix input", func() {
		_, err := functions.EvalInstant(promqlvalue.NewFloat(1), functions.Abs)
		Expect(err).To(HaveOccurred())
	})

	It("label_replace only rewrites when the replacement differs from the source", func() {
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{{
			Labels:  promqlvalue.NewLabels(map[string]string{"instance": "server-123.example.com"}),
			Samples: []promqlvalue.Sample{{TimestampUs: 0, Value: 42}},
		}})
		out, err := functions.LabelReplace(data, "hostname", "$1", "instance", `server-(\d+)\.example\.com`)
		Expect(err).NotTo(HaveOccurred())
		v, ok := out.Matrix[0].Labels.Get("hostname")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("123"))
	})

	It("label_replace with empty replacement removes the destination label", func() {
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{{
			Labels:  promqlvalue.NewLabels(map[string]string{"hostname": "x"}),
			Samples: []promqlvalue.Sample{{TimestampUs: 0, Value: 1}},
		}})
		out, err := functions.LabelReplace(data, "hostname", "", "instance", ".*")
		Expect(err).NotTo(HaveOccurred())
		_, ok := out.Matrix[0].Labels.Get("hostname")
		Expect(ok).To(BeFalse())
	})

	It("label_join concatenates source label values", func() {
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{{
			Labels:  promqlvalue.NewLabels(map[string]string{"instance": "server1", "job": "web"}),
			Samples: []promqlvalue.Sample{{TimestampUs: 0, Value: 1}},
		}})
		out, err := functions.LabelJoin(data, "combined", "-", []string{"instance", "job"})
		Expect(err).NotTo(HaveOccurred())
		v, ok := out.Matrix[0].Labels.Get("combined")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("server1-web"))
	})

	It("absent reports 1 at every timestamp when there's no data", func() {
		evalCtx := promqlvalue.EvalContext{StartUs: 1000, EndUs: 1002, StepUs: 1}
		out, err := functions.Absent(promqlvalue.None, evalCtx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix[0].Samples).To(HaveLen(3))
	})

	It("absent reports only the missing timestamps", func() {
		evalCtx := promqlvalue.EvalContext{StartUs: 1000, EndUs: 1002, StepUs: 1}
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{{
			Samples: []promqlvalue.Sample{{TimestampUs: 1000, Value: 42}, {TimestampUs: 1002, Value: 44}},
		}})
		out, err := functions.Absent(data, evalCtx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix[0].Samples).To(HaveLen(1))
		Expect(out.Matrix[0].Samples[0].TimestampUs).To(Equal(int64(1001)))
	})

	It("absent returns None when every timestamp has data", func() {
		evalCtx := promqlvalue.EvalContext{StartUs: 1000, EndUs: 1002, StepUs: 1}
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{{
			Samples: []promqlvalue.Sample{{TimestampUs: 1000}, {TimestampUs: 1001}, {TimestampUs: 1002}},
		}})
		out, err := functions.Absent(data, evalCtx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Kind).To(Equal(promqlvalue.KindNone))
	})

	It("scalar collapses a single-series single-sample matrix", func() {
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{{Samples: []promqlvalue.Sample{{Value: 7}}}})
		out := functions.Scalar(data)
		Expect(out.Kind).To(Equal(promqlvalue.KindFloat))
		Expect(out.Float).To(Equal(7.0))
	})

	It("scalar returns NaN for anything else", func() {
		out := functions.Scalar(promqlvalue.NewVector(nil))
		Expect(math.IsNaN(out.Float)).To(BeTrue())
	})

	It("vector broadcasts a scalar across every evaluation timestamp", func() {
		evalCtx := promqlvalue.EvalContext{StartUs: 0, EndUs: 2, StepUs: 1}
		out, err := functions.VectorFn(promqlvalue.NewFloat(5), evalCtx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix[0].Samples).To(HaveLen(3))
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(5.0))
	})
})
