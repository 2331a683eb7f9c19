package aggregations_test

import (
	"math"

	"code.cloudfoundry.org/metric-query/internal/aggregations"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func series(labels map[string]string, samples ...promqlvalue.Sample) promqlvalue.RangeValue {
	return promqlvalue.RangeValue{Labels: promqlvalue.NewLabels(labels), Samples: samples}
}

func sampleAt(ts int64, v float64) promqlvalue.Sample {
	return promqlvalue.Sample{TimestampUs: ts, Value: v}
}

func valueAt(rv promqlvalue.RangeValue, ts int64) (float64, bool) {
	for _, s := range rv.Samples {
		if s.TimestampUs == ts {
			return s.Value, true
		}
	}
	return 0, false
}

var _ = Describe("sum/avg/min/max/count/group", func() {
	matrix := func() promqlvalue.Value {
		return promqlvalue.NewMatrix([]promqlvalue.RangeValue{
			series(map[string]string{"job": "a", "instance": "1"}, sampleAt(0, 10), sampleAt(1, 20)),
			series(map[string]string{"job": "a", "instance": "2"}, sampleAt(0, 5), sampleAt(1, 8)),
			series(map[string]string{"job": "b", "instance": "3"}, sampleAt(0, 100), sampleAt(1, 200)),
		})
	}

	It("sums grouped by job", func() {
		out, err := aggregations.Sum(matrix(), &aggregations.Modifier{Include: true, Labels: []string{"job"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix).To(HaveLen(2))
		for _, rv := range out.Matrix {
			job, _ := rv.Labels.Get("job")
			v0, _ := valueAt(rv, 0)
			if job == "a" {
				Expect(v0).To(Equal(15.0))
			} else {
				Expect(v0).To(Equal(100.0))
			}
		}
	})

	It("averages grouped by job", func() {
		out, err := aggregations.Avg(matrix(), &aggregations.Modifier{Include: true, Labels: []string{"job"}})
		Expect(err).NotTo(HaveOccurred())
		for _, rv := range out.Matrix {
			job, _ := rv.Labels.Get("job")
			if job == "a" {
				v1, _ := valueAt(rv, 1)
				Expect(v1).To(Equal(14.0))
			}
		}
	})

	It("collapses to a single series with no modifier", func() {
		out, err := aggregations.Count(matrix(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix).To(HaveLen(1))
		v0, _ := valueAt(out.Matrix[0], 0)
		Expect(v0).To(Equal(3.0))
	})

	It("group reports a constant 1.0 per group per timestamp", func() {
		out, err := aggregations.Group(matrix(), &aggregations.Modifier{Include: true, Labels: []string{"job"}})
		Expect(err).NotTo(HaveOccurred())
		for _, rv := range out.Matrix {
			v1, _ := valueAt(rv, 1)
			Expect(v1).To(Equal(1.0))
		}
	})

	It("max treats an all-negative group as 0 (accumulator quirk)", func() {
		neg := promqlvalue.NewMatrix([]promqlvalue.RangeValue{
			series(map[string]string{"job": "a"}, sampleAt(0, -5)),
		})
		out, err := aggregations.Max(neg, nil)
		Expect(err).NotTo(HaveOccurred())
		v0, _ := valueAt(out.Matrix[0], 0)
		Expect(v0).To(Equal(0.0))
	})

	It("min lets a later non-negative sample overwrite an earlier negative one", func() {
		neg := promqlvalue.NewMatrix([]promqlvalue.RangeValue{
			series(map[string]string{"a": "1"}, sampleAt(0, -5)),
			series(map[string]string{"a": "2"}, sampleAt(0, 3)),
		})
		out, err := aggregations.Min(neg, nil)
		Expect(err).NotTo(HaveOccurred())
		v0, _ := valueAt(out.Matrix[0], 0)
		Expect(v0).To(Equal(3.0))
	})

	It("passes None through untouched", func() {
		out, err := aggregations.Sum(promqlvalue.None, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Kind).To(Equal(promqlvalue.KindNone))
	})

	It("rejects non-matrix/vector input", func() {
		_, err := aggregations.Sum(promqlvalue.NewFloat(1), nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("stddev/stdvar", func() {
	It("computes population statistics", func() {
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{
			series(map[string]string{"a": "1"}, sampleAt(0, 2)),
			series(map[string]string{"a": "2"}, sampleAt(0, 4)),
			series(map[string]string{"a": "3"}, sampleAt(0, 4)),
			series(map[string]string{"a": "4"}, sampleAt(0, 4)),
			series(map[string]string{"a": "5"}, sampleAt(0, 5)),
			series(map[string]string{"a": "6"}, sampleAt(0, 5)),
			series(map[string]string{"a": "7"}, sampleAt(0, 7)),
			series(map[string]string{"a": "8"}, sampleAt(0, 9)),
		})
		out, err := aggregations.Stdvar(data, nil)
		Expect(err).NotTo(HaveOccurred())
		v0, _ := valueAt(out.Matrix[0], 0)
		Expect(v0).To(BeNumerically("~", 4.0, 1e-9))

		out, err = aggregations.Stddev(data, nil)
		Expect(err).NotTo(HaveOccurred())
		v0, _ = valueAt(out.Matrix[0], 0)
		Expect(v0).To(BeNumerically("~", 2.0, 1e-9))
	})
})

var _ = Describe("quantile", func() {
	data := func() promqlvalue.Value {
		return promqlvalue.NewMatrix([]promqlvalue.RangeValue{
			series(map[string]string{"a": "1"}, sampleAt(0, 1)),
			series(map[string]string{"a": "2"}, sampleAt(0, 2)),
			series(map[string]string{"a": "3"}, sampleAt(0, 3)),
			series(map[string]string{"a": "4"}, sampleAt(0, 4)),
		})
	}

	It("interpolates linearly over the sorted group", func() {
		out, err := aggregations.Quantile(0.5, data(), nil)
		Expect(err).NotTo(HaveOccurred())
		v0, _ := valueAt(out.Matrix[0], 0)
		Expect(v0).To(BeNumerically("~", 2.5, 1e-9))
	})

	It("returns -Inf/+Inf/NaN for out-of-range phi", func() {
		out, _ := aggregations.Quantile(-1, data(), nil)
		v0, _ := valueAt(out.Matrix[0], 0)
		Expect(math.IsInf(v0, -1)).To(BeTrue())

		out, _ = aggregations.Quantile(2, data(), nil)
		v0, _ = valueAt(out.Matrix[0], 0)
		Expect(math.IsInf(v0, 1)).To(BeTrue())

		out, _ = aggregations.Quantile(math.NaN(), data(), nil)
		v0, _ = valueAt(out.Matrix[0], 0)
		Expect(math.IsNaN(v0)).To(BeTrue())
	})
})

var _ = Describe("count_values", func() {
	It("emits one series per distinct value with the count at each timestamp", func() {
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{
			series(map[string]string{"instance": "1"}, sampleAt(0, 10)),
			series(map[string]string{"instance": "2"}, sampleAt(0, 10)),
			series(map[string]string{"instance": "3"}, sampleAt(0, 20)),
		})
		out, err := aggregations.CountValues("value", data, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix).To(HaveLen(2))
		for _, rv := range out.Matrix {
			v, _ := rv.Labels.Get("value")
			count, _ := valueAt(rv, 0)
			if v == "10" {
				Expect(count).To(Equal(2.0))
			} else {
				Expect(v).To(Equal("20"))
				Expect(count).To(Equal(1.0))
			}
		}
	})

	It("rejects an invalid label name", func() {
		data := promqlvalue.NewMatrix([]promqlvalue.RangeValue{series(map[string]string{"a": "1"}, sampleAt(0, 1))})
		_, err := aggregations.CountValues("invalid-label!", data, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("topk/bottomk", func() {
	data := func() promqlvalue.Value {
		return promqlvalue.NewMatrix([]promqlvalue.RangeValue{
			series(map[string]string{"instance": "1"}, sampleAt(0, 10.5)),
			series(map[string]string{"instance": "2"}, sampleAt(0, 15.3)),
			series(map[string]string{"instance": "3"}, sampleAt(0, 8.2)),
		})
	}

	It("topk keeps the k highest series at each timestamp", func() {
		out, err := aggregations.TopK(2, data(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix).To(HaveLen(2))
		for _, rv := range out.Matrix {
			instance, _ := rv.Labels.Get("instance")
			Expect(instance).NotTo(Equal("3"))
		}
	})

	It("bottomk keeps the k lowest series at each timestamp", func() {
		out, err := aggregations.BottomK(2, data(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Matrix).To(HaveLen(2))
		for _, rv := range out.Matrix {
			instance, _ := rv.Labels.Get("instance")
			Expect(instance).NotTo(Equal("2"))
		}
	})

	It("returns None when k is 0", func() {
		out, err := aggregations.TopK(0, data(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Kind).To(Equal(promqlvalue.KindNone))
	})
})
