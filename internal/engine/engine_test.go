package engine_test

import (
	"context"

	"code.cloudfoundry.org/metric-query/internal/capability"
	"code.cloudfoundry.org/metric-query/internal/engine"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"code.cloudfoundry.org/metric-query/internal/selector"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// stubProvider serves every CreateContext call from a fixed, pre-labeled
// set of series, ignoring matchers/window filtering — the evaluator tests
// only exercise the evaluator's own logic, not the DataFusion pipeline
// behind capability.TableProvider.
type stubProvider struct {
	series map[uint64]*promqlvalue.RangeValue
}

func (s *stubProvider) CreateContext(ctx context.Context, req capability.LoadRequest) ([]capability.ExecutionContext, error) {
	cp := map[uint64]*promqlvalue.RangeValue{}
	for h, rv := range s.series {
		c := *rv
		cp[h] = &c
	}
	return []capability.ExecutionContext{{
		Load: func(ctx context.Context) (map[uint64]*promqlvalue.RangeValue, error) {
			return cp, nil
		},
	}}, nil
}

func newEvaluator(series map[uint64]*promqlvalue.RangeValue) *engine.Evaluator {
	return &engine.Evaluator{
		Selector: &selector.Loader{Provider: &stubProvider{series: series}},
	}
}

func lbls(m map[string]string) promqlvalue.Labels { return promqlvalue.NewLabels(m) }

var _ = Describe("Evaluator.Exec", func() {
	// The later sample wins and its timestamp is rewritten to the eval
	// timestamp.
	It("picks the freshest covered sample for an instant vector selector", func() {
		const T = int64(1_000_000_000_000_000)
		ev := newEvaluator(map[uint64]*promqlvalue.RangeValue{
			1: {
				Labels: lbls(map[string]string{"__name__": "foo", "a": "1"}),
				Samples: []promqlvalue.Sample{
					{TimestampUs: T - 400_000_000, Value: 10.0},
					{TimestampUs: T - 200_000_000, Value: 11.0},
				},
			},
		})

		res, err := ev.Exec(context.Background(), promqlvalue.QueryContext{}, nil, engine.Statement{
			Expr:            `foo{a="1"}`,
			StartUs:         T,
			EndUs:           T,
			LookbackDeltaUs: 5 * 60 * 1_000_000,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ResultType).To(Equal("vector"))
		Expect(res.Value.Vector).To(HaveLen(1))
		Expect(res.Value.Vector[0].Sample.TimestampUs).To(Equal(T))
		Expect(res.Value.Vector[0].Sample.Value).To(Equal(11.0))
	})

	It("computes an extrapolated rate over a counter", func() {
		const T = int64(1_000_000_000_000_000)
		ev := newEvaluator(map[uint64]*promqlvalue.RangeValue{
			1: {
				Labels: lbls(map[string]string{"__name__": "c"}),
				Samples: []promqlvalue.Sample{
					{TimestampUs: T - 300_000_000, Value: 10},
					{TimestampUs: T - 200_000_000, Value: 15},
					{TimestampUs: T - 100_000_000, Value: 25},
					{TimestampUs: T, Value: 40},
				},
			},
		})

		res, err := ev.Exec(context.Background(), promqlvalue.QueryContext{}, nil, engine.Statement{
			Expr:            `rate(c[5m])`,
			StartUs:         T,
			EndUs:           T,
			LookbackDeltaUs: 5 * 60 * 1_000_000,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Value.Vector).To(HaveLen(1))
		_, hasName := res.Value.Vector[0].Labels.Get("__name__")
		Expect(hasName).To(BeFalse())
	})

	It("aggregates with a by modifier", func() {
		const T = int64(1000)
		ev := newEvaluator(map[uint64]*promqlvalue.RangeValue{
			1: {Labels: lbls(map[string]string{"__name__": "x", "a": "1", "b": "p"}), Samples: []promqlvalue.Sample{{TimestampUs: T, Value: 3}}},
			2: {Labels: lbls(map[string]string{"__name__": "x", "a": "1", "b": "q"}), Samples: []promqlvalue.Sample{{TimestampUs: T, Value: 5}}},
			3: {Labels: lbls(map[string]string{"__name__": "x", "a": "2", "b": "p"}), Samples: []promqlvalue.Sample{{TimestampUs: T, Value: 7}}},
		})

		res, err := ev.Exec(context.Background(), promqlvalue.QueryContext{}, nil, engine.Statement{
			Expr:            `sum by (a) (x)`,
			StartUs:         T,
			EndUs:           T,
			LookbackDeltaUs: 1000,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Value.Vector).To(HaveLen(2))
		total := 0.0
		for _, iv := range res.Value.Vector {
			total += iv.Sample.Value
		}
		Expect(total).To(Equal(15.0))
	})

	It("keeps only the top-k series", func() {
		const T = int64(1000)
		ev := newEvaluator(map[uint64]*promqlvalue.RangeValue{
			1: {Labels: lbls(map[string]string{"__name__": "g", "i": "1"}), Samples: []promqlvalue.Sample{{TimestampUs: T, Value: 1}}},
			2: {Labels: lbls(map[string]string{"__name__": "g", "i": "2"}), Samples: []promqlvalue.Sample{{TimestampUs: T, Value: 5}}},
			3: {Labels: lbls(map[string]string{"__name__": "g", "i": "3"}), Samples: []promqlvalue.Sample{{TimestampUs: T, Value: 3}}},
		})

		res, err := ev.Exec(context.Background(), promqlvalue.QueryContext{}, nil, engine.Statement{
			Expr:            `topk(2, g)`,
			StartUs:         T,
			EndUs:           T,
			LookbackDeltaUs: 1000,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Value.Vector).To(HaveLen(2))
	})

	It("replicates a bare scalar across every evaluation timestamp", func() {
		res, err := newEvaluator(nil).Exec(context.Background(), promqlvalue.QueryContext{}, nil, engine.Statement{
			Expr:       `1 + 2`,
			StartUs:    0,
			EndUs:      60_000_000,
			IntervalUs: 10_000_000,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ResultType).To(Equal("matrix"))
		Expect(res.Value.Matrix).To(HaveLen(1))
		Expect(res.Value.Matrix[0].Samples).To(HaveLen(7))
		for _, s := range res.Value.Matrix[0].Samples {
			Expect(s.Value).To(Equal(3.0))
		}
	})

	It("rejects an unparseable expression as a plan error", func() {
		_, err := newEvaluator(nil).Exec(context.Background(), promqlvalue.QueryContext{}, nil, engine.Statement{
			Expr:    `sum(`,
			StartUs: 0,
			EndUs:   0,
		})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Evaluator.QueryExemplars", func() {
	It("merges exemplars from every selector in the expression", func() {
		const T = int64(1000)
		ev := newEvaluator(map[uint64]*promqlvalue.RangeValue{
			1: {
				Labels: lbls(map[string]string{"__name__": "foo"}),
				Exemplars: []promqlvalue.Exemplar{
					{TimestampUs: T, Value: 1, Labels: lbls(map[string]string{"trace_id": "abc"})},
				},
			},
		})

		res, err := ev.QueryExemplars(context.Background(), promqlvalue.QueryContext{}, nil, engine.Statement{
			Expr:    `foo`,
			StartUs: T,
			EndUs:   T,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ResultType).To(Equal("exemplars"))
		Expect(res.Value.Matrix).To(HaveLen(1))
		Expect(res.Value.Matrix[0].Exemplars).To(HaveLen(1))
	})
})
