package selector_test

import (
	"context"
	"errors"
	"time"

	"code.cloudfoundry.org/metric-query/internal/capability"
	"code.cloudfoundry.org/metric-query/internal/promqlerr"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"code.cloudfoundry.org/metric-query/internal/selector"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type spyProvider struct {
	contexts []capability.ExecutionContext
	err      error
	gotReq   capability.LoadRequest
}

func (s *spyProvider) CreateContext(ctx context.Context, req capability.LoadRequest) ([]capability.ExecutionContext, error) {
	s.gotReq = req
	return s.contexts, s.err
}

type spyPeer struct {
	result map[uint64]*promqlvalue.RangeValue
	stats  promqlvalue.ScanStats
	err    error
}

func (s *spyPeer) SelectorLoadData(ctx context.Context, q promqlvalue.QueryContext, req capability.LoadRequest, rangeWindow, step time.Duration) (map[uint64]*promqlvalue.RangeValue, promqlvalue.ScanStats, error) {
	return s.result, s.stats, s.err
}

func loadOf(result map[uint64]*promqlvalue.RangeValue, err error) func(ctx context.Context) (map[uint64]*promqlvalue.RangeValue, error) {
	return func(ctx context.Context) (map[uint64]*promqlvalue.RangeValue, error) {
		return result, err
	}
}

var _ = Describe("Loader.Load", func() {
	var qctx *promqlvalue.PromqlContext

	BeforeEach(func() {
		qctx = &promqlvalue.PromqlContext{
			Query:           promqlvalue.QueryContext{OrgID: "org1"},
			StartUs:         1000,
			EndUs:           2000,
			LookbackDeltaUs: 300,
		}
	})

	It("merges series from a single execution context and sorts samples", func() {
		provider := &spyProvider{contexts: []capability.ExecutionContext{
			{
				ScanStats: promqlvalue.ScanStats{Files: 2},
				Load: loadOf(map[uint64]*promqlvalue.RangeValue{
					42: {Samples: []promqlvalue.Sample{{TimestampUs: 20, Value: 2}, {TimestampUs: 10, Value: 1}}},
				}, nil),
			},
		}}
		l := &selector.Loader{Provider: provider}

		out, err := l.Load(context.Background(), qctx, selector.Request{Name: "foo"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[42].Samples[0].TimestampUs).To(Equal(int64(10)))
		Expect(out[42].Samples[1].TimestampUs).To(Equal(int64(20)))
		Expect(qctx.ScanStats().Files).To(Equal(int64(2)))
	})

	It("computes the effective window from range, offset, and lookback", func() {
		provider := &spyProvider{contexts: nil}
		l := &selector.Loader{Provider: provider}

		_, err := l.Load(context.Background(), qctx, selector.Request{Name: "foo", RangeUs: 500, OffsetUs: 100})
		Expect(err).NotTo(HaveOccurred())
		Expect(provider.gotReq.StartUs).To(Equal(int64(1000 - 500 + 100)))
		Expect(provider.gotReq.EndUs).To(Equal(int64(2000 + 100)))
	})

	It("concatenates and re-sorts samples when the same hash appears in two contexts", func() {
		provider := &spyProvider{contexts: []capability.ExecutionContext{
			{Load: loadOf(map[uint64]*promqlvalue.RangeValue{
				7: {Samples: []promqlvalue.Sample{{TimestampUs: 30, Value: 3}}},
			}, nil)},
			{Load: loadOf(map[uint64]*promqlvalue.RangeValue{
				7: {Samples: []promqlvalue.Sample{{TimestampUs: 10, Value: 1}}},
			}, nil)},
		}}
		l := &selector.Loader{Provider: provider}

		out, err := l.Load(context.Background(), qctx, selector.Request{Name: "foo"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out[7].Samples).To(HaveLen(2))
		Expect(out[7].Samples[0].TimestampUs).To(Equal(int64(10)))
	})

	It("rejects or_matchers as a plan error", func() {
		l := &selector.Loader{Provider: &spyProvider{}}
		_, err := l.Load(context.Background(), qctx, selector.Request{Name: "foo", HasOrMatchers: true})
		Expect(err).To(HaveOccurred())
		perr, ok := err.(*promqlerr.Error)
		Expect(ok).To(BeTrue())
		Expect(perr.Kind).To(Equal(promqlerr.KindPlan))
	})

	It("wraps a provider failure as a provider error", func() {
		l := &selector.Loader{Provider: &spyProvider{err: errors.New("boom")}}
		_, err := l.Load(context.Background(), qctx, selector.Request{Name: "foo"})
		Expect(err).To(HaveOccurred())
	})

	It("fans out to the peer querier for super-cluster queries and merges its result", func() {
		qctx.Query.IsSuperCluster = true
		provider := &spyProvider{contexts: []capability.ExecutionContext{
			{Load: loadOf(map[uint64]*promqlvalue.RangeValue{
				1: {Samples: []promqlvalue.Sample{{TimestampUs: 10, Value: 1}}},
			}, nil)},
		}}
		peer := &spyPeer{result: map[uint64]*promqlvalue.RangeValue{
			2: {Samples: []promqlvalue.Sample{{TimestampUs: 20, Value: 2}}},
		}, stats: promqlvalue.ScanStats{Files: 5}}
		l := &selector.Loader{Provider: provider, Peer: peer}

		out, err := l.Load(context.Background(), qctx, selector.Request{Name: "foo"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(2))
		Expect(qctx.ScanStats().Files).To(Equal(int64(5)))
	})
})

var _ = Describe("ShapeMatrix", func() {
	It("attaches a TimeWindow to every series and keeps all samples", func() {
		raw := map[uint64]*promqlvalue.RangeValue{
			1: {Samples: []promqlvalue.Sample{{TimestampUs: 10, Value: 1}, {TimestampUs: 20, Value: 2}}},
		}
		out := selector.ShapeMatrix(raw, 5_000_000, 1_000_000)
		Expect(out.Matrix).To(HaveLen(1))
		Expect(out.Matrix[0].Samples).To(HaveLen(2))
		Expect(out.Matrix[0].TimeWindow).NotTo(BeNil())
		Expect(out.Matrix[0].TimeWindow.Range).To(Equal(5 * time.Second))
	})
})

var _ = Describe("ShapeVector", func() {
	It("picks the freshest covered sample at each evaluation timestamp", func() {
		raw := map[uint64]*promqlvalue.RangeValue{
			1: {Samples: []promqlvalue.Sample{{TimestampUs: 100, Value: 1}, {TimestampUs: 150, Value: 2}}},
		}
		evalCtx := promqlvalue.EvalContext{StartUs: 150, EndUs: 250, StepUs: 100}
		out := selector.ShapeVector(raw, evalCtx, 0, 60)
		Expect(out.Matrix).To(HaveLen(1))
		Expect(out.Matrix[0].Samples).To(HaveLen(1))
		Expect(out.Matrix[0].Samples[0].TimestampUs).To(Equal(int64(150)))
		Expect(out.Matrix[0].Samples[0].Value).To(Equal(2.0))
	})

	It("drops a series with no sample covered by any evaluation timestamp", func() {
		raw := map[uint64]*promqlvalue.RangeValue{
			1: {Samples: []promqlvalue.Sample{{TimestampUs: 0, Value: 1}}},
		}
		evalCtx := promqlvalue.EvalContext{StartUs: 1000, EndUs: 1000, StepUs: 0}
		out := selector.ShapeVector(raw, evalCtx, 0, 10)
		Expect(out.Kind).To(Equal(promqlvalue.KindNone))
	})
})
