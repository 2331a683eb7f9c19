// Package selector implements the selector loader: it turns one
// vector/matrix selector plus the ambient PromqlContext into a set of
// per-series sample lists keyed by series hash, delegating the actual
// scan to a capability.TableProvider (and, for super-cluster queries, a
// capability.PeerQuerier running in parallel). The physical scan pipeline
// lives entirely behind that seam — it is the provider's concern, not
// this package's.
package selector

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/metric-query/internal/capability"
	"code.cloudfoundry.org/metric-query/internal/promqlerr"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"code.cloudfoundry.org/metric-query/internal/rewrite"
	"github.com/prometheus/prometheus/model/labels"
	"golang.org/x/sync/errgroup"
)

// Request describes one vector or matrix selector to load. RangeUs is 0 for
// a bare vector selector (the loader then falls back to the ambient
// lookback delta for its window, and the shaping step below picks one
// sample per evaluation timestamp instead of keeping the whole window).
type Request struct {
	Name          string
	Matchers      []*labels.Matcher
	HasOrMatchers bool
	OffsetUs      int64
	RangeUs       int64
	AtUs          *int64
	WantExemplars bool
	InlistFilter  bool
}

// defaultMaxPointsPerSeries bounds how many samples a single series may
// carry out of the loader; when a scan exceeds it, the most recent samples
// win.
const defaultMaxPointsPerSeries = 30000

// Loader loads one selector's series. Peer is nil for single-cluster
// deployments; Load only fans out to it when the query context says so.
type Loader struct {
	Provider capability.TableProvider
	Peer     capability.PeerQuerier

	// Log receives terse per-load diagnostics when PrintPlan is set. Nil
	// means silent.
	Log *log.Logger

	// ThreadNum bounds the workers used for per-series CPU work (the final
	// sample sort). Zero or negative means sort on the calling goroutine.
	ThreadNum int

	// InlistFilter and PrintPlan are process-wide defaults for the
	// per-request flags of the same names, sourced from configuration.
	InlistFilter bool
	PrintPlan    bool
}

func (l *Loader) logf(format string, args ...interface{}) {
	if l.Log != nil {
		l.Log.Printf(format, args...)
	}
}

// Load normalizes the selector, computes the effective window, requests
// execution contexts, fans out loads (plus an optional
// super-cluster peer call) concurrently, merge by series hash, and sort
// each series's samples ascending by timestamp.
func (l *Loader) Load(ctx context.Context, qctx *promqlvalue.PromqlContext, req Request) (map[uint64]*promqlvalue.RangeValue, error) {
	if err := rewrite.RejectOrMatchers(req.Name, req.Matchers, req.HasOrMatchers); err != nil {
		return nil, promqlerr.Plan("%v", err)
	}

	windowUs := req.RangeUs
	if windowUs == 0 {
		windowUs = qctx.LookbackDeltaUs
	}
	baseStart, baseEnd := qctx.StartUs, qctx.EndUs
	if req.AtUs != nil {
		baseStart, baseEnd = *req.AtUs, *req.AtUs
	}
	queryStart := baseStart - windowUs + req.OffsetUs
	queryEnd := baseEnd + req.OffsetUs

	loadReq := capability.LoadRequest{
		OrgID:         qctx.Query.OrgID,
		StreamName:    req.Name,
		StartUs:       queryStart,
		EndUs:         queryEnd,
		Matchers:      req.Matchers,
		LabelSelector: qctx.LabelSelector,
		WantExemplars: req.WantExemplars,
		InlistFilter:  req.InlistFilter || l.InlistFilter,
		PrintPlan:     l.PrintPlan,
	}

	loadCtx := ctx
	var cancel context.CancelFunc
	if qctx.Query.TimeoutSecs > 0 {
		loadCtx, cancel = context.WithTimeout(ctx, time.Duration(qctx.Query.TimeoutSecs)*time.Second)
		defer cancel()
	}

	if l.PrintPlan {
		l.logf("selector load: stream=%s window=[%d, %d] matchers=%d exemplars=%t",
			loadReq.StreamName, loadReq.StartUs, loadReq.EndUs, len(loadReq.Matchers), loadReq.WantExemplars)
	}

	execCtxs, err := l.Provider.CreateContext(loadCtx, loadReq)
	if err != nil {
		return nil, classifyErr(loadCtx, promqlerr.Provider(err))
	}

	merged := map[uint64]*promqlvalue.RangeValue{}
	var mu sync.Mutex

	scanLocal := !qctx.Query.IsSuperCluster || withinRegions(qctx.Query.Regions)
	g, gctx := errgroup.WithContext(loadCtx)
	for _, ec := range execCtxs {
		if !scanLocal {
			break
		}
		ec := ec
		g.Go(func() error {
			result, err := ec.Load(gctx)
			if err != nil {
				return promqlerr.Execution(err)
			}
			if !ec.KeepFilters {
				for h, rv := range result {
					for _, m := range loadReq.Matchers {
						if v, _ := rv.Labels.Get(m.Name); !m.Matches(v) {
							delete(result, h)
							break
						}
					}
				}
			}
			qctx.AddScanStats(ec.ScanStats)
			mu.Lock()
			mergeInto(merged, result)
			mu.Unlock()
			return nil
		})
	}

	if qctx.Query.IsSuperCluster && l.Peer != nil {
		g.Go(func() error {
			peerResult, stats, err := l.Peer.SelectorLoadData(
				gctx, qctx.Query, loadReq,
				time.Duration(windowUs)*time.Microsecond,
				time.Duration(qctx.IntervalUs)*time.Microsecond,
			)
			if err != nil {
				return promqlerr.SuperCluster(err)
			}
			qctx.AddScanStats(stats)
			mu.Lock()
			mergeInto(merged, peerResult)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if perr, ok := err.(*promqlerr.Error); ok {
			return nil, perr
		}
		return nil, classifyErr(loadCtx, err)
	}

	l.sortSeries(merged)
	return merged, nil
}

// sortSeries sorts every series's samples and exemplars ascending by
// timestamp, partitioning the series across ThreadNum workers with chunk
// size max(1, len/ThreadNum) when there are enough series to be worth it.
func (l *Loader) sortSeries(merged map[uint64]*promqlvalue.RangeValue) {
	series := make([]*promqlvalue.RangeValue, 0, len(merged))
	for _, rv := range merged {
		series = append(series, rv)
	}

	if l.ThreadNum <= 1 || len(series) <= 1 {
		for _, rv := range series {
			rv.SortSamples()
			rv.SortExemplars()
			capSeries(rv)
		}
		return
	}

	chunk := len(series) / l.ThreadNum
	if chunk < 1 {
		chunk = 1
	}
	var wg sync.WaitGroup
	for lo := 0; lo < len(series); lo += chunk {
		hi := lo + chunk
		if hi > len(series) {
			hi = len(series)
		}
		wg.Add(1)
		go func(part []*promqlvalue.RangeValue) {
			defer wg.Done()
			for _, rv := range part {
				rv.SortSamples()
				rv.SortExemplars()
				capSeries(rv)
			}
		}(series[lo:hi])
	}
	wg.Wait()
}

func capSeries(rv *promqlvalue.RangeValue) {
	if len(rv.Samples) > defaultMaxPointsPerSeries {
		rv.Samples = rv.Samples[len(rv.Samples)-defaultMaxPointsPerSeries:]
	}
}

// withinRegions reports whether the local cluster should also be scanned
// for a super-cluster query. An empty region list means "local cluster not
// excluded" — scan it alongside the peer fan-out.
func withinRegions(regions []string) bool {
	return len(regions) == 0
}

func classifyErr(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return promqlerr.Timeout(err.Error())
	case context.Canceled:
		return promqlerr.Cancelled(err.Error())
	default:
		return err
	}
}

// mergeInto folds src into dst by series hash: a hash seen for the first
// time is adopted as-is, a hash already present has its samples and
// exemplars concatenated (re-sorting happens once, after every context and
// the peer result have merged in).
func mergeInto(dst map[uint64]*promqlvalue.RangeValue, src map[uint64]*promqlvalue.RangeValue) {
	for hash, rv := range src {
		existing, ok := dst[hash]
		if !ok {
			cp := *rv
			dst[hash] = &cp
			continue
		}
		existing.Samples = append(existing.Samples, rv.Samples...)
		existing.Exemplars = append(existing.Exemplars, rv.Exemplars...)
	}
}

// ShapeMatrix packages loaded series into a matrix selector's output:
// every sample in the query window is retained, and each
// series carries a TimeWindow recording the range and offset it was
// selected under.
func ShapeMatrix(raw map[uint64]*promqlvalue.RangeValue, rangeUs, offsetUs int64) promqlvalue.Value {
	tw := &promqlvalue.TimeWindow{
		Range:  time.Duration(rangeUs) * time.Microsecond,
		Offset: time.Duration(offsetUs) * time.Microsecond,
	}
	out := make([]promqlvalue.RangeValue, 0, len(raw))
	for _, rv := range raw {
		out = append(out, promqlvalue.RangeValue{
			Labels: rv.Labels, Samples: rv.Samples, Exemplars: rv.Exemplars, TimeWindow: tw,
		})
	}
	return promqlvalue.NewMatrix(out)
}

// ShapeVector packages loaded series into a vector selector's output:
// for every evaluation timestamp t, the sample with the
// greatest timestamp+offset <= t that is also >= t - lookback is emitted
// at t itself (not its source timestamp); series with no covered sample
// at any timestamp are dropped entirely. Samples within rv must already
// be sorted ascending by timestamp (Loader.Load guarantees this), which is
// what lets this use a binary search per evaluation timestamp instead of a
// linear scan.
func ShapeVector(raw map[uint64]*promqlvalue.RangeValue, evalCtx promqlvalue.EvalContext, offsetUs, lookbackUs int64) promqlvalue.Value {
	timestamps := evalCtx.Timestamps()
	out := make([]promqlvalue.RangeValue, 0, len(raw))
	for _, rv := range raw {
		samples := make([]promqlvalue.Sample, 0, len(timestamps))
		for _, t := range timestamps {
			hi := t - offsetUs
			lo := hi - lookbackUs
			idx := sort.Search(len(rv.Samples), func(i int) bool {
				return rv.Samples[i].TimestampUs > hi
			}) - 1
			if idx < 0 {
				continue
			}
			s := rv.Samples[idx]
			if s.TimestampUs < lo {
				continue
			}
			samples = append(samples, promqlvalue.Sample{TimestampUs: t, Value: s.Value})
		}
		if len(samples) > 0 {
			out = append(out, promqlvalue.RangeValue{Labels: rv.Labels, Samples: samples})
		}
	}
	return promqlvalue.NewMatrix(out)
}
