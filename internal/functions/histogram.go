package functions

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
)

// bucket is one conventional-histogram bucket: an inclusive upper bound
// (the "le" label value) and its cumulative observation count.
type bucket struct {
	upperBound float64
	count      float64
}

// HistogramQuantile computes the phi-quantile of one or more conventional
// histograms out of a vector of bucket counts, each sample carrying a "le"
// label naming its bucket's upper bound. Samples without a parseable "le"
// are silently ignored, matching upstream Prometheus.
func HistogramQuantile(phi float64, data promqlvalue.Value, sampleTsUs int64) (promqlvalue.Value, error) {
	if data.Kind == promqlvalue.KindNone {
		return promqlvalue.None, nil
	}
	if data.Kind != promqlvalue.KindVector {
		return promqlvalue.None, fmt.Errorf("histogram_quantile: vector argument expected")
	}

	type group struct {
		labels  promqlvalue.Labels
		buckets []bucket
	}
	groups := map[uint64]*group{}

	for _, iv := range data.Vector {
		le, ok := parseLabelFloat(iv.Labels, promqlvalue.BucketLabel)
		if !ok {
			continue
		}
		sig := promqlvalue.SignatureWithoutLabels(iv.Labels, promqlvalue.HashLabel, promqlvalue.MetricNameLabel, promqlvalue.BucketLabel)
		g, ok := groups[sig]
		if !ok {
			g = &group{labels: iv.Labels.Exclude(promqlvalue.HashLabel, promqlvalue.MetricNameLabel, promqlvalue.BucketLabel)}
			groups[sig] = g
		}
		g.buckets = append(g.buckets, bucket{upperBound: le, count: iv.Sample.Value})
	}

	out := make([]promqlvalue.InstantValue, 0, len(groups))
	for _, g := range groups {
		out = append(out, promqlvalue.InstantValue{
			Labels: g.labels,
			Sample: promqlvalue.Sample{TimestampUs: sampleTsUs, Value: bucketQuantile(phi, g.buckets)},
		})
	}
	return promqlvalue.NewVector(out), nil
}

// HistogramQuantileRange is the range-query counterpart of HistogramQuantile:
// it groups bucket series by signature-without-bucket-label and computes the
// quantile independently at every evaluation timestamp, taking the bucket
// sample at that exact timestamp (falling back to the series' first sample
// if none matches, matching histogram_quantile_range's find-or-first rule).
func HistogramQuantileRange(phi float64, data promqlvalue.Value, evalCtx promqlvalue.EvalContext) (promqlvalue.Value, error) {
	if data.Kind == promqlvalue.KindNone {
		return promqlvalue.None, nil
	}
	if data.Kind != promqlvalue.KindMatrix {
		return promqlvalue.None, fmt.Errorf("histogram_quantile: vector or matrix argument expected")
	}
	if evalCtx.IsInstant() {
		vec := make([]promqlvalue.InstantValue, 0, len(data.Matrix))
		for _, rv := range data.Matrix {
			for _, s := range rv.Samples {
				vec = append(vec, promqlvalue.InstantValue{Labels: rv.Labels, Sample: s})
			}
		}
		return HistogramQuantile(phi, promqlvalue.NewVector(vec), evalCtx.StartUs)
	}

	type group struct {
		labels promqlvalue.Labels
		series []promqlvalue.RangeValue
	}
	groups := map[uint64]*group{}

	for _, rv := range data.Matrix {
		if _, ok := parseLabelFloat(rv.Labels, promqlvalue.BucketLabel); !ok {
			continue
		}
		sig := promqlvalue.SignatureWithoutLabels(rv.Labels, promqlvalue.HashLabel, promqlvalue.MetricNameLabel, promqlvalue.BucketLabel)
		g, ok := groups[sig]
		if !ok {
			g = &group{labels: rv.Labels.Exclude(promqlvalue.HashLabel, promqlvalue.MetricNameLabel, promqlvalue.BucketLabel)}
			groups[sig] = g
		}
		g.series = append(g.series, rv)
	}

	timestamps := evalCtx.Timestamps()
	out := make([]promqlvalue.RangeValue, 0, len(groups))

	for _, g := range groups {
		samples := make([]promqlvalue.Sample, 0, len(timestamps))
		for _, evalTs := range timestamps {
			var buckets []bucket
			for _, series := range g.series {
				le, ok := parseLabelFloat(series.Labels, promqlvalue.BucketLabel)
				if !ok {
					continue
				}
				sample, ok := sampleAtOrFirst(series.Samples, evalTs)
				if !ok {
					continue
				}
				buckets = append(buckets, bucket{upperBound: le, count: sample.Value})
			}
			if len(buckets) == 0 {
				continue
			}
			samples = append(samples, promqlvalue.Sample{TimestampUs: evalTs, Value: bucketQuantile(phi, buckets)})
		}
		if len(samples) == 0 {
			continue
		}
		out = append(out, promqlvalue.RangeValue{Labels: g.labels, Samples: samples})
	}

	return promqlvalue.NewMatrix(out), nil
}

func sampleAtOrFirst(samples []promqlvalue.Sample, ts int64) (promqlvalue.Sample, bool) {
	if len(samples) == 0 {
		return promqlvalue.Sample{}, false
	}
	for _, s := range samples {
		if s.TimestampUs == ts {
			return s, true
		}
	}
	return samples[0], true
}

func parseLabelFloat(labels promqlvalue.Labels, name string) (float64, bool) {
	v, ok := labels.Get(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// bucketQuantile ports quantile.go's histogramQuantile for conventional
// (non-native) histograms verbatim.
func bucketQuantile(phi float64, buckets []bucket) float64 {
	if math.IsNaN(phi) || len(buckets) == 0 {
		return math.NaN()
	}
	if phi < 0 {
		return math.Inf(-1)
	}
	if phi > 1 {
		return math.Inf(1)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].upperBound < buckets[j].upperBound })

	highest := buckets[len(buckets)-1]
	if !(math.IsInf(highest.upperBound, 1)) {
		return math.NaN()
	}

	buckets = coalesceBuckets(buckets)
	ensureMonotonic(buckets)

	if len(buckets) < 2 {
		return math.NaN()
	}

	observations := buckets[len(buckets)-1].count
	if observations == 0 {
		return math.NaN()
	}

	rank := phi * observations
	b := len(buckets) - 1
	for i := 0; i < len(buckets)-1; i++ {
		if buckets[i].count >= rank {
			b = i
			break
		}
	}
	if b == len(buckets)-1 {
		return buckets[len(buckets)-2].upperBound
	}
	if b == 0 && buckets[0].upperBound <= 0 {
		return buckets[0].upperBound
	}

	bucketEnd := buckets[b].upperBound
	count := buckets[b].count
	var bucketStart float64
	if b > 0 {
		count -= buckets[b-1].count
		rank -= buckets[b-1].count
		bucketStart = buckets[b-1].upperBound
	}

	return bucketStart + (bucketEnd-bucketStart)*(rank/count)
}

// coalesceBuckets merges adjacent buckets (input must be sorted) sharing the
// same upper bound, summing their counts.
func coalesceBuckets(buckets []bucket) []bucket {
	out := make([]bucket, 0, len(buckets))
	cur := buckets[0]
	for _, b := range buckets[1:] {
		if b.upperBound == cur.upperBound {
			cur.count += b.count
			continue
		}
		out = append(out, cur)
		cur = b
	}
	out = append(out, cur)
	return out
}

// ensureMonotonic clamps any bucket whose count dips below an earlier
// bucket's count back up to that earlier count, since cumulative histogram
// counts must never decrease.
func ensureMonotonic(buckets []bucket) {
	max := buckets[0].count
	for i := 1; i < len(buckets); i++ {
		if buckets[i].count > max {
			max = buckets[i].count
		} else if buckets[i].count < max {
			buckets[i].count = max
		}
	}
}
