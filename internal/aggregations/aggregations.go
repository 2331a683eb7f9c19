// Package aggregations implements PromQL's aggregation operators: sum,
// avg, min, max, count, group, stddev, stdvar, topk, bottomk, quantile,
// and count_values, each dispatched on operator token with an optional
// by(...)/without(...) modifier. Every operator folds a whole Matrix
// across every evaluation timestamp at once, since the evaluator (see
// internal/engine) always hands aggregation a full Matrix rather than
// invoking it once per timestamp.
package aggregations

import (
	"fmt"
	"math"
	"sort"

	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
)

// Modifier carries a by(...)/without(...) grouping clause: by (Include)
// keeps only the named labels for grouping, without drops them.
// A nil Modifier groups everything into a single series, matching bare
// sum(...) with no by/without clause.
type Modifier struct {
	Include bool
	Labels  []string
}

func groupLabels(mod *Modifier, l promqlvalue.Labels) promqlvalue.Labels {
	stripped := l.WithoutMetricName()
	if mod == nil {
		return promqlvalue.NewLabels(nil)
	}
	if mod.Include {
		return stripped.Include(mod.Labels...)
	}
	return stripped.Exclude(mod.Labels...)
}

// group collects every sample, across every series assigned to it, keyed
// by its own timestamp — the per-(group,timestamp) fold input.
type group struct {
	labels promqlvalue.Labels
	values map[int64][]float64
}

func asMatrix(data promqlvalue.Value, fname string) ([]promqlvalue.RangeValue, bool, error) {
	switch data.Kind {
	case promqlvalue.KindNone:
		return nil, false, nil
	case promqlvalue.KindMatrix:
		return data.Matrix, true, nil
	case promqlvalue.KindVector:
		out := make([]promqlvalue.RangeValue, len(data.Vector))
		for i, iv := range data.Vector {
			out[i] = promqlvalue.RangeValue{Labels: iv.Labels, Samples: []promqlvalue.Sample{iv.Sample}}
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("[%s] function only accepts vector or matrix values", fname)
	}
}

func groupSamples(matrix []promqlvalue.RangeValue, mod *Modifier) (map[uint64]*group, []uint64) {
	groups := map[uint64]*group{}
	var order []uint64
	for _, rv := range matrix {
		gl := groupLabels(mod, rv.Labels)
		key := gl.Signature()
		g, ok := groups[key]
		if !ok {
			g = &group{labels: gl, values: map[int64][]float64{}}
			groups[key] = g
			order = append(order, key)
		}
		for _, s := range rv.Samples {
			g.values[s.TimestampUs] = append(g.values[s.TimestampUs], s.Value)
		}
	}
	return groups, order
}

// foldArithmetic groups matrix by mod and folds each group's per-timestamp
// sample values with fold, producing one output series per group.
func foldArithmetic(data promqlvalue.Value, mod *Modifier, fname string, fold func([]float64) float64) (promqlvalue.Value, error) {
	matrix, ok, err := asMatrix(data, fname)
	if err != nil {
		return promqlvalue.None, err
	}
	if !ok {
		return promqlvalue.None, nil
	}

	groups, order := groupSamples(matrix, mod)
	out := make([]promqlvalue.RangeValue, 0, len(order))
	for _, key := range order {
		g := groups[key]
		samples := make([]promqlvalue.Sample, 0, len(g.values))
		for ts, vs := range g.values {
			samples = append(samples, promqlvalue.Sample{TimestampUs: ts, Value: fold(vs)})
		}
		promqlvalue.SortSamples(samples)
		out = append(out, promqlvalue.RangeValue{Labels: g.labels, Samples: samples})
	}
	return promqlvalue.NewMatrix(out), nil
}

// Sum folds each group's per-timestamp samples with arithmetic sum.
func Sum(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "sum", func(vs []float64) float64 {
		var total float64
		for _, v := range vs {
			total += v
		}
		return total
	})
}

// Avg folds each group's per-timestamp samples into their mean.
func Avg(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "avg", func(vs []float64) float64 {
		var total float64
		for _, v := range vs {
			total += v
		}
		return total / float64(len(vs))
	})
}

// Max folds each group to its maximum. The accumulator starts from 0.0
// rather than the first sample: a group whose every value is negative
// loses to the 0.0 starting point and reports 0, not the true maximum.
func Max(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "max", func(vs []float64) float64 {
		prev := 0.0
		for _, v := range vs {
			if prev >= v {
				continue
			}
			prev = v
		}
		return prev
	})
}

// Min folds each group to its minimum, with the same kind of 0.0-seeded
// accumulator as Max: non-positive running minimums are treated as
// "unset", so the first non-negative sample always wins over a prior
// negative one.
func Min(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "min", func(vs []float64) float64 {
		prev := 0.0
		for _, v := range vs {
			if prev > 0.0 && prev <= v {
				continue
			}
			prev = v
		}
		return prev
	})
}

// Count folds each group to the number of samples contributing at that
// timestamp.
func Count(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "count", func(vs []float64) float64 {
		return float64(len(vs))
	})
}

// Group reports a constant 1.0 for every group/timestamp that has at
// least one contributing sample.
func Group(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "group", func(vs []float64) float64 {
		return 1.0
	})
}

func popVariance(vs []float64) float64 {
	n := float64(len(vs))
	var mean float64
	for _, v := range vs {
		mean += v
	}
	mean /= n
	var sq float64
	for _, v := range vs {
		diff := mean - v
		sq += diff * diff
	}
	return sq / n
}

// Stdvar folds each group to its population variance.
func Stdvar(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "stdvar", popVariance)
}

// Stddev folds each group to its population standard deviation.
func Stddev(data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "stddev", func(vs []float64) float64 {
		return math.Sqrt(popVariance(vs))
	})
}

// quantileValue computes the phi-quantile of vs by classic linear
// interpolation over the sorted slice — the same rank-interpolation shape
// histogram.go's bucketQuantile specializes for cumulative buckets.
func quantileValue(phi float64, vs []float64) float64 {
	if math.IsNaN(phi) {
		return math.NaN()
	}
	if phi < 0 {
		return math.Inf(-1)
	}
	if phi > 1 {
		return math.Inf(1)
	}
	if len(vs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := phi * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Quantile folds each group to its phi-quantile, with phi outside [0,1]
// mapping to -Inf/+Inf and NaN passing through.
func Quantile(phi float64, data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return foldArithmetic(data, mod, "quantile", func(vs []float64) float64 {
		return quantileValue(phi, vs)
	})
}

// CountValues groups samples by their grouping label set, then within
// each group emits one output series per distinct numeric value seen,
// with label set to that value's decimal string, holding the count of
// samples carrying that value at each timestamp.
func CountValues(labelName string, data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	if !promqlvalue.IsValidLabelName(labelName) {
		return promqlvalue.None, fmt.Errorf("[count_values] invalid label name: %s", labelName)
	}
	matrix, ok, err := asMatrix(data, "count_values")
	if err != nil {
		return promqlvalue.None, err
	}
	if !ok || len(matrix) == 0 {
		return promqlvalue.None, nil
	}

	groups, order := groupSamples(matrix, mod)
	var out []promqlvalue.RangeValue
	for _, key := range order {
		g := groups[key]
		// valueCounts[value][timestamp] = count
		valueCounts := map[string]map[int64]float64{}
		for ts, vs := range g.values {
			for _, v := range vs {
				s := formatValue(v)
				if valueCounts[s] == nil {
					valueCounts[s] = map[int64]float64{}
				}
				valueCounts[s][ts]++
			}
		}
		for value, counts := range valueCounts {
			samples := make([]promqlvalue.Sample, 0, len(counts))
			for ts, c := range counts {
				samples = append(samples, promqlvalue.Sample{TimestampUs: ts, Value: c})
			}
			promqlvalue.SortSamples(samples)
			out = append(out, promqlvalue.RangeValue{Labels: g.labels.Set(labelName, value), Samples: samples})
		}
	}
	if len(out) == 0 {
		return promqlvalue.None, nil
	}
	return promqlvalue.NewMatrix(out), nil
}

func formatValue(v float64) string {
	return fmt.Sprintf("%g", v)
}

// selectK runs per-timestamp top/bottom-k selection within one label
// group's series, keeping each surviving series' original labels and
// only the samples that landed in the top/bottom k at their timestamp.
// The candidate list per timestamp is small, so a full sort.Slice stands
// in for a partial nth-element selection.
func selectK(matrix []promqlvalue.RangeValue, indices []int, k int, isBottom bool) []promqlvalue.RangeValue {
	if len(indices) == 0 || k <= 0 {
		return nil
	}

	type entry struct {
		seriesIdx int
		value     float64
	}
	byTimestamp := map[int64][]entry{}
	for _, idx := range indices {
		for _, s := range matrix[idx].Samples {
			byTimestamp[s.TimestampUs] = append(byTimestamp[s.TimestampUs], entry{idx, s.Value})
		}
	}

	keep := map[int64]map[int]bool{}
	for ts, entries := range byTimestamp {
		sort.Slice(entries, func(i, j int) bool {
			if isBottom {
				return entries[i].value < entries[j].value
			}
			return entries[i].value > entries[j].value
		})
		n := k
		if n > len(entries) {
			n = len(entries)
		}
		set := make(map[int]bool, n)
		for _, e := range entries[:n] {
			set[e.seriesIdx] = true
		}
		keep[ts] = set
	}

	var result []promqlvalue.RangeValue
	for _, idx := range indices {
		series := matrix[idx]
		var samples []promqlvalue.Sample
		for _, s := range series.Samples {
			if set, ok := keep[s.TimestampUs]; ok && set[idx] {
				samples = append(samples, s)
			}
		}
		if len(samples) > 0 {
			result = append(result, promqlvalue.RangeValue{Labels: series.Labels, Samples: samples, Exemplars: series.Exemplars, TimeWindow: series.TimeWindow})
		}
	}
	return result
}

func groupIndices(matrix []promqlvalue.RangeValue, mod *Modifier) map[uint64][]int {
	groups := map[uint64][]int{}
	for i, rv := range matrix {
		key := groupLabels(mod, rv.Labels).Signature()
		groups[key] = append(groups[key], i)
	}
	return groups
}

func topBottom(data promqlvalue.Value, mod *Modifier, k int, fname string, isBottom bool) (promqlvalue.Value, error) {
	matrix, ok, err := asMatrix(data, fname)
	if err != nil {
		return promqlvalue.None, err
	}
	if !ok || len(matrix) == 0 || k <= 0 {
		return promqlvalue.None, nil
	}

	var out []promqlvalue.RangeValue
	for _, indices := range groupIndices(matrix, mod) {
		out = append(out, selectK(matrix, indices, k, isBottom)...)
	}
	if len(out) == 0 {
		return promqlvalue.None, nil
	}
	return promqlvalue.NewMatrix(out), nil
}

// TopK retains, within each group and at each timestamp, the k samples
// with the highest value, keeping the original series' labels.
func TopK(k int, data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return topBottom(data, mod, k, "topk", false)
}

// BottomK is TopK's symmetric counterpart, retaining the k lowest values.
func BottomK(k int, data promqlvalue.Value, mod *Modifier) (promqlvalue.Value, error) {
	return topBottom(data, mod, k, "bottomk", true)
}
