// Package functions implements the PromQL function library:
// instant-on-vector functions, the generic range-on-matrix driver and its
// concrete windowed functions, and histogram_quantile.
package functions

import (
	"math"
	"sort"

	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
)

// RangeFunc computes one output value from the samples falling in a window
// [windowStartUs, windowEndUs] ending at evalTs. Returning ok == false
// drops this evaluation point for this series; the series itself is
// dropped if it produces no value at any timestamp.
type RangeFunc func(samples []promqlvalue.Sample, evalTsUs, windowStartUs, windowEndUs int64) (float64, bool)

// EvalRange is the generic driver behind every *_over_time / rate /
// increase / delta / ... function: for each series in data and each
// evaluation timestamp, it extracts the samples with timestamp in
// [evalTs-window, evalTs] via binary search and invokes fn. Series that
// produce no value at any timestamp are dropped. Unless keepName is true,
// __name__ is stripped from the result labels (only last_over_time keeps
// it).
func EvalRange(data promqlvalue.Value, fn RangeFunc, evalCtx promqlvalue.EvalContext, keepName bool) promqlvalue.Value {
	if data.Kind != promqlvalue.KindMatrix {
		return promqlvalue.None
	}

	timestamps := evalCtx.Timestamps()
	out := make([]promqlvalue.RangeValue, 0, len(data.Matrix))

	for _, series := range data.Matrix {
		labels := series.Labels
		if !keepName {
			labels = labels.WithoutMetricName()
		}

		rangeUs := int64(0)
		offsetUs := int64(0)
		if series.TimeWindow != nil {
			rangeUs = series.TimeWindow.Range.Microseconds()
			offsetUs = series.TimeWindow.Offset.Microseconds()
		}

		samples := series.Samples
		results := make([]promqlvalue.Sample, 0, len(timestamps))
		for _, evalTs := range timestamps {
			windowEnd := evalTs - offsetUs
			windowStart := windowEnd - rangeUs

			start := sort.Search(len(samples), func(i int) bool {
				return samples[i].TimestampUs >= windowStart
			})
			end := sort.Search(len(samples), func(i int) bool {
				return samples[i].TimestampUs > windowEnd
			})

			// fn sees the (possibly empty) window as-is: most functions
			// decline empty windows, but absent_over_time reports on them.
			v, ok := fn(samples[start:end], evalTs, windowStart, windowEnd)
			if !ok {
				continue
			}
			results = append(results, promqlvalue.Sample{TimestampUs: evalTs, Value: v})
		}

		if len(results) == 0 {
			continue
		}
		out = append(out, promqlvalue.RangeValue{
			Labels:     labels,
			Samples:    results,
			TimeWindow: series.TimeWindow,
		})
	}

	return promqlvalue.NewMatrix(out)
}

// extrapolationKind selects the rate/increase/delta numeric contract.
type extrapolationKind int

const (
	extRate extrapolationKind = iota
	extIncrease
	extDelta
)

// extrapolatedRate implements the counter-corrected, edge-extrapolated
// delta behind rate/increase/delta: compute the counter-corrected delta
// across the window's samples, scale by window/(last_ts-first_ts), and
// extrapolate to the edges only when the gap to the window boundary is
// less than 1.1x the average sample spacing.
func extrapolatedRate(samples []promqlvalue.Sample, windowStartUs, windowEndUs int64, kind extrapolationKind) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}

	resultValue := samples[len(samples)-1].Value - samples[0].Value
	if kind != extDelta {
		// Counter reset correction: every decrease between adjacent
		// samples implies the counter reset to (at least) zero; add back
		// the value just before the reset.
		var corrected float64
		prev := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < prev {
				corrected += prev
			}
			prev = s.Value
		}
		resultValue += corrected
	}

	sampledIntervalUs := samples[len(samples)-1].TimestampUs - samples[0].TimestampUs
	if sampledIntervalUs == 0 {
		return 0, false
	}
	averageDurationUs := float64(sampledIntervalUs) / float64(len(samples)-1)
	extrapolationThreshold := averageDurationUs * 1.1

	durationToStart := float64(samples[0].TimestampUs - windowStartUs)
	durationToEnd := float64(windowEndUs - samples[len(samples)-1].TimestampUs)

	extrapolateToInterval := float64(sampledIntervalUs)
	if durationToStart < extrapolationThreshold {
		extrapolateToInterval += durationToStart
	} else {
		extrapolateToInterval += averageDurationUs / 2
	}
	if durationToEnd < extrapolationThreshold {
		extrapolateToInterval += durationToEnd
	} else {
		extrapolateToInterval += averageDurationUs / 2
	}

	factor := extrapolateToInterval / float64(sampledIntervalUs)
	if kind == extRate {
		factor /= float64(windowEndUs-windowStartUs) / 1e6
	}
	return resultValue * factor, true
}

// Rate computes per-second rate of increase, counter-reset corrected and
// edge-extrapolated.
func Rate(samples []promqlvalue.Sample, _ int64, windowStartUs, windowEndUs int64) (float64, bool) {
	return extrapolatedRate(samples, windowStartUs, windowEndUs, extRate)
}

// Increase computes the counter-reset-corrected, edge-extrapolated total
// increase over the window.
func Increase(samples []promqlvalue.Sample, _ int64, windowStartUs, windowEndUs int64) (float64, bool) {
	return extrapolatedRate(samples, windowStartUs, windowEndUs, extIncrease)
}

// Delta treats the metric as a gauge: no counter-reset correction, still
// edge-extrapolated.
func Delta(samples []promqlvalue.Sample, _ int64, windowStartUs, windowEndUs int64) (float64, bool) {
	return extrapolatedRate(samples, windowStartUs, windowEndUs, extDelta)
}

// IDelta is the last-two-samples difference (no time scaling).
func IDelta(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	last := samples[len(samples)-1]
	prev := samples[len(samples)-2]
	return last.Value - prev.Value, true
}

// IRate is the instantaneous rate across the last two samples, with
// counter-reset handling: on a decrease, use the raw last value rather
// than the (negative) difference.
func IRate(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	last := samples[len(samples)-1]
	prev := samples[len(samples)-2]

	dtSeconds := float64(last.TimestampUs-prev.TimestampUs) / 1e6
	if dtSeconds == 0 {
		return 0, true
	}

	dtValue := last.Value - prev.Value
	if dtValue < 0 {
		dtValue = last.Value
	}
	return dtValue / dtSeconds, true
}

// linearRegression runs ordinary least squares on (ts-pivotSec, value)
// pairs, where pivotSec is the first sample's timestamp converted to
// seconds. Returns (slope, intercept).
func linearRegression(samples []promqlvalue.Sample, pivotUs int64) (slope, intercept float64, ok bool) {
	if len(samples) < 2 {
		return 0, 0, false
	}

	var n, sumX, sumY, sumXY, sumX2 float64
	for _, s := range samples {
		x := float64(s.TimestampUs-pivotUs) / 1e6
		n++
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumX2 += x * x
	}

	covXY := sumXY/n - (sumX/n)*(sumY/n)
	varX := sumX2/n - (sumX/n)*(sumX/n)
	if varX == 0 {
		return 0, sumY / n, true
	}
	slope = covXY / varX
	intercept = sumY/n - slope*(sumX/n)
	return slope, intercept, true
}

// Deriv runs a simple linear regression over the window and returns the
// slope.
func Deriv(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	slope, _, ok := linearRegression(samples, samples[0].TimestampUs)
	return slope, ok
}

// PredictLinear returns the projected value `durationSec` seconds past
// evalTs, per the linear regression fit to the window's samples.
func PredictLinear(durationSec float64) RangeFunc {
	return func(samples []promqlvalue.Sample, evalTsUs int64, _, _ int64) (float64, bool) {
		if len(samples) < 2 {
			return 0, false
		}
		slope, intercept, ok := linearRegression(samples, samples[0].TimestampUs)
		if !ok {
			return 0, false
		}
		t := float64(evalTsUs-samples[0].TimestampUs)/1e6 + durationSec
		return slope*t + intercept, true
	}
}

// HoltWinters iterates the double-exponential smoothing recursion across
// the window's samples and returns the last smoothed value. Requires
// sf, tf in (0, 1).
func HoltWinters(sf, tf float64) RangeFunc {
	return func(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
		if len(samples) < 2 {
			return 0, false
		}
		var previousSmoothed float64
		currentSmoothed := samples[0].Value
		trend := samples[1].Value - samples[0].Value

		for _, s := range samples[1:] {
			scaledValue := sf * s.Value
			trend = tf*(currentSmoothed-previousSmoothed) + (1-tf)*trend
			scaledTrend := (1 - sf) * (currentSmoothed + trend)
			previousSmoothed = currentSmoothed
			currentSmoothed = scaledValue + scaledTrend
		}
		return currentSmoothed, true
	}
}

// Changes counts strict value changes across adjacent samples.
func Changes(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var changes int
	for i := 1; i < len(samples); i++ {
		if samples[i].Value != samples[i-1].Value {
			changes++
		}
	}
	return float64(changes), true
}

// Resets counts strict decreases across adjacent samples.
func Resets(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var resets int
	for i := 1; i < len(samples); i++ {
		if samples[i].Value < samples[i-1].Value {
			resets++
		}
	}
	return float64(resets), true
}

// aggOverTime builds a RangeFunc that folds a window of samples with fold,
// seeded with the first sample's value.
func aggOverTime(fold func(acc float64, v float64, i int) float64) RangeFunc {
	return func(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
		if len(samples) == 0 {
			return 0, false
		}
		acc := samples[0].Value
		for i, s := range samples[1:] {
			acc = fold(acc, s.Value, i+1)
		}
		return acc, true
	}
}

var (
	AvgOverTime = func(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
		if len(samples) == 0 {
			return 0, false
		}
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum / float64(len(samples)), true
	}
	SumOverTime = aggOverTime(func(acc, v float64, _ int) float64 { return acc + v })
	MinOverTime = aggOverTime(func(acc, v float64, _ int) float64 { return math.Min(acc, v) })
	MaxOverTime = aggOverTime(func(acc, v float64, _ int) float64 { return math.Max(acc, v) })
	CountOverTime = func(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
		if len(samples) == 0 {
			return 0, false
		}
		return float64(len(samples)), true
	}
	// LastOverTime is in promqlvalue.KeepMetricNameFuncs.
	LastOverTime = func(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
		if len(samples) == 0 {
			return 0, false
		}
		return samples[len(samples)-1].Value, true
	}
	AbsentOverTime = func(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
		if len(samples) > 0 {
			return 0, false
		}
		return 1, true
	}
)

// StddevOverTime and StdvarOverTime compute population statistics over
// the window.
func StddevOverTime(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
	v, ok := variance(samples)
	if !ok {
		return 0, false
	}
	return math.Sqrt(v), true
}

func StdvarOverTime(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
	return variance(samples)
}

func variance(samples []promqlvalue.Sample) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var mean float64
	for _, s := range samples {
		mean += s.Value
	}
	mean /= float64(len(samples))

	var acc float64
	for _, s := range samples {
		d := mean - s.Value
		acc += d * d
	}
	return acc / float64(len(samples)), true
}

// QuantileOverTime returns a RangeFunc computing the phi-quantile across
// the window via linear interpolation on the sorted samples.
func QuantileOverTime(phi float64) RangeFunc {
	return func(samples []promqlvalue.Sample, _ int64, _, _ int64) (float64, bool) {
		if len(samples) == 0 {
			return 0, false
		}
		if math.IsNaN(phi) {
			return math.NaN(), true
		}
		if phi < 0 {
			return math.Inf(-1), true
		}
		if phi > 1 {
			return math.Inf(1), true
		}

		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.Value
		}
		sort.Float64s(values)
		return interpolateQuantile(phi, values), true
	}
}

func interpolateQuantile(phi float64, sortedValues []float64) float64 {
	n := len(sortedValues)
	if n == 1 {
		return sortedValues[0]
	}
	rank := phi * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sortedValues[lower]
	}
	weight := rank - float64(lower)
	return sortedValues[lower]*(1-weight) + sortedValues[upper]*weight
}
