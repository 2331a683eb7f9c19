package functions

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
)

// InstantFunc maps one sample's value to another, preserving labels and
// timestamp.
type InstantFunc func(float64) float64

// EvalInstant applies fn to every sample of every series in a Matrix,
// leaving labels and timestamps untouched. None passes through; any other
// Kind is an error. Every selector and function result in this evaluator
// is carried as a Matrix until the top-level instant-query conversion
// (see engine.ToVector), so the map runs over a Matrix's samples at every
// timestamp rather than a single already-collapsed Vector.
func EvalInstant(data promqlvalue.Value, fn InstantFunc) (promqlvalue.Value, error) {
	switch data.Kind {
	case promqlvalue.KindNone:
		return promqlvalue.None, nil
	case promqlvalue.KindMatrix:
		out := make([]promqlvalue.RangeValue, len(data.Matrix))
		for i, rv := range data.Matrix {
			samples := make([]promqlvalue.Sample, len(rv.Samples))
			for j, s := range rv.Samples {
				samples[j] = promqlvalue.Sample{TimestampUs: s.TimestampUs, Value: fn(s.Value)}
			}
			out[i] = promqlvalue.RangeValue{Labels: rv.Labels, Samples: samples, TimeWindow: rv.TimeWindow}
		}
		return promqlvalue.NewMatrix(out), nil
	default:
		return promqlvalue.None, fmt.Errorf("expected vector argument, got %s", data.Kind)
	}
}

var (
	Abs   InstantFunc = math.Abs
	Ceil  InstantFunc = math.Ceil
	Floor InstantFunc = math.Floor
	Exp   InstantFunc = math.Exp
	Ln    InstantFunc = math.Log
	Log2  InstantFunc = math.Log2
	Log10 InstantFunc = math.Log10
	Sqrt  InstantFunc = math.Sqrt
	Round InstantFunc = math.Round
	Sgn   InstantFunc = func(f float64) float64 {
		switch {
		case f > 0:
			return 1
		case f < 0:
			return -1
		default:
			return 0
		}
	}
)

// Clamp, ClampMin, ClampMax implement the eponymous PromQL functions.
func Clamp(min, max float64) InstantFunc {
	return func(f float64) float64 { return math.Max(min, math.Min(max, f)) }
}

func ClampMin(min float64) InstantFunc {
	return func(f float64) float64 { return math.Max(min, f) }
}

func ClampMax(max float64) InstantFunc {
	return func(f float64) float64 { return math.Min(max, f) }
}

// timeComponent extracts one calendar field from a microsecond timestamp.
type timeComponent func(time.Time) float64

func evalTimeComponent(data promqlvalue.Value, component timeComponent, nowUs int64) (promqlvalue.Value, error) {
	if data.Kind == promqlvalue.KindNone {
		// No argument: apply to the evaluation timestamp itself, wrapped
		// as a single-sample, single-series matrix.
		t := time.UnixMicro(nowUs).UTC()
		return promqlvalue.NewMatrix([]promqlvalue.RangeValue{{
			Samples: []promqlvalue.Sample{{TimestampUs: nowUs, Value: component(t)}},
		}}), nil
	}
	return EvalInstant(data, func(f float64) float64 {
		return component(time.UnixMicro(int64(f * 1e6)).UTC())
	})
}

func Minute(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 { return float64(t.Minute()) }, nowUs)
}

func Hour(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 { return float64(t.Hour()) }, nowUs)
}

func DayOfWeek(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 { return float64(t.Weekday()) }, nowUs)
}

func DayOfMonth(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 { return float64(t.Day()) }, nowUs)
}

func DayOfYear(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 { return float64(t.YearDay()) }, nowUs)
}

func DaysInMonth(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 {
		firstOfNextMonth := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		return float64(firstOfNextMonth.AddDate(0, 0, -1).Day())
	}, nowUs)
}

func Month(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 { return float64(t.Month()) }, nowUs)
}

func Year(data promqlvalue.Value, nowUs int64) (promqlvalue.Value, error) {
	return evalTimeComponent(data, func(t time.Time) float64 { return float64(t.Year()) }, nowUs)
}

// Timestamp returns each sample's own evaluation timestamp, in seconds.
func Timestamp(data promqlvalue.Value) (promqlvalue.Value, error) {
	if data.Kind == promqlvalue.KindNone {
		return promqlvalue.None, nil
	}
	if data.Kind != promqlvalue.KindMatrix {
		return promqlvalue.None, fmt.Errorf("timestamp: vector argument expected")
	}
	out := make([]promqlvalue.RangeValue, len(data.Matrix))
	for i, rv := range data.Matrix {
		samples := make([]promqlvalue.Sample, len(rv.Samples))
		for j, s := range rv.Samples {
			samples[j] = promqlvalue.Sample{TimestampUs: s.TimestampUs, Value: float64(s.TimestampUs) / 1e6}
		}
		out[i] = promqlvalue.RangeValue{Labels: rv.Labels, Samples: samples}
	}
	return promqlvalue.NewMatrix(out), nil
}

// LabelReplace implements the label_replace(v, dst, replacement, src,
// regex) function: dst is only (re)written when the regex's replacement
// differs from the existing source value. An empty replacement removes
// dst instead.
func LabelReplace(data promqlvalue.Value, dst, replacement, src, pattern string) (promqlvalue.Value, error) {
	if data.Kind == promqlvalue.KindNone {
		return promqlvalue.None, nil
	}
	if data.Kind != promqlvalue.KindMatrix {
		return promqlvalue.None, fmt.Errorf("label_replace: vector argument expected")
	}
	if !promqlvalue.IsValidLabelName(dst) {
		return promqlvalue.None, fmt.Errorf("label_replace: invalid destination label %q", dst)
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return promqlvalue.None, fmt.Errorf("label_replace: invalid regex: %w", err)
	}

	out := make([]promqlvalue.RangeValue, len(data.Matrix))
	for i, rv := range data.Matrix {
		labels := rv.Labels
		if replacement == "" {
			labels = labels.Exclude(dst)
		} else {
			srcValue, _ := labels.Get(src)
			replaced := re.ReplaceAllString(srcValue, replacement)
			if replaced != srcValue {
				labels = labels.Set(dst, replaced)
			}
		}
		out[i] = promqlvalue.RangeValue{Labels: labels, Samples: rv.Samples, Exemplars: rv.Exemplars, TimeWindow: rv.TimeWindow}
	}
	return promqlvalue.NewMatrix(out), nil
}

// LabelJoin implements label_join(v, dst, separator, src_label_1, ...):
// dst is set to the values of the listed source labels, joined by
// separator, on every series of a Matrix.
func LabelJoin(data promqlvalue.Value, dst, separator string, srcLabels []string) (promqlvalue.Value, error) {
	if data.Kind == promqlvalue.KindNone {
		return promqlvalue.None, nil
	}
	if data.Kind != promqlvalue.KindMatrix {
		return promqlvalue.None, fmt.Errorf("label_join: matrix argument expected")
	}

	out := make([]promqlvalue.RangeValue, len(data.Matrix))
	for i, rv := range data.Matrix {
		var parts []string
		for _, n := range srcLabels {
			v, _ := rv.Labels.Get(n)
			parts = append(parts, v)
		}
		out[i] = promqlvalue.RangeValue{
			Labels:     rv.Labels.Set(dst, strings.Join(parts, separator)),
			Samples:    rv.Samples,
			Exemplars:  rv.Exemplars,
			TimeWindow: rv.TimeWindow,
		}
	}
	return promqlvalue.NewMatrix(out), nil
}

// Absent reports 1 at every evaluation timestamp with no data in data, or
// None if every timestamp has data.
func Absent(data promqlvalue.Value, evalCtx promqlvalue.EvalContext) (promqlvalue.Value, error) {
	timestamps := evalCtx.Timestamps()

	if data.Kind == promqlvalue.KindNone {
		return absentMatrix(timestamps), nil
	}
	if data.Kind != promqlvalue.KindMatrix {
		return promqlvalue.None, fmt.Errorf("absent: matrix argument expected")
	}
	if len(data.Matrix) == 0 {
		return absentMatrix(timestamps), nil
	}

	present := map[int64]bool{}
	for _, rv := range data.Matrix {
		for _, s := range rv.Samples {
			present[s.TimestampUs] = true
		}
	}

	var samples []promqlvalue.Sample
	for _, ts := range timestamps {
		if !present[ts] {
			samples = append(samples, promqlvalue.Sample{TimestampUs: ts, Value: 1})
		}
	}
	if len(samples) == 0 {
		return promqlvalue.None, nil
	}
	return promqlvalue.NewMatrix([]promqlvalue.RangeValue{{Samples: samples}}), nil
}

func absentMatrix(timestamps []int64) promqlvalue.Value {
	samples := make([]promqlvalue.Sample, len(timestamps))
	for i, ts := range timestamps {
		samples[i] = promqlvalue.Sample{TimestampUs: ts, Value: 1}
	}
	return promqlvalue.NewMatrix([]promqlvalue.RangeValue{{Samples: samples}})
}

// Scalar converts a single-series single-sample Matrix (or an existing
// Float) into a Float, returning NaN for anything else.
func Scalar(data promqlvalue.Value) promqlvalue.Value {
	if f, ok := data.AsScalar(); ok {
		return promqlvalue.NewFloat(f)
	}
	return promqlvalue.NewFloat(math.NaN())
}

// VectorFn implements vector(s): it broadcasts a scalar across every
// evaluation timestamp as a single, unlabeled series.
func VectorFn(data promqlvalue.Value, evalCtx promqlvalue.EvalContext) (promqlvalue.Value, error) {
	f, ok := data.AsScalar()
	if !ok {
		return promqlvalue.None, fmt.Errorf("vector: scalar argument expected")
	}
	timestamps := evalCtx.Timestamps()
	samples := make([]promqlvalue.Sample, len(timestamps))
	for i, ts := range timestamps {
		samples[i] = promqlvalue.Sample{TimestampUs: ts, Value: f}
	}
	return promqlvalue.NewMatrix([]promqlvalue.RangeValue{{Samples: samples}}), nil
}
