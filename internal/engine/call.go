package engine

import (
	"context"

	"code.cloudfoundry.org/metric-query/internal/functions"
	"code.cloudfoundry.org/metric-query/internal/promqlerr"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"github.com/prometheus/prometheus/promql/parser"
)

// timeComponentFuncs dispatches the zero-or-one-argument time-of-day
// functions. With no argument
// they apply to the evaluation timestamp itself; with a vector argument
// they apply to each sample's own value, interpreted as Unix seconds.
var timeComponentFuncs = map[string]func(promqlvalue.Value, int64) (promqlvalue.Value, error){
	"minute":        functions.Minute,
	"hour":          functions.Hour,
	"day_of_week":   functions.DayOfWeek,
	"day_of_month":  functions.DayOfMonth,
	"day_of_year":   functions.DayOfYear,
	"days_in_month": functions.DaysInMonth,
	"month":         functions.Month,
	"year":          functions.Year,
}

// instantMathFuncs dispatches the elementwise math functions through
// functions.EvalInstant.
var instantMathFuncs = map[string]functions.InstantFunc{
	"abs":   functions.Abs,
	"ceil":  functions.Ceil,
	"floor": functions.Floor,
	"exp":   functions.Exp,
	"ln":    functions.Ln,
	"log2":  functions.Log2,
	"log10": functions.Log10,
	"sqrt":  functions.Sqrt,
	"round": functions.Round,
	"sgn":   functions.Sgn,
}

// rangeFuncs dispatches the fixed-arity windowed functions through
// functions.EvalRange. last_over_time is handled separately since it is
// the sole member of promqlvalue.KeepMetricNameFuncs.
var rangeFuncs = map[string]functions.RangeFunc{
	"rate":               functions.Rate,
	"increase":           functions.Increase,
	"delta":              functions.Delta,
	"idelta":             functions.IDelta,
	"irate":              functions.IRate,
	"deriv":              functions.Deriv,
	"changes":            functions.Changes,
	"resets":             functions.Resets,
	"avg_over_time":      functions.AvgOverTime,
	"sum_over_time":      functions.SumOverTime,
	"min_over_time":      functions.MinOverTime,
	"max_over_time":      functions.MaxOverTime,
	"count_over_time":    functions.CountOverTime,
	"stddev_over_time":   functions.StddevOverTime,
	"stdvar_over_time":   functions.StdvarOverTime,
	"absent_over_time":   functions.AbsentOverTime,
}

// evalCall dispatches a parser.Call node onto the function library. Each
// argument is evaluated lazily, since most functions
// need only a subset of their arguments as Matrix/Vector values and the
// rest as literal scalars/strings.
func (e *Evaluator) evalCall(ctx context.Context, qctx *promqlvalue.PromqlContext, evalCtx promqlvalue.EvalContext, n *parser.Call) (promqlvalue.Value, error) {
	name := n.Func.Name
	args := n.Args

	evalArg := func(i int) (promqlvalue.Value, error) {
		return e.Eval(ctx, qctx, evalCtx, args[i])
	}
	scalarArg := func(i int) (float64, error) {
		v, err := evalArg(i)
		if err != nil {
			return 0, err
		}
		f, ok := v.AsScalar()
		if !ok {
			return 0, promqlerr.Plan("%s: scalar argument expected at position %d", name, i)
		}
		return f, nil
	}
	stringArg := func(i int) (string, error) {
		v, err := evalArg(i)
		if err != nil {
			return "", err
		}
		if v.Kind != promqlvalue.KindString {
			return "", promqlerr.Plan("%s: string argument expected at position %d", name, i)
		}
		return v.String, nil
	}

	if fn, ok := instantMathFuncs[name]; ok {
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.EvalInstant(data, fn)
		return v, wrapPlan(name, err)
	}

	if fn, ok := timeComponentFuncs[name]; ok {
		if len(args) == 0 {
			return nullaryTimeMatrix(evalCtx, fn)
		}
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := fn(data, 0)
		return v, wrapPlan(name, err)
	}

	if name == "last_over_time" {
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		return functions.EvalRange(data, functions.LastOverTime, evalCtx, true), nil
	}

	if fn, ok := rangeFuncs[name]; ok {
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		return functions.EvalRange(data, fn, evalCtx, false), nil
	}

	switch name {
	case "timestamp":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.Timestamp(data)
		return v, wrapPlan(name, err)

	case "clamp":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		lo, err := scalarArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		hi, err := scalarArg(2)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.EvalInstant(data, functions.Clamp(lo, hi))
		return v, wrapPlan(name, err)

	case "clamp_min":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		lo, err := scalarArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.EvalInstant(data, functions.ClampMin(lo))
		return v, wrapPlan(name, err)

	case "clamp_max":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		hi, err := scalarArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.EvalInstant(data, functions.ClampMax(hi))
		return v, wrapPlan(name, err)

	case "label_replace":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		dst, err := stringArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		replacement, err := stringArg(2)
		if err != nil {
			return promqlvalue.None, err
		}
		src, err := stringArg(3)
		if err != nil {
			return promqlvalue.None, err
		}
		pattern, err := stringArg(4)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.LabelReplace(data, dst, replacement, src, pattern)
		return v, wrapPlan(name, err)

	case "label_join":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		dst, err := stringArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		separator, err := stringArg(2)
		if err != nil {
			return promqlvalue.None, err
		}
		srcLabels := make([]string, 0, len(args)-3)
		for i := 3; i < len(args); i++ {
			s, err := stringArg(i)
			if err != nil {
				return promqlvalue.None, err
			}
			srcLabels = append(srcLabels, s)
		}
		v, err := functions.LabelJoin(data, dst, separator, srcLabels)
		return v, wrapPlan(name, err)

	case "absent":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.Absent(data, evalCtx)
		return v, wrapPlan(name, err)

	case "scalar":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		return functions.Scalar(data), nil

	case "vector":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.VectorFn(data, evalCtx)
		return v, wrapPlan(name, err)

	case "predict_linear":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		d, err := scalarArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		return functions.EvalRange(data, functions.PredictLinear(d), evalCtx, false), nil

	case "holt_winters":
		data, err := evalArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		sf, err := scalarArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		tf, err := scalarArg(2)
		if err != nil {
			return promqlvalue.None, err
		}
		if sf <= 0 || sf >= 1 || tf <= 0 || tf >= 1 {
			return promqlvalue.None, promqlerr.Plan("holt_winters: smoothing factors must be in (0, 1)")
		}
		return functions.EvalRange(data, functions.HoltWinters(sf, tf), evalCtx, false), nil

	case "quantile_over_time":
		phi, err := scalarArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		data, err := evalArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		return functions.EvalRange(data, functions.QuantileOverTime(phi), evalCtx, false), nil

	case "histogram_quantile":
		phi, err := scalarArg(0)
		if err != nil {
			return promqlvalue.None, err
		}
		data, err := evalArg(1)
		if err != nil {
			return promqlvalue.None, err
		}
		v, err := functions.HistogramQuantileRange(phi, data, evalCtx)
		return v, wrapPlan(name, err)

	default:
		return promqlvalue.None, promqlerr.Plan("unsupported function: %s", name)
	}
}

func wrapPlan(name string, err error) error {
	if err == nil {
		return nil
	}
	return promqlerr.Wrap(promqlerr.KindPlan, name, err)
}

// nullaryTimeMatrix applies a zero-argument time-of-day function at every
// evaluation timestamp, merging the per-timestamp single-sample matrices
// fn produces into one series spanning the whole evaluation window.
func nullaryTimeMatrix(evalCtx promqlvalue.EvalContext, fn func(promqlvalue.Value, int64) (promqlvalue.Value, error)) (promqlvalue.Value, error) {
	timestamps := evalCtx.Timestamps()
	samples := make([]promqlvalue.Sample, 0, len(timestamps))
	for _, ts := range timestamps {
		v, err := fn(promqlvalue.None, ts)
		if err != nil {
			return promqlvalue.None, err
		}
		if v.Kind == promqlvalue.KindMatrix && len(v.Matrix) > 0 && len(v.Matrix[0].Samples) > 0 {
			samples = append(samples, v.Matrix[0].Samples[0])
		}
	}
	if len(samples) == 0 {
		return promqlvalue.None, nil
	}
	return promqlvalue.NewMatrix([]promqlvalue.RangeValue{{Samples: samples}}), nil
}
