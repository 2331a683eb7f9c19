package promqlvalue

import (
	"sort"
	"time"
)

// Sample is a single (timestamp, value) point. Timestamps are microseconds
// since the Unix epoch.
type Sample struct {
	TimestampUs int64
	Value       float64
}

// Exemplar is a labeled, trace-bearing point attached to a sample.
type Exemplar struct {
	TimestampUs int64
	Value       float64
	Labels      Labels
}

// TimeWindow is present on matrix selectors: it tells range functions the
// size of the sliding window to consider at each evaluation point.
type TimeWindow struct {
	Range  time.Duration
	Offset time.Duration
}

// RangeValue is one series: its labels, its samples ordered ascending by
// timestamp, optional exemplars, and an optional TimeWindow when the series
// came from a matrix selector.
//
// Samples are kept ascending by timestamp (see SortSamples); duplicate
// timestamps, e.g. from overlapping execution contexts, are not removed.
type RangeValue struct {
	Labels     Labels
	Samples    []Sample
	Exemplars  []Exemplar
	TimeWindow *TimeWindow
}

// SortSamples sorts Samples ascending by timestamp. Safe to call repeatedly.
func (r *RangeValue) SortSamples() {
	SortSamples(r.Samples)
}

// SortSamples sorts a bare sample slice ascending by timestamp.
func SortSamples(samples []Sample) {
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].TimestampUs < samples[j].TimestampUs
	})
}

// SortExemplars sorts Exemplars ascending by timestamp.
func (r *RangeValue) SortExemplars() {
	sort.Slice(r.Exemplars, func(i, j int) bool {
		return r.Exemplars[i].TimestampUs < r.Exemplars[j].TimestampUs
	})
}

// InstantValue is one series collapsed to a single sample — the shape a
// Vector carries.
type InstantValue struct {
	Labels Labels
	Sample Sample
}

// Kind identifies which variant a Value currently holds.
type Kind int

const (
	KindNone Kind = iota
	KindFloat
	KindString
	KindSample
	KindVector
	KindMatrix
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "scalar"
	case KindString:
		return "string"
	case KindSample:
		return "sample"
	case KindVector:
		return "vector"
	case KindMatrix:
		return "matrix"
	default:
		return "none"
	}
}

// Value is the tagged union passed between evaluator nodes. Exactly one of
// the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Float  float64
	String string
	Sample Sample
	Vector []InstantValue
	Matrix []RangeValue
}

// None is the empty Value.
var None = Value{Kind: KindNone}

// NewFloat wraps a scalar.
func NewFloat(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// NewString wraps a string.
func NewString(s string) Value { return Value{Kind: KindString, String: s} }

// NewMatrix wraps a Matrix, or returns None if m is empty — vector and
// matrix selectors return None rather than an empty Matrix when nothing
// matched.
func NewMatrix(m []RangeValue) Value {
	if len(m) == 0 {
		return None
	}
	return Value{Kind: KindMatrix, Matrix: m}
}

// NewVector wraps a Vector.
func NewVector(v []InstantValue) Value {
	return Value{Kind: KindVector, Vector: v}
}

// IsEmpty reports whether the value carries no series/samples.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindNone:
		return true
	case KindMatrix:
		return len(v.Matrix) == 0
	case KindVector:
		return len(v.Vector) == 0
	default:
		return false
	}
}

// AsScalar converts a single-series, single-sample Matrix into a Float: a
// matrix of that shape is treated as a scalar on demand. ok is false when
// v does not meet that shape.
func (v Value) AsScalar() (float64, bool) {
	if v.Kind == KindFloat {
		return v.Float, true
	}
	if v.Kind == KindMatrix && len(v.Matrix) == 1 && len(v.Matrix[0].Samples) == 1 {
		return v.Matrix[0].Samples[0].Value, true
	}
	return 0, false
}

// SortBySignature sorts a Matrix or Vector by label signature so identical
// queries yield byte-identical responses.
func SortBySignature(v Value) Value {
	switch v.Kind {
	case KindMatrix:
		m := append([]RangeValue(nil), v.Matrix...)
		sort.Slice(m, func(i, j int) bool { return m[i].Labels.Signature() < m[j].Labels.Signature() })
		return Value{Kind: KindMatrix, Matrix: m}
	case KindVector:
		vec := append([]InstantValue(nil), v.Vector...)
		sort.Slice(vec, func(i, j int) bool { return vec[i].Labels.Signature() < vec[j].Labels.Signature() })
		return Value{Kind: KindVector, Vector: vec}
	default:
		return v
	}
}

// ScanStats accumulates scan accounting across a query. Mergeable by
// component-wise addition.
type ScanStats struct {
	Files            int64
	Records          int64
	OriginalSize     int64
	CompressedSize   int64
	QuerierFiles     int64
}

// Add merges other into s.
func (s *ScanStats) Add(other ScanStats) {
	s.Files += other.Files
	s.Records += other.Records
	s.OriginalSize += other.OriginalSize
	s.CompressedSize += other.CompressedSize
	s.QuerierFiles += other.QuerierFiles
}
