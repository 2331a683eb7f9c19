// Package promqlvalue defines the typed value model the evaluator, selector
// loader, and function library pass between each other: labels, samples,
// exemplars, time windows, and the Value union itself.
package promqlvalue

import (
	"hash/maphash"
	"regexp"
	"sort"
)

// MetricNameLabel, BucketLabel, HashLabel, and ValueColumn are the
// reserved label and column names the engine gives special meaning.
const (
	MetricNameLabel = "__name__"
	BucketLabel     = "le"
	HashLabel       = "hash"
	ValueColumn     = "value"
	ExemplarsColumn = "exemplars"
)

// KeepMetricNameFuncs is the set of range functions that do not drop
// __name__ from their result series.
var KeepMetricNameFuncs = map[string]bool{
	"last_over_time": true,
}

var labelNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidLabelName enforces the PromQL identifier grammar. Functions that
// dynamically create labels (label_replace, count_values) must validate
// with this before attaching a new label.
func IsValidLabelName(name string) bool {
	return labelNameRE.MatchString(name)
}

// Label is a single (name, value) pair.
type Label struct {
	Name  string
	Value string
}

// Labels is an ordered, deduplicated sequence of Label sorted ascending by
// name. Construct with NewLabels to get the sort/dedup invariant for free.
type Labels []Label

// NewLabels sorts and deduplicates m into a canonical Labels value. On a
// duplicate name, the last value wins.
func NewLabels(m map[string]string) Labels {
	out := make(Labels, 0, len(m))
	for k, v := range m {
		out = append(out, Label{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the value for name and whether it was present.
func (l Labels) Get(name string) (string, bool) {
	for _, lb := range l {
		if lb.Name == name {
			return lb.Value, true
		}
	}
	return "", false
}

// Name returns the __name__ label value, or "" if absent.
func (l Labels) Name() string {
	v, _ := l.Get(MetricNameLabel)
	return v
}

// WithoutMetricName returns a copy of l with __name__ removed.
func (l Labels) WithoutMetricName() Labels {
	return l.Exclude(MetricNameLabel)
}

// Set returns a copy of l with name set to value, inserted to keep sort
// order, replacing any existing value for name.
func (l Labels) Set(name, value string) Labels {
	out := make(Labels, 0, len(l)+1)
	inserted := false
	for _, lb := range l {
		if lb.Name == name {
			continue
		}
		if !inserted && lb.Name > name {
			out = append(out, Label{Name: name, Value: value})
			inserted = true
		}
		out = append(out, lb)
	}
	if !inserted {
		out = append(out, Label{Name: name, Value: value})
	}
	return out
}

// Exclude returns a copy of l with every label named in names removed.
func (l Labels) Exclude(names ...string) Labels {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := make(Labels, 0, len(l))
	for _, lb := range l {
		if !drop[lb.Name] {
			out = append(out, lb)
		}
	}
	return out
}

// Include returns a copy of l retaining only labels named in names.
func (l Labels) Include(names ...string) Labels {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	out := make(Labels, 0, len(names))
	for _, lb := range l {
		if keep[lb.Name] {
			out = append(out, lb)
		}
	}
	return out
}

// LabelsToInclude implements PromQL `by(...)`.
func LabelsToInclude(include []string, l Labels) Labels {
	return l.Include(include...)
}

// LabelsToExclude implements PromQL `without(...)`; without always strips
// __name__ in addition to the named labels.
func LabelsToExclude(exclude []string, l Labels) Labels {
	return l.Exclude(exclude...).Exclude(MetricNameLabel)
}

var seed = maphash.MakeSeed()

// Signature returns a 64-bit fingerprint stable across Labels values with
// identical content. Two Labels built from the same (name, value) pairs,
// regardless of construction order, always hash equal because Labels is
// kept sorted.
func (l Labels) Signature() uint64 {
	return signatureOf(l)
}

// SignatureWithoutLabels returns a signature computed after excluding the
// named labels — used to bucket histogram series without `le`, to group
// for aggregation, and to detect identical series across peer responses.
func SignatureWithoutLabels(l Labels, exclusions ...string) uint64 {
	return signatureOf(l.Exclude(exclusions...))
}

func signatureOf(l Labels) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	for _, lb := range l {
		_, _ = h.WriteString(lb.Name)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(lb.Value)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
