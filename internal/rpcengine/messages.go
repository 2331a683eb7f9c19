// Package rpcengine exposes internal/engine's Exec and QueryExemplars
// operations as a gRPC service.
//
// Rather than hand-encode a second protobuf wire format on top of the one
// internal/resultcache already needs for its disk blobs, this package
// registers a small JSON grpc-go codec (google.golang.org/grpc's
// encoding.Codec extension point, the same mechanism generated *.pb.go
// files use to plug in the "proto" codec) and writes the service
// registration generated code would otherwise produce: a
// grpc.ServiceDesc, a server interface, and a thin client. It is still
// google.golang.org/grpc doing the framing, flow control, and transport —
// only the message codec is hand-rolled.
package rpcengine

import "code.cloudfoundry.org/metric-query/internal/promqlvalue"

// Sample, Exemplar, and Label mirror promqlvalue's types field-for-field;
// kept distinct so the wire shape doesn't change if the in-process value
// model does.
type Sample struct {
	TimestampUs int64   `json:"t"`
	Value       float64 `json:"v"`
}

type Label struct {
	Name  string `json:"n"`
	Value string `json:"v"`
}

type Exemplar struct {
	TimestampUs int64   `json:"t"`
	Value       float64 `json:"v"`
	Labels      []Label `json:"labels,omitempty"`
}

type Series struct {
	Labels    []Label    `json:"labels"`
	Samples   []Sample   `json:"samples,omitempty"`
	Exemplars []Exemplar `json:"exemplars,omitempty"`
}

// ExecRequest is shared by Exec and QueryExemplars: both run a PromQL
// expression over a window, differing only in which server method is
// invoked.
type ExecRequest struct {
	OrgID           string          `json:"org_id"`
	TraceID         string          `json:"trace_id"`
	Expr            string          `json:"expr"`
	StartUs         int64           `json:"start_us"`
	EndUs           int64           `json:"end_us"`
	IntervalUs      int64           `json:"interval_us"`
	LookbackDeltaUs int64           `json:"lookback_delta_us"`
	LabelSelector   map[string]bool `json:"label_selector,omitempty"`
}

// ExecResponse carries exec()/query_exemplars()'s shaped result: a scalar
// is one Series with one Sample and no labels; a vector is one Sample per
// Series; a matrix or exemplar result carries every Sample/Exemplar.
type ExecResponse struct {
	ResultType string    `json:"result_type"`
	Series     []Series  `json:"series,omitempty"`
	ScanStats  ScanStats `json:"scan_stats"`
}

type ScanStats struct {
	Files          int64 `json:"files"`
	Records        int64 `json:"records"`
	OriginalSize   int64 `json:"original_size"`
	CompressedSize int64 `json:"compressed_size"`
	QuerierFiles   int64 `json:"querier_files"`
}

func toWireLabels(l promqlvalue.Labels) []Label {
	out := make([]Label, len(l))
	for i, lb := range l {
		out[i] = Label{Name: lb.Name, Value: lb.Value}
	}
	return out
}

func toWireExemplars(es []promqlvalue.Exemplar) []Exemplar {
	if len(es) == 0 {
		return nil
	}
	out := make([]Exemplar, len(es))
	for i, e := range es {
		out[i] = Exemplar{TimestampUs: e.TimestampUs, Value: e.Value, Labels: toWireLabels(e.Labels)}
	}
	return out
}

// ToWireResponse flattens a promqlvalue.Value into the wire Series list per
// its Kind, the same shaping exec.go's Result.ResultType already names.
func ToWireResponse(resultType string, v promqlvalue.Value, stats promqlvalue.ScanStats) ExecResponse {
	resp := ExecResponse{
		ResultType: resultType,
		ScanStats: ScanStats{
			Files:          stats.Files,
			Records:        stats.Records,
			OriginalSize:   stats.OriginalSize,
			CompressedSize: stats.CompressedSize,
			QuerierFiles:   stats.QuerierFiles,
		},
	}

	switch v.Kind {
	case promqlvalue.KindSample:
		resp.Series = []Series{{Samples: []Sample{{TimestampUs: v.Sample.TimestampUs, Value: v.Sample.Value}}}}
	case promqlvalue.KindString:
		resp.Series = []Series{{Labels: []Label{{Name: "value", Value: v.String}}}}
	case promqlvalue.KindVector:
		resp.Series = make([]Series, len(v.Vector))
		for i, iv := range v.Vector {
			resp.Series[i] = Series{
				Labels:  toWireLabels(iv.Labels),
				Samples: []Sample{{TimestampUs: iv.Sample.TimestampUs, Value: iv.Sample.Value}},
			}
		}
	case promqlvalue.KindMatrix:
		resp.Series = make([]Series, len(v.Matrix))
		for i, rv := range v.Matrix {
			s := Series{Labels: toWireLabels(rv.Labels), Exemplars: toWireExemplars(rv.Exemplars)}
			s.Samples = make([]Sample, len(rv.Samples))
			for j, sm := range rv.Samples {
				s.Samples[j] = Sample{TimestampUs: sm.TimestampUs, Value: sm.Value}
			}
			resp.Series[i] = s
		}
	}

	return resp
}
