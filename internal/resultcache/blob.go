package resultcache

import (
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeResponse wire-encodes series as the MetricsQueryResponse message
// used as the disk blob format:
//
//	message MetricsQueryResponse { repeated Series series = 1; }
//	message Series {
//	  repeated Label labels = 1;
//	  repeated Sample samples = 2;
//	  repeated Exemplar exemplars = 3;
//	}
//	message Label    { string name = 1; string value = 2; }
//	message Sample   { int64 timestamp_us = 1; double value = 2; }
//	message Exemplar { int64 timestamp_us = 1; double value = 2; repeated Label labels = 3; }
//
// The message is small and stable enough that hand-encoding against
// protowire beats carrying generated code for it.
func EncodeResponse(series []promqlvalue.RangeValue) []byte {
	var out []byte
	for _, rv := range series {
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeSeries(rv))
	}
	return out
}

func encodeSeries(rv promqlvalue.RangeValue) []byte {
	var b []byte
	for _, l := range rv.Labels {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLabel(l))
	}
	for _, s := range rv.Samples {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSample(s))
	}
	for _, e := range rv.Exemplars {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeExemplar(e))
	}
	return b
}

func encodeLabel(l promqlvalue.Label) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, l.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, l.Value)
	return b
}

func encodeSample(s promqlvalue.Sample) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.TimestampUs))
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64FromFloat(s.Value))
	return b
}

func encodeExemplar(e promqlvalue.Exemplar) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TimestampUs))
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64FromFloat(e.Value))
	for _, l := range e.Labels {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLabel(l))
	}
	return b
}

// DecodeResponse reverses EncodeResponse. Unknown field numbers are skipped
// rather than rejected, in keeping with protobuf's forward-compatibility
// rules.
func DecodeResponse(data []byte) ([]promqlvalue.RangeValue, error) {
	var out []promqlvalue.RangeValue
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			rv, err := decodeSeries(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, rv)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return out, nil
}

func decodeSeries(data []byte) (promqlvalue.RangeValue, error) {
	var labels []promqlvalue.Label
	var samples []promqlvalue.Sample
	var exemplars []promqlvalue.Exemplar

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return promqlvalue.RangeValue{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return promqlvalue.RangeValue{}, protowire.ParseError(n)
			}
			data = data[n:]
			l, err := decodeLabel(raw)
			if err != nil {
				return promqlvalue.RangeValue{}, err
			}
			labels = append(labels, l)
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return promqlvalue.RangeValue{}, protowire.ParseError(n)
			}
			data = data[n:]
			s, err := decodeSample(raw)
			if err != nil {
				return promqlvalue.RangeValue{}, err
			}
			samples = append(samples, s)
		case num == 3 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return promqlvalue.RangeValue{}, protowire.ParseError(n)
			}
			data = data[n:]
			e, err := decodeExemplar(raw)
			if err != nil {
				return promqlvalue.RangeValue{}, err
			}
			exemplars = append(exemplars, e)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return promqlvalue.RangeValue{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return promqlvalue.RangeValue{Labels: promqlvalue.Labels(labels), Samples: samples, Exemplars: exemplars}, nil
}

func decodeLabel(data []byte) (promqlvalue.Label, error) {
	var l promqlvalue.Label
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return l, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			l.Name = s
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			l.Value = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return l, nil
}

func decodeSample(data []byte) (promqlvalue.Sample, error) {
	var s promqlvalue.Sample
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return s, protowire.ParseError(n)
			}
			s.TimestampUs = int64(v)
			data = data[n:]
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return s, protowire.ParseError(n)
			}
			s.Value = floatFromUint64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return s, nil
}

func decodeExemplar(data []byte) (promqlvalue.Exemplar, error) {
	var e promqlvalue.Exemplar
	var labels []promqlvalue.Label
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.TimestampUs = int64(v)
			data = data[n:]
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Value = floatFromUint64(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			l, err := decodeLabel(raw)
			if err != nil {
				return e, err
			}
			labels = append(labels, l)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	e.Labels = promqlvalue.Labels(labels)
	return e, nil
}
