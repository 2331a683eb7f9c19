package main

import (
	"context"

	"code.cloudfoundry.org/metric-query/internal/engine"
	"code.cloudfoundry.org/metric-query/internal/promqlerr"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"code.cloudfoundry.org/go-loggregator/metrics"
	"code.cloudfoundry.org/metric-query/internal/resultcache"
	"code.cloudfoundry.org/metric-query/internal/rpcengine"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// queryEngineServer adapts engine.Evaluator and an optional result cache
// to rpcengine.QueryEngineServer.
type queryEngineServer struct {
	evaluator   *engine.Evaluator
	cache       *resultcache.Cache // nil when result_cache_enabled is false
	timeoutSecs uint64

	// queries and queryErrors are nil in tests that don't wire a registry.
	queries     metrics.Counter
	queryErrors metrics.Counter
}

func (s *queryEngineServer) count(c metrics.Counter) {
	if c != nil {
		c.Add(1)
	}
}

func (s *queryEngineServer) Exec(ctx context.Context, req *rpcengine.ExecRequest) (*rpcengine.ExecResponse, error) {
	start := req.StartUs
	if s.cache != nil && req.StartUs != req.EndUs {
		if hit, ok, err := s.cache.Get(ctx, req.Expr, req.IntervalUs, req.StartUs, req.EndUs); err == nil && ok {
			start = hit.NewStart
			if start > req.EndUs {
				resp := rpcengine.ToWireResponse("matrix", promqlvalue.NewMatrix(hit.Series), promqlvalue.ScanStats{})
				return &resp, nil
			}
		}
	}

	stmt := engine.Statement{
		Expr:            req.Expr,
		StartUs:         start,
		EndUs:           req.EndUs,
		IntervalUs:      req.IntervalUs,
		LookbackDeltaUs: req.LookbackDeltaUs,
	}
	qctx := promqlvalue.QueryContext{
		TraceID:     req.TraceID,
		OrgID:       req.OrgID,
		QueryData:   true,
		UseCache:    s.cache != nil,
		TimeoutSecs: s.timeoutSecs,
	}
	s.count(s.queries)
	res, err := s.evaluator.Exec(ctx, qctx, req.LabelSelector, stmt)
	if err != nil {
		s.count(s.queryErrors)
		return nil, toGRPCError(err)
	}

	if s.cache != nil && req.StartUs != req.EndUs && res.Value.Kind == promqlvalue.KindMatrix {
		_ = s.cache.Set(ctx, req.OrgID, req.Expr, req.IntervalUs, start, req.EndUs, res.Value.Matrix, start != req.StartUs)
	}

	return toResponse(res.Value, res.ResultType, res.ScanStats), nil
}

func (s *queryEngineServer) QueryExemplars(ctx context.Context, req *rpcengine.ExecRequest) (*rpcengine.ExecResponse, error) {
	stmt := engine.Statement{
		Expr:            req.Expr,
		StartUs:         req.StartUs,
		EndUs:           req.EndUs,
		LookbackDeltaUs: req.LookbackDeltaUs,
	}
	qctx := promqlvalue.QueryContext{
		TraceID:        req.TraceID,
		OrgID:          req.OrgID,
		QueryExemplars: true,
		TimeoutSecs:    s.timeoutSecs,
	}
	s.count(s.queries)
	res, err := s.evaluator.QueryExemplars(ctx, qctx, req.LabelSelector, stmt)
	if err != nil {
		s.count(s.queryErrors)
		return nil, toGRPCError(err)
	}
	return toResponse(res.Value, res.ResultType, res.ScanStats), nil
}

func toResponse(v promqlvalue.Value, resultType string, stats promqlvalue.ScanStats) *rpcengine.ExecResponse {
	resp := rpcengine.ToWireResponse(resultType, v, stats)
	return &resp
}

// toGRPCError maps promqlerr's error kinds onto gRPC status codes.
func toGRPCError(err error) error {
	pe, ok := err.(*promqlerr.Error)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch pe.Kind {
	case promqlerr.KindPlan:
		return status.Error(codes.InvalidArgument, pe.Error())
	case promqlerr.KindTimeout:
		return status.Error(codes.DeadlineExceeded, pe.Error())
	case promqlerr.KindCancelled:
		return status.Error(codes.Canceled, pe.Error())
	case promqlerr.KindProvider:
		return status.Error(codes.Unavailable, pe.Error())
	case promqlerr.KindSuperCluster:
		return status.Error(codes.Unavailable, pe.Error())
	default:
		return status.Error(codes.Internal, pe.Error())
	}
}
