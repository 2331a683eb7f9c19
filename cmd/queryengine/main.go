package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"code.cloudfoundry.org/go-loggregator/metrics"

	envstruct "code.cloudfoundry.org/go-envstruct"
	"code.cloudfoundry.org/metric-query/internal/capability"
	"code.cloudfoundry.org/metric-query/internal/engine"
	"code.cloudfoundry.org/metric-query/internal/pprof"
	"code.cloudfoundry.org/metric-query/internal/resultcache"
	"code.cloudfoundry.org/metric-query/internal/rpcengine"
	"code.cloudfoundry.org/metric-query/internal/selector"
	"google.golang.org/grpc"
)

// NewProvider constructs the capability.TableProvider this process scans
// through. Storage access is an external boundary, so the default wires
// none and main fails fast with an explanatory message rather than
// dereferencing a nil provider on the first query. A deployment supplies
// its own TableProvider by building with this var overridden (e.g. from an
// init() in an adjacent file pulled in by a build tag), the same pattern
// database/sql drivers use to register themselves by import side effect.
var NewProvider = func(cfg *Config) (capability.TableProvider, error) {
	return nil, errors.New("no capability.TableProvider wired into this binary")
}

// NewPeer is the equivalent hook for the optional super-cluster fan-out
// capability. Returning nil is valid: Loader treats a nil Peer as
// single-cluster.
var NewPeer = func(cfg *Config) (capability.PeerQuerier, error) {
	return nil, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	log.Print("Starting query engine...")
	defer log.Print("Closing query engine.")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	envstruct.WriteReport(cfg)

	logger := log.New(os.Stderr, "", log.LstdFlags)

	reg := metrics.NewRegistry(logger)
	uptime := reg.NewGauge("query_engine_uptime", metrics.WithMetricTags(map[string]string{"unit": "seconds"}))
	go func(start time.Time) {
		for range time.Tick(time.Second) {
			uptime.Set(float64(time.Since(start) / time.Second))
		}
	}(time.Now())

	provider, err := NewProvider(cfg)
	if err != nil {
		log.Fatalf("provider: %s", err)
	}
	peer, err := NewPeer(cfg)
	if err != nil {
		log.Fatalf("peer querier: %s", err)
	}

	cpuNum := cfg.CPUNum
	if cpuNum <= 0 {
		cpuNum = runtime.NumCPU()
	}

	evaluator := &engine.Evaluator{
		Selector: &selector.Loader{
			Provider:     provider,
			Peer:         peer,
			Log:          logger,
			ThreadNum:    cfg.QueryThreadNum,
			InlistFilter: cfg.MetricsInlistFilterEnabled,
			PrintPlan:    cfg.PrintKeySQL,
		},
		Placeholder: cfg.DashboardPlaceholder,
		Log:         logger,
		CPUNum:      cpuNum,
	}

	var cache *resultcache.Cache
	if cfg.ResultCacheEnabled {
		cache, err = resultcache.NewCache(context.Background(), resultcache.Config{
			Buckets:          cfg.ResultCacheBuckets,
			MaxEntries:       cfg.MetricsCacheMaxEntries,
			GCTrigger:        cfg.ResultCacheGCTrigger,
			CacheDelayUs:     cfg.CacheDelaySecs * 1e6,
			Mem:              &resultcache.SigarMemory{},
			MemPercentToFill: 90,
		}, resultcache.NewFileBlobStore(cfg.ResultCacheDir), reg)
		if err != nil {
			log.Fatalf("result cache: %s", err)
		}
	}

	srv := &queryEngineServer{
		evaluator:   evaluator,
		cache:       cache,
		timeoutSecs: uint64(cfg.QueryTimeout / time.Second),
		queries:     reg.NewCounter("query_engine_queries"),
		queryErrors: reg.NewCounter("query_engine_query_errors"),
	}

	var serverOpts []grpc.ServerOption
	if cfg.TLS.HasAnyCredential() {
		creds, err := cfg.TLS.Credentials("query-engine")
		if err != nil {
			log.Fatalf("tls: %s", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("failed to bind %s: %s", cfg.Addr, err)
	}

	grpcServer := grpc.NewServer(serverOpts...)
	rpcengine.RegisterQueryEngineServer(grpcServer, srv)

	go func() {
		log.Printf("listening on %s...", lis.Addr())
		log.Fatalf("grpc server stopped: %s", grpcServer.Serve(lis))
	}()

	if cfg.PprofPort != 0 {
		go func() {
			log.Printf("pprof server stopped: %s", pprof.RunServer(cfg.PprofPort))
		}()
	}

	log.Printf("Health: %s", http.ListenAndServe(fmt.Sprintf("localhost:%d", cfg.MetricsServer.Port), nil))
}
