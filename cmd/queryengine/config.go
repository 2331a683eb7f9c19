package main

import (
	"time"

	"code.cloudfoundry.org/metric-query/internal/config"

	envstruct "code.cloudfoundry.org/go-envstruct"
	"code.cloudfoundry.org/metric-query/internal/tls"
)

// Config is the configuration for the query engine.
type Config struct {
	Addr string `env:"ADDR, required, report"`

	// QueryTimeout sets the maximum allowed runtime for a single PromQL
	// query.
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT, report"`

	// QueryThreadNum is query_thread_num: the worker count the selector
	// loader uses to chunk its per-series sample sort. Aggregation and
	// range functions are not chunked; they run on the evaluating goroutine.
	QueryThreadNum int `env:"QUERY_THREAD_NUM, report"`

	// CPUNum is cpu_num, defaulted to runtime.NumCPU() when zero.
	CPUNum int `env:"CPU_NUM, report"`

	// ResultCacheEnabled toggles internal/resultcache. When false, Exec
	// always evaluates the full requested window.
	ResultCacheEnabled bool `env:"RESULT_CACHE_ENABLED, report"`

	// ResultCacheBuckets is the result cache's shard count (B).
	ResultCacheBuckets int `env:"RESULT_CACHE_BUCKETS, report"`

	// MetricsCacheMaxEntries is the result cache's total entry budget,
	// divided evenly across ResultCacheBuckets.
	MetricsCacheMaxEntries int `env:"METRICS_CACHE_MAX_ENTRIES, report"`

	// ResultCacheGCTrigger is the fraction of a bucket's share of
	// MetricsCacheMaxEntries that triggers FIFO eviction.
	ResultCacheGCTrigger float64 `env:"RESULT_CACHE_GC_TRIGGER, report"`

	// CacheDelaySecs is cache_delay_secs: how far behind "now" a Set is
	// allowed to write, so in-flight ingestion doesn't get cached as final.
	CacheDelaySecs int64 `env:"CACHE_DELAY_SECS, report"`

	// ResultCacheDir is the base directory FileBlobStore writes cached
	// query-range blobs under.
	ResultCacheDir string `env:"RESULT_CACHE_DIR, report"`

	// MetricsInlistFilterEnabled is metrics_inlist_filter_enabled: whether
	// the selector loader pushes an IN-list filter down to TableProvider.
	MetricsInlistFilterEnabled bool `env:"METRICS_INLIST_FILTER_ENABLED, report"`

	// DashboardPlaceholder is the matcher value the rewriter strips.
	DashboardPlaceholder string `env:"DASHBOARD_PLACEHOLDER, report"`

	// PrintKeySQL is print_key_sql: logs the physical query plan
	// TableProvider built for each selector, for operator debugging.
	PrintKeySQL bool `env:"PRINT_KEY_SQL, report"`

	// PprofPort is the loopback-only port internal/pprof.RunServer listens
	// on for profiling, separate from the health/uptime endpoint.
	PprofPort uint16 `env:"PPROF_PORT, report"`

	TLS           tls.TLS
	MetricsServer config.MetricsServer
}

// LoadConfig creates a Config from environment variables.
func LoadConfig() (*Config, error) {
	c := Config{
		Addr:                   ":8080",
		QueryTimeout:           10 * time.Second,
		QueryThreadNum:         4,
		ResultCacheEnabled:     true,
		ResultCacheBuckets:     16,
		MetricsCacheMaxEntries: 10000,
		ResultCacheGCTrigger:   0.9,
		CacheDelaySecs:         30,
		ResultCacheDir:         "/var/vcap/store/query-engine/result-cache",
		DashboardPlaceholder:   "$__all",
		PprofPort:              6061,
		MetricsServer: config.MetricsServer{
			Port: 6060,
		},
	}

	if err := envstruct.Load(&c); err != nil {
		return nil, err
	}

	return &c, nil
}
